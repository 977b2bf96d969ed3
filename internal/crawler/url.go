package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// ResolveURL joins a site-relative href ("/...") with base. Any other value is
// returned unchanged.
func ResolveURL(base, href string) (string, error) {
	if !strings.HasPrefix(href, "/") {
		return href, nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parse href: %w", err)
	}
	return b.ResolveReference(ref).String(), nil
}

// LastPathSegment returns the final non-empty path segment of rawURL.
func LastPathSegment(rawURL string) string {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		path = u.Path
	}
	path = strings.TrimRight(path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
