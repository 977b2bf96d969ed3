// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

// DefaultUserAgent is sent when Config.UserAgent is empty.
const DefaultUserAgent = "Mozilla/50 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.0.0 Safari/537.36"

const defaultTimeout = 10 * time.Second

// Config controls collector behavior.
type Config struct {
	BaseURL   string
	UserAgent string
	Headers   http.Header
	Timeout   time.Duration
}

// Waiter blocks until a request to url may proceed.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithTransport replaces the pooled HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) {
		f.transport = rt
	}
}

// WithLimiter throttles requests per host.
func WithLimiter(w Waiter) Option {
	return func(f *Fetcher) {
		f.limiter = w
	}
}

// WithLogger sets the fetcher logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// Fetcher implements crawler.Fetcher using the Colly collector. The base
// collector owns the shared transport; every Fetch runs on a clone.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
	limiter       Waiter
	logger        *zap.Logger
	closeOnce     sync.Once
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, opts ...Option) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	f := &Fetcher{
		cfg:       cfg,
		transport: newHTTPTransport(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}

	// Every response reaches OnResponse; only 4xx and 5xx count as failures.
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit(), colly.ParseHTTPErrorResponse())
	c.UserAgent = cfg.UserAgent
	c.WithTransport(f.transport)
	c.SetRequestTimeout(cfg.Timeout)
	f.baseCollector = c
	return f
}

// Fetch waits delay, then GETs url and parses the body as HTML.
func (f *Fetcher) Fetch(ctx context.Context, url string, delay time.Duration) (*crawler.Page, error) {
	if err := pause(ctx, delay); err != nil {
		return nil, fmt.Errorf("pacing delay: %w", err)
	}
	fullURL, err := crawler.ResolveURL(f.cfg.BaseURL, url)
	if err != nil {
		return nil, &crawler.FetchError{Kind: crawler.FetchErrorNetwork, URL: url, Err: err}
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, fullURL); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	f.logger.Debug("fetching page", zap.String("url", fullURL))
	var (
		page     crawler.Page
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(ctx, fullURL, start, &page, &fetchErr)
	if err := f.runCollector(ctx, collector, fullURL, &fetchErr); err != nil {
		return nil, err
	}

	root, err := html.Parse(bytes.NewReader(page.Body))
	if err != nil {
		return nil, &crawler.FetchError{Kind: crawler.FetchErrorParse, URL: fullURL, Err: err}
	}
	page.Root = root
	f.logger.Debug("fetched page",
		zap.String("url", fullURL),
		zap.Int("status", page.StatusCode),
		zap.Duration("duration", page.Duration),
	)
	return &page, nil
}

// Close releases pooled connections. It is safe to call more than once.
func (f *Fetcher) Close() {
	f.closeOnce.Do(func() {
		if ic, ok := f.transport.(interface{ CloseIdleConnections() }); ok {
			ic.CloseIdleConnections()
		}
		f.logger.Info("fetcher closed")
	})
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	url string,
	start time.Time,
	page *crawler.Page,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, url, start, page, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	url string,
	start time.Time,
	page *crawler.Page,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*page = crawler.Page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
		if r.StatusCode >= http.StatusBadRequest {
			*fetchErr = &crawler.FetchError{Kind: crawler.FetchErrorHTTPStatus, URL: url, StatusCode: r.StatusCode}
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		*fetchErr = classify(url, r, err)
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return *fetchErr
		}
		if err != nil {
			return &crawler.FetchError{Kind: crawler.FetchErrorNetwork, URL: url, Err: err}
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(r *colly.Request) {
	if f.cfg.UserAgent != "" {
		r.Headers.Set("User-Agent", f.cfg.UserAgent)
	}
	for key, values := range f.cfg.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func classify(url string, r *colly.Response, err error) error {
	if r != nil && r.StatusCode > 0 {
		return &crawler.FetchError{
			Kind:       crawler.FetchErrorHTTPStatus,
			URL:        url,
			StatusCode: r.StatusCode,
			Err:        err,
		}
	}
	if err == nil {
		err = errors.New("unknown collector error")
	}
	return &crawler.FetchError{Kind: crawler.FetchErrorNetwork, URL: url, Err: err}
}

func pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}
