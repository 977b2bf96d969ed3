// Package discovery finds category pages on the marketplace landing page and
// product references on each category page.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
	"github.com/JakeFAU/marketplace-crawler/internal/metrics"
)

const (
	// DefaultCategorySelector matches the department pill buttons on the landing page.
	DefaultCategorySelector = `button[class="_button_3ftu4_1 _stylePrimary_3ftu4_39 _sizeDefault_3ftu4_12 _departmentPill_sticr_199"]`

	productAnchorSelector = `a[href^="/marketplace/"][class*="rt-Link"][data-discover="true"]`
	listingNameSelector   = `span[class="rt-Text rt-r-size-2 rt-truncate"]`
)

// Config controls discovery.
type Config struct {
	BaseURL          string
	Keywords         []string
	CategoryDelay    time.Duration
	TestMode         bool
	TestLimit        int
	CategorySelector string
}

// Summary describes a finished discovery pass.
type Summary struct {
	Categories     int
	CategoryFailed int
	RefsFound      int
	RefsUnique     int
	RefsQueued     int
}

// Discoverer walks the landing page and category pages sequentially.
type Discoverer struct {
	fetcher crawler.Fetcher
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Discoverer.
func New(fetcher crawler.Fetcher, cfg Config, logger *zap.Logger) *Discoverer {
	if cfg.CategorySelector == "" {
		cfg.CategorySelector = DefaultCategorySelector
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{fetcher: fetcher, cfg: cfg, logger: logger}
}

// Discover returns the deduplicated, possibly capped product refs. It returns
// crawler.ErrNoCategories when the landing page yields no matching category.
func (d *Discoverer) Discover(ctx context.Context) ([]crawler.ProductRef, Summary, error) {
	var summary Summary
	categories := d.Categories(ctx)
	summary.Categories = len(categories)
	if len(categories) == 0 {
		return nil, summary, crawler.ErrNoCategories
	}

	var all []crawler.ProductRef
	for i, category := range categories {
		if err := ctx.Err(); err != nil {
			return nil, summary, fmt.Errorf("discover products: %w", err)
		}
		d.logger.Info("processing category page",
			zap.Int("index", i+1),
			zap.Int("total", len(categories)),
			zap.String("category_url", string(category)),
		)
		refs, err := d.Products(ctx, category)
		if err != nil {
			summary.CategoryFailed++
			continue
		}
		all = append(all, refs...)
	}
	summary.RefsFound = len(all)

	unique := Deduplicate(all)
	summary.RefsUnique = len(unique)
	limited := Limit(unique, d.cfg.TestMode, d.cfg.TestLimit)
	if d.cfg.TestMode {
		d.logger.Info("test mode active, limiting products",
			zap.Int("limit", d.cfg.TestLimit),
			zap.Int("products", len(limited)),
		)
	}
	summary.RefsQueued = len(limited)
	return limited, summary, nil
}

// Categories fetches the landing page and returns matching category links in
// document order. A failed fetch yields no links.
func (d *Discoverer) Categories(ctx context.Context) []crawler.CategoryLink {
	d.logger.Info("fetching landing page", zap.String("url", d.cfg.BaseURL))
	page, err := d.fetch(ctx, d.cfg.BaseURL, 0)
	if err != nil {
		d.logger.Error("landing page fetch failed, no categories discovered", zap.Error(err))
		return nil
	}
	buttons, links := ParseCategoryLinks(page.Root, d.cfg.CategorySelector, d.cfg.Keywords)
	d.logger.Info("category links identified",
		zap.Int("buttons", buttons),
		zap.Int("matched", len(links)),
		zap.Strings("keywords", d.cfg.Keywords),
	)
	return links
}

// Products fetches one category page and returns the product refs on it.
func (d *Discoverer) Products(ctx context.Context, category crawler.CategoryLink) ([]crawler.ProductRef, error) {
	page, err := d.fetch(ctx, string(category), d.cfg.CategoryDelay)
	if err != nil {
		d.logger.Warn("skipping failed category page",
			zap.String("category_url", string(category)),
			zap.Error(err),
		)
		return nil, err
	}
	refs, skipped := ParseProductRefs(page.Root, d.cfg.BaseURL, string(category))
	if skipped > 0 {
		d.logger.Warn("product anchors without usable href",
			zap.String("category_url", string(category)),
			zap.Int("skipped", skipped),
		)
	}
	d.logger.Info("product links found",
		zap.String("category", crawler.LastPathSegment(string(category))),
		zap.Int("products", len(refs)),
	)
	return refs, nil
}

func (d *Discoverer) fetch(ctx context.Context, url string, delay time.Duration) (*crawler.Page, error) {
	page, err := d.fetcher.Fetch(ctx, url, delay)
	if err != nil {
		metrics.ObserveFetchFailure(crawler.FetchErrorKindOf(err))
		return nil, err
	}
	metrics.ObserveFetch(page.URL, "category", page.StatusCode, len(page.Body), page.Duration)
	return page, nil
}

// ParseCategoryLinks returns the number of category buttons found and the
// hrefs of those whose first link contains any keyword (case-sensitive).
func ParseCategoryLinks(root *html.Node, selector string, keywords []string) (int, []crawler.CategoryLink) {
	if root == nil {
		return 0, nil
	}
	doc := goquery.NewDocumentFromNode(root)
	buttons := doc.Find(selector)
	var links []crawler.CategoryLink
	buttons.Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Find("a[href]").First().Attr("href")
		if !ok || !containsAny(href, keywords) {
			return
		}
		links = append(links, crawler.CategoryLink(href))
	})
	return buttons.Length(), links
}

// ParseProductRefs returns the product refs on a category page along with the
// number of anchors skipped for lacking an href.
func ParseProductRefs(root *html.Node, baseURL, categoryURL string) ([]crawler.ProductRef, int) {
	if root == nil {
		return nil, 0
	}
	slug := crawler.LastPathSegment(categoryURL)
	doc := goquery.NewDocumentFromNode(root)
	var (
		refs    []crawler.ProductRef
		skipped int
	)
	doc.Find(productAnchorSelector).Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" {
			skipped++
			return
		}
		productURL, err := crawler.ResolveURL(baseURL, href)
		if err != nil {
			skipped++
			return
		}
		name := crawler.DefaultProductName
		if span := s.Find(listingNameSelector).First(); span.Length() > 0 {
			name = strings.TrimSpace(span.Text())
		}
		refs = append(refs, crawler.ProductRef{
			URL:             productURL,
			ListingName:     name,
			ListingCategory: slug,
		})
	})
	return refs, skipped
}

// Deduplicate keys refs by URL. The last ref seen for a URL wins; output
// order follows the first appearance of each URL.
func Deduplicate(refs []crawler.ProductRef) []crawler.ProductRef {
	index := make(map[string]int, len(refs))
	out := make([]crawler.ProductRef, 0, len(refs))
	for _, ref := range refs {
		if i, ok := index[ref.URL]; ok {
			out[i] = ref
			continue
		}
		index[ref.URL] = len(out)
		out = append(out, ref)
	}
	return out
}

// Limit truncates refs to max when testMode is set.
func Limit(refs []crawler.ProductRef, testMode bool, max int) []crawler.ProductRef {
	if !testMode || max < 0 || len(refs) <= max {
		return refs
	}
	return refs[:max]
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
