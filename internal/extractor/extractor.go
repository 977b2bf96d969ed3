// Package extractor turns marketplace product detail pages into records using
// XPath queries.
package extractor

import (
	"strings"
	"unicode/utf8"

	"github.com/antchfx/htmlquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

const (
	nameExpr        = `//h1[@class="rt-Heading rt-r-size-5"]/text()`
	descriptionExpr = `//div[contains(@class, "rt-Box _read-more-box__content_122o3_1")]`
	medianPriceExpr = `//div[contains(@class, "rt-r-ai-end")]/span[@class="v-fw-700 v-fs-24"]/text()`
	rangeExpr       = `//div[contains(@class, "rt-Grid") and contains(@class, "rt-r-gtc") and contains(@class, "_rangeSlider")]`
	lowPriceExpr    = `./span[1]/text()`
	highPriceExpr   = `./span[2]/text()`
	categoryExpr    = `//nav[contains(@aria-label, "breadcrumb")]//a[contains(@href, "/categories/")]/text()`

	minDescriptionLen = 20
)

// boilerplate prefixes of read-more boxes that are not product descriptions.
var skippedDescriptionPrefixes = []string{"what is", "how it works"}

// Extractor implements crawler.Extractor over parsed HTML trees.
type Extractor struct {
	logger *zap.Logger
}

// New constructs an Extractor.
func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger}
}

// Extract reads the product fields from page. Fields missing from the page keep
// the fallbacks (name, category) or the placeholder defaults (prices, description).
func (e *Extractor) Extract(page *crawler.Page, fallbackName, fallbackCategory string) crawler.ProductRecord {
	rec := crawler.ProductRecord{
		ProductName: fallbackName,
		Category:    fallbackCategory,
		PriceMedian: crawler.DefaultPrice,
		PriceLow:    crawler.DefaultPrice,
		PriceHigh:   crawler.DefaultPrice,
		Description: crawler.DefaultDescription,
	}
	if page == nil || page.Root == nil {
		return rec
	}
	if page.URL != "" {
		rec.URL = page.URL
	}
	root := page.Root

	if v, ok := firstText(root, nameExpr); ok {
		rec.ProductName = v
	}
	if v, ok := description(root); ok {
		rec.Description = v
	}
	if v, ok := firstText(root, medianPriceExpr); ok {
		rec.PriceMedian = v
	}
	if container := htmlquery.FindOne(root, rangeExpr); container != nil {
		if v, ok := firstText(container, lowPriceExpr); ok {
			rec.PriceLow = v
		}
		if v, ok := firstText(container, highPriceExpr); ok {
			rec.PriceHigh = v
		}
	} else {
		e.logger.Debug("price range container not found", zap.String("url", page.URL))
	}
	if v, ok := firstText(root, categoryExpr); ok {
		rec.Category = v
	}

	e.logger.Debug("extracted product",
		zap.String("url", page.URL),
		zap.String("product_name", rec.ProductName),
		zap.String("category", rec.Category),
		zap.String("price_median", rec.PriceMedian),
	)
	return rec
}

func firstText(top *html.Node, expr string) (string, bool) {
	n := htmlquery.FindOne(top, expr)
	if n == nil {
		return "", false
	}
	return strings.TrimSpace(htmlquery.InnerText(n)), true
}

func description(root *html.Node) (string, bool) {
	var parts []string
	for _, n := range htmlquery.Find(root, descriptionExpr) {
		text := strings.TrimSpace(htmlquery.InnerText(n))
		if utf8.RuneCountInString(text) <= minDescriptionLen || isBoilerplate(text) {
			continue
		}
		parts = append(parts, text)
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}

func isBoilerplate(text string) bool {
	lower := strings.ToLower(text)
	for _, prefix := range skippedDescriptionPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}
