package crawler

import (
	"net/http"
	"time"

	"golang.org/x/net/html"
)

// Placeholder values written when a detail page lacks a field.
const (
	DefaultPrice       = "Not specified"
	DefaultDescription = "No detailed description found."
	DefaultProductName = "Unknown Product Name"
)

// CategoryLink is the URL of a category listing page.
type CategoryLink string

// ProductRef is a product discovered on a category listing page.
// URL is absolute and is the identity of the product for the whole run.
type ProductRef struct {
	URL             string `json:"url"`
	ListingName     string `json:"listing_name"`
	ListingCategory string `json:"listing_category"`
}

// ProductRecord is the structured result of extracting a product detail page.
type ProductRecord struct {
	ProductName string `json:"product_name"`
	Category    string `json:"category"`
	PriceMedian string `json:"price_median"`
	PriceLow    string `json:"price_low"`
	PriceHigh   string `json:"price_high"`
	Description string `json:"description"`
	URL         string `json:"url"`
}

// Page is a fetched and parsed HTML document.
type Page struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Root       *html.Node
	Duration   time.Duration
}

// RunStats summarizes a crawl run.
type RunStats struct {
	RunID              string        `json:"run_id"`
	Status             string        `json:"status,omitempty"`
	Categories         int           `json:"categories"`
	RefsDiscovered     int           `json:"refs_discovered"`
	RefsQueued         int           `json:"refs_queued"`
	RefsSkipped        int64         `json:"refs_skipped"`
	PagesFetched       int64         `json:"pages_fetched"`
	FetchFailures      int64         `json:"fetch_failures"`
	RecordsQueued      int64         `json:"records_queued"`
	RecordsDropped     int64         `json:"records_dropped"`
	RecordsWritten     int64         `json:"records_written"`
	WriteFailures      int64         `json:"write_failures"`
	WriterMarks        int64         `json:"writer_marks"`
	TransactionalError string        `json:"transactional_error,omitempty"`
	StartedAt          time.Time     `json:"started_at"`
	Elapsed            time.Duration `json:"elapsed"`
}
