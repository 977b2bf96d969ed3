// Package crawler defines the domain types and collaborator contracts shared by
// the marketplace crawl pipeline: product references discovered on category
// pages, the records extracted from product detail pages, and the fetcher,
// extractor and store interfaces the pipeline is assembled from.
package crawler
