package collyfetcher

import (
	"context"
	"fmt"
	"net/http"

	"github.com/JakeFAU/seo-crawler/internal/crawler"
)

var _ crawler.Prober = (*Fetcher)(nil)

// Probe collects the change-detection hint for url. Header strategies use a
// HEAD request, falling back to GET when the server refuses HEAD; the
// content_hash strategy downloads the body and hashes it.
func (f *Fetcher) Probe(ctx context.Context, url string, strategy crawler.IncrementalStrategy) (crawler.Fingerprint, error) {
	method := http.MethodHead
	if strategy == crawler.StrategyContentHash {
		method = http.MethodGet
	}
	resp, err := f.fetch(ctx, method, url)
	if err != nil {
		return crawler.Fingerprint{}, fmt.Errorf("probe %s: %w", url, err)
	}
	if method == http.MethodHead && headRefused(resp.StatusCode) {
		if resp, err = f.fetch(ctx, http.MethodGet, url); err != nil {
			return crawler.Fingerprint{}, fmt.Errorf("probe %s: %w", url, err)
		}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return crawler.Fingerprint{}, fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
	}

	fp := crawler.Fingerprint{
		LastModified: resp.Headers.Get("Last-Modified"),
		ETag:         resp.Headers.Get("ETag"),
	}
	if strategy == crawler.StrategyContentHash {
		sum, err := f.hasher.Hash(resp.Body)
		if err != nil {
			return crawler.Fingerprint{}, fmt.Errorf("probe %s: hash body: %w", url, err)
		}
		fp.ContentHash = sum
	}
	return fp, nil
}

func headRefused(status int) bool {
	return status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented
}
