package crawler

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// recordedHeaders is the subset of response headers kept on a PageRecord.
var recordedHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Content-Language",
	"Cache-Control",
	"Last-Modified",
	"ETag",
	"X-Robots-Tag",
	"Link",
	"Server",
	"Location",
}

// buildPageRecord turns a render result into an immutable PageRecord.
func buildPageRecord(entry FrontierEntry, res RenderResult, hasher Hasher, now time.Time) (PageRecord, error) {
	if strings.TrimSpace(res.HTML) == "" {
		return PageRecord{}, &ExtractionError{URL: entry.URL, Err: errors.New("empty document")}
	}
	hash, err := hasher.Hash([]byte(res.HTML))
	if err != nil {
		return PageRecord{}, &ExtractionError{URL: entry.URL, Err: fmt.Errorf("hash content: %w", err)}
	}
	fields := res.Fields
	perf := res.Performance
	if perf.DurationMs == 0 {
		perf.DurationMs = res.Duration.Milliseconds()
	}
	finalURL := res.URL
	if finalURL == entry.URL {
		finalURL = ""
	}
	return PageRecord{
		URL:             entry.URL,
		FinalURL:        finalURL,
		Title:           fields.Title,
		MetaDescription: fields.MetaDescription,
		StatusCode:      res.StatusCode,
		Headers:         headerSubset(res.Headers),
		ContentHash:     hash,
		ByteSize:        int64(len(res.HTML)),
		Depth:           entry.Depth,
		Referrer:        entry.Referrer,
		FetchedAt:       now,
		MetaTags:        copyStringMap(fields.MetaTags),
		Performance:     perf,
		SEO: SEOSignals{
			Headings:       append([]Heading(nil), fields.Headings...),
			Links:          append([]string(nil), fields.Links...),
			Images:         append([]Image(nil), fields.Images...),
			StructuredData: append([]string(nil), fields.StructuredData...),
			Canonical:      fields.Canonical,
			Lang:           fields.Lang,
		},
		Content:   fields.Text,
		WordCount: len(strings.Fields(fields.Text)),
	}, nil
}

// fingerprintOf derives the change-detection signals of a record.
func fingerprintOf(record PageRecord) Fingerprint {
	return Fingerprint{
		LastModified: record.Headers.Get("Last-Modified"),
		ETag:         record.Headers.Get("ETag"),
		ContentHash:  record.ContentHash,
	}
}

func headerSubset(h http.Header) http.Header {
	if len(h) == 0 {
		return http.Header{}
	}
	out := make(http.Header, len(recordedHeaders))
	for _, key := range recordedHeaders {
		if values := h.Values(key); len(values) > 0 {
			out[http.CanonicalHeaderKey(key)] = append([]string(nil), values...)
		}
	}
	return out
}

func copyStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// AnalysisPage is the flat shape consumed by downstream analyzers
// (duplicate content, internal linking, mobile checks).
type AnalysisPage struct {
	URL      string   `json:"url"`
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Links    []string `json:"links"`
	Keywords []string `json:"keywords,omitempty"`
}

// AnalysisPage projects the record onto the downstream analyzer shape.
func (r PageRecord) AnalysisPage() AnalysisPage {
	return AnalysisPage{
		URL:      r.URL,
		Title:    r.Title,
		Content:  r.Content,
		Links:    append([]string(nil), r.SEO.Links...),
		Keywords: splitKeywords(r.MetaTags["keywords"]),
	}
}

// AnalysisPages returns every page of the result sorted by URL.
func (r Result) AnalysisPages() []AnalysisPage {
	urls := make([]string, 0, len(r.Pages))
	for u := range r.Pages {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	out := make([]AnalysisPage, 0, len(urls))
	for _, u := range urls {
		out = append(out, r.Pages[u].AnalysisPage())
	}
	return out
}

func splitKeywords(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{})
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
