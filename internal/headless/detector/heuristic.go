// Package detector decides when a page fetched over plain HTTP must be
// rendered again in a browser before its SEO signals can be trusted.
package detector

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/JakeFAU/seo-crawler/internal/crawler"
)

const (
	defaultMinTextBytes = 256
	scriptShareLimit    = 25
)

// mountIDs are the element ids client-side frameworks render into.
var mountIDs = map[string]struct{}{
	"root":      {},
	"app":       {},
	"__next":    {},
	"__nuxt":    {},
	"___gatsby": {},
}

// frameworkAttrs mark markup produced by a client-side framework.
var frameworkAttrs = map[string]struct{}{
	"data-reactroot":       {},
	"ng-version":           {},
	"ng-app":               {},
	"data-server-rendered": {},
	"data-v-app":           {},
}

// Signals summarizes how much a static document depends on client-side
// rendering.
type Signals struct {
	ScriptBytes int
	TextBytes   int
	// EmptyMount is set when a framework mount point has no children.
	EmptyMount bool
	// NoscriptWarning is set when <noscript> asks the visitor to enable
	// JavaScript.
	NoscriptWarning bool
	FrameworkMarker bool
}

// Analyze tokenizes body and collects its rendering signals.
func Analyze(body string) Signals {
	var sig Signals
	z := html.NewTokenizer(strings.NewReader(body))
	var (
		rawTag       string
		pendingMount bool
	)
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if pendingMount {
				sig.EmptyMount = true
			}
			return sig
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			pendingMount = false
			rawTag = ""
			if tt == html.StartTagToken {
				switch tok.Data {
				case "script", "style", "noscript", "template":
					rawTag = tok.Data
				}
			}
			for _, attr := range tok.Attr {
				if _, ok := frameworkAttrs[attr.Key]; ok {
					sig.FrameworkMarker = true
				}
				if attr.Key == "id" && tt == html.StartTagToken {
					if _, ok := mountIDs[attr.Val]; ok {
						pendingMount = true
					}
				}
			}
		case html.EndTagToken:
			if pendingMount {
				sig.EmptyMount = true
				pendingMount = false
			}
			rawTag = ""
		case html.TextToken:
			text := strings.TrimSpace(string(z.Text()))
			if text == "" {
				continue
			}
			switch rawTag {
			case "script":
				sig.ScriptBytes += len(text)
			case "noscript":
				if strings.Contains(strings.ToLower(text), "javascript") {
					sig.NoscriptWarning = true
				}
			case "style", "template":
			default:
				pendingMount = false
				sig.TextBytes += len(text)
			}
		}
	}
}

// Heuristic promotes client-rendered shells to the browser.
type Heuristic struct {
	// BodyLengthThreshold caps the size of documents judged by script share.
	BodyLengthThreshold int
	// MinTextBytes is the visible text below which framework pages are
	// treated as unrendered.
	MinTextBytes int
}

// NewHeuristic creates a detector; threshold 0 means 2048 bytes.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold, MinTextBytes: defaultMinTextBytes}
}

// ShouldPromote decides whether a browser render is required. Only 200
// responses are promoted; error pages are recorded as served.
func (h *Heuristic) ShouldPromote(res crawler.RenderResult) bool {
	if res.StatusCode != 200 {
		return false
	}
	if strings.TrimSpace(res.HTML) == "" {
		return true
	}
	sig := Analyze(res.HTML)
	switch {
	case sig.EmptyMount, sig.NoscriptWarning:
		return true
	case sig.TextBytes == 0 && len(res.Fields.Links) == 0:
		return true
	case sig.FrameworkMarker && sig.TextBytes < h.MinTextBytes:
		return true
	case sig.ScriptBytes > 0 && len(res.HTML) < h.BodyLengthThreshold &&
		sig.ScriptBytes*100 >= scriptShareLimit*(sig.ScriptBytes+sig.TextBytes):
		return true
	}
	return false
}
