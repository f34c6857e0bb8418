package crawler

import (
	"net/url"
	"regexp"
	"strings"
)

// linkFilter keeps discovered links on the seed host that pass the URL patterns.
type linkFilter struct {
	host    string
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

func newLinkFilter(seed string, include, exclude []*regexp.Regexp) linkFilter {
	return linkFilter{host: hostOf(seed), include: include, exclude: exclude}
}

// candidates resolves and normalizes links found on pageURL and returns the
// crawlable ones in discovery order without duplicates.
func (f linkFilter) candidates(pageURL string, links []string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		base = nil
	}
	seen := make(map[string]struct{}, len(links))
	out := make([]string, 0, len(links))
	for _, href := range links {
		normalized, err := ResolveLink(base, href)
		if err != nil {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		if !f.allow(normalized) {
			continue
		}
		out = append(out, normalized)
	}
	return out
}

func (f linkFilter) allow(normalized string) bool {
	if !strings.EqualFold(hostOf(normalized), f.host) {
		return false
	}
	for _, re := range f.exclude {
		if re.MatchString(normalized) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, re := range f.include {
		if re.MatchString(normalized) {
			return true
		}
	}
	return false
}
