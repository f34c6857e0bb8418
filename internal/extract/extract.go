// Package extract pulls SEO signals out of rendered HTML with goquery.
package extract

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/seo-crawler/internal/crawler"
)

// skipText lists elements whose text is not visible page content.
var skipText = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
	"svg":      true,
}

// Fields parses html and extracts the fields recorded for a page. Relative
// links, image sources and the canonical URL are resolved against pageURL, or
// against <base href> when the document declares one.
func Fields(html, pageURL string) (crawler.ExtractedFields, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return crawler.ExtractedFields{}, fmt.Errorf("parse html: %w", err)
	}
	base := baseURL(doc, pageURL)

	fields := crawler.ExtractedFields{
		Title:           collapse(doc.Find("title").First().Text()),
		MetaDescription: metaContent(doc, "meta[name='description']", "meta[property='og:description']"),
		Lang:            strings.TrimSpace(doc.Find("html").AttrOr("lang", "")),
		MetaTags:        metaTags(doc),
		Headings:        headings(doc),
		StructuredData:  structuredData(doc),
		Images:          images(doc, base),
		Links:           links(doc, base),
	}
	if href, ok := doc.Find("link[rel='canonical']").First().Attr("href"); ok {
		fields.Canonical = resolve(base, href)
	}
	if fields.Title == "" {
		fields.Title = metaContent(doc, "meta[property='og:title']")
	}
	fields.Text = bodyText(doc)
	return fields, nil
}

func baseURL(doc *goquery.Document, pageURL string) *url.URL {
	page, err := url.Parse(pageURL)
	if err != nil {
		page = nil
	}
	href, ok := doc.Find("base[href]").First().Attr("href")
	if !ok {
		return page
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return page
	}
	if page == nil {
		return ref
	}
	return page.ResolveReference(ref)
}

func metaContent(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if content, ok := doc.Find(sel).First().Attr("content"); ok {
			if content = strings.TrimSpace(content); content != "" {
				return content
			}
		}
	}
	return ""
}

// metaTags keys every <meta> by its lowercased name, property or http-equiv.
// The first occurrence wins.
func metaTags(doc *goquery.Document) map[string]string {
	out := make(map[string]string)
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		content, ok := s.Attr("content")
		if !ok {
			return
		}
		var key string
		for _, attr := range []string{"name", "property", "http-equiv"} {
			if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
				key = strings.ToLower(strings.TrimSpace(v))
				break
			}
		}
		if key == "" {
			return
		}
		if _, dup := out[key]; !dup {
			out[key] = strings.TrimSpace(content)
		}
	})
	if len(out) == 0 {
		return nil
	}
	return out
}

func headings(doc *goquery.Document) []crawler.Heading {
	var out []crawler.Heading
	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		text := collapse(s.Text())
		if text == "" {
			return
		}
		level := int(goquery.NodeName(s)[1] - '0')
		out = append(out, crawler.Heading{Level: level, Text: text})
	})
	return out
}

func structuredData(doc *goquery.Document) []string {
	var out []string
	doc.Find("script[type='application/ld+json']").Each(func(_ int, s *goquery.Selection) {
		if body := strings.TrimSpace(s.Text()); body != "" {
			out = append(out, body)
		}
	})
	return out
}

func images(doc *goquery.Document, base *url.URL) []crawler.Image {
	var out []crawler.Image
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		src := strings.TrimSpace(s.AttrOr("src", ""))
		if src == "" {
			src = strings.TrimSpace(s.AttrOr("data-src", ""))
		}
		if src == "" {
			return
		}
		out = append(out, crawler.Image{
			Src: resolve(base, src),
			Alt: strings.TrimSpace(s.AttrOr("alt", "")),
		})
	})
	return out
}

// links returns absolute http(s) hrefs in document order, without duplicates.
// Links marked rel=nofollow are kept; filtering is the caller's concern.
func links(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]struct{})
	var out []string
	doc.Find("a[href], area[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		abs := resolve(base, href)
		u, err := url.Parse(abs)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	})
	return out
}

// bodyText joins the visible text nodes of <body> with single spaces, so
// adjacent block elements do not run their words together.
func bodyText(doc *goquery.Document) string {
	body := doc.Find("body").First()
	if body.Length() == 0 {
		return ""
	}
	var parts []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if text := strings.TrimSpace(n.Data); text != "" {
				parts = append(parts, text)
			}
			return
		case html.ElementNode:
			if skipText[n.Data] {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(body.Get(0))
	return collapse(strings.Join(parts, " "))
}

func resolve(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
