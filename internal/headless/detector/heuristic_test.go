package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/seo-crawler/internal/crawler"
)

func TestHeuristic_ShouldPromote_EmptyBody(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	resp := crawler.RenderResult{
		StatusCode: 200,
		HTML:       "",
	}
	require.True(t, h.ShouldPromote(resp))
}

func TestHeuristic_ShouldPromote_SPAMarkers(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	resp := crawler.RenderResult{
		StatusCode: 200,
		HTML:       `<div id="__next"></div>`,
		Fields:     crawler.ExtractedFields{Text: "Loading"},
	}
	require.True(t, h.ShouldPromote(resp))
}

func TestHeuristic_ShouldPromote_ScriptDensity(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000)
	resp := crawler.RenderResult{
		StatusCode: 200,
		HTML:       `<html><script>var a=1;</script><p>t</p></html>`,
		Fields:     crawler.ExtractedFields{Text: "t"},
	}
	require.True(t, h.ShouldPromote(resp))
}

func TestHeuristic_ShouldPromote_DisabledForNon200(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	resp := crawler.RenderResult{
		StatusCode: 404,
		HTML:       "not found",
	}
	require.False(t, h.ShouldPromote(resp))
}

func TestHeuristic_ShouldPromote_EmptyShell(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(10)
	resp := crawler.RenderResult{
		StatusCode: 200,
		HTML:       `<html><body><div class="shell"></div></body></html>`,
	}
	require.True(t, h.ShouldPromote(resp))
}

func TestHeuristic_ShouldPromote_ServerRenderedPage(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	resp := crawler.RenderResult{
		StatusCode: 200,
		HTML:       `<html><body><h1>Docs</h1><p>Plenty of server rendered text.</p><a href="/a">a</a></body></html>`,
		Fields: crawler.ExtractedFields{
			Text:  "Docs Plenty of server rendered text. a",
			Links: []string{"https://example.com/a"},
		},
	}
	require.False(t, h.ShouldPromote(resp))
}

func TestHeuristic_ShouldPromote_NoscriptWarning(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	resp := crawler.RenderResult{
		StatusCode: 200,
		HTML:       `<html><body><noscript>You need to enable JavaScript to run this app.</noscript><p>Menu</p></body></html>`,
		Fields:     crawler.ExtractedFields{Text: "Menu", Links: []string{"https://example.com/a"}},
	}
	require.True(t, h.ShouldPromote(resp))
}

func TestHeuristic_ShouldPromote_FrameworkMarkerNeedsText(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	thin := crawler.RenderResult{
		StatusCode: 200,
		HTML:       `<html><body><div data-server-rendered="true"><p>Loading</p></div></body></html>`,
		Fields:     crawler.ExtractedFields{Text: "Loading", Links: []string{"https://example.com/a"}},
	}
	require.True(t, h.ShouldPromote(thin))

	article := strings.Repeat("Server rendered paragraph with real content. ", 10)
	full := crawler.RenderResult{
		StatusCode: 200,
		HTML:       `<html><body><div data-server-rendered="true"><p>` + article + `</p></div></body></html>`,
		Fields:     crawler.ExtractedFields{Text: article, Links: []string{"https://example.com/a"}},
	}
	require.False(t, h.ShouldPromote(full))
}

func TestAnalyzeSignals(t *testing.T) {
	t.Parallel()

	sig := Analyze(`<html><head><style>p{color:red}</style><script>window.x=1</script></head>` +
		`<body><div id="app"> </div><p>Hello</p><noscript>Turn on javascript</noscript></body></html>`)
	require.Equal(t, len("window.x=1"), sig.ScriptBytes)
	require.Equal(t, len("Hello"), sig.TextBytes)
	require.True(t, sig.EmptyMount)
	require.True(t, sig.NoscriptWarning)
	require.False(t, sig.FrameworkMarker)

	filled := Analyze(`<div id="root"><h1>Title</h1></div>`)
	require.False(t, filled.EmptyMount)
	require.Equal(t, len("Title"), filled.TextBytes)
}
