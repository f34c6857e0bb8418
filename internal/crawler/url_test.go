package crawler

import (
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"HTTP://Example.COM:80/a/b/?b=2&a=1#frag": "http://example.com/a/b?a=1&b=2",
		"https://example.com:443":                 "https://example.com/",
		"https://example.com/":                    "https://example.com/",
		"https://example.com/docs///":             "https://example.com/docs",
		"https://example.com:8443/x":              "https://example.com:8443/x",
		"https://example.com/search?":             "https://example.com/search",
	}
	for in, want := range cases {
		got, err := NormalizeURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestNormalizeURLRejectsUnsupported(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"mailto:a@example.com", "ftp://example.com/file", "javascript:void(0)", "https://"} {
		_, err := NormalizeURL(in)
		require.Error(t, err, in)
		assert.True(t, errors.Is(err, ErrInvalidURL), in)
	}
}

func TestNormalizeSeedDefaultsToHTTPS(t *testing.T) {
	t.Parallel()

	got, err := NormalizeSeed("  Example.com/Blog/ ")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/Blog", got)

	_, err = NormalizeSeed(" ")
	assert.ErrorIs(t, err, ErrInvalidURL)
}

func TestResolveLink(t *testing.T) {
	t.Parallel()

	base, err := url.Parse("https://example.com/blog/post")
	require.NoError(t, err)

	got, err := ResolveLink(base, "../about/#team")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/about", got)

	got, err = ResolveLink(base, "//cdn.example.com/x.js")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/x.js", got)

	_, err = ResolveLink(base, "")
	assert.ErrorIs(t, err, ErrInvalidURL)
}

func TestSiteID(t *testing.T) {
	t.Parallel()

	id, err := SiteID("https://Shop.Example.co.uk:8080/x")
	require.NoError(t, err)
	assert.Equal(t, "shop.example.co.uk", id)

	_, err = SiteID("/relative")
	assert.ErrorIs(t, err, ErrInvalidURL)
}
