package crawler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresetsAreValid(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"small", "medium", "large", ""} {
		cfg, err := Preset(name)
		require.NoError(t, err, name)
		require.NoError(t, cfg.Validate(), name)
	}

	large := PresetLargeSite()
	assert.Equal(t, 10, large.MaxConcurrency)
	assert.Equal(t, StrategyLastModified, large.IncrementalStrategy)
	assert.True(t, large.IncrementalEnabled)
	assert.False(t, PresetSmallSite().IncrementalEnabled)
}

func TestPresetUnknown(t *testing.T) {
	t.Parallel()

	_, err := Preset("huge")
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "preset", cfgErr.Field)
}

// TestValidateRejectsBadFields checks that each invariant names the offending field.
func TestValidateRejectsBadFields(t *testing.T) {
	t.Parallel()

	cases := map[string]func(*CrawlConfig){
		"max_concurrency":              func(c *CrawlConfig) { c.MaxConcurrency = 0 },
		"max_requests_per_second":      func(c *CrawlConfig) { c.MaxRequestsPerSecond = -1 },
		"max_memory_mb":                func(c *CrawlConfig) { c.MaxMemoryMB = 0 },
		"page_restart_threshold":       func(c *CrawlConfig) { c.PageRestartThreshold = 0 },
		"navigation_timeout":           func(c *CrawlConfig) { c.NavigationTimeout = 0 },
		"request_timeout":              func(c *CrawlConfig) { c.RequestTimeout = 0 },
		"max_depth":                    func(c *CrawlConfig) { c.MaxDepth = 0 },
		"cache_ttl":                    func(c *CrawlConfig) { c.CacheTTL = 0 },
		"low_priority_threshold":       func(c *CrawlConfig) { c.LowPriorityThreshold = 1.5 },
		"incremental_strategy":         func(c *CrawlConfig) { c.IncrementalStrategy = "mtime" },
		"rate_limit_scope":             func(c *CrawlConfig) { c.RateLimitScope = "planet" },
		"resource_priorities.image":    func(c *CrawlConfig) { c.ResourcePriorities[ResourceImage] = 2 },
		"url_include_patterns":         func(c *CrawlConfig) { c.URLIncludePatterns = []string{"("} },
		"url_exclude_patterns":         func(c *CrawlConfig) { c.URLExcludePatterns = []string{"[a-"} },
	}
	for field, mutate := range cases {
		field, mutate := field, mutate
		t.Run(field, func(t *testing.T) {
			t.Parallel()
			cfg := PresetSmallSite()
			mutate(&cfg)
			err := cfg.Validate()
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "expected ConfigError, got %v", err)
			assert.Equal(t, field, cfgErr.Field)
		})
	}
}

func TestValidateAllowsZeroTTLWhenCacheDisabled(t *testing.T) {
	t.Parallel()

	cfg := PresetSmallSite()
	cfg.CacheEnabled = false
	cfg.CacheTTL = 0
	require.NoError(t, cfg.Validate())
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	cfg := PresetSmallSite()
	cfg.URLIncludePatterns = []string{"/blog"}
	cp := cfg.clone()
	cp.ResourcePriorities[ResourceImage] = 0.9
	cp.URLIncludePatterns[0] = "/shop"

	assert.InDelta(t, 0.2, cfg.ResourcePriorities[ResourceImage], 1e-9)
	assert.Equal(t, "/blog", cfg.URLIncludePatterns[0])
	assert.Equal(t, 30*time.Second, cp.NavigationTimeout)
}

func TestResourceFilterAllow(t *testing.T) {
	t.Parallel()

	filter := PresetSmallSite().ResourceFilter()
	assert.True(t, filter.Allow(ResourceDocument))
	assert.True(t, filter.Allow(ResourceScript))
	assert.True(t, filter.Allow(ResourceStylesheet))
	assert.False(t, filter.Allow(ResourceImage))
	assert.False(t, filter.Allow(ResourceFont))
	assert.False(t, filter.Allow(ResourceMedia))
	assert.True(t, filter.Allow(ResourceClass("websocket")))

	strict := ResourceFilter{Priorities: map[ResourceClass]float64{ResourceDocument: 0}, Threshold: 1}
	assert.True(t, strict.Allow(ResourceDocument))
}
