package crawler

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ResourceClass is a sub-resource type requested while rendering a page.
type ResourceClass string

// Resource classes understood by the render boundary.
const (
	ResourceDocument   ResourceClass = "document"
	ResourceStylesheet ResourceClass = "stylesheet"
	ResourceScript     ResourceClass = "script"
	ResourceImage      ResourceClass = "image"
	ResourceFont       ResourceClass = "font"
	ResourceMedia      ResourceClass = "media"
	ResourceXHR        ResourceClass = "xhr"
	ResourceFetch      ResourceClass = "fetch"
	ResourceOther      ResourceClass = "other"
)

// IncrementalStrategy picks the fingerprint compared between runs.
type IncrementalStrategy string

// Supported incremental strategies.
const (
	StrategyLastModified IncrementalStrategy = "last_modified"
	StrategyETag         IncrementalStrategy = "etag"
	StrategyContentHash  IncrementalStrategy = "content_hash"
)

// RateLimitScope selects whether the request gate is shared or per host.
type RateLimitScope string

// Rate limit scopes.
const (
	RateLimitGlobal RateLimitScope = "global"
	RateLimitHost   RateLimitScope = "host"
)

// DefaultLowPriorityThreshold is the weight below which sub-resources are aborted.
const DefaultLowPriorityThreshold = 0.3

// CrawlConfig holds every knob of a crawl run. Use Validate (NewEngine calls
// it) before use; invalid values are rejected, never clamped.
type CrawlConfig struct {
	MaxConcurrency       int
	MaxRequestsPerSecond float64
	RateLimitScope       RateLimitScope
	ResourcePriorities   map[ResourceClass]float64
	LowPriorityThreshold float64
	CacheEnabled         bool
	CacheTTL             time.Duration
	MaxMemoryMB          int
	PageRestartThreshold int
	IncrementalEnabled   bool
	IncrementalStrategy  IncrementalStrategy
	NavigationTimeout    time.Duration
	RequestTimeout       time.Duration
	URLIncludePatterns   []string
	URLExcludePatterns   []string
	MaxDepth             int
}

// DefaultResourcePriorities favors markup and scripts over heavy media.
func DefaultResourcePriorities() map[ResourceClass]float64 {
	return map[ResourceClass]float64{
		ResourceDocument:   1.0,
		ResourceScript:     0.9,
		ResourceXHR:        0.8,
		ResourceFetch:      0.8,
		ResourceStylesheet: 0.6,
		ResourceOther:      0.5,
		ResourceImage:      0.2,
		ResourceFont:       0.1,
		ResourceMedia:      0.1,
	}
}

// PresetSmallSite suits sites with up to a few hundred pages.
func PresetSmallSite() CrawlConfig {
	return CrawlConfig{
		MaxConcurrency:       3,
		MaxRequestsPerSecond: 5,
		RateLimitScope:       RateLimitGlobal,
		ResourcePriorities:   DefaultResourcePriorities(),
		LowPriorityThreshold: DefaultLowPriorityThreshold,
		CacheEnabled:         true,
		CacheTTL:             24 * time.Hour,
		MaxMemoryMB:          512,
		PageRestartThreshold: 50,
		IncrementalEnabled:   false,
		IncrementalStrategy:  StrategyContentHash,
		NavigationTimeout:    30 * time.Second,
		RequestTimeout:       15 * time.Second,
		MaxDepth:             5,
	}
}

// PresetMediumSite suits sites with a few thousand pages.
func PresetMediumSite() CrawlConfig {
	cfg := PresetSmallSite()
	cfg.MaxConcurrency = 5
	cfg.MaxRequestsPerSecond = 10
	cfg.MaxMemoryMB = 1024
	cfg.PageRestartThreshold = 100
	cfg.IncrementalEnabled = true
	cfg.MaxDepth = 8
	return cfg
}

// PresetLargeSite suits sites with tens of thousands of pages.
func PresetLargeSite() CrawlConfig {
	cfg := PresetSmallSite()
	cfg.MaxConcurrency = 10
	cfg.MaxRequestsPerSecond = 20
	cfg.MaxMemoryMB = 2048
	cfg.PageRestartThreshold = 200
	cfg.IncrementalEnabled = true
	cfg.IncrementalStrategy = StrategyLastModified
	cfg.MaxDepth = 12
	return cfg
}

// Preset returns the named preset ("small", "medium" or "large").
func Preset(name string) (CrawlConfig, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "small":
		return PresetSmallSite(), nil
	case "", "medium":
		return PresetMediumSite(), nil
	case "large":
		return PresetLargeSite(), nil
	default:
		return CrawlConfig{}, &ConfigError{Field: "preset", Reason: fmt.Sprintf("unknown preset %q", name)}
	}
}

// Validate checks every invariant and returns a *ConfigError for the first violation.
func (c CrawlConfig) Validate() error {
	if _, _, err := c.compile(); err != nil {
		return err
	}
	return nil
}

func (c CrawlConfig) compile() (include, exclude []*regexp.Regexp, err error) {
	checks := []struct {
		ok     bool
		field  string
		reason string
	}{
		{c.MaxConcurrency > 0, "max_concurrency", "must be > 0"},
		{c.MaxRequestsPerSecond > 0, "max_requests_per_second", "must be > 0"},
		{c.MaxMemoryMB > 0, "max_memory_mb", "must be > 0"},
		{c.PageRestartThreshold > 0, "page_restart_threshold", "must be > 0"},
		{c.NavigationTimeout > 0, "navigation_timeout", "must be > 0"},
		{c.RequestTimeout > 0, "request_timeout", "must be > 0"},
		{c.MaxDepth > 0, "max_depth", "must be > 0"},
		{c.CacheTTL >= 0, "cache_ttl", "must be >= 0"},
		{!c.CacheEnabled || c.CacheTTL > 0, "cache_ttl", "must be > 0 when the cache is enabled"},
		{c.LowPriorityThreshold >= 0 && c.LowPriorityThreshold <= 1, "low_priority_threshold", "must be within [0,1]"},
	}
	for _, chk := range checks {
		if !chk.ok {
			return nil, nil, &ConfigError{Field: chk.field, Reason: chk.reason}
		}
	}
	switch c.IncrementalStrategy {
	case StrategyLastModified, StrategyETag, StrategyContentHash:
	default:
		return nil, nil, &ConfigError{
			Field:  "incremental_strategy",
			Reason: fmt.Sprintf("unknown strategy %q", c.IncrementalStrategy),
		}
	}
	switch c.RateLimitScope {
	case RateLimitGlobal, RateLimitHost:
	default:
		return nil, nil, &ConfigError{
			Field:  "rate_limit_scope",
			Reason: fmt.Sprintf("unknown scope %q", c.RateLimitScope),
		}
	}
	for class, weight := range c.ResourcePriorities {
		if weight < 0 || weight > 1 {
			return nil, nil, &ConfigError{
				Field:  "resource_priorities." + string(class),
				Reason: "must be within [0,1]",
			}
		}
	}
	if include, err = compilePatterns("url_include_patterns", c.URLIncludePatterns); err != nil {
		return nil, nil, err
	}
	if exclude, err = compilePatterns("url_exclude_patterns", c.URLExcludePatterns); err != nil {
		return nil, nil, err
	}
	return include, exclude, nil
}

func compilePatterns(field string, patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, &ConfigError{Field: field, Reason: fmt.Sprintf("bad pattern %q: %v", p, err)}
		}
		out = append(out, re)
	}
	return out, nil
}

func (c CrawlConfig) clone() CrawlConfig {
	out := c
	out.ResourcePriorities = make(map[ResourceClass]float64, len(c.ResourcePriorities))
	for k, v := range c.ResourcePriorities {
		out.ResourcePriorities[k] = v
	}
	out.URLIncludePatterns = append([]string(nil), c.URLIncludePatterns...)
	out.URLExcludePatterns = append([]string(nil), c.URLExcludePatterns...)
	return out
}

// ResourceFilter decides which sub-resource requests a session lets through.
type ResourceFilter struct {
	Priorities map[ResourceClass]float64
	Threshold  float64
}

// Allow reports whether a request of the given class should proceed. The
// primary document is always allowed, as are classes without a weight.
func (f ResourceFilter) Allow(class ResourceClass) bool {
	if class == ResourceDocument {
		return true
	}
	weight, ok := f.Priorities[class]
	if !ok {
		return true
	}
	return weight >= f.Threshold
}

// ResourceFilter builds the filter sessions apply for this config.
func (c CrawlConfig) ResourceFilter() ResourceFilter {
	return ResourceFilter{Priorities: c.ResourcePriorities, Threshold: c.LowPriorityThreshold}
}
