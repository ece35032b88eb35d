// Package config provides configuration parsing and validation for load tests.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// File is the on-disk shape of a load test configuration.
//
// Example YAML:
//
//	name: "teste-simples-http"
//	options:
//	  vus: 1000
//	  duration: 30s
//	  insecureSkipTLSVerify: true
//	target:
//	  url: "http://tinyweb-static-teste1.apps.example.com"
//	  timeout: 30s
type File struct {
	// Name of the test (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Options controls how load is generated
	Options Options `json:"options" yaml:"options"`

	// Target is the single request every virtual user issues
	Target Target `json:"target" yaml:"target"`
}

// Options mirrors the k6 options block.
type Options struct {
	// VUs is the number of concurrent virtual users
	VUs int `json:"vus" yaml:"vus"`

	// Duration is the wall-clock test length before draining begins
	Duration Duration `json:"duration" yaml:"duration"`

	// InsecureSkipTLSVerify skips TLS certificate verification
	InsecureSkipTLSVerify bool `json:"insecureSkipTLSVerify,omitempty" yaml:"insecureSkipTLSVerify,omitempty"`

	// StartupGracePeriod is how long to wait for a first successful request
	// before warning that the target looks unreachable
	StartupGracePeriod Duration `json:"startupGracePeriod,omitempty" yaml:"startupGracePeriod,omitempty"`

	// SummaryPercentiles lists the latency percentiles to report
	SummaryPercentiles []float64 `json:"summaryPercentiles,omitempty" yaml:"summaryPercentiles,omitempty"`

	// MaxIdleConnsPerHost sizes the shared connection pool (default: vus)
	MaxIdleConnsPerHost int `json:"maxIdleConnsPerHost,omitempty" yaml:"maxIdleConnsPerHost,omitempty"`
}

// Target describes the fixed HTTP GET request.
type Target struct {
	// URL is the absolute http or https URL to request
	URL string `json:"url" yaml:"url"`

	// Timeout is the per-request timeout
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// UserAgent overrides the default User-Agent header
	UserAgent string `json:"userAgent,omitempty" yaml:"userAgent,omitempty"`

	// Headers are sent with every request
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// Defaults applied by ApplyDefaults.
const (
	DefaultRequestTimeout     = 30 * time.Second
	DefaultStartupGracePeriod = 5 * time.Second
	DefaultUserAgent          = "loadgen/0.1.0"
)

// DefaultPercentiles are reported when none are configured.
var DefaultPercentiles = []float64{50, 90, 95, 99}

// TestConfig is the validated, immutable configuration handed to the scheduler.
//
// It is passed by value; the slices and maps it carries are private copies
// and must not be modified after construction.
type TestConfig struct {
	Name                string
	VirtualUsers        int
	Duration            time.Duration
	RequestTimeout      time.Duration
	TargetURL           *url.URL
	SkipTLSVerify       bool
	StartupGracePeriod  time.Duration
	Percentiles         []float64
	MaxIdleConnsPerHost int
	UserAgent           string
	Headers             map[string]string
}

// String renders the config in a compact form for logs.
func (c TestConfig) String() string {
	target := ""
	if c.TargetURL != nil {
		target = c.TargetURL.String()
	}
	return fmt.Sprintf("%s: %d VUs for %s against %s (timeout %s, skipTLSVerify=%t)",
		c.Name, c.VirtualUsers, c.Duration, target, c.RequestTimeout, c.SkipTLSVerify)
}

// Duration is a time.Duration that can be unmarshaled from JSON/YAML strings.
type Duration time.Duration

// GetDuration returns the duration or a default if empty.
func (d Duration) GetDuration(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
//
// Accepts a duration string ("30s") or a bare number of seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}

	if s == "" || s == "null" {
		*d = 0
		return nil
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}
