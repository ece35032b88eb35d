package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// ConfigError reports a configuration that cannot be used to start a test.
// It is always fatal and is returned before any virtual user is spawned.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("config %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("config: %v", e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Validate checks the semantic rules the schema cannot express.
//
// Returns nil if valid, or a *ValidationErrors listing every problem.
func (f *File) Validate() error {
	errs := &ValidationErrors{}

	if f.Options.VUs <= 0 {
		errs.Add("options.vus", "vus must be greater than 0")
	}
	if f.Options.Duration <= 0 {
		errs.Add("options.duration", "duration must be greater than 0")
	}
	if f.Options.StartupGracePeriod < 0 {
		errs.Add("options.startupGracePeriod", "startupGracePeriod cannot be negative")
	}
	if f.Options.MaxIdleConnsPerHost < 0 {
		errs.Add("options.maxIdleConnsPerHost", "maxIdleConnsPerHost cannot be negative")
	}
	for i, p := range f.Options.SummaryPercentiles {
		if p <= 0 || p > 100 {
			errs.Add(fmt.Sprintf("options.summaryPercentiles[%d]", i), "percentile must be in (0, 100]")
		}
	}

	if f.Target.Timeout < 0 {
		errs.Add("target.timeout", "timeout cannot be negative")
	}
	validateTargetURL(f.Target.URL, errs)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// validateTargetURL requires an absolute http or https URL with a host.
func validateTargetURL(raw string, errs *ValidationErrors) {
	if raw == "" {
		errs.Add("target.url", "url is required")
		return
	}

	u, err := url.Parse(raw)
	if err != nil {
		errs.Add("target.url", fmt.Sprintf("invalid url: %v", err))
		return
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		errs.Add("target.url", fmt.Sprintf("unsupported scheme %q: only http and https are supported", u.Scheme))
	}
	if u.Host == "" {
		errs.Add("target.url", "url must include a host")
	}
}

// ApplyDefaults fills in optional settings.
func (f *File) ApplyDefaults() {
	if f.Name == "" {
		f.Name = "load-test"
	}
	if f.Target.Timeout == 0 {
		f.Target.Timeout = Duration(DefaultRequestTimeout)
	}
	if f.Target.UserAgent == "" {
		f.Target.UserAgent = DefaultUserAgent
	}
	if f.Options.StartupGracePeriod == 0 {
		f.Options.StartupGracePeriod = Duration(DefaultStartupGracePeriod)
	}
	if len(f.Options.SummaryPercentiles) == 0 {
		f.Options.SummaryPercentiles = append([]float64(nil), DefaultPercentiles...)
	}
	if f.Options.MaxIdleConnsPerHost == 0 {
		f.Options.MaxIdleConnsPerHost = f.Options.VUs
	}
}

// Build validates the file, applies defaults and returns the immutable TestConfig.
func (f *File) Build() (TestConfig, error) {
	if err := f.Validate(); err != nil {
		return TestConfig{}, &ConfigError{Err: err}
	}
	f.ApplyDefaults()

	// Validate already proved the URL parses.
	target, _ := url.Parse(f.Target.URL)

	percentiles := append([]float64(nil), f.Options.SummaryPercentiles...)
	sort.Float64s(percentiles)
	percentiles = dedupe(percentiles)

	headers := make(map[string]string, len(f.Target.Headers))
	for k, v := range f.Target.Headers {
		headers[k] = v
	}

	return TestConfig{
		Name:                f.Name,
		VirtualUsers:        f.Options.VUs,
		Duration:            time.Duration(f.Options.Duration),
		RequestTimeout:      time.Duration(f.Target.Timeout),
		TargetURL:           target,
		SkipTLSVerify:       f.Options.InsecureSkipTLSVerify,
		StartupGracePeriod:  time.Duration(f.Options.StartupGracePeriod),
		Percentiles:         percentiles,
		MaxIdleConnsPerHost: f.Options.MaxIdleConnsPerHost,
		UserAgent:           f.Target.UserAgent,
		Headers:             headers,
	}, nil
}

func dedupe(sorted []float64) []float64 {
	out := sorted[:0]
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			out = append(out, v)
		}
	}
	return out
}
