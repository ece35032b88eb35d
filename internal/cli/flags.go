package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/loadgen/internal/config"
)

// addConfigFlags registers the flags shared by run and validate.
func addConfigFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("config", "c", "", "Path to a YAML or JSON test config")
	cmd.Flags().String("url", "", "Target URL (overrides target.url)")
	cmd.Flags().Int("vus", 0, "Number of virtual users (overrides options.vus)")
	cmd.Flags().String("duration", "", "Test duration, e.g. 30s or 2m (overrides options.duration)")
	cmd.Flags().String("timeout", "", "Per-request timeout (overrides target.timeout)")
	cmd.Flags().Bool("insecure", false, "Skip TLS certificate verification (overrides options.insecureSkipTLSVerify)")
	cmd.Flags().String("name", "", "Test name (overrides name)")
}

// buildTestConfig loads the config file, if any, applies flag overrides and
// returns the validated TestConfig. Without --config the test is described
// by flags alone and --url is required.
func buildTestConfig(cmd *cobra.Command) (config.TestConfig, error) {
	path, _ := cmd.Flags().GetString("config")

	var f *config.File
	if path != "" {
		var err error
		if f, err = config.LoadFile(path); err != nil {
			return config.TestConfig{}, err
		}
	} else {
		if !cmd.Flags().Changed("url") {
			return config.TestConfig{}, fmt.Errorf("either --config or --url is required")
		}
		f = &config.File{Options: config.Options{VUs: 1, Duration: config.Duration(defaultFlagDuration)}}
	}

	if err := applyOverrides(cmd, f); err != nil {
		return config.TestConfig{}, &config.ConfigError{Path: path, Err: err}
	}

	cfg, err := f.Build()
	if err != nil {
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			cfgErr.Path = path
		}
		return config.TestConfig{}, err
	}
	return cfg, nil
}

func applyOverrides(cmd *cobra.Command, f *config.File) error {
	flags := cmd.Flags()

	if flags.Changed("name") {
		f.Name, _ = flags.GetString("name")
	}
	if flags.Changed("url") {
		f.Target.URL, _ = flags.GetString("url")
	}
	if flags.Changed("vus") {
		f.Options.VUs, _ = flags.GetInt("vus")
	}
	if flags.Changed("insecure") {
		f.Options.InsecureSkipTLSVerify, _ = flags.GetBool("insecure")
	}
	if flags.Changed("duration") {
		raw, _ := flags.GetString("duration")
		d, err := config.ParseDurationString(raw)
		if err != nil {
			return fmt.Errorf("--duration: %w", err)
		}
		f.Options.Duration = config.Duration(d)
	}
	if flags.Changed("timeout") {
		raw, _ := flags.GetString("timeout")
		d, err := config.ParseDurationString(raw)
		if err != nil {
			return fmt.Errorf("--timeout: %w", err)
		}
		f.Target.Timeout = config.Duration(d)
	}
	return nil
}
