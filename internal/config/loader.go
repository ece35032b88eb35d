package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

var compiledSchema *jsonschema.Schema

func init() {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("config: invalid embedded schema: %v", err))
	}
	compiledSchema = compiler.MustCompile("schema.json")
}

// Load reads, validates and converts a configuration file into a TestConfig.
//
// The file format is determined by extension:
//   - .json -> JSON
//   - anything else -> YAML
//
// Every failure is returned as a *ConfigError.
func Load(path string) (TestConfig, error) {
	f, err := LoadFile(path)
	if err != nil {
		return TestConfig{}, err
	}
	return f.Build()
}

// LoadFile reads and parses a configuration file without converting it.
// Callers can apply overrides to the returned File before calling Build.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("failed to read config file: %w", err)}
	}

	f, err := Parse(data, path)
	if err != nil {
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			cfgErr.Path = path
			return nil, cfgErr
		}
		return nil, &ConfigError{Path: path, Err: err}
	}
	return f, nil
}

// Parse decodes configuration data and checks it against the embedded schema.
//
// The path is only used to pick the decoder.
func Parse(data []byte, path string) (*File, error) {
	isJSON := strings.ToLower(filepath.Ext(path)) == ".json"

	// Decode into a generic document first so the schema sees exactly what
	// the user wrote, not zero values filled in by the struct decoder.
	var doc interface{}
	if isJSON {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, &ConfigError{Err: fmt.Errorf("failed to parse JSON config: %w", err)}
		}
	} else {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, &ConfigError{Err: fmt.Errorf("failed to parse YAML config: %w", err)}
		}
	}

	if doc == nil {
		return nil, &ConfigError{Err: errors.New("config is empty")}
	}

	if err := validateSchema(doc); err != nil {
		return nil, &ConfigError{Err: err}
	}

	var f File
	if isJSON {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return nil, &ConfigError{Err: fmt.Errorf("failed to decode JSON config: %w", err)}
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil {
			return nil, &ConfigError{Err: fmt.Errorf("failed to decode YAML config: %w", err)}
		}
	}

	return &f, nil
}

// validateSchema validates a decoded document against the embedded JSON Schema.
func validateSchema(doc interface{}) error {
	// Round-trip through JSON so YAML scalars become JSON-compatible values.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config is not representable as JSON: %w", err)
	}
	var normalized interface{}
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return fmt.Errorf("config is not representable as JSON: %w", err)
	}

	err = compiledSchema.Validate(normalized)
	if err == nil {
		return nil
	}

	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err
	}

	errs := &ValidationErrors{}
	collectSchemaErrors(verr, errs)
	if !errs.HasErrors() {
		errs.Add("", verr.Error())
	}
	return errs
}

// collectSchemaErrors flattens the leaf causes of a schema validation error.
func collectSchemaErrors(err *jsonschema.ValidationError, errs *ValidationErrors) {
	if len(err.Causes) == 0 {
		errs.Add(instancePath(err.InstanceLocation), err.Message)
		return
	}
	for _, cause := range err.Causes {
		collectSchemaErrors(cause, errs)
	}
}

// instancePath converts a JSON pointer ("/options/vus") to dotted form.
func instancePath(pointer string) string {
	return strings.ReplaceAll(strings.TrimPrefix(pointer, "/"), "/", ".")
}

// maxDurationSeconds is the largest whole-second count a time.Duration holds.
const maxDurationSeconds = math.MaxInt64 / int64(time.Second)

// ParseDurationString parses a duration string with support for common formats.
//
// Supported formats:
//   - Standard Go duration: "30s", "2m", "1h30m", "500ms"
//   - Seconds as integer: "30" (treated as 30 seconds)
func ParseDurationString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(s)
	if err == nil {
		return d, nil
	}

	if seconds, err := strconv.ParseInt(s, 10, 64); err == nil {
		if seconds > maxDurationSeconds || seconds < -maxDurationSeconds {
			return 0, fmt.Errorf("duration out of range: %s seconds", s)
		}
		return time.Duration(seconds) * time.Second, nil
	}

	return 0, fmt.Errorf("invalid duration format: %s", s)
}
