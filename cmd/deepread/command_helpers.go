package main

import (
	"fmt"
	"strings"

	"github.com/deepread/deepread/internal/config"
)

type outputFormat string

const (
	formatText outputFormat = "text"
	formatJSON outputFormat = "json"
)

func parseOutputFormat(raw string) (outputFormat, error) {
	switch format := outputFormat(strings.ToLower(strings.TrimSpace(raw))); format {
	case "", formatText:
		return formatText, nil
	case formatJSON:
		return formatJSON, nil
	default:
		return "", fmt.Errorf("invalid format %q: expected text or json", raw)
	}
}

// configError carries the operator-facing message for a config that could
// not be read or did not pass validation.
type configError struct {
	invalid bool
	err     error
}

func (e *configError) Error() string {
	if e.invalid {
		return fmt.Sprintf("config is invalid: %v", e.err)
	}
	return fmt.Sprintf("failed to load config: %v", e.err)
}

func (e *configError) Unwrap() error { return e.err }

// resolveConfig loads path (defaults, file, DEEPREAD_* env), applies the
// command's flag overrides in order, then validates the result.
func resolveConfig(path string, overrides ...func(*config.Config)) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, &configError{err: err}
	}
	for _, override := range overrides {
		override(&cfg)
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, &configError{invalid: true, err: err}
	}
	return cfg, nil
}
