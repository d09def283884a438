package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/loykin/runsh/internal/profile"
)

// Format selects the encoding used by Import and Export.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFor picks a format from a file extension, defaulting to JSON.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Export writes profiles to path in the format implied by its extension.
func Export(path string, profiles []profile.Profile) error {
	var (
		data []byte
		err  error
	)
	switch FormatFor(path) {
	case FormatYAML:
		if profiles == nil {
			profiles = []profile.Profile{}
		}
		data, err = yaml.Marshal(profiles)
	default:
		data, err = encode(profiles)
	}
	if err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	return writeFileAtomic(path, data, 0o644)
}

// Import reads a profile set written by Export (or by hand). Profiles are
// validated but their paths are not normalized; that happens when they are
// registered.
func Import(path string) ([]profile.Profile, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- user supplied import file
	if err != nil {
		return nil, err
	}
	var out []profile.Profile
	switch FormatFor(path) {
	case FormatYAML:
		if err := yaml.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		if out, err = decode(raw); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	var errs []error
	for _, p := range out {
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if out == nil {
		out = []profile.Profile{}
	}
	return out, nil
}
