package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

// Load reads, decodes, normalizes and validates a policy file. The decoder
// is selected by file extension: .hcl for HCL, .yml/.yaml for YAML.
func Load(path string) (*PolicyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return LoadBytes(path, data)
}

// LoadBytes decodes a policy document. The filename determines the format
// and is used in error messages.
func LoadBytes(filename string, data []byte) (*PolicyConfig, error) {
	var cfg *PolicyConfig
	var err error

	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".hcl":
		cfg, err = decodeHCL(filename, data)
	case ".yml", ".yaml":
		cfg, err = decodeYAML(filename, data)
	default:
		return nil, fmt.Errorf("unsupported policy file extension %q (want .hcl, .yml or .yaml)", ext)
	}
	if err != nil {
		return nil, err
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(filename string, data []byte) (*PolicyConfig, error) {
	var cfg PolicyConfig
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filename, err)
	}
	return &cfg, nil
}
