package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// SupportedVersions lists the schema versions LoadFile accepts.
var SupportedVersions = []string{"1", "1.0"}

// LoadFile loads a rule set file (HCL or JSON). The format follows the
// extension; other files are tried as HCL first, then JSON.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule set file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		return LoadHCL(data, path)
	case ".json":
		return LoadJSON(data)
	default:
		cfg, err := LoadHCL(data, path)
		if err != nil {
			if jcfg, jerr := LoadJSON(data); jerr == nil {
				return jcfg, nil
			}
			return nil, err
		}
		return cfg, nil
	}
}

// LoadHCL loads a rule set from HCL bytes.
func LoadHCL(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("HCL parse error: %s", diags.Error())
	}

	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, nil, &cfg); diags.HasErrors() {
		return nil, fmt.Errorf("HCL decode error: %s", diags.Error())
	}
	return finish(&cfg)
}

// LoadJSON loads a rule set from JSON bytes.
func LoadJSON(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("JSON parse error: %w", err)
	}
	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = CurrentSchemaVersion
	}
	for _, v := range SupportedVersions {
		if cfg.SchemaVersion == v {
			return cfg, nil
		}
	}
	return nil, fmt.Errorf("unsupported schema version %s (supported: %v)", cfg.SchemaVersion, SupportedVersions)
}
