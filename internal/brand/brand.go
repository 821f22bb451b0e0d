// Package brand holds the product name and default paths, read from the
// embedded brand.json that packaging scripts share.
package brand

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
)

//go:embed brand.json
var brandJSON []byte

// Brand is the content of brand.json.
type Brand struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	EnvPrefix   string `json:"envPrefix"`
	ConfigDir   string `json:"configDir"`
	StateDir    string `json:"stateDir"`
	BinaryName  string `json:"binaryName"`
	RuleFile    string `json:"ruleFile"`
	StatsFile   string `json:"statsFile"`
	Listen      string `json:"listen"`
}

var b = mustParse(brandJSON)

var (
	Name          = b.Name
	Description   = b.Description
	BinaryName    = b.BinaryName
	MetricsListen = b.Listen

	// Version is set at build time via -ldflags
	Version   = "dev"
	GitCommit = "unknown"
)

func mustParse(data []byte) Brand {
	var out Brand
	if err := json.Unmarshal(data, &out); err != nil {
		panic("failed to parse brand.json: " + err.Error())
	}
	return out
}

// Get returns the full Brand struct
func Get() Brand {
	return b
}

// dir resolves a directory from <PREFIX>_<KIND>_DIR, then
// <PREFIX>_PREFIX/<sub>, then def.
func dir(kind, sub, def string) string {
	if d := os.Getenv(b.EnvPrefix + "_" + kind + "_DIR"); d != "" {
		return d
	}
	if prefix := os.Getenv(b.EnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, sub)
	}
	return def
}

// ConfigDir returns the directory holding the rule set file.
func ConfigDir() string { return dir("CONFIG", "config", b.ConfigDir) }

// StateDir returns the directory holding the statistics database.
func StateDir() string { return dir("STATE", "state", b.StateDir) }

// DefaultConfigFile is the rule set file used when none is given.
func DefaultConfigFile() string {
	return filepath.Join(ConfigDir(), b.RuleFile)
}

// DefaultStatsFile is the rule statistics database used by serve and stats.
func DefaultStatsFile() string {
	return filepath.Join(StateDir(), b.StatsFile)
}
