// Package brand holds the product identity. The values live in brand.json so
// packaging scripts read the same names the binary uses.
package brand

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed brand.json
var brandJSON []byte

// Identity mirrors brand.json.
type Identity struct {
	Name        string `json:"name"`
	BinaryName  string `json:"binaryName"`
	Description string `json:"description"`
	EnvPrefix   string `json:"envPrefix"`
	ConfigDir   string `json:"configDir"`
	ConfigFile  string `json:"configFile"`
	StateDir    string `json:"stateDir"`
	StateFile   string `json:"stateFile"`
	Listen      string `json:"listen"`
}

var (
	Name             string
	BinaryName       string
	Description      string
	ConfigEnvPrefix  string
	DefaultConfigDir string
	ConfigFileName   string
	DefaultStateDir  string
	StateFileName    string
	DefaultListen    string

	// Set at build time via -ldflags.
	Version   = "dev"
	GitCommit = "unknown"
)

var id Identity

func init() {
	if err := json.Unmarshal(brandJSON, &id); err != nil {
		panic("brand.json: " + err.Error())
	}
	Name, BinaryName, Description = id.Name, id.BinaryName, id.Description
	ConfigEnvPrefix = id.EnvPrefix
	DefaultConfigDir, ConfigFileName = id.ConfigDir, id.ConfigFile
	DefaultStateDir, StateFileName = id.StateDir, id.StateFile
	DefaultListen = id.Listen
}

// Get returns the embedded identity.
func Get() Identity {
	return id
}

// VersionString is the one-line build description, e.g. "ParamStrip dev (unknown)".
func VersionString() string {
	return fmt.Sprintf("%s %s (%s)", Name, Version, GitCommit)
}

func env(suffix string) string {
	return os.Getenv(ConfigEnvPrefix + "_" + suffix)
}

// GetStateDir returns PARAMSTRIP_STATE_DIR, or DefaultStateDir when unset.
func GetStateDir() string {
	if dir := env("STATE_DIR"); dir != "" {
		return dir
	}
	return DefaultStateDir
}

// GetConfigPath resolves the default config file.
// Priority: PARAMSTRIP_CONFIG > PARAMSTRIP_CONFIG_DIR/<file> > DefaultConfigDir/<file>
func GetConfigPath() string {
	if path := env("CONFIG"); path != "" {
		return path
	}
	dir := DefaultConfigDir
	if d := env("CONFIG_DIR"); d != "" {
		dir = d
	}
	return filepath.Join(dir, ConfigFileName)
}
