package rules

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

//go:embed default_rules.json
var defaultRulesJSON []byte

// DefaultSeed returns the shipped default rules as creation inputs.
func DefaultSeed() ([]Builder, error) {
	return ParseSeed(defaultRulesJSON, "default_rules.json")
}

// LoadSeedFile reads a seed file. YAML is used for .yaml/.yml, JSON otherwise.
func LoadSeedFile(path string) ([]Builder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(data, path)
}

// ParseSeed decodes DNR-shaped rules (with an optional group) and translates
// each one to a creation input. IDs in the seed are ignored; the synchronizer
// allocates its own.
func ParseSeed(data []byte, name string) ([]Builder, error) {
	var seed []Record
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &seed); err != nil {
			return nil, fmt.Errorf("seed %s: YAML parse error: %w", name, err)
		}
	default:
		if err := json.Unmarshal(data, &seed); err != nil {
			return nil, fmt.Errorf("seed %s: JSON parse error: %w", name, err)
		}
	}

	out := make([]Builder, 0, len(seed))
	for i, r := range seed {
		b, err := SeedBuilder(r)
		if err != nil {
			return nil, fmt.Errorf("seed %s: entry %d: %w", name, i, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// SeedBuilder translates one seed entry. requestDomains becomes a blacklist
// filter, excludedRequestDomains a whitelist filter, anything else no filter.
func SeedBuilder(r Record) (Builder, error) {
	if r.Group == GlobalWhitelistGroup || r.Action.Type == ActionAllow {
		if r.Domain() == "" {
			return nil, &ValidationError{Field: "domain", Reason: "whitelist entry without requestDomains"}
		}
		return WhitelistSpec{Domain: r.Domain()}, nil
	}

	param := r.Parameter()
	if param == "" {
		return nil, &ValidationError{Field: "parameter", Reason: "entry without action.redirect.transform.queryTransform.removeParams"}
	}
	return Spec{Parameter: param, Group: r.Group, Filter: r.Filter()}, nil
}
