package policy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFromFile reads a YAML policy file and returns a validated Policy.
func LoadFromFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}

	var pol Policy
	if err := yaml.Unmarshal(data, &pol); err != nil {
		return nil, fmt.Errorf("parsing policy YAML: %w", err)
	}

	if err := validate(&pol); err != nil {
		return nil, fmt.Errorf("validating policy: %w", err)
	}

	return &pol, nil
}

func validate(pol *Policy) error {
	for name, tp := range pol.Tables {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("tables contains an empty key")
		}
		for _, col := range tp.Columns {
			if strings.TrimSpace(col) == "" {
				return fmt.Errorf("tables[%q].columns contains an empty entry", name)
			}
		}
	}
	for _, kw := range pol.BlockedKeywords {
		if strings.TrimSpace(kw) == "" {
			return fmt.Errorf("blocked_keywords contains an empty entry")
		}
	}
	return nil
}
