// Package policy loads the operator-controlled safety policy file.
package policy

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Policy holds operator-controlled safety configuration loaded from YAML. It
// supplements the environment: tables listed here join the global whitelist,
// keywords listed here join the blocked set.
type Policy struct {
	Tables          map[string]TablePolicy `yaml:"tables"`
	BlockedKeywords []string               `yaml:"blocked_keywords"`
}

// TablePolicy describes one whitelisted table: a business description for
// discovery responses and an optional column allow-list used when
// column-level enforcement is on.
type TablePolicy struct {
	Description string   `yaml:"description"`
	Columns     []string `yaml:"columns"`
}

// UnmarshalYAML accepts both the struct form and a bare column list:
//
//	tables:
//	  sales_transactions: [date, revenue]   # shorthand: just columns
//	  website_visits:
//	    description: "One row per visit"
//	    columns: [date, source]
func (tp *TablePolicy) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.SequenceNode {
		return value.Decode(&tp.Columns)
	}
	type alias TablePolicy
	var a alias
	if err := value.Decode(&a); err != nil {
		return fmt.Errorf("decoding table policy: %w", err)
	}
	*tp = TablePolicy(a)
	return nil
}

// TableNames returns the tables the policy whitelists.
func (p *Policy) TableNames() []string {
	out := make([]string, 0, len(p.Tables))
	for name := range p.Tables {
		out = append(out, name)
	}
	return out
}

// ColumnsFor returns the column allow-list for a table, nil when the policy
// does not constrain it.
func (p *Policy) ColumnsFor(table string) []string {
	tp, ok := p.Tables[table]
	if !ok {
		return nil
	}
	return tp.Columns
}
