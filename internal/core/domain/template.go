package domain

import (
	"fmt"
	"strings"
)

// Category groups templates by the kind of analytics question they answer.
type Category string

const (
	CategorySales      Category = "sales"
	CategoryTraffic    Category = "traffic"
	CategoryConversion Category = "conversion"
)

// ValidCategories enumerates the accepted template categories.
var ValidCategories = map[Category]bool{
	CategorySales:      true,
	CategoryTraffic:    true,
	CategoryConversion: true,
}

// ParamType is the declared type of a template parameter.
type ParamType string

const (
	ParamDate    ParamType = "date"
	ParamString  ParamType = "string"
	ParamInteger ParamType = "integer"
	ParamFloat   ParamType = "float"
	ParamBoolean ParamType = "boolean"
)

// ValidationRules constrains a parameter's value beyond its type.
type ValidationRules struct {
	MinValue      *string  `json:"min_value,omitempty"`
	MaxValue      *string  `json:"max_value,omitempty"`
	AllowedValues []string `json:"allowed_values,omitempty"`
	Pattern       string   `json:"pattern,omitempty"`
}

// ParameterDefinition declares one placeholder in a template's SQL structure.
// Declaration order is substitution order.
type ParameterDefinition struct {
	Name       string           `json:"name"`
	Type       ParamType        `json:"type"`
	Required   bool             `json:"required"`
	Validation *ValidationRules `json:"validation,omitempty"`
}

// QueryTemplate is a vetted SQL skeleton with named placeholders and declared
// parameter and table constraints. Immutable once loaded; identity is ID.
type QueryTemplate struct {
	ID                 string                `json:"template_id"`
	Description        string                `json:"description"`
	Category           Category              `json:"category"`
	SQLStructure       string                `json:"sql_structure"`
	Parameters         []ParameterDefinition `json:"parameters"`
	WhitelistedTables  []string              `json:"whitelisted_tables"`
	WhitelistedColumns []string              `json:"whitelisted_columns,omitempty"`
	ChartType          string                `json:"chart_type"`
	ExampleQuestions   []string              `json:"example_questions,omitempty"`
	TimeoutSeconds     int                   `json:"timeout_seconds,omitempty"`
	RequiresLimit      *bool                 `json:"requires_limit,omitempty"`
}

// NeedsLimit reports whether the executed statement must carry a LIMIT.
// Pure aggregate templates opt out with "requires_limit": false.
func (t *QueryTemplate) NeedsLimit() bool {
	return t.RequiresLimit == nil || *t.RequiresLimit
}

// TemplateMetadata is the discovery view of a template, safe to hand to the
// NLU layer (no SQL text).
type TemplateMetadata struct {
	ID               string   `json:"template_id"`
	Description      string   `json:"description"`
	Category         Category `json:"category"`
	ChartType        string   `json:"chart_type"`
	ExampleQuestions []string `json:"example_questions,omitempty"`
}

// Metadata returns the discovery view of the template.
func (t *QueryTemplate) Metadata() TemplateMetadata {
	return TemplateMetadata{
		ID:               t.ID,
		Description:      t.Description,
		Category:         t.Category,
		ChartType:        t.ChartType,
		ExampleQuestions: t.ExampleQuestions,
	}
}

// RenderSQL substitutes validated parameter values into the template's SQL
// structure. Strings are single-quoted; other scalars are rendered bare.
// Values must come from a ValidatedParams set — nothing else is eligible.
func (t *QueryTemplate) RenderSQL(params ValidatedParams) (string, error) {
	sql := t.SQLStructure
	for _, def := range t.Parameters {
		placeholder := "{" + def.Name + "}"
		v, ok := params[def.Name]
		if !ok {
			if !def.Required {
				continue
			}
			return "", fmt.Errorf("missing value for placeholder %q", def.Name)
		}
		sql = strings.ReplaceAll(sql, placeholder, v.SQLLiteral())
	}
	if i := strings.IndexByte(sql, '{'); i >= 0 && strings.IndexByte(sql[i:], '}') > 0 {
		return "", fmt.Errorf("unresolved placeholder remains in SQL structure")
	}
	return sql, nil
}
