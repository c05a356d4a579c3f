package domain

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// Value is a parameter value that passed validation and is eligible for SQL
// substitution. Nothing outside ValidateParams constructs one.
type Value struct {
	kind ParamType
	str  string
	num  float64
	intv int64
	b    bool
	date time.Time
}

// SQLLiteral renders the value as a SQL literal. Strings and dates are
// single-quoted; numbers and booleans are bare.
func (v Value) SQLLiteral() string {
	switch v.kind {
	case ParamDate:
		return "'" + v.date.Format(dateLayout) + "'"
	case ParamString:
		return "'" + v.str + "'"
	case ParamInteger:
		return strconv.FormatInt(v.intv, 10)
	case ParamFloat:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case ParamBoolean:
		return strconv.FormatBool(v.b)
	}
	return "NULL"
}

// Plain returns the value in its native Go form, for audit records.
func (v Value) Plain() any {
	switch v.kind {
	case ParamDate:
		return v.date.Format(dateLayout)
	case ParamString:
		return v.str
	case ParamInteger:
		return v.intv
	case ParamFloat:
		return v.num
	case ParamBoolean:
		return v.b
	}
	return nil
}

// ValidatedParams maps parameter names to sanitized, typed values. It exists
// only after every declared parameter passed validation — never partially.
type ValidatedParams map[string]Value

// Plain returns the set in audit-record form.
func (p ValidatedParams) Plain() map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v.Plain()
	}
	return out
}

// safeStringChars matches every character allowed in a substituted string
// value: letters, digits, whitespace, hyphen, underscore. Anything else is a
// quoting hazard once the value is spliced into SQL text.
var safeStringChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)

// ValidateParams checks supplied values against the declared parameters, in
// declaration order, and returns the full sanitized set. The first failing
// parameter aborts the whole set: no partial output is ever returned.
//
// This is the single boundary where free-form extracted text becomes a value
// eligible for SQL substitution.
func ValidateParams(defs []ParameterDefinition, supplied map[string]any) (ValidatedParams, error) {
	out := make(ValidatedParams, len(defs))
	for _, def := range defs {
		raw, present := supplied[def.Name]
		if !present || raw == nil {
			if def.Required {
				return nil, &ParamError{Name: def.Name, Reason: "required parameter is missing"}
			}
			continue
		}

		val, err := validateOne(def, raw)
		if err != nil {
			return nil, err
		}
		out[def.Name] = val
	}
	return out, nil
}

func validateOne(def ParameterDefinition, raw any) (Value, error) {
	rules := def.Validation
	if rules == nil {
		rules = &ValidationRules{}
	}
	switch def.Type {
	case ParamDate:
		return validateDate(def.Name, raw, rules)
	case ParamString:
		return validateString(def.Name, raw, rules)
	case ParamInteger:
		return validateInteger(def.Name, raw, rules)
	case ParamFloat:
		return validateFloat(def.Name, raw, rules)
	case ParamBoolean:
		return validateBoolean(def.Name, raw)
	}
	return Value{}, &ParamError{Name: def.Name, Reason: fmt.Sprintf("unknown parameter type %q", def.Type)}
}

func validateDate(name string, raw any, rules *ValidationRules) (Value, error) {
	var d time.Time
	switch v := raw.(type) {
	case time.Time:
		d = v
	case string:
		parsed, err := time.Parse(dateLayout, v)
		if err != nil {
			// Full timestamps are accepted and truncated to the calendar date.
			parsed, err = time.Parse(time.RFC3339, v)
			if err != nil {
				return Value{}, &ParamError{Name: name, Reason: "must be a valid ISO date (YYYY-MM-DD)"}
			}
		}
		d = parsed
	default:
		return Value{}, &ParamError{Name: name, Reason: "must be a date"}
	}
	d = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)

	if rules.MinValue != nil {
		min, err := time.Parse(dateLayout, *rules.MinValue)
		if err != nil {
			return Value{}, &ParamError{Name: name, Reason: "declaration has an invalid min_value date"}
		}
		if d.Before(min) {
			return Value{}, &ParamError{Name: name, Reason: fmt.Sprintf("must be on or after %s", *rules.MinValue)}
		}
	}
	if rules.MaxValue != nil {
		max, err := time.Parse(dateLayout, *rules.MaxValue)
		if err != nil {
			return Value{}, &ParamError{Name: name, Reason: "declaration has an invalid max_value date"}
		}
		if d.After(max) {
			return Value{}, &ParamError{Name: name, Reason: fmt.Sprintf("must be on or before %s", *rules.MaxValue)}
		}
	}
	return Value{kind: ParamDate, date: d}, nil
}

func validateString(name string, raw any, rules *ValidationRules) (Value, error) {
	s, ok := raw.(string)
	if !ok {
		return Value{}, &ParamError{Name: name, Reason: "must be a string"}
	}

	if len(rules.AllowedValues) > 0 {
		found := false
		for _, allowed := range rules.AllowedValues {
			if s == allowed {
				found = true
				break
			}
		}
		if !found {
			return Value{}, &ParamError{Name: name, Reason: "must be one of: " + strings.Join(rules.AllowedValues, ", ")}
		}
	}

	if rules.Pattern != "" {
		re, err := regexp.Compile(rules.Pattern)
		if err != nil {
			return Value{}, &ParamError{Name: name, Reason: "declaration has an invalid pattern"}
		}
		if !re.MatchString(s) {
			return Value{}, &ParamError{Name: name, Reason: "does not match the required pattern"}
		}
	}

	if rules.MinValue != nil {
		min, err := strconv.Atoi(*rules.MinValue)
		if err == nil && len(s) < min {
			return Value{}, &ParamError{Name: name, Reason: fmt.Sprintf("must be at least %d characters", min)}
		}
	}
	if rules.MaxValue != nil {
		max, err := strconv.Atoi(*rules.MaxValue)
		if err == nil && len(s) > max {
			return Value{}, &ParamError{Name: name, Reason: fmt.Sprintf("must be at most %d characters", max)}
		}
	}

	// Sanitization runs after the allow-list and pattern checks. A value the
	// strip would alter is rejected outright — never silently rewritten into
	// something the caller did not say.
	if safeStringChars.MatchString(s) {
		return Value{}, &ParamError{Name: name, Reason: "contains characters that are not allowed"}
	}

	return Value{kind: ParamString, str: s}, nil
}

func validateInteger(name string, raw any, rules *ValidationRules) (Value, error) {
	var n int64
	switch v := raw.(type) {
	case int:
		n = int64(v)
	case int64:
		n = v
	case float64:
		// JSON numbers decode as float64; a fractional part means the caller
		// did not send an integer.
		if v != math.Trunc(v) {
			return Value{}, &ParamError{Name: name, Reason: "must be an integer"}
		}
		n = int64(v)
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return Value{}, &ParamError{Name: name, Reason: "must be an integer"}
		}
		n = parsed
	default:
		return Value{}, &ParamError{Name: name, Reason: "must be an integer"}
	}

	if rules.MinValue != nil {
		if min, err := strconv.ParseInt(*rules.MinValue, 10, 64); err == nil && n < min {
			return Value{}, &ParamError{Name: name, Reason: fmt.Sprintf("must be >= %d", min)}
		}
	}
	if rules.MaxValue != nil {
		if max, err := strconv.ParseInt(*rules.MaxValue, 10, 64); err == nil && n > max {
			return Value{}, &ParamError{Name: name, Reason: fmt.Sprintf("must be <= %d", max)}
		}
	}
	return Value{kind: ParamInteger, intv: n}, nil
}

func validateFloat(name string, raw any, rules *ValidationRules) (Value, error) {
	var f float64
	switch v := raw.(type) {
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case float64:
		f = v
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return Value{}, &ParamError{Name: name, Reason: "must be a number"}
		}
		f = parsed
	default:
		return Value{}, &ParamError{Name: name, Reason: "must be a number"}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, &ParamError{Name: name, Reason: "must be a finite number"}
	}

	if rules.MinValue != nil {
		if min, err := strconv.ParseFloat(*rules.MinValue, 64); err == nil && f < min {
			return Value{}, &ParamError{Name: name, Reason: fmt.Sprintf("must be >= %v", min)}
		}
	}
	if rules.MaxValue != nil {
		if max, err := strconv.ParseFloat(*rules.MaxValue, 64); err == nil && f > max {
			return Value{}, &ParamError{Name: name, Reason: fmt.Sprintf("must be <= %v", max)}
		}
	}
	return Value{kind: ParamFloat, num: f}, nil
}

func validateBoolean(name string, raw any) (Value, error) {
	switch v := raw.(type) {
	case bool:
		return Value{kind: ParamBoolean, b: v}, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "1":
			return Value{kind: ParamBoolean, b: true}, nil
		case "false", "no", "0":
			return Value{kind: ParamBoolean, b: false}, nil
		}
	}
	return Value{}, &ParamError{Name: name, Reason: "must be a boolean"}
}
