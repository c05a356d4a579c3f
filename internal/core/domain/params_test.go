package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestValidateParams_DateValid(t *testing.T) {
	t.Parallel()
	defs := []ParameterDefinition{{Name: "start_date", Type: ParamDate, Required: true}}
	got, err := ValidateParams(defs, map[string]any{"start_date": "2025-06-01"})
	require.NoError(t, err)
	assert.Equal(t, "'2025-06-01'", got["start_date"].SQLLiteral())
}

func TestValidateParams_DateFromTimestamp(t *testing.T) {
	t.Parallel()
	defs := []ParameterDefinition{{Name: "d", Type: ParamDate, Required: true}}
	got, err := ValidateParams(defs, map[string]any{"d": "2025-06-01T14:30:00Z"})
	require.NoError(t, err)
	assert.Equal(t, "'2025-06-01'", got["d"].SQLLiteral())
}

func TestValidateParams_DateMalformed(t *testing.T) {
	t.Parallel()
	defs := []ParameterDefinition{{Name: "d", Type: ParamDate, Required: true}}
	_, err := ValidateParams(defs, map[string]any{"d": "06/01/2025"})
	var pErr *ParamError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, "d", pErr.Name)
}

func TestValidateParams_DateBounds(t *testing.T) {
	t.Parallel()
	defs := []ParameterDefinition{{
		Name: "d", Type: ParamDate, Required: true,
		Validation: &ValidationRules{MinValue: strPtr("2020-01-01"), MaxValue: strPtr("2025-12-31")},
	}}

	_, err := ValidateParams(defs, map[string]any{"d": "2019-12-31"})
	assert.Error(t, err)

	_, err = ValidateParams(defs, map[string]any{"d": "2026-01-01"})
	assert.Error(t, err)

	_, err = ValidateParams(defs, map[string]any{"d": "2025-06-15"})
	assert.NoError(t, err)
}

func TestValidateParams_RequiredMissing(t *testing.T) {
	t.Parallel()
	defs := []ParameterDefinition{{Name: "d", Type: ParamDate, Required: true}}
	_, err := ValidateParams(defs, map[string]any{})
	var pErr *ParamError
	require.ErrorAs(t, err, &pErr)
	assert.Contains(t, pErr.Reason, "missing")
}

func TestValidateParams_OptionalMissing(t *testing.T) {
	t.Parallel()
	defs := []ParameterDefinition{{Name: "region", Type: ParamString, Required: false}}
	got, err := ValidateParams(defs, map[string]any{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestValidateParams_AllOrNothing(t *testing.T) {
	t.Parallel()
	defs := []ParameterDefinition{
		{Name: "a", Type: ParamInteger, Required: true},
		{Name: "b", Type: ParamInteger, Required: true},
	}
	got, err := ValidateParams(defs, map[string]any{"a": 1, "b": "not a number"})
	assert.Error(t, err)
	assert.Nil(t, got)
}

func TestValidateParams_StringUnsafeCharactersRejected(t *testing.T) {
	t.Parallel()
	defs := []ParameterDefinition{{Name: "s", Type: ParamString, Required: true}}

	// A value sanitization would alter is rejected, never rewritten.
	_, err := ValidateParams(defs, map[string]any{"s": "organic'; DROP TABLE x"})
	var pErr *ParamError
	require.ErrorAs(t, err, &pErr)
	assert.Contains(t, pErr.Reason, "not allowed")
}

func TestValidateParams_StringSafeCharactersAccepted(t *testing.T) {
	t.Parallel()
	defs := []ParameterDefinition{{Name: "s", Type: ParamString, Required: true}}
	got, err := ValidateParams(defs, map[string]any{"s": "organic search_01"})
	require.NoError(t, err)
	assert.Equal(t, "'organic search_01'", got["s"].SQLLiteral())
}

func TestValidateParams_StringAllowedValues(t *testing.T) {
	t.Parallel()
	defs := []ParameterDefinition{{
		Name: "source", Type: ParamString, Required: true,
		Validation: &ValidationRules{AllowedValues: []string{"organic", "paid", "referral"}},
	}}

	_, err := ValidateParams(defs, map[string]any{"source": "direct"})
	var pErr *ParamError
	require.ErrorAs(t, err, &pErr)
	assert.Contains(t, pErr.Reason, "one of")

	_, err = ValidateParams(defs, map[string]any{"source": "paid"})
	assert.NoError(t, err)
}

func TestValidateParams_StringPattern(t *testing.T) {
	t.Parallel()
	defs := []ParameterDefinition{{
		Name: "code", Type: ParamString, Required: true,
		Validation: &ValidationRules{Pattern: `^[A-Z]{3}$`},
	}}

	_, err := ValidateParams(defs, map[string]any{"code": "usd"})
	assert.Error(t, err)

	_, err = ValidateParams(defs, map[string]any{"code": "USD"})
	assert.NoError(t, err)
}

func TestValidateParams_StringLengthBounds(t *testing.T) {
	t.Parallel()
	defs := []ParameterDefinition{{
		Name: "s", Type: ParamString, Required: true,
		Validation: &ValidationRules{MinValue: strPtr("3"), MaxValue: strPtr("5")},
	}}

	_, err := ValidateParams(defs, map[string]any{"s": "ab"})
	assert.Error(t, err)

	_, err = ValidateParams(defs, map[string]any{"s": "abcdef"})
	assert.Error(t, err)

	_, err = ValidateParams(defs, map[string]any{"s": "abcd"})
	assert.NoError(t, err)
}

func TestValidateParams_IntegerForms(t *testing.T) {
	t.Parallel()
	defs := []ParameterDefinition{{Name: "n", Type: ParamInteger, Required: true}}

	for _, raw := range []any{42, int64(42), float64(42), "42", " 42 "} {
		got, err := ValidateParams(defs, map[string]any{"n": raw})
		require.NoError(t, err, "raw=%v", raw)
		assert.Equal(t, "42", got["n"].SQLLiteral())
	}
}

func TestValidateParams_IntegerFractionalRejected(t *testing.T) {
	t.Parallel()
	defs := []ParameterDefinition{{Name: "n", Type: ParamInteger, Required: true}}
	_, err := ValidateParams(defs, map[string]any{"n": 42.5})
	var pErr *ParamError
	require.ErrorAs(t, err, &pErr)
	assert.Contains(t, pErr.Reason, "integer")
}

func TestValidateParams_IntegerBounds(t *testing.T) {
	t.Parallel()
	defs := []ParameterDefinition{{
		Name: "n", Type: ParamInteger, Required: true,
		Validation: &ValidationRules{MinValue: strPtr("1"), MaxValue: strPtr("10")},
	}}

	_, err := ValidateParams(defs, map[string]any{"n": 0})
	assert.Error(t, err)

	_, err = ValidateParams(defs, map[string]any{"n": 11})
	assert.Error(t, err)

	_, err = ValidateParams(defs, map[string]any{"n": 10})
	assert.NoError(t, err)
}

func TestValidateParams_FloatForms(t *testing.T) {
	t.Parallel()
	defs := []ParameterDefinition{{Name: "f", Type: ParamFloat, Required: true}}

	got, err := ValidateParams(defs, map[string]any{"f": 3.25})
	require.NoError(t, err)
	assert.Equal(t, "3.25", got["f"].SQLLiteral())

	_, err = ValidateParams(defs, map[string]any{"f": "not a number"})
	assert.Error(t, err)
}

func TestValidateParams_BooleanForms(t *testing.T) {
	t.Parallel()
	defs := []ParameterDefinition{{Name: "b", Type: ParamBoolean, Required: true}}

	for _, raw := range []any{true, "true", "Yes", "1"} {
		got, err := ValidateParams(defs, map[string]any{"b": raw})
		require.NoError(t, err, "raw=%v", raw)
		assert.Equal(t, "true", got["b"].SQLLiteral())
	}
	for _, raw := range []any{false, "false", "NO", "0"} {
		got, err := ValidateParams(defs, map[string]any{"b": raw})
		require.NoError(t, err, "raw=%v", raw)
		assert.Equal(t, "false", got["b"].SQLLiteral())
	}

	_, err := ValidateParams(defs, map[string]any{"b": "maybe"})
	assert.Error(t, err)
}

func TestValidatedParams_Plain(t *testing.T) {
	t.Parallel()
	defs := []ParameterDefinition{
		{Name: "d", Type: ParamDate, Required: true},
		{Name: "n", Type: ParamInteger, Required: true},
	}
	got, err := ValidateParams(defs, map[string]any{"d": "2025-06-01", "n": 7})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"d": "2025-06-01", "n": int64(7)}, got.Plain())
}
