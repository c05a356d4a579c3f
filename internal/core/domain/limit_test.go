package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLimitEnforcer_AppendsDefault(t *testing.T) {
	t.Parallel()
	e := NewLimitEnforcer(100, 1000)
	got := e.Inject("SELECT date, revenue FROM sales_transactions", 0, true)
	assert.Equal(t, "SELECT date, revenue FROM sales_transactions LIMIT 100", got)
}

func TestLimitEnforcer_AppendsRequested(t *testing.T) {
	t.Parallel()
	e := NewLimitEnforcer(100, 1000)
	got := e.Inject("SELECT date FROM sales_transactions", 50, true)
	assert.Equal(t, "SELECT date FROM sales_transactions LIMIT 50", got)
}

func TestLimitEnforcer_RequestAboveMaxClamped(t *testing.T) {
	t.Parallel()
	e := NewLimitEnforcer(100, 1000)
	got := e.Inject("SELECT date FROM sales_transactions", 5000, true)
	assert.Equal(t, "SELECT date FROM sales_transactions LIMIT 1000", got)
}

func TestLimitEnforcer_ExistingWithinMaxKept(t *testing.T) {
	t.Parallel()
	e := NewLimitEnforcer(100, 1000)
	sql := "SELECT date FROM sales_transactions LIMIT 25"
	assert.Equal(t, sql, e.Inject(sql, 0, true))
}

func TestLimitEnforcer_ExistingAboveMaxRewritten(t *testing.T) {
	t.Parallel()
	e := NewLimitEnforcer(100, 1000)
	got := e.Inject("SELECT date FROM sales_transactions LIMIT 5000", 0, true)
	assert.Equal(t, "SELECT date FROM sales_transactions LIMIT 1000", got)
}

func TestLimitEnforcer_NotRequiredPassthrough(t *testing.T) {
	t.Parallel()
	e := NewLimitEnforcer(100, 1000)
	sql := "SELECT SUM(revenue) FROM sales_transactions"
	assert.Equal(t, sql, e.Inject(sql, 0, false))
}

func TestLimitEnforcer_TrailingSemicolonStripped(t *testing.T) {
	t.Parallel()
	e := NewLimitEnforcer(100, 1000)
	got := e.Inject("SELECT date FROM sales_transactions;", 0, true)
	assert.Equal(t, "SELECT date FROM sales_transactions LIMIT 100", got)
}

func TestLimitEnforcer_ValidateLimit(t *testing.T) {
	t.Parallel()
	e := NewLimitEnforcer(100, 1000)

	ok, adjusted, note := e.ValidateLimit(50)
	assert.True(t, ok)
	assert.Equal(t, 50, adjusted)
	assert.Empty(t, note)

	ok, adjusted, note = e.ValidateLimit(5000)
	assert.True(t, ok)
	assert.Equal(t, 1000, adjusted)
	assert.Contains(t, note, "maximum")

	ok, adjusted, note = e.ValidateLimit(0)
	assert.False(t, ok)
	assert.Equal(t, 100, adjusted)
	assert.NotEmpty(t, note)
}
