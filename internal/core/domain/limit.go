package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var limitClauseRe = regexp.MustCompile(`(?i)\bLIMIT\s+(\d+)`)

// LimitEnforcer guarantees every executed statement carries a bounded row
// cap. An existing over-maximum LIMIT is rewritten down — never dropped,
// never raised.
type LimitEnforcer struct {
	defaultLimit int
	maxLimit     int
}

func NewLimitEnforcer(defaultLimit, maxLimit int) *LimitEnforcer {
	return &LimitEnforcer{defaultLimit: defaultLimit, maxLimit: maxLimit}
}

// Inject returns sql with a LIMIT clause enforced. requestedLimit <= 0 means
// "use the default". When limitRequired is false (pure aggregates returning
// one row) the statement passes through unchanged.
func (e *LimitEnforcer) Inject(sql string, requestedLimit int, limitRequired bool) string {
	if !limitRequired {
		return sql
	}

	limit := requestedLimit
	if limit <= 0 {
		limit = e.defaultLimit
	}
	if limit > e.maxLimit {
		limit = e.maxLimit
	}

	if m := limitClauseRe.FindStringSubmatch(sql); m != nil {
		existing, err := strconv.Atoi(m[1])
		if err == nil && existing > e.maxLimit {
			return limitClauseRe.ReplaceAllString(sql, "LIMIT "+strconv.Itoa(e.maxLimit))
		}
		return sql
	}

	sql = strings.TrimRight(strings.TrimRight(sql, " \t\r\n"), ";")
	return fmt.Sprintf("%s LIMIT %d", sql, limit)
}

// ValidateLimit flags a non-positive limit as invalid and an over-maximum
// limit as adjusted rather than rejected. The returned value is always safe
// to use.
func (e *LimitEnforcer) ValidateLimit(limit int) (ok bool, adjusted int, note string) {
	if limit <= 0 {
		return false, e.defaultLimit, "limit must be positive"
	}
	if limit > e.maxLimit {
		return true, e.maxLimit, fmt.Sprintf("limit adjusted to maximum (%d)", e.maxLimit)
	}
	return true, limit, ""
}
