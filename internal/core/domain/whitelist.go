package domain

import (
	"regexp"
	"sort"
	"strings"
)

var (
	tableRefRe   = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+([a-zA-Z_][a-zA-Z0-9_]*)`)
	selectWordRe = regexp.MustCompile(`(?i)\bSELECT\b`)
	selectStarRe = regexp.MustCompile(`(?i)SELECT\s+\*`)
	selectBodyRe = regexp.MustCompile(`(?is)SELECT\s+(.*?)\s+FROM`)
	identifierRe = regexp.MustCompile(`(?i)[a-z_][a-z0-9_]*`)
)

// selectClauseKeywords are tokens legitimately appearing in a SELECT clause
// that must not be mistaken for column references during extraction.
var selectClauseKeywords = map[string]bool{
	"as": true, "count": true, "sum": true, "avg": true, "max": true,
	"min": true, "distinct": true, "case": true, "when": true, "then": true,
	"else": true, "end": true, "cast": true, "extract": true, "year": true,
	"month": true, "day": true, "date": true, "timestamp": true,
	"interval": true, "round": true, "coalesce": true, "nullif": true,
}

// WhitelistValidator confirms a query only touches explicitly permitted
// tables (and optionally columns). Identifier extraction is lexical — a scan
// for FROM/JOIN targets — so subqueries are rejected wholesale rather than
// descended into.
type WhitelistValidator struct {
	global         map[string]bool
	enforceColumns bool
	tableColumns   map[string][]string
}

// NewWhitelistValidator builds a validator around the deployment-wide table
// allow-list. Column enforcement is optional because lexical column
// extraction from arbitrary SELECT clauses (expressions, aggregates, casts)
// has a nonzero false-positive rate.
func NewWhitelistValidator(globalTables []string, enforceColumns bool) *WhitelistValidator {
	g := make(map[string]bool, len(globalTables))
	for _, t := range globalTables {
		g[strings.ToLower(strings.TrimSpace(t))] = true
	}
	return &WhitelistValidator{global: g, enforceColumns: enforceColumns}
}

// SetTableColumns registers deployment-level per-table column allow-lists.
// Templates that declare no whitelisted_columns of their own fall back to
// these during column enforcement. Called once at startup, before the
// validator is shared.
func (v *WhitelistValidator) SetTableColumns(columns map[string][]string) {
	normalized := make(map[string][]string, len(columns))
	for table, cols := range columns {
		normalized[strings.ToLower(strings.TrimSpace(table))] = cols
	}
	v.tableColumns = normalized
}

// ColumnsForTables returns the union of the deployment-level column
// allow-lists for the given tables, sorted and deduplicated. Empty when no
// list constrains any of them.
func (v *WhitelistValidator) ColumnsForTables(tables []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, table := range tables {
		for _, col := range v.tableColumns[strings.ToLower(strings.TrimSpace(table))] {
			col = strings.ToLower(strings.TrimSpace(col))
			if col == "" || seen[col] {
				continue
			}
			seen[col] = true
			out = append(out, col)
		}
	}
	sort.Strings(out)
	return out
}

// GlobalTables returns the deployment-wide allow-list, sorted.
func (v *WhitelistValidator) GlobalTables() []string {
	out := make([]string, 0, len(v.global))
	for t := range v.global {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ContainsTable reports whether a table is in the global allow-list.
func (v *WhitelistValidator) ContainsTable(table string) bool {
	return v.global[strings.ToLower(strings.TrimSpace(table))]
}

// ValidateTables requires every FROM/JOIN target in sql to be a member of
// allowedTables, and allowedTables itself to be a subset of the global
// whitelist — a malformed template that slipped past registry validation
// still cannot widen access here.
func (v *WhitelistValidator) ValidateTables(sql string, allowedTables []string) error {
	allowed := make(map[string]bool, len(allowedTables))
	var outsideGlobal []string
	for _, t := range allowedTables {
		t = strings.ToLower(strings.TrimSpace(t))
		allowed[t] = true
		if !v.global[t] {
			outsideGlobal = append(outsideGlobal, t)
		}
	}
	if len(outsideGlobal) > 0 {
		sort.Strings(outsideGlobal)
		return &WhitelistError{Kind: "tables", Names: outsideGlobal, Why: "tables not in global whitelist"}
	}

	var unauthorized []string
	seen := map[string]bool{}
	for _, m := range tableRefRe.FindAllStringSubmatch(sql, -1) {
		table := strings.ToLower(m[1])
		if seen[table] {
			continue
		}
		seen[table] = true
		if !allowed[table] {
			unauthorized = append(unauthorized, table)
		}
	}
	if len(unauthorized) > 0 {
		sort.Strings(unauthorized)
		return &WhitelistError{Kind: "tables", Names: unauthorized}
	}

	return v.validateNoSubqueries(sql)
}

// ColumnsEnforced reports whether this deployment opted in to column-level
// checks.
func (v *WhitelistValidator) ColumnsEnforced() bool {
	return v.enforceColumns
}

// validateNoSubqueries rejects any statement with more than one SELECT token.
// A nested SELECT could read tables invisible to the FROM/JOIN scan.
func (v *WhitelistValidator) validateNoSubqueries(sql string) error {
	if len(selectWordRe.FindAllStringIndex(sql, -1)) > 1 {
		return &WhitelistError{Kind: "tables", Why: "subqueries are not allowed"}
	}
	return nil
}

// ValidateColumns applies the optional column-level check: SELECT * is
// rejected, and every identifier extracted from the SELECT clause (minus SQL
// keywords) must appear in allowedColumns.
func (v *WhitelistValidator) ValidateColumns(sql string, allowedColumns []string) error {
	if selectStarRe.MatchString(sql) {
		return &WhitelistError{Kind: "columns", Why: "SELECT * is not allowed; name explicit columns"}
	}
	m := selectBodyRe.FindStringSubmatch(sql)
	if m == nil {
		return &WhitelistError{Kind: "columns", Why: "could not read the SELECT clause"}
	}

	allowed := make(map[string]bool, len(allowedColumns))
	for _, c := range allowedColumns {
		allowed[strings.ToLower(strings.TrimSpace(c))] = true
	}

	var unauthorized []string
	seen := map[string]bool{}
	for _, ident := range identifierRe.FindAllString(m[1], -1) {
		ident = strings.ToLower(ident)
		if selectClauseKeywords[ident] || seen[ident] {
			continue
		}
		seen[ident] = true
		if !allowed[ident] {
			unauthorized = append(unauthorized, ident)
		}
	}
	if len(unauthorized) > 0 {
		sort.Strings(unauthorized)
		return &WhitelistError{Kind: "columns", Names: unauthorized}
	}
	return nil
}
