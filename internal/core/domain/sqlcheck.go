package domain

import (
	"fmt"
	"regexp"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// DefaultBlockedKeywords are the SQL verbs that can never appear in an
// executed statement, matched on word boundaries.
var DefaultBlockedKeywords = []string{
	"DROP", "DELETE", "UPDATE", "INSERT", "TRUNCATE",
	"ALTER", "CREATE", "GRANT", "REVOKE", "EXEC",
	"EXECUTE", "MERGE", "REPLACE",
}

var unionRe = regexp.MustCompile(`(?i)\bUNION\b`)

// StructuralValidator applies ordered lexical checks to SQL text produced by
// placeholder substitution. Because the pipeline builds SQL textually rather
// than through bound parameters, every one of these checks is load-bearing.
//
// The checks deliberately do not parse SQL; a final gate does run the text
// through PostgreSQL's parser, but the lexical rejections are the floor and
// always fire first.
type StructuralValidator struct {
	blocked []blockedKeyword
}

type blockedKeyword struct {
	word string
	re   *regexp.Regexp
}

// NewStructuralValidator compiles word-boundary matchers for each blocked
// keyword. An empty list falls back to DefaultBlockedKeywords.
func NewStructuralValidator(blockedKeywords []string) *StructuralValidator {
	if len(blockedKeywords) == 0 {
		blockedKeywords = DefaultBlockedKeywords
	}
	v := &StructuralValidator{}
	for _, kw := range blockedKeywords {
		kw = strings.ToUpper(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		v.blocked = append(v.blocked, blockedKeyword{
			word: kw,
			re:   regexp.MustCompile(`\b` + regexp.QuoteMeta(kw) + `\b`),
		})
	}
	return v
}

// Validate runs the ordered checks, stopping at the first failure. Each
// rejection carries only its own reason.
func (v *StructuralValidator) Validate(sql string) error {
	checks := []func(string) error{
		v.checkSelectOnly,
		v.checkBlockedKeywords,
		v.checkNoComments,
		v.checkNoSemicolons,
		v.checkNoUnions,
		v.checkParses,
	}
	for _, check := range checks {
		if err := check(sql); err != nil {
			return err
		}
	}
	return nil
}

func (v *StructuralValidator) checkSelectOnly(sql string) error {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return &SQLRejectedError{Reason: "empty statement"}
	}
	if !strings.HasPrefix(strings.ToUpper(trimmed), "SELECT") {
		return &SQLRejectedError{Reason: "only SELECT statements are allowed"}
	}
	return nil
}

func (v *StructuralValidator) checkBlockedKeywords(sql string) error {
	upper := strings.ToUpper(sql)
	var found []string
	for _, kw := range v.blocked {
		// Word boundaries keep identifiers like "description" from
		// tripping on DELETE-style substrings.
		if kw.re.MatchString(upper) {
			found = append(found, kw.word)
		}
	}
	if len(found) > 0 {
		return &SQLRejectedError{Reason: "blocked SQL keywords detected: " + strings.Join(found, ", ")}
	}
	return nil
}

func (v *StructuralValidator) checkNoComments(sql string) error {
	// Comments can hide a second statement from the later checks.
	if strings.Contains(sql, "--") {
		return &SQLRejectedError{Reason: "line comments (--) are not allowed"}
	}
	if strings.Contains(sql, "/*") || strings.Contains(sql, "*/") {
		return &SQLRejectedError{Reason: "block comments (/* */) are not allowed"}
	}
	return nil
}

func (v *StructuralValidator) checkNoSemicolons(sql string) error {
	// At most one trailing terminator is tolerated; "SELECT 1;;" is two
	// statements to this check even though the second one is empty.
	trimmed := strings.TrimSuffix(strings.TrimRight(sql, " \t\r\n"), ";")
	if strings.Contains(trimmed, ";") {
		return &SQLRejectedError{Reason: "multiple statements are not allowed (semicolon detected)"}
	}
	return nil
}

func (v *StructuralValidator) checkNoUnions(sql string) error {
	if unionRe.MatchString(sql) {
		return &SQLRejectedError{Reason: "UNION operations are not allowed"}
	}
	return nil
}

// checkParses feeds the statement to PostgreSQL's own parser and requires
// exactly one SELECT. Anything the lexical checks let through that the real
// grammar reads differently dies here.
func (v *StructuralValidator) checkParses(sql string) error {
	tree, err := pg_query.Parse(strings.TrimSpace(sql))
	if err != nil {
		return &SQLRejectedError{Reason: "statement does not parse as SQL"}
	}
	if len(tree.Stmts) != 1 {
		return &SQLRejectedError{Reason: fmt.Sprintf("expected one statement, found %d", len(tree.Stmts))}
	}
	stmt := tree.Stmts[0].Stmt
	if stmt == nil {
		return &SQLRejectedError{Reason: "empty statement"}
	}
	if _, ok := stmt.Node.(*pg_query.Node_SelectStmt); !ok {
		return &SQLRejectedError{Reason: "only SELECT statements are allowed"}
	}
	return nil
}
