package port

// SQLValidator applies structural checks to substituted SQL text.
type SQLValidator interface {
	Validate(sql string) error
}

// TableValidator enforces the table (and optionally column) allow-lists.
// ColumnsForTables supplies the deployment-level fallback column lists for
// templates that declare none of their own.
type TableValidator interface {
	ValidateTables(sql string, allowedTables []string) error
	ValidateColumns(sql string, allowedColumns []string) error
	ColumnsForTables(tables []string) []string
	ColumnsEnforced() bool
	ContainsTable(table string) bool
}

// LimitEnforcer bounds the result size of every executed statement.
type LimitEnforcer interface {
	Inject(sql string, requestedLimit int, limitRequired bool) string
	ValidateLimit(limit int) (ok bool, adjusted int, note string)
}
