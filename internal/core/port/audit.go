package port

import "context"

// AuditEntry is one pipeline stage outcome. Entries are write-once and never
// read back by the pipeline.
type AuditEntry struct {
	Event           string
	RequestID       string
	CallerID        string
	TemplateID      string
	Stage           string
	Parameters      map[string]any
	ExecutionTimeMS int64
	RowCount        int
	Success         bool
	Err             error
}

// Auditor records pipeline audit events. Implementations are pure sinks.
type Auditor interface {
	Record(ctx context.Context, entry AuditEntry)
	Close() error
}
