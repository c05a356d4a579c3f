// Package audit provides append-only NDJSON sinks for pipeline decisions.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/vergil-db/vergil/internal/core/port"
)

// fileEntry is the NDJSON-serializable form of an audit record.
type fileEntry struct {
	Event           string         `json:"event"`
	RequestID       string         `json:"request_id,omitempty"`
	CallerID        string         `json:"caller_id,omitempty"`
	TemplateID      string         `json:"template_id,omitempty"`
	Stage           string         `json:"stage,omitempty"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	ExecutionTimeMS int64          `json:"execution_time_ms,omitempty"`
	RowCount        int            `json:"row_count"`
	Success         bool           `json:"success"`
	Error           *string        `json:"error"`
	Timestamp       string         `json:"timestamp"`
}

// FileAuditor writes audit entries as NDJSON (one JSON object per line) to an
// append-only file.
type FileAuditor struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
	now  func() time.Time
}

// NewFileAuditor opens (or creates) the file at path for append-only writing.
func NewFileAuditor(path string) (*FileAuditor, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &FileAuditor{
		file: f,
		enc:  json.NewEncoder(f),
		now:  time.Now,
	}, nil
}

func (a *FileAuditor) Record(_ context.Context, entry port.AuditEntry) {
	fe := fileEntry{
		Event:           entry.Event,
		RequestID:       entry.RequestID,
		CallerID:        entry.CallerID,
		TemplateID:      entry.TemplateID,
		Stage:           entry.Stage,
		Parameters:      entry.Parameters,
		ExecutionTimeMS: entry.ExecutionTimeMS,
		RowCount:        entry.RowCount,
		Success:         entry.Success,
		Timestamp:       a.now().UTC().Format(time.RFC3339),
	}
	if entry.Err != nil {
		s := entry.Err.Error()
		fe.Error = &s
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	_ = a.enc.Encode(fe) // best-effort; don't fail the request for audit I/O
}

func (a *FileAuditor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// NoopAuditor discards all audit entries.
type NoopAuditor struct{}

func (NoopAuditor) Record(context.Context, port.AuditEntry) {}
func (NoopAuditor) Close() error                            { return nil }
