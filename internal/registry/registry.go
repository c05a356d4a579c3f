// Package registry loads, validates, and caches versioned query templates.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/vergil-db/vergil/internal/core/domain"
	"github.com/vergil-db/vergil/internal/core/port"
	"github.com/xeipuuv/gojsonschema"
)

// SchemaFileName is the sibling file documenting the template schema. It is
// used for validation but never enters the id-keyed registry.
const SchemaFileName = "template_schema.json"

// tableChecker is the slice of the whitelist the registry needs: membership
// of a single table in the global allow-list.
type tableChecker interface {
	ContainsTable(table string) bool
}

// snapshot is one immutable generation of the registry. Reload builds a full
// replacement and swaps the pointer, so lookups are lock-free and never see a
// half-updated cache.
type snapshot struct {
	templates map[string]*domain.QueryTemplate
	ids       []string
}

// Registry serves templates from a directory of JSON documents, one per
// template_id. Templates failing schema validation are excluded — never
// selectable — and the exclusion is audited.
type Registry struct {
	dir     string
	tables  tableChecker
	auditor port.Auditor
	logger  *slog.Logger
	schema  *gojsonschema.Schema // nil when no schema file is present
	current atomic.Pointer[snapshot]
}

// New scans dir once and returns a registry with the initial snapshot
// installed. An unreadable directory is an error; an invalid template is not
// (it is excluded and audited).
func New(dir string, tables tableChecker, auditor port.Auditor, logger *slog.Logger) (*Registry, error) {
	r := &Registry{dir: dir, tables: tables, auditor: auditor, logger: logger}

	if err := r.loadSchema(); err != nil {
		return nil, err
	}
	if _, err := r.Reload(context.Background()); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) loadSchema() error {
	data, err := os.ReadFile(filepath.Join(r.dir, SchemaFileName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading template schema: %w", err)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("compiling template schema: %w", err)
	}
	r.schema = schema
	return nil
}

// Load returns the template with the given id, or domain.ErrTemplateNotFound.
func (r *Registry) Load(id string) (*domain.QueryTemplate, error) {
	snap := r.current.Load()
	tmpl, ok := snap.templates[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrTemplateNotFound, id)
	}
	return tmpl, nil
}

// LoadAll returns the current id→template mapping. The map is shared with the
// snapshot and must not be mutated.
func (r *Registry) LoadAll() map[string]*domain.QueryTemplate {
	return r.current.Load().templates
}

// IDs returns all template ids, sorted.
func (r *Registry) IDs() []string {
	return r.current.Load().ids
}

// ByCategory returns metadata for every template in the category.
func (r *Registry) ByCategory(category domain.Category) []domain.TemplateMetadata {
	snap := r.current.Load()
	var out []domain.TemplateMetadata
	for _, id := range snap.ids {
		if t := snap.templates[id]; t.Category == category {
			out = append(out, t.Metadata())
		}
	}
	return out
}

// Search matches query (case-insensitive) against descriptions and example
// questions, returning metadata for the hits.
func (r *Registry) Search(query string) []domain.TemplateMetadata {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	snap := r.current.Load()
	var out []domain.TemplateMetadata
	for _, id := range snap.ids {
		t := snap.templates[id]
		if strings.Contains(strings.ToLower(t.Description), q) {
			out = append(out, t.Metadata())
			continue
		}
		for _, ex := range t.ExampleQuestions {
			if strings.Contains(strings.ToLower(ex), q) {
				out = append(out, t.Metadata())
				break
			}
		}
	}
	return out
}

// Reload re-reads and re-validates every template, then swaps the cache in
// one atomic store. A directory or file I/O failure aborts the reload with
// the previous snapshot left untouched; a template failing validation is
// excluded from the new snapshot and audited. Returns the number of
// templates installed.
func (r *Registry) Reload(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return 0, fmt.Errorf("reading template directory: %w", err)
	}

	next := &snapshot{templates: make(map[string]*domain.QueryTemplate)}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || name == SchemaFileName {
			continue
		}

		path := filepath.Join(r.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, fmt.Errorf("reading template %s: %w", name, err)
		}

		tmpl, err := r.validate(name, data)
		if err != nil {
			r.exclude(ctx, name, err)
			continue
		}
		next.templates[tmpl.ID] = tmpl
	}

	next.ids = make([]string, 0, len(next.templates))
	for id := range next.templates {
		next.ids = append(next.ids, id)
	}
	sort.Strings(next.ids)

	r.current.Store(next)
	return len(next.ids), nil
}

// validate parses and schema-checks one template document.
func (r *Registry) validate(filename string, data []byte) (*domain.QueryTemplate, error) {
	id := strings.TrimSuffix(filename, ".json")

	if r.schema != nil {
		result, err := r.schema.Validate(gojsonschema.NewBytesLoader(data))
		if err != nil {
			return nil, &domain.SchemaError{TemplateID: id, Reason: fmt.Sprintf("schema validation: %v", err)}
		}
		if !result.Valid() {
			first := result.Errors()[0]
			return nil, &domain.SchemaError{TemplateID: id, Field: first.Field(), Reason: first.Description()}
		}
	}

	var tmpl domain.QueryTemplate
	if err := json.Unmarshal(data, &tmpl); err != nil {
		return nil, &domain.SchemaError{TemplateID: id, Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	if err := checkMandatory(&tmpl); err != nil {
		return nil, err
	}
	if tmpl.ID != id {
		return nil, &domain.SchemaError{TemplateID: id, Field: "template_id",
			Reason: fmt.Sprintf("must match filename (got %q)", tmpl.ID)}
	}
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(tmpl.SQLStructure)), "SELECT") {
		return nil, &domain.SchemaError{TemplateID: id, Field: "sql_structure",
			Reason: "must be a SELECT statement"}
	}
	if tmpl.Category != "" && !domain.ValidCategories[tmpl.Category] {
		return nil, &domain.SchemaError{TemplateID: id, Field: "category",
			Reason: fmt.Sprintf("unknown category %q", tmpl.Category)}
	}
	for _, table := range tmpl.WhitelistedTables {
		if !r.tables.ContainsTable(table) {
			return nil, &domain.SchemaError{TemplateID: id, Field: "whitelisted_tables",
				Reason: fmt.Sprintf("table %q not in global whitelist", table)}
		}
	}
	return &tmpl, nil
}

func checkMandatory(tmpl *domain.QueryTemplate) error {
	missing := ""
	switch {
	case tmpl.ID == "":
		missing = "template_id"
	case tmpl.Description == "":
		missing = "description"
	case tmpl.SQLStructure == "":
		missing = "sql_structure"
	case tmpl.Parameters == nil:
		missing = "parameters"
	case len(tmpl.WhitelistedTables) == 0:
		missing = "whitelisted_tables"
	case tmpl.ChartType == "":
		missing = "chart_type"
	}
	if missing != "" {
		return &domain.SchemaError{TemplateID: tmpl.ID, Field: missing, Reason: "missing required field"}
	}
	return nil
}

// exclude records a template kept out of the registry.
func (r *Registry) exclude(ctx context.Context, filename string, cause error) {
	r.logger.Warn("template excluded from registry",
		slog.String("file", filename),
		slog.String("error", cause.Error()),
	)
	r.auditor.Record(ctx, port.AuditEntry{
		Event:      "template_excluded",
		TemplateID: strings.TrimSuffix(filename, ".json"),
		Stage:      "registry_load",
		Success:    false,
		Err:        cause,
	})
}
