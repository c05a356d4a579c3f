package port

import (
	"context"

	"github.com/vergil-db/vergil/internal/core/domain"
)

// TemplateRegistry serves vetted query templates. Lookups are lock-free;
// Reload re-validates every template and swaps the cache atomically, so
// in-flight lookups never observe a half-updated registry.
type TemplateRegistry interface {
	Load(id string) (*domain.QueryTemplate, error)
	LoadAll() map[string]*domain.QueryTemplate
	IDs() []string
	ByCategory(category domain.Category) []domain.TemplateMetadata
	Search(query string) []domain.TemplateMetadata
	Reload(ctx context.Context) (int, error)
}
