package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crivet/dose-engine/internal/domain/profile"
)

// CatalogSource reads active profile documents from drug_profiles
type CatalogSource struct {
	pool *pgxpool.Pool
}

// NewCatalogSource creates a catalog source over pool
func NewCatalogSource(pool *pgxpool.Pool) *CatalogSource {
	return &CatalogSource{pool: pool}
}

// Documents implements profile.Source
func (s *CatalogSource) Documents(ctx context.Context) ([]profile.Document, error) {
	rows, err := s.pool.Query(ctx, `SELECT name, document FROM drug_profiles WHERE active ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query drug_profiles: %w", err)
	}
	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (profile.Document, error) {
		var (
			name string
			text string
		)
		if err := row.Scan(&name, &text); err != nil {
			return profile.Document{}, err
		}
		return profile.Document{Name: name, Data: []byte(text)}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan drug_profiles: %w", err)
	}
	return docs, nil
}

// PutDocument stores or replaces a profile document. The name must end in
// .yaml or .yml.
func (s *CatalogSource) PutDocument(ctx context.Context, doc profile.Document) error {
	if !profile.IsDocumentName(doc.Name) {
		return fmt.Errorf("document %q is not a yaml file", doc.Name)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO drug_profiles (name, document, active, updated_at)
		VALUES ($1, $2, TRUE, NOW())
		ON CONFLICT (name) DO UPDATE SET document = EXCLUDED.document, active = TRUE, updated_at = NOW()
	`, doc.Name, string(doc.Data))
	if err != nil {
		return fmt.Errorf("put %s: %w", doc.Name, err)
	}
	return nil
}
