package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/assiminee/facegate/internal/database"
	"github.com/pgvector/pgvector-go"
)

// TemplateRepository provides PostgreSQL-backed template storage with an
// optional in-memory HNSW index for gate-latency queries. Postgres remains
// the source of truth; the index is a cache rebuilt or loaded at startup.
type TemplateRepository struct {
	pool        *Pool
	dim         int
	hnswIndex   *database.TemplateIndex
	hnswEnabled bool
	hnswPath    string // Path to persist HNSW index (optional)
	hnswMu      sync.RWMutex
}

// NewTemplateRepository creates a new PostgreSQL template repository.
func NewTemplateRepository(pool *Pool, dim int) *TemplateRepository {
	return &TemplateRepository{pool: pool, dim: dim}
}

// EnableHNSW builds (or loads from indexPath) the in-memory HNSW index over
// all live templates. Queries fall back to pgvector when disabled.
func (r *TemplateRepository) EnableHNSW(ctx context.Context, indexPath string) error {
	idx := database.NewTemplateIndex(r.dim)

	loaded := false
	if indexPath != "" {
		if err := idx.LoadWithMetadata(indexPath); err == nil {
			// Trust the persisted index only if it is not stale.
			count, cerr := r.Count(ctx)
			if cerr == nil && count == idx.Count() {
				loaded = true
			}
		}
	}

	if !loaded {
		templates, err := r.loadAll(ctx)
		if err != nil {
			return fmt.Errorf("loading templates for index build: %w", err)
		}
		if err := idx.BuildFromTemplates(templates); err != nil {
			return fmt.Errorf("building template index: %w", err)
		}
	}

	r.hnswMu.Lock()
	r.hnswIndex = idx
	r.hnswEnabled = true
	r.hnswPath = indexPath
	r.hnswMu.Unlock()
	return nil
}

// HNSWCount returns the number of templates in the in-memory index.
func (r *TemplateRepository) HNSWCount() int {
	r.hnswMu.RLock()
	defer r.hnswMu.RUnlock()
	if r.hnswIndex == nil {
		return 0
	}
	return r.hnswIndex.Count()
}

// SetIndexPath changes where SaveHNSWIndex writes the index. Used by the
// rebuild command, which builds from Postgres and then picks the output path.
func (r *TemplateRepository) SetIndexPath(indexPath string) {
	r.hnswMu.Lock()
	r.hnswPath = indexPath
	r.hnswMu.Unlock()
}

// SaveHNSWIndex persists the in-memory index to disk (if a path is set).
func (r *TemplateRepository) SaveHNSWIndex() error {
	r.hnswMu.RLock()
	defer r.hnswMu.RUnlock()
	if r.hnswIndex == nil || r.hnswPath == "" {
		return nil
	}
	return r.hnswIndex.SaveWithMetadata(r.hnswPath)
}

func (r *TemplateRepository) loadAll(ctx context.Context) ([]database.StoredTemplate, error) {
	query := `
		SELECT id, spectator_id, embedding, dim, quality_score, image_hash, enrolled_at, removed_at
		FROM templates
		WHERE removed_at IS NULL
		ORDER BY enrolled_at
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	return scanTemplates(rows)
}

func scanTemplates(rows *sql.Rows) ([]database.StoredTemplate, error) {
	var templates []database.StoredTemplate
	for rows.Next() {
		var tpl database.StoredTemplate
		var vec pgvector.Vector
		var removedAt sql.NullTime

		if err := rows.Scan(
			&tpl.ID, &tpl.SpectatorID, &vec, &tpl.Dim,
			&tpl.QualityScore, &tpl.ImageHash, &tpl.EnrolledAt, &removedAt,
		); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		tpl.Embedding = vec.Slice()
		if removedAt.Valid {
			t := removedAt.Time
			tpl.RemovedAt = &t
		}
		templates = append(templates, tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate templates: %w", err)
	}
	return templates, nil
}

// Insert appends a new template. The vector is normalized before storage so
// cosine distances stay comparable; the row and index entry are both created.
func (r *TemplateRepository) Insert(ctx context.Context, tpl *database.StoredTemplate) error {
	if len(tpl.Embedding) != r.dim {
		return fmt.Errorf("template %s: %w (got %d, want %d)", tpl.ID, database.ErrDimensionMismatch, len(tpl.Embedding), r.dim)
	}

	normalized := *tpl
	normalized.Embedding = database.Normalize(tpl.Embedding)

	query := `
		INSERT INTO templates (id, spectator_id, embedding, dim, quality_score, image_hash, enrolled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.pool.Exec(ctx, query,
		normalized.ID, normalized.SpectatorID, pgvector.NewVector(normalized.Embedding),
		normalized.Dim, normalized.QualityScore, normalized.ImageHash, normalized.EnrolledAt,
	)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}

	r.hnswMu.RLock()
	defer r.hnswMu.RUnlock()
	if r.hnswEnabled && r.hnswIndex != nil {
		if err := r.hnswIndex.Insert(&normalized); err != nil {
			// Postgres holds the row; the index catches up on next rebuild.
			return fmt.Errorf("index template: %w", err)
		}
	}
	return nil
}

// Remove tombstones a template.
func (r *TemplateRepository) Remove(ctx context.Context, templateID string) error {
	result, err := r.pool.Exec(ctx,
		"UPDATE templates SET removed_at = NOW() WHERE id = $1 AND removed_at IS NULL", templateID)
	if err != nil {
		return fmt.Errorf("remove template: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove template rows affected: %w", err)
	}
	if affected == 0 {
		return database.ErrTemplateNotFound
	}

	r.hnswMu.RLock()
	defer r.hnswMu.RUnlock()
	if r.hnswEnabled && r.hnswIndex != nil {
		r.hnswIndex.Remove(templateID)
	}
	return nil
}

// Get retrieves a live template by ID.
func (r *TemplateRepository) Get(ctx context.Context, templateID string) (*database.StoredTemplate, error) {
	query := `
		SELECT id, spectator_id, embedding, dim, quality_score, image_hash, enrolled_at, removed_at
		FROM templates
		WHERE id = $1 AND removed_at IS NULL
	`

	var tpl database.StoredTemplate
	var vec pgvector.Vector
	var removedAt sql.NullTime

	err := r.pool.QueryRow(ctx, query, templateID).Scan(
		&tpl.ID, &tpl.SpectatorID, &vec, &tpl.Dim,
		&tpl.QualityScore, &tpl.ImageHash, &tpl.EnrolledAt, &removedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}

	tpl.Embedding = vec.Slice()
	return &tpl, nil
}

// Count returns the total number of live templates.
func (r *TemplateRepository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM templates WHERE removed_at IS NULL").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count templates: %w", err)
	}
	return count, nil
}

// CountBySpectator returns the number of live templates for a spectator.
func (r *TemplateRepository) CountBySpectator(ctx context.Context, spectatorID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM templates WHERE spectator_id = $1 AND removed_at IS NULL", spectatorID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count templates by spectator: %w", err)
	}
	return count, nil
}

// HasImageHash reports whether an image with this hash was already enrolled.
func (r *TemplateRepository) HasImageHash(ctx context.Context, hash string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM templates WHERE image_hash = $1 AND removed_at IS NULL)", hash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check image hash: %w", err)
	}
	return exists, nil
}

// FindNearest finds the k nearest live templates across all spectators.
// Uses the in-memory HNSW index if enabled, otherwise falls back to pgvector.
func (r *TemplateRepository) FindNearest(ctx context.Context, vector []float32, k int) ([]database.Candidate, error) {
	normalized := database.Normalize(vector)

	r.hnswMu.RLock()
	if r.hnswEnabled && r.hnswIndex != nil {
		defer r.hnswMu.RUnlock()
		return r.hnswIndex.Search(normalized, k)
	}
	r.hnswMu.RUnlock()

	query := `
		SELECT id, spectator_id, embedding <=> $1 AS distance
		FROM templates
		WHERE removed_at IS NULL
		ORDER BY distance
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, pgvector.NewVector(normalized), k)
	if err != nil {
		return nil, fmt.Errorf("query nearest templates: %w", err)
	}
	defer rows.Close()

	return scanCandidates(rows)
}

// FindNearestBySpectator restricts the search to one claimed identity.
// A spectator owns few templates, so the Postgres path is an exact scan.
func (r *TemplateRepository) FindNearestBySpectator(ctx context.Context, vector []float32, spectatorID string, k int) ([]database.Candidate, error) {
	normalized := database.Normalize(vector)

	r.hnswMu.RLock()
	if r.hnswEnabled && r.hnswIndex != nil {
		defer r.hnswMu.RUnlock()
		return r.hnswIndex.SearchBySpectator(normalized, spectatorID, k)
	}
	r.hnswMu.RUnlock()

	query := `
		SELECT id, spectator_id, embedding <=> $1 AS distance
		FROM templates
		WHERE spectator_id = $2 AND removed_at IS NULL
		ORDER BY distance
		LIMIT $3
	`
	rows, err := r.pool.Query(ctx, query, pgvector.NewVector(normalized), spectatorID, k)
	if err != nil {
		return nil, fmt.Errorf("query nearest templates by spectator: %w", err)
	}
	defer rows.Close()

	return scanCandidates(rows)
}

func scanCandidates(rows *sql.Rows) ([]database.Candidate, error) {
	var candidates []database.Candidate
	for rows.Next() {
		var c database.Candidate
		if err := rows.Scan(&c.TemplateID, &c.SpectatorID, &c.Distance); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return candidates, nil
}
