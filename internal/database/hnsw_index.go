package database

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/coder/hnsw"
)

// TemplateIndexMetadata stores metadata for validating cached template indexes.
type TemplateIndexMetadata struct {
	TemplateCount int64     `json:"template_count"`
	Dim           int       `json:"dim"`
	BuildTime     time.Time `json:"build_time"`
	Version       int       `json:"version"` // For future compatibility
}

const templateIndexMetadataVersion = 1

// ErrDimensionMismatch is returned when a vector does not match the
// dimensionality the index was initialized with.
var ErrDimensionMismatch = errors.New("embedding dimensionality mismatch")

// TemplateIndex wraps the HNSW graph for biometric template search.
//
// The RWMutex gives queries a consistent snapshot: a search observes only
// templates whose insert completed before the search acquired the read lock,
// and concurrent gate queries never block each other. Tombstoned templates
// stay in the graph (HNSW has no true deletion) but are masked out of results
// through the idToTemplate map.
type TemplateIndex struct {
	graph        *hnsw.Graph[string]
	idToTemplate map[string]*StoredTemplate
	bySpectator  map[string][]string // spectator ID -> template IDs
	dim          int
	mu           sync.RWMutex
}

// NewTemplateIndex creates a new empty template index for vectors of the
// given dimensionality. The distance metric is fixed to cosine here and must
// never change without reindexing every stored vector.
func NewTemplateIndex(dim int) *TemplateIndex {
	return &TemplateIndex{
		idToTemplate: make(map[string]*StoredTemplate),
		bySpectator:  make(map[string][]string),
		dim:          dim,
	}
}

func newTemplateGraph() *hnsw.Graph[string] {
	g := hnsw.NewGraph[string]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors) // Standard HNSW formula
	g.Distance = hnsw.CosineDistance
	return g
}

// BuildFromTemplates builds the index from a slice of templates.
// Tombstoned templates are skipped.
func (t *TemplateIndex) BuildFromTemplates(templates []StoredTemplate) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.graph = nil
	t.idToTemplate = make(map[string]*StoredTemplate, len(templates))
	t.bySpectator = make(map[string][]string)

	if len(templates) == 0 {
		return nil
	}

	g := newTemplateGraph()
	for i := range templates {
		tpl := &templates[i]
		if len(tpl.Embedding) == 0 || tpl.RemovedAt != nil {
			continue
		}
		if len(tpl.Embedding) != t.dim {
			return fmt.Errorf("template %s: %w (got %d, want %d)", tpl.ID, ErrDimensionMismatch, len(tpl.Embedding), t.dim)
		}

		g.Add(hnsw.MakeNode(tpl.ID, tpl.Embedding))
		t.idToTemplate[tpl.ID] = tpl
		t.bySpectator[tpl.SpectatorID] = append(t.bySpectator[tpl.SpectatorID], tpl.ID)
	}

	t.graph = g
	return nil
}

// Insert adds a single template to the index. It never overwrites: inserting
// an ID that already exists is an error.
func (t *TemplateIndex) Insert(tpl *StoredTemplate) error {
	if len(tpl.Embedding) != t.dim {
		return fmt.Errorf("template %s: %w (got %d, want %d)", tpl.ID, ErrDimensionMismatch, len(tpl.Embedding), t.dim)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.idToTemplate[tpl.ID]; exists {
		return fmt.Errorf("template %s already indexed", tpl.ID)
	}

	if t.graph == nil {
		t.graph = newTemplateGraph()
	}

	t.graph.Add(hnsw.MakeNode(tpl.ID, tpl.Embedding))
	t.idToTemplate[tpl.ID] = tpl
	t.bySpectator[tpl.SpectatorID] = append(t.bySpectator[tpl.SpectatorID], tpl.ID)
	return nil
}

// Remove tombstones a template (consent withdrawal). The graph node remains
// but is filtered from all subsequent search results.
func (t *TemplateIndex) Remove(templateID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tpl, ok := t.idToTemplate[templateID]
	if !ok {
		return
	}
	delete(t.idToTemplate, templateID)

	ids := t.bySpectator[tpl.SpectatorID]
	for i, id := range ids {
		if id == templateID {
			t.bySpectator[tpl.SpectatorID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(t.bySpectator[tpl.SpectatorID]) == 0 {
		delete(t.bySpectator, tpl.SpectatorID)
	}
}

// Search finds the k nearest live templates to the query vector across all
// spectators (1:N identification), ascending by cosine distance.
func (t *TemplateIndex) Search(query []float32, k int) ([]Candidate, error) {
	if len(query) != t.dim {
		return nil, ErrDimensionMismatch
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.graph == nil {
		return nil, nil
	}

	// Overshoot to compensate for tombstoned nodes filtered below.
	searchK := k * HNSWSearchMultiplier
	if searchK < 16 {
		searchK = 16
	}

	neighbors := t.graph.Search(query, searchK)

	candidates := make([]Candidate, 0, k)
	for _, n := range neighbors {
		tpl, ok := t.idToTemplate[n.Key]
		if !ok {
			continue // tombstoned
		}
		candidates = append(candidates, Candidate{
			TemplateID:  n.Key,
			SpectatorID: tpl.SpectatorID,
			Distance:    CosineDistance(query, n.Value),
		})
		if len(candidates) >= k {
			break
		}
	}
	return candidates, nil
}

// SearchBySpectator scores the query against only the claimed spectator's
// templates (1:1 verification). A spectator owns at most a handful of
// templates, so this is an exact scan rather than a graph search.
func (t *TemplateIndex) SearchBySpectator(query []float32, spectatorID string, k int) ([]Candidate, error) {
	if len(query) != t.dim {
		return nil, ErrDimensionMismatch
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := t.bySpectator[spectatorID]
	candidates := make([]Candidate, 0, len(ids))
	for _, id := range ids {
		tpl, ok := t.idToTemplate[id]
		if !ok {
			continue
		}
		candidates = append(candidates, Candidate{
			TemplateID:  id,
			SpectatorID: spectatorID,
			Distance:    CosineDistance(query, tpl.Embedding),
		})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Distance < candidates[j].Distance })
	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// Get returns the live template for a given ID, nil if unknown or tombstoned.
func (t *TemplateIndex) Get(templateID string) *StoredTemplate {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.idToTemplate[templateID]
}

// Count returns the number of live templates.
func (t *TemplateIndex) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.idToTemplate)
}

// IsEmpty returns true if the index holds no graph data.
func (t *TemplateIndex) IsEmpty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.graph == nil || len(t.idToTemplate) == 0
}

// SaveWithMetadata persists the graph, the template metadata, and a staleness
// sidecar to disk so startup can skip a full rebuild from Postgres.
func (t *TemplateIndex) SaveWithMetadata(path string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.graph == nil {
		// Remove existing files if index is empty (best-effort cleanup).
		_ = os.Remove(path)
		_ = os.Remove(path + ".meta")
		_ = os.Remove(path + ".templates")
		return nil
	}

	f, err := os.Create(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("failed to create template index file: %w", err)
	}
	if err := t.graph.Export(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to export HNSW graph: %w", err)
	}
	_ = f.Close()

	meta := TemplateIndexMetadata{
		TemplateCount: int64(len(t.idToTemplate)),
		Dim:           t.dim,
		BuildTime:     time.Now(),
		Version:       templateIndexMetadataVersion,
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path+".meta", metaData, 0600); err != nil {
		return fmt.Errorf("failed to write metadata file: %w", err)
	}

	templates := make([]StoredTemplate, 0, len(t.idToTemplate))
	for _, tpl := range t.idToTemplate {
		templates = append(templates, *tpl)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(templates); err != nil {
		return fmt.Errorf("failed to encode templates: %w", err)
	}
	if err := os.WriteFile(path+".templates", buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write templates file: %w", err)
	}
	return nil
}

// LoadWithMetadata loads a persisted index. The dimensionality recorded in
// the sidecar must match the configured one, since thresholds calibrated
// under one embedding model are invalid under another.
func (t *TemplateIndex) LoadWithMetadata(path string) error {
	meta, err := LoadTemplateIndexMetadata(path)
	if err != nil {
		return err
	}
	if meta.Dim != t.dim {
		return fmt.Errorf("persisted index: %w (index %d, configured %d)", ErrDimensionMismatch, meta.Dim, t.dim)
	}

	data, err := os.ReadFile(path + ".templates") //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("failed to read templates file: %w", err)
	}
	var templates []StoredTemplate
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&templates); err != nil {
		return fmt.Errorf("failed to decode templates: %w", err)
	}

	// Rebuilding the graph from decoded templates keeps a single code path
	// and lets tombstones applied since the save take effect.
	return t.BuildFromTemplates(templates)
}

// LoadTemplateIndexMetadata loads the staleness sidecar for a persisted index.
func LoadTemplateIndexMetadata(path string) (TemplateIndexMetadata, error) {
	var meta TemplateIndexMetadata

	data, err := os.ReadFile(path + ".meta") //nolint:gosec // path is from trusted config
	if err != nil {
		return meta, fmt.Errorf("failed to read metadata file: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return meta, nil
}
