package database

import (
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// unitVec builds a normalized test vector with a single dominant axis.
func unitVec(dim, axis int) []float32 {
	v := make([]float32, dim)
	v[axis] = 1
	return v
}

func testTemplate(id, spectatorID string, vec []float32) StoredTemplate {
	return StoredTemplate{
		ID:          id,
		SpectatorID: spectatorID,
		Embedding:   Normalize(vec),
		Dim:         len(vec),
		EnrolledAt:  time.Now(),
	}
}

func TestTemplateIndex_SearchOrdering(t *testing.T) {
	idx := NewTemplateIndex(4)

	templates := []StoredTemplate{
		testTemplate("t1", "alice", []float32{1, 0, 0, 0}),
		testTemplate("t2", "bob", []float32{0.9, 0.1, 0, 0}),
		testTemplate("t3", "carol", []float32{0, 1, 0, 0}),
	}
	if err := idx.BuildFromTemplates(templates); err != nil {
		t.Fatalf("BuildFromTemplates: %v", err)
	}

	results, err := idx.Search(unitVec(4, 0), 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].TemplateID != "t1" {
		t.Errorf("expected t1 first, got %s", results[0].TemplateID)
	}
	if results[0].Distance > results[1].Distance || results[1].Distance > results[2].Distance {
		t.Errorf("results not ascending by distance: %v", results)
	}
}

func TestTemplateIndex_SearchBySpectator(t *testing.T) {
	idx := NewTemplateIndex(4)

	templates := []StoredTemplate{
		testTemplate("t1", "alice", []float32{1, 0, 0, 0}),
		testTemplate("t2", "alice", []float32{0.8, 0.2, 0, 0}),
		testTemplate("t3", "bob", []float32{1, 0.01, 0, 0}),
	}
	if err := idx.BuildFromTemplates(templates); err != nil {
		t.Fatalf("BuildFromTemplates: %v", err)
	}

	results, err := idx.SearchBySpectator(unitVec(4, 0), "alice", 4)
	if err != nil {
		t.Fatalf("SearchBySpectator: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, c := range results {
		if c.SpectatorID != "alice" {
			t.Errorf("expected only alice templates, got %s", c.SpectatorID)
		}
	}
	if results[0].TemplateID != "t1" {
		t.Errorf("expected t1 first, got %s", results[0].TemplateID)
	}

	none, err := idx.SearchBySpectator(unitVec(4, 0), "nobody", 4)
	if err != nil {
		t.Fatalf("SearchBySpectator: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no results for unknown spectator, got %d", len(none))
	}
}

func TestTemplateIndex_RemoveTombstones(t *testing.T) {
	idx := NewTemplateIndex(4)

	tpl := testTemplate("t1", "alice", []float32{1, 0, 0, 0})
	if err := idx.Insert(&tpl); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	idx.Remove("t1")

	results, err := idx.Search(unitVec(4, 0), 4)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected tombstoned template invisible, got %d results", len(results))
	}

	bySpec, err := idx.SearchBySpectator(unitVec(4, 0), "alice", 4)
	if err != nil {
		t.Fatalf("SearchBySpectator: %v", err)
	}
	if len(bySpec) != 0 {
		t.Errorf("expected tombstoned template invisible in 1:1 search, got %d", len(bySpec))
	}
	if idx.Count() != 0 {
		t.Errorf("expected count 0, got %d", idx.Count())
	}
}

func TestTemplateIndex_InsertValidation(t *testing.T) {
	idx := NewTemplateIndex(4)

	wrongDim := testTemplate("t1", "alice", []float32{1, 0})
	if err := idx.Insert(&wrongDim); err == nil {
		t.Error("expected dimension mismatch error")
	}

	tpl := testTemplate("t2", "alice", []float32{1, 0, 0, 0})
	if err := idx.Insert(&tpl); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := idx.Insert(&tpl); err == nil {
		t.Error("expected duplicate insert to fail")
	}
}

func TestTemplateIndex_ConcurrentReadersAndWriters(t *testing.T) {
	idx := NewTemplateIndex(4)
	seed := testTemplate("seed", "alice", []float32{1, 0, 0, 0})
	if err := idx.Insert(&seed); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if n%2 == 0 {
					if _, err := idx.Search(unitVec(4, 0), 4); err != nil {
						t.Errorf("Search: %v", err)
						return
					}
				} else {
					tpl := testTemplate(
						string(rune('a'+n))+"-"+string(rune('0'+j%10))+"-"+time.Now().Format("150405.000000000"),
						"bob",
						[]float32{0, 1, 0, 0},
					)
					_ = idx.Insert(&tpl) // duplicate IDs possible, only races matter here
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestTemplateIndex_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.idx")

	idx := NewTemplateIndex(4)
	templates := []StoredTemplate{
		testTemplate("t1", "alice", []float32{1, 0, 0, 0}),
		testTemplate("t2", "bob", []float32{0, 1, 0, 0}),
	}
	if err := idx.BuildFromTemplates(templates); err != nil {
		t.Fatalf("BuildFromTemplates: %v", err)
	}
	if err := idx.SaveWithMetadata(path); err != nil {
		t.Fatalf("SaveWithMetadata: %v", err)
	}

	meta, err := LoadTemplateIndexMetadata(path)
	if err != nil {
		t.Fatalf("LoadTemplateIndexMetadata: %v", err)
	}
	if meta.TemplateCount != 2 || meta.Dim != 4 {
		t.Errorf("unexpected metadata: %+v", meta)
	}

	loaded := NewTemplateIndex(4)
	if err := loaded.LoadWithMetadata(path); err != nil {
		t.Fatalf("LoadWithMetadata: %v", err)
	}
	if loaded.Count() != 2 {
		t.Errorf("expected 2 templates after load, got %d", loaded.Count())
	}

	results, err := loaded.Search(unitVec(4, 0), 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].TemplateID != "t1" {
		t.Errorf("unexpected search results after load: %v", results)
	}

	// A different configured dimensionality must refuse the persisted index.
	mismatched := NewTemplateIndex(8)
	if err := mismatched.LoadWithMetadata(path); err == nil {
		t.Error("expected load with mismatched dim to fail")
	}
}
