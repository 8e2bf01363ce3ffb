package enroll

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/assiminee/facegate/internal/config"
	"github.com/assiminee/facegate/internal/database"
	"github.com/assiminee/facegate/internal/database/memory"
	"github.com/assiminee/facegate/internal/embedder"
	"github.com/assiminee/facegate/internal/quality"
)

// fakeModel serves canned detections and embeddings, counting calls.
type fakeModel struct {
	detections []embedder.Detection
	embedding  []float32
	embedCalls atomic.Int64
}

func (m *fakeModel) Detect(_ context.Context, _ []byte) ([]embedder.Detection, error) {
	return m.detections, nil
}

func (m *fakeModel) Embed(_ context.Context, _ []byte) ([]float32, error) {
	m.embedCalls.Add(1)
	return m.embedding, nil
}

func testQualityGate() *quality.Gate {
	return quality.NewGate(config.QualityConfig{
		SimilarFaceRatio: 0.8,
		MinFaceArea:      10000,
		MaxTiltDegrees:   20.0,
		BlurThreshold:    100.0,
		MinBrightness:    50.0,
		MaxBrightness:    205.0,
		CropSize:         224,
	})
}

func goodDetection() embedder.Detection {
	return embedder.Detection{
		BBox:     []float64{50, 50, 250, 250},
		DetScore: 0.95,
		LeftEye:  []float64{110, 130},
		RightEye: []float64{190, 130},
	}
}

// testCapture produces a noisy mid-brightness JPEG that passes the quality
// gate. The seed varies pixel content so the image hash differs per capture.
func testCapture(t *testing.T, seed int64) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	img := image.NewGray(image.Rect(0, 0, 400, 400))
	for y := 0; y < 400; y++ {
		for x := 0; x < 400; x++ {
			v := 78 + rng.Intn(101)
			img.SetGray(x, y, color.Gray{Y: uint8(v)})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("Failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func unitEmbedding(axis int) []float32 {
	v := make([]float32, 512)
	v[axis] = 1
	return v
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newService(model ModelClient, consent ConsentChecker) (*Service, *memory.TemplateRepository) {
	repo := memory.NewTemplateRepository(512)
	svc := NewService(repo, model, testQualityGate(), consent, 0.35, discardLogger())
	return svc, repo
}

func TestEnroll(t *testing.T) {
	model := &fakeModel{detections: []embedder.Detection{goodDetection()}, embedding: unitEmbedding(0)}
	svc, repo := newService(model, AllowAll{})

	tpl, err := svc.Enroll(context.Background(), "alice", testCapture(t, 1))
	if err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}
	if tpl.SpectatorID != "alice" {
		t.Errorf("Expected spectator alice, got %s", tpl.SpectatorID)
	}
	if tpl.Dim != 512 {
		t.Errorf("Expected dim 512, got %d", tpl.Dim)
	}

	count, err := repo.CountBySpectator(context.Background(), "alice")
	if err != nil {
		t.Fatalf("CountBySpectator failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 stored template, got %d", count)
	}
}

func TestEnroll_NoConsent(t *testing.T) {
	model := &fakeModel{detections: []embedder.Detection{goodDetection()}, embedding: unitEmbedding(0)}
	svc, _ := newService(model, DenyAll{})

	_, err := svc.Enroll(context.Background(), "alice", testCapture(t, 1))
	if !errors.Is(err, ErrNoConsent) {
		t.Fatalf("Expected ErrNoConsent, got %v", err)
	}
	if model.embedCalls.Load() != 0 {
		t.Error("Consent refusal must not reach the model")
	}
}

func TestEnroll_DuplicateImage(t *testing.T) {
	model := &fakeModel{detections: []embedder.Detection{goodDetection()}, embedding: unitEmbedding(0)}
	svc, _ := newService(model, AllowAll{})

	capture := testCapture(t, 1)
	if _, err := svc.Enroll(context.Background(), "alice", capture); err != nil {
		t.Fatalf("First enroll failed: %v", err)
	}

	_, err := svc.Enroll(context.Background(), "alice", capture)
	if !errors.Is(err, ErrDuplicateImage) {
		t.Fatalf("Expected ErrDuplicateImage, got %v", err)
	}
	if model.embedCalls.Load() != 1 {
		t.Errorf("Duplicate image must not be re-embedded, got %d embed calls", model.embedCalls.Load())
	}
}

func TestEnroll_QualityRejection(t *testing.T) {
	// No detections means the quality gate rejects before embedding.
	model := &fakeModel{detections: nil, embedding: unitEmbedding(0)}
	svc, _ := newService(model, AllowAll{})

	_, err := svc.Enroll(context.Background(), "alice", testCapture(t, 1))
	var rej *quality.Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("Expected quality rejection, got %v", err)
	}
	if model.embedCalls.Load() != 0 {
		t.Error("Quality rejection must not reach the embedding model")
	}
}

func TestEnroll_IdentityConflict(t *testing.T) {
	model := &fakeModel{detections: []embedder.Detection{goodDetection()}, embedding: unitEmbedding(0)}
	svc, repo := newService(model, AllowAll{})

	if _, err := svc.Enroll(context.Background(), "alice", testCapture(t, 1)); err != nil {
		t.Fatalf("First enroll failed: %v", err)
	}

	// Same face, different identity.
	_, err := svc.Enroll(context.Background(), "bob", testCapture(t, 2))
	if !errors.Is(err, ErrIdentityConflict) {
		t.Fatalf("Expected ErrIdentityConflict, got %v", err)
	}

	count, _ := repo.CountBySpectator(context.Background(), "bob")
	if count != 0 {
		t.Errorf("Conflicting enrollment must not store a template, got %d", count)
	}
}

func TestEnroll_SameSpectatorSecondTemplate(t *testing.T) {
	model := &fakeModel{detections: []embedder.Detection{goodDetection()}, embedding: unitEmbedding(0)}
	svc, repo := newService(model, AllowAll{})

	if _, err := svc.Enroll(context.Background(), "alice", testCapture(t, 1)); err != nil {
		t.Fatalf("First enroll failed: %v", err)
	}
	if _, err := svc.Enroll(context.Background(), "alice", testCapture(t, 2)); err != nil {
		t.Fatalf("Second enroll for same spectator failed: %v", err)
	}

	count, _ := repo.CountBySpectator(context.Background(), "alice")
	if count != 2 {
		t.Errorf("Expected 2 templates, got %d", count)
	}
}

func TestHTTPConsentClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/spectators/alice/consent":
			w.Write([]byte(`{"spectator_id": "alice", "biometric_consent": true}`))
		case "/spectators/bob/consent":
			w.Write([]byte(`{"spectator_id": "bob", "biometric_consent": false}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewHTTPConsentClient(server.URL)

	ok, err := client.HasConsent(context.Background(), "alice")
	if err != nil || !ok {
		t.Errorf("Expected consent for alice, got %v, %v", ok, err)
	}
	ok, err = client.HasConsent(context.Background(), "bob")
	if err != nil || ok {
		t.Errorf("Expected no consent for bob, got %v, %v", ok, err)
	}
	ok, err = client.HasConsent(context.Background(), "unknown")
	if err != nil || ok {
		t.Errorf("Expected no consent for unknown spectator, got %v, %v", ok, err)
	}
}

func TestFeed(t *testing.T) {
	model := &fakeModel{detections: []embedder.Detection{goodDetection()}, embedding: unitEmbedding(0)}
	svc, repo := newService(model, AllowAll{})

	feed := NewFeed(svc, 8, 2, discardLogger())
	if !feed.Enqueue(Capture{SpectatorID: "alice", Image: testCapture(t, 1)}) {
		t.Fatal("Expected capture to be queued")
	}
	feed.Close()

	count, _ := repo.CountBySpectator(context.Background(), "alice")
	if count != 1 {
		t.Errorf("Expected 1 auto-enrolled template, got %d", count)
	}
}

func TestFeed_FullQueueDrops(t *testing.T) {
	model := &fakeModel{detections: []embedder.Detection{goodDetection()}, embedding: unitEmbedding(0)}
	svc, _ := newService(model, AllowAll{})

	// Zero workers would deadlock Close, so use a feed whose only worker
	// is blocked behind a slow first capture.
	feed := NewFeed(svc, 1, 1, discardLogger())
	defer feed.Close()

	img := testCapture(t, 1)
	// Saturate: one capture in flight or queued, one filling the buffer.
	deadline := time.Now().Add(2 * time.Second)
	dropped := false
	for time.Now().Before(deadline) {
		if !feed.Enqueue(Capture{SpectatorID: "alice", Image: img}) {
			dropped = true
			break
		}
	}
	if !dropped {
		t.Error("Expected a full queue to drop captures")
	}
}

func TestFeed_EnqueueAfterClose(t *testing.T) {
	model := &fakeModel{detections: []embedder.Detection{goodDetection()}, embedding: unitEmbedding(0)}
	svc, _ := newService(model, AllowAll{})

	feed := NewFeed(svc, 8, 1, discardLogger())
	feed.Close()

	if feed.Enqueue(Capture{SpectatorID: "alice", Image: testCapture(t, 1)}) {
		t.Error("Enqueue after Close must report false")
	}
}

var _ database.TemplateWriter = (*memory.TemplateRepository)(nil)
