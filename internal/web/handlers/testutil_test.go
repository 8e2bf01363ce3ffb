package handlers

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/assiminee/facegate/internal/config"
	"github.com/assiminee/facegate/internal/database"
	"github.com/assiminee/facegate/internal/database/memory"
	"github.com/assiminee/facegate/internal/embedder"
	"github.com/assiminee/facegate/internal/enroll"
	"github.com/assiminee/facegate/internal/gate"
	"github.com/assiminee/facegate/internal/match"
	"github.com/assiminee/facegate/internal/quality"
	"github.com/assiminee/facegate/internal/verify"
	"github.com/go-chi/chi/v5"
)

var eventStart = time.Date(2026, 6, 14, 12, 0, 0, 0, time.UTC)

// fakeModel serves canned detections and embeddings.
type fakeModel struct {
	detections []embedder.Detection
	embedding  []float32
	healthErr  error
}

func (m *fakeModel) Detect(_ context.Context, _ []byte) ([]embedder.Detection, error) {
	return m.detections, nil
}

func (m *fakeModel) Embed(_ context.Context, _ []byte) ([]float32, error) {
	return m.embedding, nil
}

func (m *fakeModel) Healthy(_ context.Context) error {
	return m.healthErr
}

func goodDetection() embedder.Detection {
	return embedder.Detection{
		BBox:     []float64{50, 50, 250, 250},
		DetScore: 0.95,
		LeftEye:  []float64{110, 130},
		RightEye: []float64{190, 130},
	}
}

func unitEmbedding(axis int) []float32 {
	v := make([]float32, 512)
	v[axis] = 1
	return v
}

// testCapture produces a noisy JPEG that passes the quality gate. seed
// varies content so image hashes differ.
func testCapture(t *testing.T, seed int64) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	img := image.NewGray(image.Rect(0, 0, 400, 400))
	for y := 0; y < 400; y++ {
		for x := 0; x < 400; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(78 + rng.Intn(101))})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("Failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixture wires a full in-memory stack behind the handlers.
type fixture struct {
	model     *fakeModel
	templates *memory.TemplateRepository
	tickets   *memory.TicketStore
	attempts  *memory.AttemptLog
	verify    *verify.Service
	enroll    *enroll.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	model := &fakeModel{detections: []embedder.Detection{goodDetection()}, embedding: unitEmbedding(0)}
	templates := memory.NewTemplateRepository(512)
	tickets := memory.NewTicketStore()
	attempts := memory.NewAttemptLog()

	qualityGate := quality.NewGate(config.QualityConfig{
		SimilarFaceRatio: 0.8,
		MinFaceArea:      10000,
		MaxTiltDegrees:   20.0,
		BlurThreshold:    100.0,
		MinBrightness:    50.0,
		MaxBrightness:    205.0,
		CropSize:         224,
	})
	matcher := match.NewEngine(templates, config.MatchingConfig{
		AcceptThreshold: 0.35,
		AmbiguityMargin: 0.05,
		K:               4,
	})
	machine := gate.NewMachine(tickets, config.WindowConfig{Before: 3 * time.Hour, After: time.Hour})
	logger := discardLogger()

	verifyService := verify.NewService(tickets, attempts, model, qualityGate, matcher, machine,
		4, 5*time.Second, logger, verify.Options{})
	enrollService := enroll.NewService(templates, model, qualityGate, enroll.AllowAll{}, 0.35, logger)

	return &fixture{
		model:     model,
		templates: templates,
		tickets:   tickets,
		attempts:  attempts,
		verify:    verifyService,
		enroll:    enrollService,
	}
}

func (f *fixture) seedSpectator(t *testing.T, spectatorID string, axis int) {
	t.Helper()
	err := f.templates.Insert(context.Background(), &database.StoredTemplate{
		ID:          "tpl-" + spectatorID,
		SpectatorID: spectatorID,
		Embedding:   unitEmbedding(axis),
		Dim:         512,
		ImageHash:   "hash-" + spectatorID,
		EnrolledAt:  eventStart.Add(-24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Seeding template failed: %v", err)
	}
}

func (f *fixture) seedTicket(spectatorID, ticketID string) {
	f.tickets.PutTicket(&database.Ticket{
		ID:          ticketID,
		SpectatorID: spectatorID,
		EventStart:  eventStart,
		Status:      database.TicketUnused,
	})
}

// multipartRequest builds a multipart form request with an image file and
// extra form fields.
func multipartRequest(t *testing.T, path string, image []byte, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", "capture.jpg")
	if err != nil {
		t.Fatalf("Failed to create form file: %v", err)
	}
	if _, err := part.Write(image); err != nil {
		t.Fatalf("Failed to write image: %v", err)
	}
	for key, value := range fields {
		writer.WriteField(key, value)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Failed to close writer: %v", err)
	}

	req := httptest.NewRequest("POST", path, &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}
