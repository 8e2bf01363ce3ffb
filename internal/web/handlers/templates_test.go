package handlers

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestTemplatesHandler_Enroll(t *testing.T) {
	f := newFixture(t)
	handler := NewTemplatesHandler(f.enroll, f.templates, discardLogger())

	req := multipartRequest(t, "/api/v1/spectators/alice/templates", testCapture(t, 1), nil)
	req = requestWithChiParams(req, map[string]string{"spectatorID": "alice"})
	rec := httptest.NewRecorder()
	handler.Enroll(rec, req)

	if rec.Code != 201 {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp templateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.SpectatorID != "alice" {
		t.Errorf("Expected spectator alice, got %s", resp.SpectatorID)
	}
	if resp.TemplateID == "" {
		t.Error("Expected a template ID")
	}

	count, _ := f.templates.CountBySpectator(context.Background(), "alice")
	if count != 1 {
		t.Errorf("Expected 1 stored template, got %d", count)
	}
}

func TestTemplatesHandler_EnrollDuplicateImage(t *testing.T) {
	f := newFixture(t)
	handler := NewTemplatesHandler(f.enroll, f.templates, discardLogger())

	capture := testCapture(t, 1)
	first := multipartRequest(t, "/api/v1/spectators/alice/templates", capture, nil)
	first = requestWithChiParams(first, map[string]string{"spectatorID": "alice"})
	rec := httptest.NewRecorder()
	handler.Enroll(rec, first)
	if rec.Code != 201 {
		t.Fatalf("First enroll expected 201, got %d", rec.Code)
	}

	second := multipartRequest(t, "/api/v1/spectators/alice/templates", capture, nil)
	second = requestWithChiParams(second, map[string]string{"spectatorID": "alice"})
	rec = httptest.NewRecorder()
	handler.Enroll(rec, second)
	if rec.Code != 409 {
		t.Errorf("Expected 409 for duplicate image, got %d", rec.Code)
	}
}

func TestTemplatesHandler_EnrollIdentityConflict(t *testing.T) {
	f := newFixture(t)
	handler := NewTemplatesHandler(f.enroll, f.templates, discardLogger())

	first := multipartRequest(t, "/api/v1/spectators/alice/templates", testCapture(t, 1), nil)
	first = requestWithChiParams(first, map[string]string{"spectatorID": "alice"})
	rec := httptest.NewRecorder()
	handler.Enroll(rec, first)
	if rec.Code != 201 {
		t.Fatalf("First enroll expected 201, got %d", rec.Code)
	}

	// Same face embedding presented under another identity.
	second := multipartRequest(t, "/api/v1/spectators/bob/templates", testCapture(t, 2), nil)
	second = requestWithChiParams(second, map[string]string{"spectatorID": "bob"})
	rec = httptest.NewRecorder()
	handler.Enroll(rec, second)
	if rec.Code != 409 {
		t.Errorf("Expected 409 for identity conflict, got %d", rec.Code)
	}
}

func TestTemplatesHandler_EnrollQualityRejection(t *testing.T) {
	f := newFixture(t)
	f.model.detections = nil
	handler := NewTemplatesHandler(f.enroll, f.templates, discardLogger())

	req := multipartRequest(t, "/api/v1/spectators/alice/templates", testCapture(t, 1), nil)
	req = requestWithChiParams(req, map[string]string{"spectatorID": "alice"})
	rec := httptest.NewRecorder()
	handler.Enroll(rec, req)

	if rec.Code != 422 {
		t.Errorf("Expected 422, got %d", rec.Code)
	}
}

func TestTemplatesHandler_Remove(t *testing.T) {
	f := newFixture(t)
	f.seedSpectator(t, "alice", 0)
	handler := NewTemplatesHandler(f.enroll, f.templates, discardLogger())

	req := httptest.NewRequest("DELETE", "/api/v1/templates/tpl-alice", nil)
	req = requestWithChiParams(req, map[string]string{"templateID": "tpl-alice"})
	rec := httptest.NewRecorder()
	handler.Remove(rec, req)

	if rec.Code != 200 {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	count, _ := f.templates.CountBySpectator(context.Background(), "alice")
	if count != 0 {
		t.Errorf("Expected 0 live templates after removal, got %d", count)
	}
}

func TestTemplatesHandler_RemoveUnknown(t *testing.T) {
	f := newFixture(t)
	handler := NewTemplatesHandler(f.enroll, f.templates, discardLogger())

	req := httptest.NewRequest("DELETE", "/api/v1/templates/nope", nil)
	req = requestWithChiParams(req, map[string]string{"templateID": "nope"})
	rec := httptest.NewRecorder()
	handler.Remove(rec, req)

	if rec.Code != 404 {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}
