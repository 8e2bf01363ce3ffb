package handlers

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
)

func TestStatsHandler(t *testing.T) {
	f := newFixture(t)
	f.seedSpectator(t, "alice", 0)
	handler := NewStatsHandler(f.templates, f.model, discardLogger())

	req := httptest.NewRequest("GET", "/api/v1/stats", nil)
	rec := httptest.NewRecorder()
	handler.Get(rec, req)

	if rec.Code != 200 {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["templates"].(float64) != 1 {
		t.Errorf("Expected 1 template, got %v", resp["templates"])
	}
	if resp["model_service"] != "ok" {
		t.Errorf("Expected model ok, got %v", resp["model_service"])
	}
}

func TestStatsHandler_ModelDown(t *testing.T) {
	f := newFixture(t)
	f.model.healthErr = errors.New("connection refused")
	handler := NewStatsHandler(f.templates, f.model, discardLogger())

	req := httptest.NewRequest("GET", "/api/v1/stats", nil)
	rec := httptest.NewRecorder()
	handler.Get(rec, req)

	if rec.Code != 200 {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["model_service"] != "unavailable" {
		t.Errorf("Expected model unavailable, got %v", resp["model_service"])
	}
}

func TestHealthCheck(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	HealthCheck(rec, req)

	if rec.Code != 200 {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
}
