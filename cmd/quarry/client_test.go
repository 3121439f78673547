package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAPIClient_BaseNormalization(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"localhost:8080", "http://localhost:8080"},
		{"http://localhost:8080/", "http://localhost:8080"},
		{"https://quarry.internal", "https://quarry.internal"},
	}
	for _, tt := range tests {
		if got := newAPIClient(tt.in).base; got != tt.want {
			t.Errorf("newAPIClient(%q).base = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAPIClient_GetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/queue" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"running": 2, "queued": 1}`))
	}))
	defer srv.Close()

	var out struct {
		Running int `json:"running"`
		Queued  int `json:"queued"`
	}
	if err := newAPIClient(srv.URL).getJSON("/api/queue", &out); err != nil {
		t.Fatalf("getJSON(): %v", err)
	}
	if out.Running != 2 || out.Queued != 1 {
		t.Errorf("out = %+v", out)
	}
}

func TestAPIClient_ServerErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error": "job abc is completed, not queued"}`))
	}))
	defer srv.Close()

	err := newAPIClient(srv.URL).postJSON(http.MethodPost, "/api/jobs/abc/cancel-queued", nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "job abc is completed") {
		t.Errorf("err = %v, want server message surfaced", err)
	}
}

func TestAPIClient_NonJSONErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := newAPIClient(srv.URL).getJSON("/api/jobs", nil)
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("err = %v, want status text", err)
	}
}
