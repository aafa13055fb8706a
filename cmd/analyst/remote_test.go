package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"safe-analysis-sandbox/internal/pipeline"
)

func TestClientCall(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-API-Key"); got != "k" {
			t.Errorf("X-API-Key = %q, want k", got)
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/ok":
			w.Write([]byte(`{"stage":2,"status":"success","message":"done"}`))
		case "/conflict":
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"stage":3,"status":"failure","message":"stage 2 has not completed"}`))
		case "/bad":
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"question is required","code":"INVALID_REQUEST"}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("boom"))
		}
	}))
	defer ts.Close()

	serverURL, apiKey = ts.URL, "k"
	defer func() { serverURL, apiKey = "", "" }()
	c := newClient(5 * time.Second)

	tests := []struct {
		path       string
		wantErr    string
		wantStatus pipeline.Status
	}{
		{"/ok", "", pipeline.StatusSuccess},
		{"/conflict", "", pipeline.StatusFailure},
		{"/bad", "question is required (INVALID_REQUEST, HTTP 400)", ""},
		{"/other", "HTTP 500: boom", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			var res pipeline.StageResult
			err := c.call(http.MethodGet, tt.path, nil, "", &res)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", res.Status, tt.wantStatus)
			}
		})
	}
}

func TestLoadTableRequiresPath(t *testing.T) {
	if _, err := loadTable("", "", 0); err == nil {
		t.Error("loadTable(\"\") should fail")
	}
}
