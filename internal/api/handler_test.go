//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/voice-relay/internal/journal"
)

type fixedCount int

func (c fixedCount) Count() int { return int(c) }

type stubJournal struct {
	journal.Noop
	pingErr  error
	stats    journal.Stats
	statsErr error
}

func (j stubJournal) Ping(context.Context) error { return j.pingErr }

func (j stubJournal) Stats(context.Context) (journal.Stats, error) { return j.stats, j.statsErr }

func serve(t *testing.T, h *Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %q", ct)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		journal     journal.Journal
		wantCode    int
		wantStatus  string
		wantJournal string
	}{
		{"journal ok", stubJournal{}, http.StatusOK, "healthy", "ok"},
		{"journal disabled", journal.Noop{}, http.StatusOK, "healthy", "disabled"},
		{"journal down", stubJournal{pingErr: errors.New("closed")}, http.StatusServiceUnavailable, "degraded", "unreachable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := serve(t, NewHandler(tt.journal, fixedCount(2), "openai", "gpt-4o-mini"), "/api/health")

			if w.Code != tt.wantCode {
				t.Fatalf("Expected status %d, got %d", tt.wantCode, w.Code)
			}
			var got HealthResponse
			if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			want := HealthResponse{
				Status:            tt.wantStatus,
				Provider:          "openai",
				Model:             "gpt-4o-mini",
				ActiveConnections: 2,
				Journal:           tt.wantJournal,
			}
			if got != want {
				t.Errorf("Health = %+v, want %+v", got, want)
			}
		})
	}
}

func TestStats(t *testing.T) {
	t.Parallel()

	j := stubJournal{stats: journal.Stats{Connections: 5, ActiveConnections: 4, Exchanges: 9, FailedExchanges: 1}}
	w := serve(t, NewHandler(j, fixedCount(1), "echo", ""), "/api/stats")

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var got journal.Stats
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	want := journal.Stats{Connections: 5, ActiveConnections: 1, Exchanges: 9, FailedExchanges: 1}
	if got != want {
		t.Errorf("Stats = %+v, want %+v", got, want)
	}
}

func TestStatsError(t *testing.T) {
	t.Parallel()

	w := serve(t, NewHandler(stubJournal{statsErr: errors.New("locked")}, fixedCount(0), "echo", ""), "/api/stats")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", w.Code)
	}
}
