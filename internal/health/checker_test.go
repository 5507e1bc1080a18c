package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func ok(context.Context) error   { return nil }
func fail(context.Context) error { return errors.New("down") }

func TestCheck_Status(t *testing.T) {
	tests := []struct {
		name     string
		critical CheckerFunc
		optional CheckerFunc
		want     string
	}{
		{"all healthy", ok, ok, StatusHealthy},
		{"optional failing", ok, fail, StatusDegraded},
		{"critical failing", fail, ok, StatusUnhealthy},
		{"both failing", fail, fail, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewChecker(Config{ServiceName: "plant-poller", ServiceVersion: "test"})
			h.AddCheck("store", tt.critical, true)
			h.AddCheck("mqtt", tt.optional, false)

			resp := h.Check(context.Background())
			if resp.Status != tt.want {
				t.Errorf("expected %s, got %s", tt.want, resp.Status)
			}
			if len(resp.Checks) != 2 {
				t.Errorf("expected 2 checks, got %d", len(resp.Checks))
			}
			if h.GetStatus("store").Status == StatusUnknown {
				t.Error("expected stored status updated")
			}
		})
	}
}

func TestRouter(t *testing.T) {
	h := NewChecker(Config{ServiceName: "plant-poller"})
	h.AddCheck("store", CheckerFunc(fail), true)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("poller_polls_total 1\n"))
	})
	status := func() interface{} { return map[string]int{"devices": 3} }

	srv := httptest.NewServer(NewRouter(h, metrics, status, zerolog.Nop()))
	defer srv.Close()

	tests := []struct {
		path string
		code int
	}{
		{"/health", http.StatusServiceUnavailable},
		{"/health/live", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/status", http.StatusOK},
		{"/missing", http.StatusNotFound},
	}
	for _, tt := range tests {
		resp, err := http.Get(srv.URL + tt.path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.code {
			t.Errorf("%s: expected %d, got %d", tt.path, tt.code, resp.StatusCode)
		}
	}

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["devices"] != 3 {
		t.Errorf("expected status document, got %v", body)
	}
}
