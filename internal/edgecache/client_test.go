package edgecache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/paulmach/orb/maptile"
	"github.com/prometheus/client_golang/prometheus/testutil"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"tilewarm/internal/metrics"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := New(Config{BaseURL: server.URL, Secret: "s3cret"}, zaptest.NewLogger(t))
	return client, server
}

func TestClient_Exists(t *testing.T) {
	tile := maptile.New(3, 5, 4)

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if r.URL.Path != "/tile-cache/exists" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get(SecretHeader); got != "s3cret" {
			t.Errorf("expected secret header, got %q", got)
		}
		q := r.URL.Query()
		if q.Get("cacheKey") != "layer-1" || q.Get("z") != "4" || q.Get("x") != "3" || q.Get("y") != "5" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.WriteHeader(http.StatusOK)
	})

	hits := testutil.ToFloat64(metrics.Probes.WithLabelValues("hit"))
	if !client.Exists(context.Background(), "layer-1", tile) {
		t.Error("expected tile to exist")
	}
	if got := testutil.ToFloat64(metrics.Probes.WithLabelValues("hit")); got != hits+1 {
		t.Errorf("hit counter = %v, want %v", got, hits+1)
	}
}

func TestClient_Exists_NonSuccessIsAbsent(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusNoContent, http.StatusUnauthorized, http.StatusInternalServerError} {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
		if client.Exists(context.Background(), "k", maptile.New(0, 0, 0)) {
			t.Errorf("status %d: expected absent", status)
		}
	}
}

func TestClient_Exists_NetworkErrorIsAbsent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	core, logs := observer.New(zap.WarnLevel)
	client := New(Config{BaseURL: url}, zap.New(core))

	if client.Exists(context.Background(), "k", maptile.New(1, 1, 1)) {
		t.Error("expected absent on network failure")
	}
	if logs.FilterMessage("cache probe failed, treating tile as absent").Len() != 1 {
		t.Error("expected probe failure to be logged")
	}
}

func TestClient_Put(t *testing.T) {
	payload := []byte("\x89PNG fake tile")

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/tile-cache" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Content-Type"); got != "image/png" {
			t.Errorf("unexpected content type %q", got)
		}
		if got := r.Header.Get(SecretHeader); got != "s3cret" {
			t.Errorf("expected secret header, got %q", got)
		}
		q := r.URL.Query()
		if q.Get("cacheKey") != "layer-1" || q.Get("z") != "7" || q.Get("x") != "10" || q.Get("y") != "20" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != string(payload) {
			t.Errorf("unexpected body %q", body)
		}
		w.WriteHeader(http.StatusCreated)
	})

	if err := client.Put(context.Background(), "layer-1", maptile.New(10, 20, 7), payload); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
}

func TestClient_Put_Failure(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream exploded"))
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL}, zap.New(core))
	err := client.Put(context.Background(), "k", maptile.New(0, 0, 0), []byte("x"))
	if !errors.Is(err, ErrForward) {
		t.Fatalf("expected ErrForward, got %v", err)
	}

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError in chain, got %v", err)
	}
	if se.Code != http.StatusBadGateway || se.Body != "upstream exploded" {
		t.Errorf("unexpected status error %+v", se)
	}

	entries := logs.FilterMessage("failed to forward tile to edge cache").All()
	if len(entries) != 1 {
		t.Fatalf("expected one error log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(http.StatusBadGateway) {
		t.Errorf("expected status field, got %v", fields["status"])
	}
	if fields["body"] != "upstream exploded" {
		t.Errorf("expected body field, got %v", fields["body"])
	}
}

func TestClient_Put_CircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	for i := 0; i < 10; i++ {
		if err := client.Put(context.Background(), "k", maptile.New(0, 0, 0), nil); err == nil {
			t.Fatal("expected failure")
		}
	}

	err := client.Put(context.Background(), "k", maptile.New(0, 0, 0), nil)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open circuit, got %v", err)
	}
	if !errors.Is(err, ErrForward) {
		t.Errorf("rejected forward should still be an ErrForward, got %v", err)
	}
	if calls.Load() != 10 {
		t.Errorf("expected 10 upstream calls, got %d", calls.Load())
	}
}
