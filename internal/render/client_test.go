package render

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb/maptile"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"tilewarm/internal/metrics"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\nfake")

func newTestClient(t *testing.T, cfg Config, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg.BaseURL = server.URL + "/"
	return New(cfg, zaptest.NewLogger(t))
}

func TestClient_Tile(t *testing.T) {
	client := newTestClient(t, Config{AccessToken: "tok"}, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mosaicjson/tiles/WebMercatorQuad/7/64/42.png" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if got := q.Get("url"); got != "https://bucket.example.com/my%20mosaic.json" {
			t.Errorf("unexpected url param %q", got)
		}
		if got := q.Get("access_token"); got != "tok" {
			t.Errorf("unexpected token %q", got)
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngBytes)
	})

	before := testutil.ToFloat64(metrics.Renders.WithLabelValues("success"))
	data, err := client.Tile(context.Background(), KindMosaic, "https://bucket.example.com/my mosaic.json", maptile.New(64, 42, 7))
	if err != nil {
		t.Fatalf("Tile() error = %v", err)
	}
	if string(data) != string(pngBytes) {
		t.Errorf("unexpected body %q", data)
	}
	if got := testutil.ToFloat64(metrics.Renders.WithLabelValues("success")); got != before+1 {
		t.Errorf("success counter = %v, want %v", got, before+1)
	}
}

func TestClient_Tile_NoTokenOmitsParam(t *testing.T) {
	client := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("access_token") {
			t.Errorf("access_token sent without a configured token: %s", r.URL.RawQuery)
		}
		w.Write(pngBytes)
	})

	if _, err := client.Tile(context.Background(), KindCOG, "s3://bucket/a.tif", maptile.New(0, 0, 0)); err != nil {
		t.Fatalf("Tile() error = %v", err)
	}
}

func TestClient_Tile_StatusError(t *testing.T) {
	client := newTestClient(t, Config{AccessToken: "secret-token"}, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "tile outside bounds", http.StatusNotFound)
	})

	_, err := client.Tile(context.Background(), KindCOG, "https://example.com/a.tif", maptile.New(1, 1, 2))
	if !errors.Is(err, ErrRender) {
		t.Fatalf("expected ErrRender, got %v", err)
	}

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %T", err)
	}
	if se.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", se.Code)
	}
	if se.Body != "tile outside bounds" {
		t.Errorf("unexpected body %q", se.Body)
	}
	if strings.Contains(err.Error(), "secret-token") {
		t.Errorf("access token leaked into error: %v", err)
	}
}

func TestClient_Tile_TransportErrorRedactsToken(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()

	client := New(Config{BaseURL: server.URL, AccessToken: "s3cr3t-token"}, zaptest.NewLogger(t))

	_, err := client.Tile(context.Background(), KindCOG, "https://example.com/a.tif", maptile.New(0, 0, 0))
	if !errors.Is(err, ErrRender) {
		t.Fatalf("expected ErrRender, got %v", err)
	}
	if strings.Contains(err.Error(), "s3cr3t-token") {
		t.Errorf("access token leaked into error: %v", err)
	}
	if !strings.Contains(err.Error(), "access_token=REDACTED") {
		t.Errorf("expected redacted token in error, got %v", err)
	}
}

func TestClient_Tile_TooLarge(t *testing.T) {
	client := newTestClient(t, Config{AccessToken: "tok"}, func(w http.ResponseWriter, r *http.Request) {
		w.Write(pngBytes)
	})
	client.maxTileBytes = int64(len(pngBytes)) - 1

	_, err := client.Tile(context.Background(), KindCOG, "a.tif", maptile.New(0, 0, 0))
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if strings.Contains(err.Error(), "tok&") || strings.Contains(err.Error(), "=tok") {
		t.Errorf("access token leaked into error: %v", err)
	}

	client.maxTileBytes = int64(len(pngBytes))
	data, err := client.Tile(context.Background(), KindCOG, "a.tif", maptile.New(0, 0, 0))
	if err != nil {
		t.Fatalf("body at the limit should be accepted: %v", err)
	}
	if len(data) != len(pngBytes) {
		t.Errorf("unexpected body length %d", len(data))
	}
}

func TestClient_Tile_EmptySource(t *testing.T) {
	client := New(Config{BaseURL: "http://127.0.0.1:1"}, zaptest.NewLogger(t))

	_, err := client.Tile(context.Background(), KindCOG, "  ", maptile.New(0, 0, 0))
	if !errors.Is(err, ErrRender) {
		t.Errorf("expected ErrRender, got %v", err)
	}
}

func TestClient_Tile_RateLimited(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, Config{RateLimit: 1, Burst: 1}, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write(pngBytes)
	})

	if _, err := client.Tile(context.Background(), KindCOG, "https://example.com/a.tif", maptile.New(0, 0, 1)); err != nil {
		t.Fatalf("first Tile() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.Tile(ctx, KindCOG, "https://example.com/a.tif", maptile.New(1, 0, 1)); err == nil {
		t.Fatal("expected second call to be throttled past the deadline")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 upstream call, got %d", got)
	}
}

func TestClient_Bounds(t *testing.T) {
	client := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cog/bounds" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"bounds":[-10.5,-20.25,30,40.75],"crs":"EPSG:4326"}`))
	})

	b, err := client.Bounds(context.Background(), KindCOG, "https://example.com/a.tif")
	if err != nil {
		t.Fatalf("Bounds() error = %v", err)
	}
	if b.Min.Lon() != -10.5 || b.Min.Lat() != -20.25 || b.Max.Lon() != 30 || b.Max.Lat() != 40.75 {
		t.Errorf("unexpected bounds %v", b)
	}
}

func TestClient_Bounds_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "<html>"},
		{"short", `{"bounds":[1,2,3]}`},
		{"missing", `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			})
			if _, err := client.Bounds(context.Background(), KindCOG, "https://example.com/a.tif"); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestClient_Preview(t *testing.T) {
	client := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cog/preview.png" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("max_size"); got != "512" {
			t.Errorf("expected max_size=512, got %q", got)
		}
		w.Write(pngBytes)
	})

	data, err := client.Preview(context.Background(), "https://example.com/a.tif", 512)
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if len(data) != len(pngBytes) {
		t.Errorf("unexpected preview size %d", len(data))
	}
}

func TestClient_TileURLTemplate(t *testing.T) {
	client := New(Config{
		BaseURL:       "http://renderer:8000",
		AccessToken:   "never-public",
		PublicBaseURL: "https://tiles.example.com/",
	}, zaptest.NewLogger(t))

	got, err := client.TileURLTemplate(KindCOG, "https://bucket.example.com/a b.tif")
	if err != nil {
		t.Fatalf("TileURLTemplate() error = %v", err)
	}

	want := "https://tiles.example.com/cog/tiles/WebMercatorQuad/{z}/{x}/{y}.png?url=https%3A%2F%2Fbucket.example.com%2Fa%2520b.tif"
	if got != want {
		t.Errorf("got %s\nwant %s", got, want)
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"cog", KindCOG, false},
		{"mosaicjson", KindMosaic, false},
		{"", KindCOG, false},
		{"stac", "", true},
	}

	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseKind(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseKind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
