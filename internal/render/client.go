// Package render is the client for the local tile-rendering service: tiles,
// dataset bounds and previews for single rasters and mosaics.
package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tilewarm/internal/metrics"
	"tilewarm/internal/sourceurl"
)

const (
	maxTileBytes  = 64 << 20
	maxErrorBytes = 1024
)

var (
	ErrRender = errors.New("render failed")
	// ErrTooLarge is returned when a response body exceeds the read limit.
	ErrTooLarge = errors.New("response too large")
)

// Kind selects the endpoint family of the rendering service.
type Kind string

const (
	KindCOG    Kind = "cog"
	KindMosaic Kind = "mosaicjson"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindCOG, KindMosaic:
		return Kind(s), nil
	case "":
		return KindCOG, nil
	default:
		return "", fmt.Errorf("unknown source kind %q (supported: cog, mosaicjson)", s)
	}
}

// StatusError is a non-2xx answer from the rendering service.
type StatusError struct {
	Code int
	URL  string
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("render service returned status %d for %s: %s", e.Code, e.URL, e.Body)
}

type Config struct {
	BaseURL       string
	AccessToken   string
	TileMatrixSet string
	// PublicBaseURL is this service's externally visible origin, used for
	// tile URL templates handed to clients.
	PublicBaseURL string
	Timeout       time.Duration
	// RateLimit is requests per second; zero or less means unlimited.
	RateLimit float64
	Burst     int
}

type Client struct {
	baseURL       string
	publicBaseURL string
	accessToken   string
	tileMatrixSet string
	httpClient    *http.Client
	limiter       *rate.Limiter
	maxTileBytes  int64
	logger        *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	tms := cfg.TileMatrixSet
	if tms == "" {
		tms = "WebMercatorQuad"
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &Client{
		baseURL:       strings.TrimSuffix(cfg.BaseURL, "/"),
		publicBaseURL: strings.TrimSuffix(cfg.PublicBaseURL, "/"),
		accessToken:   cfg.AccessToken,
		tileMatrixSet: tms,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter:      rate.NewLimiter(limit, burst),
		maxTileBytes: maxTileBytes,
		logger:       logger.Named("render"),
	}
}

// Tile fetches the PNG for tile rendered from source.
func (c *Client) Tile(ctx context.Context, kind Kind, source string, tile maptile.Tile) ([]byte, error) {
	query, err := c.sourceQuery(source, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRender, err)
	}

	tileURL := fmt.Sprintf("%s/%s/tiles/%s/%d/%d/%d.png?%s",
		c.baseURL, kind, c.tileMatrixSet, tile.Z, tile.X, tile.Y, query.Encode())

	start := time.Now()
	data, err := c.get(ctx, tileURL, c.maxTileBytes)
	metrics.RenderLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Renders.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("%w: tile %d/%d/%d: %w", ErrRender, tile.Z, tile.X, tile.Y, err)
	}

	metrics.Renders.WithLabelValues("success").Inc()
	c.logger.Debug("rendered tile",
		zap.String("kind", string(kind)),
		zap.String("tile", fmt.Sprintf("%d/%d/%d", tile.Z, tile.X, tile.Y)),
		zap.Int("size", len(data)),
		zap.Duration("duration", time.Since(start)),
	)
	return data, nil
}

// Bounds asks the rendering service for the geographic bounds of source.
func (c *Client) Bounds(ctx context.Context, kind Kind, source string) (orb.Bound, error) {
	query, err := c.sourceQuery(source, true)
	if err != nil {
		return orb.Bound{}, err
	}

	data, err := c.get(ctx, fmt.Sprintf("%s/%s/bounds?%s", c.baseURL, kind, query.Encode()), maxErrorBytes*64)
	if err != nil {
		return orb.Bound{}, fmt.Errorf("failed to fetch bounds: %w", err)
	}

	var resp struct {
		Bounds []float64 `json:"bounds"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return orb.Bound{}, fmt.Errorf("failed to parse bounds response: %w", err)
	}
	if len(resp.Bounds) != 4 {
		return orb.Bound{}, fmt.Errorf("bounds response has %d values, want 4", len(resp.Bounds))
	}

	return orb.Bound{
		Min: orb.Point{resp.Bounds[0], resp.Bounds[1]},
		Max: orb.Point{resp.Bounds[2], resp.Bounds[3]},
	}, nil
}

// Preview fetches a PNG preview of a single raster, at most maxSize pixels
// on its longest side.
func (c *Client) Preview(ctx context.Context, source string, maxSize int) ([]byte, error) {
	query, err := c.sourceQuery(source, true)
	if err != nil {
		return nil, err
	}
	if maxSize > 0 {
		query.Set("max_size", strconv.Itoa(maxSize))
	}

	data, err := c.get(ctx, fmt.Sprintf("%s/%s/preview.png?%s", c.baseURL, KindCOG, query.Encode()), c.maxTileBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: preview: %w", ErrRender, err)
	}
	return data, nil
}

// TileURLTemplate returns the public XYZ template clients can use to load
// tiles of source through this deployment.
func (c *Client) TileURLTemplate(kind Kind, source string) (string, error) {
	query, err := c.sourceQuery(source, false)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/tiles/%s/{z}/{x}/{y}.png?%s", c.publicBaseURL, kind, c.tileMatrixSet, query.Encode()), nil
}

func (c *Client) sourceQuery(source string, withToken bool) (url.Values, error) {
	if strings.TrimSpace(source) == "" {
		return nil, errors.New("empty source")
	}
	encoded, err := sourceurl.EncodePathSegments(source)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("url", encoded)
	if withToken && c.accessToken != "" {
		q.Set("access_token", c.accessToken)
	}
	return q, nil
}

func (c *Client) get(ctx context.Context, rawURL string, maxBytes int64) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var ue *url.Error
		if errors.As(err, &ue) {
			ue.URL = redact(req.URL)
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
		return nil, &StatusError{Code: resp.StatusCode, URL: redact(req.URL), Body: strings.TrimSpace(string(body))}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes from %s", ErrTooLarge, maxBytes, redact(req.URL))
	}
	return data, nil
}

// redact strips the access token before a URL ends up in logs or errors.
func redact(u *url.URL) string {
	q := u.Query()
	if q.Has("access_token") {
		q.Set("access_token", "REDACTED")
	}
	clean := *u
	clean.RawQuery = q.Encode()
	return clean.String()
}
