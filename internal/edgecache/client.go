// Package edgecache talks to the remote edge cache that serves pre-rendered
// tiles: an existence probe and an authenticated tile upload.
package edgecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb/maptile"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"tilewarm/internal/metrics"
)

// SecretHeader carries the shared secret on every edge cache request.
const SecretHeader = "soar-secret-key"

const maxErrorBody = 1024

var ErrForward = errors.New("forward to edge cache failed")

// StatusError is a non-2xx answer from the edge cache.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("edge cache returned status %d", e.Code)
	}
	return fmt.Sprintf("edge cache returned status %d: %s", e.Code, e.Body)
}

type Config struct {
	BaseURL string
	Secret  string
	Timeout time.Duration
}

type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[struct{}]
	logger     *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		secret:  cfg.Secret,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.Named("edgecache"),
	}
	c.breaker = newBreaker("edge-cache-forward", c.logger)
	return c
}

// Exists reports whether the tile is already cached. Any failure counts as
// absent so the caller re-renders instead of aborting.
func (c *Client) Exists(ctx context.Context, cacheKey string, tile maptile.Tile) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.tileURL("/tile-cache/exists", cacheKey, tile), nil)
	if err != nil {
		c.logger.Warn("failed to build probe request", zap.Error(err))
		metrics.Probes.WithLabelValues("error").Inc()
		return false
	}
	req.Header.Set(SecretHeader, c.secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("cache probe failed, treating tile as absent",
			zap.String("cache_key", cacheKey),
			zap.String("tile", tileString(tile)),
			zap.Error(err),
		)
		metrics.Probes.WithLabelValues("error").Inc()
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode == http.StatusOK {
		metrics.Probes.WithLabelValues("hit").Inc()
		return true
	}

	c.logger.Debug("tile absent from edge cache",
		zap.String("cache_key", cacheKey),
		zap.String("tile", tileString(tile)),
		zap.Int("status", resp.StatusCode),
	)
	metrics.Probes.WithLabelValues("miss").Inc()
	return false
}

// Put uploads a rendered PNG tile. Failures are returned wrapped in
// ErrForward; nothing is retried.
func (c *Client) Put(ctx context.Context, cacheKey string, tile maptile.Tile, data []byte) error {
	_, err := c.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, c.put(ctx, cacheKey, tile, data)
	})
	if err == nil {
		metrics.Forwards.WithLabelValues("success").Inc()
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.Forwards.WithLabelValues("rejected").Inc()
		c.logger.Warn("forward rejected by circuit breaker",
			zap.String("cache_key", cacheKey),
			zap.String("tile", tileString(tile)),
			zap.Error(err),
		)
	} else {
		metrics.Forwards.WithLabelValues("failure").Inc()
		fields := []zap.Field{
			zap.String("cache_key", cacheKey),
			zap.String("tile", tileString(tile)),
			zap.Error(err),
		}
		var se *StatusError
		if errors.As(err, &se) {
			fields = append(fields, zap.Int("status", se.Code), zap.String("body", se.Body))
		}
		c.logger.Error("failed to forward tile to edge cache", fields...)
	}

	return fmt.Errorf("%w: %s/%s: %w", ErrForward, cacheKey, tileString(tile), err)
}

func (c *Client) put(ctx context.Context, cacheKey string, tile maptile.Tile, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tileURL("/tile-cache", cacheKey, tile), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(SecretHeader, c.secret)
	req.Header.Set("Content-Type", "image/png")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post tile: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	c.logger.Debug("forwarded tile",
		zap.String("cache_key", cacheKey),
		zap.String("tile", tileString(tile)),
		zap.Int("size", len(data)),
	)
	return nil
}

func (c *Client) tileURL(path, cacheKey string, tile maptile.Tile) string {
	q := url.Values{}
	q.Set("cacheKey", cacheKey)
	q.Set("z", strconv.Itoa(int(tile.Z)))
	q.Set("x", strconv.FormatUint(uint64(tile.X), 10))
	q.Set("y", strconv.FormatUint(uint64(tile.Y), 10))
	return c.baseURL + path + "?" + q.Encode()
}

func tileString(t maptile.Tile) string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}
