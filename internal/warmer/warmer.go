// Package warmer drives tile-cache warming runs: it resolves the tile set,
// probes the edge cache, renders the missing tiles and forwards them, using a
// bounded pool of workers.
package warmer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tilewarm/internal/metrics"
	"tilewarm/internal/render"
	"tilewarm/internal/tilemath"
)

var (
	ErrInvalidRequest = errors.New("invalid warming request")
	// ErrAllTilesFailed is returned with the summary when no processed tile
	// was either cached or warmed.
	ErrAllTilesFailed = errors.New("all tiles failed")
)

// Policy decides when the edge cache is probed.
type Policy int

const (
	// AggressiveSkipAfterFirstMiss stops probing once any tile in the run is
	// found missing; every later tile is rendered and forwarded, cached or not.
	AggressiveSkipAfterFirstMiss Policy = iota
	// ProbeEveryTile probes each tile and only warms the missing ones.
	ProbeEveryTile
)

func (p Policy) String() string {
	switch p {
	case AggressiveSkipAfterFirstMiss:
		return "aggressive_skip_after_first_miss"
	case ProbeEveryTile:
		return "probe_every_tile"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

type Prober interface {
	Exists(ctx context.Context, cacheKey string, tile maptile.Tile) bool
}

type Renderer interface {
	Tile(ctx context.Context, kind render.Kind, source string, tile maptile.Tile) ([]byte, error)
}

type Forwarder interface {
	Put(ctx context.Context, cacheKey string, tile maptile.Tile, data []byte) error
}

type Options struct {
	Concurrency int
	Policy      Policy
}

// Request describes one run. Tiles, when non-nil, is used as is; otherwise
// the tiles covering BBox at Zoom are enumerated.
type Request struct {
	RunID    string
	CacheKey string
	Kind     render.Kind
	Source   string

	Tiles []maptile.Tile
	BBox  orb.Bound
	Zoom  maptile.Zoom

	Offset int
	Limit  int

	// OnTile is called once per processed tile. Calls are serialized.
	OnTile func(TileResult)
}

type Warmer struct {
	prober    Prober
	renderer  Renderer
	forwarder Forwarder
	opts      Options
	logger    *zap.Logger
	tracer    trace.Tracer

	// renders of the same cache key, source and tile are shared across runs
	group singleflight.Group
}

func New(prober Prober, renderer Renderer, forwarder Forwarder, opts Options, logger *zap.Logger) *Warmer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Warmer{
		prober:    prober,
		renderer:  renderer,
		forwarder: forwarder,
		opts:      opts,
		logger:    logger.Named("warmer"),
		tracer:    otel.Tracer("tilewarm/warmer"),
	}
}

func (w *Warmer) Options() Options {
	return w.opts
}

// run is the state of one warming invocation.
type run struct {
	req    Request
	policy Policy
	total  int
	start  time.Time
	skip   atomic.Bool

	mu      sync.Mutex
	summary Summary
}

func (r *run) skipping() bool {
	return r.policy == AggressiveSkipAfterFirstMiss && r.skip.Load()
}

func (r *run) markMiss() {
	if r.policy == AggressiveSkipAfterFirstMiss {
		r.skip.Store(true)
	}
}

// Run warms every tile of req and returns the summary. A cancelled ctx stops
// dispatching new tiles; tiles already started complete and the partial
// summary is returned along with ctx.Err().
func (w *Warmer) Run(ctx context.Context, req Request) (*Summary, error) {
	tiles, err := Plan(req)
	if err != nil {
		return nil, err
	}
	if req.Kind == "" {
		req.Kind = render.KindCOG
	}

	if req.RunID == "" {
		req.RunID = uuid.New().String()
	}

	r := &run{
		req:    req,
		policy: w.opts.Policy,
		total:  len(tiles),
		start:  time.Now(),
	}
	r.summary = Summary{
		RunID:     req.RunID,
		CacheKey:  req.CacheKey,
		Policy:    w.opts.Policy.String(),
		Total:     len(tiles),
		Failures:  []Failure{},
		StartedAt: r.start,
	}

	ctx, span := w.tracer.Start(ctx, "warmer.run", trace.WithAttributes(
		attribute.String("run_id", req.RunID),
		attribute.String("cache_key", req.CacheKey),
		attribute.String("kind", string(req.Kind)),
		attribute.Int("tiles", len(tiles)),
	))
	defer span.End()

	log := w.logger.With(zap.String("run_id", req.RunID), zap.String("cache_key", req.CacheKey))
	log.Info("starting warming run",
		zap.String("kind", string(req.Kind)),
		zap.Int("tiles", len(tiles)),
		zap.Int("workers", w.opts.Concurrency),
		zap.Stringer("policy", w.opts.Policy),
	)

	// Started tiles run to completion even when ctx is cancelled.
	workCtx := context.WithoutCancel(ctx)

	workerChan := make(chan struct{}, w.opts.Concurrency)
	var wg sync.WaitGroup
	var stopErr error

dispatch:
	for i, tile := range tiles {
		select {
		case <-ctx.Done():
			stopErr = ctx.Err()
			break dispatch
		case workerChan <- struct{}{}: // Acquire worker slot
		}
		if err := ctx.Err(); err != nil {
			<-workerChan
			stopErr = err
			break dispatch
		}

		wg.Add(1)
		go func(index int, tile maptile.Tile) {
			defer wg.Done()
			defer func() { <-workerChan }() // Release worker slot

			w.processTile(workCtx, r, log, index, tile)
		}(i, tile)
	}

	wg.Wait()

	r.mu.Lock()
	summary := r.summary
	r.mu.Unlock()
	summary.Elapsed = time.Since(r.start)
	summary.ElapsedMS = summary.Elapsed.Milliseconds()

	span.SetAttributes(
		attribute.Int("processed", summary.Processed),
		attribute.Int("failures", len(summary.Failures)),
	)

	// a cancel arriving after the last tile was dispatched does not cut the run short
	if err := stopErr; err != nil {
		summary.Cancelled = true
		metrics.Runs.WithLabelValues("cancelled").Inc()
		span.SetStatus(codes.Error, "cancelled")
		log.Warn("warming run cancelled",
			zap.Int("processed", summary.Processed),
			zap.Int("total", summary.Total),
			zap.Duration("elapsed", summary.Elapsed),
		)
		return &summary, err
	}

	if summary.Processed > 0 && len(summary.Failures) == summary.Processed {
		metrics.Runs.WithLabelValues("failed").Inc()
		span.SetStatus(codes.Error, ErrAllTilesFailed.Error())
		log.Error("warming run failed",
			zap.Int("processed", summary.Processed),
			zap.Duration("elapsed", summary.Elapsed),
		)
		return &summary, fmt.Errorf("%w: %d of %d", ErrAllTilesFailed, len(summary.Failures), summary.Processed)
	}

	metrics.Runs.WithLabelValues("completed").Inc()
	log.Info("warming run completed",
		zap.Int("total", summary.Total),
		zap.Int("probed", summary.Probed),
		zap.Int("hits", summary.Hits),
		zap.Int("rendered", summary.Rendered),
		zap.Int("forwarded", summary.Forwarded),
		zap.Int("failures", len(summary.Failures)),
		zap.Duration("elapsed", summary.Elapsed),
	)
	return &summary, nil
}

func (w *Warmer) processTile(ctx context.Context, r *run, log *zap.Logger, index int, tile maptile.Tile) {
	start := time.Now()
	metrics.TilesInFlight.Inc()
	defer metrics.TilesInFlight.Dec()

	ctx, span := w.tracer.Start(ctx, "warmer.tile", trace.WithAttributes(
		attribute.Int("z", int(tile.Z)),
		attribute.Int64("x", int64(tile.X)),
		attribute.Int64("y", int64(tile.Y)),
	))
	defer span.End()

	result := TileResult{Index: index, Tile: tileString(tile)}

	if !r.skipping() {
		result.Probed = true
		if w.prober.Exists(ctx, r.req.CacheKey, tile) {
			result.Outcome = OutcomeCached
		}
	}

	if result.Outcome == "" {
		r.markMiss()
		result.Outcome, result.Err = w.warm(ctx, r.req, tile)
	}

	if result.Err != nil {
		result.Error = result.Err.Error()
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, string(result.Outcome))
	}
	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))

	result.Elapsed = time.Since(start)
	result.ElapsedMS = result.Elapsed.Milliseconds()
	metrics.TileDuration.Observe(result.Elapsed.Seconds())

	r.mu.Lock()
	defer r.mu.Unlock()

	r.summary.record(result)
	result.Progress = progress(r.summary.Processed, r.total)

	log.Info(fmt.Sprintf("processed %d of %d", r.summary.Processed, r.total),
		zap.String("tile", result.Tile),
		zap.String("outcome", string(result.Outcome)),
		zap.Float64("progress", result.Progress),
		zap.Duration("elapsed", result.Elapsed),
	)

	if r.req.OnTile != nil {
		r.req.OnTile(result)
	}
}

// warm renders the tile and forwards it to the edge cache.
func (w *Warmer) warm(ctx context.Context, req Request, tile maptile.Tile) (Outcome, error) {
	key := strings.Join([]string{req.CacheKey, string(req.Kind), req.Source, tileString(tile)}, "|")

	v, err, shared := w.group.Do(key, func() (any, error) {
		data, err := w.renderer.Tile(ctx, req.Kind, req.Source, tile)
		if err != nil {
			w.logger.Warn("failed to render tile",
				zap.String("cache_key", req.CacheKey),
				zap.String("tile", tileString(tile)),
				zap.Error(err),
			)
			return OutcomeRenderFailed, err
		}

		if err := w.forwarder.Put(ctx, req.CacheKey, tile, data); err != nil {
			return OutcomeForwardFailed, err
		}
		return OutcomeWarmed, nil
	})
	if shared {
		w.logger.Debug("shared in-flight render",
			zap.String("cache_key", req.CacheKey),
			zap.String("tile", tileString(tile)),
		)
	}

	return v.(Outcome), err
}

// Plan validates req and returns the tiles a run of it would process, in
// dispatch order.
func Plan(req Request) ([]maptile.Tile, error) {
	if strings.TrimSpace(req.CacheKey) == "" {
		return nil, fmt.Errorf("%w: cache key is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Source) == "" {
		return nil, fmt.Errorf("%w: source is required", ErrInvalidRequest)
	}

	tiles, err := resolveTiles(req)
	if err != nil {
		return nil, err
	}
	return tilemath.Window(tiles, req.Offset, req.Limit), nil
}

func resolveTiles(req Request) ([]maptile.Tile, error) {
	if req.Tiles != nil {
		for _, t := range req.Tiles {
			if t.Z > tilemath.MaxZoom {
				return nil, fmt.Errorf("%w: tile %s", tilemath.ErrInvalidZoom, tileString(t))
			}
			if !tilemath.Valid(t) {
				return nil, fmt.Errorf("%w: tile %s out of range", tilemath.ErrInvalidCoordinate, tileString(t))
			}
		}
		return req.Tiles, nil
	}

	return tilemath.BBoxToTiles(req.BBox, req.Zoom)
}

func progress(done, total int) float64 {
	if total == 0 {
		return 100
	}
	return math.Round(float64(done)/float64(total)*10000) / 100
}
