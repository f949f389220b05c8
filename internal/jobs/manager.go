// Package jobs runs warming requests in the background, tracks the ones in
// flight and records every run in a run store.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb/maptile"
	"go.uber.org/zap"

	"tilewarm/internal/render"
	"tilewarm/internal/runstore"
	"tilewarm/internal/warmer"
)

var (
	ErrUnknownRun  = errors.New("unknown run")
	ErrRunFinished = errors.New("run already finished")
	ErrShutdown    = errors.New("manager is shutting down")
)

type Runner interface {
	Run(ctx context.Context, req warmer.Request) (*warmer.Summary, error)
}

// DoneFunc is called after a background run has been recorded.
type DoneFunc func(rec *runstore.Record)

type active struct {
	rec    *runstore.Record
	cancel context.CancelFunc
}

type Manager struct {
	runner Runner
	store  runstore.Store
	logger *zap.Logger

	baseCtx  context.Context
	stopBase context.CancelFunc

	mu     sync.Mutex
	active map[string]*active
	closed bool
	wg     sync.WaitGroup
}

func New(runner Runner, store runstore.Store, logger *zap.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		runner:   runner,
		store:    store,
		logger:   logger.Named("jobs"),
		baseCtx:  ctx,
		stopBase: cancel,
		active:   make(map[string]*active),
	}
}

// Run executes req on the caller's goroutine and records it.
func (m *Manager) Run(ctx context.Context, req warmer.Request) (*runstore.Record, error) {
	tiles, err := warmer.Plan(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rec, err := m.register(prepare(&req, tiles), cancel, false)
	if err != nil {
		return nil, err
	}

	return m.execute(ctx, req, rec)
}

// Start validates req and runs it in the background. The returned record is
// in the running state.
func (m *Manager) Start(req warmer.Request, done DoneFunc) (*runstore.Record, error) {
	tiles, err := warmer.Plan(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(m.baseCtx)
	rec, err := m.register(prepare(&req, tiles), cancel, true)
	if err != nil {
		cancel()
		return nil, err
	}

	started := *rec

	go func() {
		defer m.wg.Done()
		defer cancel()

		final, err := m.execute(ctx, req, rec)
		if err != nil {
			m.logger.Warn("background run ended with error",
				zap.String("run_id", final.ID),
				zap.String("status", string(final.Status)),
				zap.Error(err),
			)
		}
		if done != nil {
			done(final)
		}
	}()

	return &started, nil
}

// Get returns the live record of a running run or the stored record of a
// finished one.
func (m *Manager) Get(ctx context.Context, id string) (*runstore.Record, error) {
	m.mu.Lock()
	if a, ok := m.active[id]; ok {
		rec := *a.rec
		m.mu.Unlock()
		return &rec, nil
	}
	m.mu.Unlock()

	rec, err := m.store.Get(ctx, id)
	if errors.Is(err, runstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}
	return rec, err
}

// Cancel stops dispatching new tiles for a running run. Tiles already in
// flight complete.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	a, ok := m.active[id]
	m.mu.Unlock()
	if ok {
		m.logger.Info("cancelling run", zap.String("run_id", id))
		a.cancel()
		return nil
	}

	if _, err := m.store.Get(ctx, id); err == nil {
		return fmt.Errorf("%w: %s", ErrRunFinished, id)
	}
	return fmt.Errorf("%w: %s", ErrUnknownRun, id)
}

// Shutdown cancels every background run and waits for them to be recorded.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stopBase()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func prepare(req *warmer.Request, tiles []maptile.Tile) *runstore.Record {
	if req.RunID == "" {
		req.RunID = uuid.New().String()
	}
	if req.Kind == "" {
		req.Kind = render.KindCOG
	}
	// the planned tiles replace bbox and window so the work is computed once
	req.Tiles = tiles
	req.Offset, req.Limit = 0, 0

	now := time.Now().UTC()
	return &runstore.Record{
		ID:        req.RunID,
		Status:    runstore.StatusRunning,
		CacheKey:  req.CacheKey,
		Kind:      string(req.Kind),
		Source:    req.Source,
		Total:     len(tiles),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (m *Manager) register(rec *runstore.Record, cancel context.CancelFunc, background bool) (*runstore.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrShutdown
	}
	if _, ok := m.active[rec.ID]; ok {
		return nil, fmt.Errorf("run %s is already active", rec.ID)
	}
	m.active[rec.ID] = &active{rec: rec, cancel: cancel}
	if background {
		m.wg.Add(1)
	}
	return rec, nil
}

func (m *Manager) execute(ctx context.Context, req warmer.Request, rec *runstore.Record) (*runstore.Record, error) {
	observer := req.OnTile
	req.OnTile = func(r warmer.TileResult) {
		m.mu.Lock()
		rec.Processed++
		rec.UpdatedAt = time.Now().UTC()
		m.mu.Unlock()
		if observer != nil {
			observer(r)
		}
	}

	summary, runErr := m.runner.Run(ctx, req)

	m.mu.Lock()
	final := *rec
	m.mu.Unlock()
	final.Summary = summary
	if summary != nil {
		final.Processed = summary.Processed
	}
	final.UpdatedAt = time.Now().UTC()
	switch {
	case runErr == nil:
		final.Status = runstore.StatusCompleted
	case summary != nil && summary.Cancelled:
		final.Status = runstore.StatusCancelled
		final.Error = runErr.Error()
	default:
		final.Status = runstore.StatusFailed
		final.Error = runErr.Error()
	}

	// stored even when ctx is cancelled
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.store.Set(storeCtx, &final); err != nil {
		m.logger.Error("failed to store run record", zap.String("run_id", final.ID), zap.Error(err))
	}

	m.mu.Lock()
	delete(m.active, final.ID)
	m.mu.Unlock()

	return &final, runErr
}
