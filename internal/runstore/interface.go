package runstore

import (
	"context"
	"errors"
	"slices"
	"time"

	"tilewarm/internal/warmer"
)

var ErrNotFound = errors.New("run not found")

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Record is the persisted view of a warming run
type Record struct {
	ID        string          `json:"id"`
	Status    Status          `json:"status"`
	CacheKey  string          `json:"cache_key"`
	Kind      string          `json:"kind"`
	Source    string          `json:"source"`
	Total     int             `json:"total"`
	Processed int             `json:"processed"`
	Summary   *warmer.Summary `json:"summary,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (r *Record) Terminal() bool {
	return r.Status != StatusRunning
}

func (r *Record) clone() *Record {
	c := *r
	if r.Summary != nil {
		s := *r.Summary
		s.Failures = slices.Clone(r.Summary.Failures)
		c.Summary = &s
	}
	return &c
}

type Store interface {
	Get(ctx context.Context, id string) (*Record, error)
	Set(ctx context.Context, rec *Record) error
	Close() error
}
