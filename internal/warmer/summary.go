package warmer

import (
	"fmt"
	"time"

	"github.com/paulmach/orb/maptile"
)

// Outcome is what happened to a single tile.
type Outcome string

const (
	OutcomeCached        Outcome = "cached"
	OutcomeWarmed        Outcome = "warmed"
	OutcomeRenderFailed  Outcome = "render_failed"
	OutcomeForwardFailed Outcome = "forward_failed"
)

func (o Outcome) failed() bool {
	return o == OutcomeRenderFailed || o == OutcomeForwardFailed
}

const (
	StageRender  = "render"
	StageForward = "forward"
)

// TileResult is reported to Request.OnTile once per processed tile.
type TileResult struct {
	Index    int           `json:"index"`
	Tile     string        `json:"tile"`
	Outcome  Outcome       `json:"outcome"`
	Probed   bool          `json:"probed"`
	Elapsed  time.Duration `json:"-"`
	Progress float64       `json:"progress"`
	Err      error         `json:"-"`

	ElapsedMS int64  `json:"elapsed_ms"`
	Error     string `json:"error,omitempty"`
}

type Failure struct {
	Stage string `json:"stage"`
	Tile  string `json:"tile"`
	Error string `json:"error"`
}

// Summary describes a finished, failed or cancelled run.
type Summary struct {
	RunID     string    `json:"run_id"`
	CacheKey  string    `json:"cache_key"`
	Policy    string    `json:"policy"`
	Total     int       `json:"total"`
	Processed int       `json:"processed"`
	Probed    int       `json:"probed"`
	Hits      int       `json:"hits"`
	Rendered  int       `json:"rendered"`
	Forwarded int       `json:"forwarded"`
	Failures  []Failure `json:"failures"`
	Cancelled bool      `json:"cancelled"`
	StartedAt time.Time `json:"started_at"`
	ElapsedMS int64     `json:"elapsed_ms"`

	Elapsed time.Duration `json:"-"`
}

func (s *Summary) record(r TileResult) {
	s.Processed++
	if r.Probed {
		s.Probed++
	}

	switch r.Outcome {
	case OutcomeCached:
		s.Hits++
	case OutcomeWarmed:
		s.Rendered++
		s.Forwarded++
	case OutcomeRenderFailed:
		s.Failures = append(s.Failures, Failure{Stage: StageRender, Tile: r.Tile, Error: r.Error})
	case OutcomeForwardFailed:
		s.Rendered++
		s.Failures = append(s.Failures, Failure{Stage: StageForward, Tile: r.Tile, Error: r.Error})
	}
}

func tileString(t maptile.Tile) string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}
