package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/paulmach/orb/maptile"
	"go.uber.org/zap"

	"tilewarm/internal/render"
	"tilewarm/internal/runstore"
	"tilewarm/internal/tilemath"
	"tilewarm/internal/warmer"
)

const maxWarmBody = 8 << 20

type warmRequest struct {
	CacheKey   string      `json:"cache_key" validate:"required"`
	Kind       string      `json:"kind" validate:"omitempty,oneof=cog mosaicjson"`
	URL        string      `json:"url" validate:"required"`
	Zoom       *int        `json:"zoom" validate:"omitempty,gte=0,lte=30"`
	BBox       []float64   `json:"bbox" validate:"omitempty,len=4"`
	Tiles      [][3]uint32 `json:"tiles"`
	Offset     int         `json:"offset"`
	Limit      int         `json:"limit"`
	Async      bool        `json:"async"`
	ReportPath string      `json:"report_path"`
}

// HandleGenerateTiles warms one zoom level of a source:
// GET /{kind}/soar/generateTilesIntoCache?cache_key=&zoom=&url=[&offset=&limit=&bbox=&stream=&report_path=]
func (h *Handlers) HandleGenerateTiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	wr := warmRequest{
		CacheKey:   q.Get("cache_key"),
		Kind:       chi.URLParam(r, "kind"),
		URL:        q.Get("url"),
		Offset:     -1,
		Limit:      -1,
		ReportPath: q.Get("report_path"),
	}

	var err error
	if v := q.Get("zoom"); v != "" {
		zoom, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, r, fmt.Errorf("%w: zoom must be an integer", errBadRequest), nil)
			return
		}
		wr.Zoom = &zoom
	}
	if wr.Offset, err = intParam(q.Get("offset"), -1); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: offset must be an integer", errBadRequest), nil)
		return
	}
	if wr.Limit, err = intParam(q.Get("limit"), -1); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: limit must be an integer", errBadRequest), nil)
		return
	}
	if v := q.Get("bbox"); v != "" {
		if wr.BBox, err = parseBBox(v); err != nil {
			h.writeError(w, r, err, nil)
			return
		}
	}
	stream, err := boolParam(q.Get("stream"))
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: stream must be a boolean", errBadRequest), nil)
		return
	}

	req, err := h.buildRequest(r.Context(), wr)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}

	if stream {
		h.streamRun(w, r, req, wr.ReportPath)
		return
	}
	h.runSync(w, r, req, wr.ReportPath)
}

// HandleWarm is the JSON form of HandleGenerateTiles; it also accepts an
// explicit tile list and can run in the background.
func (h *Handlers) HandleWarm(w http.ResponseWriter, r *http.Request) {
	var wr warmRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWarmBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&wr); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err), nil)
		return
	}

	req, err := h.buildRequest(r.Context(), wr)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}

	if !wr.Async {
		h.runSync(w, r, req, wr.ReportPath)
		return
	}

	reportPath := wr.ReportPath
	rec, err := h.runs.Start(req, func(final *runstore.Record) {
		if reportPath == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := h.publishReport(ctx, reportPath, final); err != nil {
			h.logger.Error("failed to publish run report", zap.String("run_id", final.ID), zap.Error(err))
		}
	})
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}

	w.Header().Set("Location", "/api/v1/runs/"+rec.ID)
	h.writeOK(w, http.StatusAccepted, "Warming run started", rec)
}

func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := h.runs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	h.writeOK(w, http.StatusOK, string(rec.Status), rec)
}

func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.runs.Cancel(r.Context(), id); err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	h.writeOK(w, http.StatusAccepted, "Cancellation requested", map[string]string{"id": id})
}

// buildRequest validates wr and turns it into a planned warmer request.
func (h *Handlers) buildRequest(ctx context.Context, wr warmRequest) (warmer.Request, error) {
	if err := h.validateStruct(&wr); err != nil {
		return warmer.Request{}, err
	}

	kind, err := render.ParseKind(wr.Kind)
	if err != nil {
		return warmer.Request{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}

	req := warmer.Request{
		CacheKey: wr.CacheKey,
		Kind:     kind,
		Source:   wr.URL,
		Offset:   wr.Offset,
		Limit:    wr.Limit,
	}

	switch {
	case len(wr.Tiles) > 0:
		req.Tiles = make([]maptile.Tile, len(wr.Tiles))
		for i, t := range wr.Tiles {
			req.Tiles[i] = maptile.New(t[1], t[2], maptile.Zoom(t[0]))
		}
	case wr.Zoom == nil:
		return warmer.Request{}, fmt.Errorf("%w: zoom is required when tiles are not given", errBadRequest)
	default:
		req.Zoom = maptile.Zoom(*wr.Zoom)
		if len(wr.BBox) == 4 {
			req.BBox = tilemath.BBox(wr.BBox[0], wr.BBox[1], wr.BBox[2], wr.BBox[3])
		} else {
			bound, err := h.tiles.Bounds(ctx, kind, wr.URL)
			if err != nil {
				return warmer.Request{}, fmt.Errorf("failed to read source bounds: %w", err)
			}
			req.BBox = bound
		}
	}

	// surface enumeration errors before any response is written
	tiles, err := warmer.Plan(req)
	if err != nil {
		return warmer.Request{}, err
	}
	req.Tiles = tiles
	req.Offset, req.Limit = 0, 0

	return req, nil
}

func (h *Handlers) runSync(w http.ResponseWriter, r *http.Request, req warmer.Request, reportPath string) {
	rec, err := h.runs.Run(r.Context(), req)
	if rec != nil && reportPath != "" {
		if _, perr := h.publishReport(r.Context(), reportPath, rec); perr != nil {
			h.logger.Error("failed to publish run report", zap.String("run_id", rec.ID), zap.Error(perr))
		}
	}
	if err != nil {
		h.writeError(w, r, err, rec)
		return
	}

	h.writeOK(w, http.StatusOK, fmt.Sprintf("Total of %d tiles were sent to the edge cache.", rec.Total), rec)
}

// streamRun writes one NDJSON line per processed tile, then a final line
// with the run envelope.
func (h *Handlers) streamRun(w http.ResponseWriter, r *http.Request, req warmer.Request, reportPath string) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)

	req.OnTile = func(res warmer.TileResult) {
		if err := enc.Encode(res); err != nil {
			return
		}
		rc.Flush()
	}

	rec, err := h.runs.Run(r.Context(), req)
	if rec != nil && reportPath != "" {
		if _, perr := h.publishReport(r.Context(), reportPath, rec); perr != nil {
			h.logger.Error("failed to publish run report", zap.String("run_id", rec.ID), zap.Error(perr))
		}
	}

	final := envelope{Success: err == nil, Data: rec}
	if err != nil {
		final.Message = err.Error()
	} else {
		final.Message = fmt.Sprintf("Total of %d tiles were sent to the edge cache.", rec.Total)
	}
	enc.Encode(final)
	rc.Flush()
}

func (h *Handlers) publishReport(ctx context.Context, reportPath string, rec *runstore.Record) (string, error) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode run report: %w", err)
	}
	file := fmt.Sprintf("%s/%s.json", strings.Trim(reportPath, "/"), rec.ID)
	return h.publisher.Publish(ctx, reportPath, file, data, "application/json")
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func boolParam(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}

// parseBBox reads "minLon,minLat,maxLon,maxLat".
func parseBBox(v string) ([]float64, error) {
	parts := strings.Split(v, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("%w: bbox must be minLon,minLat,maxLon,maxLat", errBadRequest)
	}
	out := make([]float64, 4)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bbox value %q is not a number", errBadRequest, p)
		}
		out[i] = f
	}
	return out, nil
}
