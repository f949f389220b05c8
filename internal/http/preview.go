package http

import (
	"fmt"
	"net/http"
	"strconv"

	"tilewarm/internal/preview"
	"tilewarm/internal/render"
)

type previewRequest struct {
	URL         string `json:"url" validate:"required"`
	MaxSize     int    `json:"max_size" validate:"gte=1,lte=8192"`
	PreviewPath string `json:"preview_path"`
	ReturnData  bool   `json:"return_data"`
}

// HandlePreview renders a PNG preview of a single raster:
// GET /cog/soar/preview?url=&max_size=&preview_path=&return_data=
func (h *Handlers) HandlePreview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	pr := previewRequest{
		URL:         q.Get("url"),
		PreviewPath: q.Get("preview_path"),
	}

	var err error
	if pr.MaxSize, err = intParam(q.Get("max_size"), preview.DefaultMaxSize); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: max_size must be an integer", errBadRequest), nil)
		return
	}
	if pr.ReturnData, err = boolParam(q.Get("return_data")); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: return_data must be a boolean", errBadRequest), nil)
		return
	}
	if err := h.validateStruct(&pr); err != nil {
		h.writeError(w, r, err, nil)
		return
	}

	result, err := h.previews.Generate(r.Context(), pr.URL, pr.MaxSize, pr.PreviewPath)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}

	if pr.ReturnData {
		w.Header().Set("ETag", `"`+result.ETag+`"`)
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
		w.WriteHeader(http.StatusOK)
		w.Write(result.Data)
		return
	}

	msg := result.Message
	if msg == "" {
		msg = "Preview generated"
	}
	h.writeOK(w, http.StatusOK, msg, map[string]any{
		"width":  result.Width,
		"height": result.Height,
		"bytes":  len(result.Data),
		"etag":   result.ETag,
	})
}

// HandleTileURL returns the public XYZ template for a source:
// GET /api/v1/tile-url?kind=&url=
func (h *Handlers) HandleTileURL(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	kind, err := render.ParseKind(q.Get("kind"))
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err), nil)
		return
	}
	src := q.Get("url")
	if src == "" {
		h.writeError(w, r, fmt.Errorf("%w: url is required", errBadRequest), nil)
		return
	}

	tpl, err := h.tiles.TileURLTemplate(kind, src)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err), nil)
		return
	}

	h.writeOK(w, http.StatusOK, "", map[string]any{
		"tilejson": "2.2.0",
		"scheme":   "xyz",
		"tiles":    []string{tpl},
	})
}
