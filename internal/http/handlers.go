package http

import (
	"context"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"tilewarm/internal/jobs"
	"tilewarm/internal/preview"
	"tilewarm/internal/render"
	"tilewarm/internal/runstore"
	"tilewarm/internal/warmer"
)

type Runs interface {
	Run(ctx context.Context, req warmer.Request) (*runstore.Record, error)
	Start(req warmer.Request, done jobs.DoneFunc) (*runstore.Record, error)
	Get(ctx context.Context, id string) (*runstore.Record, error)
	Cancel(ctx context.Context, id string) error
}

type Tiles interface {
	Bounds(ctx context.Context, kind render.Kind, source string) (orb.Bound, error)
	TileURLTemplate(kind render.Kind, source string) (string, error)
}

type Previews interface {
	Generate(ctx context.Context, src string, maxSize int, previewPath string) (*preview.Result, error)
}

type Publisher interface {
	Publish(ctx context.Context, dest, filePath string, content []byte, contentType string) (string, error)
}

type Handlers struct {
	logger    *zap.Logger
	runs      Runs
	tiles     Tiles
	previews  Previews
	publisher Publisher
	validate  *validator.Validate

	allowedOrigin string
}

func New(logger *zap.Logger, runs Runs, tiles Tiles, previews Previews, publisher Publisher, allowedOrigin string) *Handlers {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Handlers{
		logger:        logger.Named("http"),
		runs:          runs,
		tiles:         tiles,
		previews:      previews,
		publisher:     publisher,
		validate:      validate,
		allowedOrigin: allowedOrigin,
	}
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)

		w.Header().Set("X-Request-ID", requestID)
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		bytes := wrapped.bytesWritten

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", bytes),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

// CORSMiddleware allows the configured origin, or the service's own host
// when none is configured.
func (h *Handlers) CORSMiddleware() func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			if h.allowedOrigin != "" {
				return origin == h.allowedOrigin
			}
			return origin == "http://"+r.Host || origin == "https://"+r.Host
		},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	})
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Not for real production use due to potential spoofing
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
