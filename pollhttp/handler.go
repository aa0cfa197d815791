// Package pollhttp serves a socket.Socket over HTTP: clients POST JSON
// request bodies to a single endpoint and receive the engine's response.
package pollhttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/ggoodman/fakesocket-go/internal/logctx"
	"github.com/ggoodman/fakesocket-go/protocol"
)

var _ http.Handler = (*Handler)(nil)

var jsonMediaType = contenttype.NewMediaType("application/json")

// DefaultMaxBodyBytes caps request bodies unless WithMaxBodyBytes says
// otherwise.
const DefaultMaxBodyBytes = 1 << 20

// Engine evaluates decoded requests. *socket.Socket implements it.
type Engine interface {
	Handle(ctx context.Context, method string, body map[string]any) (*protocol.Response, error)
}

// writeJSONError emits a minimal JSON body for HTTP-layer rejections that
// never reach the engine. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger       *slog.Logger
	allowOrigin  string
	maxBodyBytes int64
}

// WithLogger sets the logger used by the handler. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithAllowOrigin enables CORS for the given origin ("*" for any) and
// answers OPTIONS preflight requests.
func WithAllowOrigin(origin string) Option {
	return func(c *newConfig) { c.allowOrigin = strings.TrimSpace(origin) }
}

// WithMaxBodyBytes caps the size of request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(c *newConfig) { c.maxBodyBytes = n }
}

// Handler is the HTTP front of the long-poll engine.
type Handler struct {
	engine       Engine
	log          *slog.Logger
	mux          *http.ServeMux
	allowOrigin  string
	maxBodyBytes int64
	schema       []byte
}

// New mounts the engine at path. GET <path>/schema returns the JSON schema of
// accepted request bodies.
func New(engine Engine, path string, opts ...Option) (*Handler, error) {
	cfg := &newConfig{logger: slog.New(slog.DiscardHandler), maxBodyBytes: DefaultMaxBodyBytes}
	for _, opt := range opts {
		opt(cfg)
	}

	schema, err := json.Marshal(protocol.Schema())
	if err != nil {
		return nil, err
	}

	h := &Handler{
		engine:       engine,
		log:          slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		allowOrigin:  cfg.allowOrigin,
		maxBodyBytes: cfg.maxBodyBytes,
		schema:       schema,
	}

	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	endpoint := path
	if strings.HasSuffix(endpoint, "/") {
		endpoint += "{$}"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(endpoint, h.handleSocket)
	mux.HandleFunc("GET "+strings.TrimSuffix(path, "/")+"/schema", h.handleSchema)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.allowOrigin != "" {
		w.Header().Set("Access-Control-Allow-Origin", h.allowOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	}
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func (h *Handler) handleSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	if r.Method == http.MethodOptions && h.allowOrigin != "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var body map[string]any
	if r.Method == http.MethodPost {
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
			h.log.WarnContext(ctx, "content_type.unsupported")
			return
		}

		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
		if err := dec.Decode(&body); err != nil {
			var tooLarge *http.MaxBytesError
			switch {
			case errors.As(err, &tooLarge):
				writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			case errors.Is(err, io.EOF):
				writeJSONError(w, http.StatusBadRequest, "request body required")
			default:
				writeJSONError(w, http.StatusBadRequest, "request body must be a JSON object")
			}
			h.log.WarnContext(ctx, "request.decode.fail", slog.String("err", err.Error()))
			return
		}
	}

	status := http.StatusOK
	resp, err := h.engine.Handle(ctx, r.Method, body)
	if err != nil {
		status = http.StatusInternalServerError
	}
	if resp == nil {
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "response.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.DebugContext(ctx, "request.ok", slog.Int("status", status), slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleSchema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/schema+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.schema)
}
