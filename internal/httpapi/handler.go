// Package httpapi serves markd's REST surface: projects, markings, leases,
// an admin persist trigger, health probes and the realtime upgrade.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/rs/xid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/markd/internal/core"
	"pkt.systems/markd/internal/correlation"
	"pkt.systems/markd/internal/lease"
	"pkt.systems/markd/internal/realtime"
	"pkt.systems/markd/internal/store"
	"pkt.systems/markd/internal/svcfields"
	"pkt.systems/pslog"
)

// IndexGreeting is served on GET /.
const IndexGreeting = "Hello from the markd backend!"

// Config wires the handler to the process singletons.
type Config struct {
	Store  *store.Store
	Leases *lease.Manager
	Hub    *realtime.Hub
	Logger pslog.Logger
	// StaticDir, when set, is served under /static/.
	StaticDir string
	// TracingEnabled wraps every route in an otelhttp handler.
	TracingEnabled bool
}

// Handler implements the HTTP routes.
type Handler struct {
	store   *store.Store
	leases  *lease.Manager
	hub     *realtime.Hub
	bus     *realtime.Bus
	logger  pslog.Logger
	static  string
	tracing bool
}

// New validates cfg and builds a handler.
func New(cfg Config) (*Handler, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("httpapi: store required")
	case cfg.Leases == nil:
		return nil, errors.New("httpapi: lease manager required")
	case cfg.Hub == nil:
		return nil, errors.New("httpapi: realtime hub required")
	}
	return &Handler{
		store:   cfg.Store,
		leases:  cfg.Leases,
		hub:     cfg.Hub,
		bus:     cfg.Hub.Bus(),
		logger:  svcfields.EnsureLogger(cfg.Logger),
		static:  cfg.StaticDir,
		tracing: cfg.TracingEnabled,
	}, nil
}

// Router returns the route table.
func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()
	r.Methods(http.MethodGet).Path("/").Handler(h.wrap("index", h.handleIndex))
	r.Methods(http.MethodGet).Path("/healthz").Handler(h.wrap("healthz", h.handleHealth))
	r.Methods(http.MethodGet).Path("/readyz").Handler(h.wrap("readyz", h.handleHealth))

	r.Methods(http.MethodGet).Path("/projects").Handler(h.wrap("projects.list", h.handleListProjects))
	r.Methods(http.MethodGet).Path("/projects/{id}").Handler(h.wrap("projects.get", h.handleGetProject))
	r.Methods(http.MethodPut).Path("/projects/{id}").Handler(h.wrap("projects.put", h.handlePutProject))
	r.Methods(http.MethodDelete).Path("/projects/{id}").Handler(h.wrap("projects.delete", h.handleDeleteProject))

	r.Methods(http.MethodGet).Path("/markings/{p}").Handler(h.wrap("markings.list", h.handleListMarkings))
	r.Methods(http.MethodGet).Path("/markings/{p}/{m}").Handler(h.wrap("markings.get", h.handleGetMarking))
	r.Methods(http.MethodPut).Path("/markings/{p}/{m}").Handler(h.wrap("markings.put", h.handlePutMarking))
	r.Methods(http.MethodDelete).Path("/markings/{p}/{m}").Handler(h.wrap("markings.delete", h.handleDeleteMarking))

	r.Methods(http.MethodGet).Path("/leases").Handler(h.wrap("leases.list", h.handleListLeases))
	r.Methods(http.MethodPost).Path("/leases/{kind}/{id:.+}/acquire").Handler(h.wrap("leases.acquire", h.handleAcquireLease))
	r.Methods(http.MethodPost).Path("/leases/{kind}/{id:.+}/release").Handler(h.wrap("leases.release", h.handleReleaseLease))

	r.Methods(http.MethodPost).Path("/admin/persist").Handler(h.wrap("admin.persist", h.handlePersist))

	r.Methods(http.MethodGet).Path("/updates").Handler(h.hub)
	if h.static != "" {
		r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(http.Dir(h.static))))
	}
	r.NotFoundHandler = h.wrap("not_found", func(_ http.ResponseWriter, r *http.Request) error {
		return core.NotFound(r.URL.Path)
	})
	return r
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := svcfields.Subsystem("http", operation)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := correlation.FromRequest(r)
		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", xid.New().String(),
			"method", r.Method,
			"path", r.URL.Path,
			"correlation_id", corr,
		)
		ctx := correlation.With(r.Context(), corr)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)
		w.Header().Set(correlation.Header, corr)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		var handlerErr error
		metrics := httpsnoop.CaptureMetrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := fn(w, r); err != nil {
				handlerErr = err
				h.handleError(r.Context(), w, err)
			}
		}), w, r)

		fields := []any{"status", metrics.Code, "bytes", metrics.Written, "elapsed", metrics.Duration}
		switch {
		case handlerErr == nil:
			logger.Debug("http.request.complete", fields...)
		case metrics.Code >= http.StatusInternalServerError:
			logger.Error("http.request.error", append(fields, "error", handlerErr)...)
		default:
			logger.Debug("http.request.failure", append(fields, "error", handlerErr)...)
		}
	})
	if !h.tracing {
		return handler
	}
	return otelhttp.NewHandler(handler, "markd.http."+operation)
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	failure := core.AsFailure(err)
	if failure.HTTPStatus >= http.StatusInternalServerError && !core.Expected(err) {
		pslog.LoggerFromContext(ctx).Warn("http.response.internal", "code", failure.Code, "error", err)
	}
	h.writeJSON(w, failure.HTTPStatus, errorResponse(failure), nil)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) handleIndex(w http.ResponseWriter, _ *http.Request) error {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, err := w.Write([]byte(IndexGreeting))
	return err
}

// persistTimeout bounds POST /admin/persist independently of the client.
const persistTimeout = 2 * time.Minute
