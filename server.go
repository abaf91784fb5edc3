package markd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"pkt.systems/markd/internal/autosave"
	"pkt.systems/markd/internal/clock"
	"pkt.systems/markd/internal/connguard"
	"pkt.systems/markd/internal/httpapi"
	"pkt.systems/markd/internal/lease"
	"pkt.systems/markd/internal/realtime"
	"pkt.systems/markd/internal/storage"
	"pkt.systems/markd/internal/store"
	"pkt.systems/markd/internal/svcfields"
	"pkt.systems/pslog"
)

// Server owns the application context: snapshot store, lease table, realtime
// hub, HTTP handler and autosave scheduler.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	clock     clock.Clock
	backend   storage.Backend
	store     *store.Store
	leases    *lease.Manager
	hub       *realtime.Hub
	autosave  *autosave.Scheduler
	httpSrv   *http.Server
	guard     *connguard.Guard
	telemetry *telemetry

	mu           sync.Mutex
	listener     net.Listener
	started      bool
	shutdown     bool
	lastServeErr error
	cancelLoops  context.CancelFunc
	loops        sync.WaitGroup
	autosaveErr  error
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger  pslog.Logger
	Backend storage.Backend
	Clock   clock.Clock
}

// WithLogger supplies the base logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built backend instead of opening cfg.Store. The
// server takes ownership and closes it on shutdown.
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithClock injects the clock used by autosave and the heartbeat sweep.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// NewServer validates cfg, opens the backend and builds every component. The
// snapshot is restored from the backend; an empty or unreadable store is
// seeded unless cfg.NoSeed is set.
//
//	srv, err := markd.NewServer(markd.Config{Store: "disk:///var/lib/markd"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := svcfields.EnsureLogger(o.Logger)
	clk := clock.OrReal(o.Clock)

	tel, err := setupTelemetry(context.Background(), telemetryConfigFrom(cfg), svcfields.WithSubsystem(logger, "server.telemetry"))
	if err != nil {
		return nil, err
	}
	shutdownTelemetry := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}

	backend := o.Backend
	if backend == nil {
		backend, err = OpenBackend(context.Background(), cfg, svcfields.WithSubsystem(logger, "storage.backend"), clk)
		if err != nil {
			shutdownTelemetry()
			return nil, err
		}
	}
	logger.Info("storage.backend.ready", "store", cfg.Store, "scheme", cfg.StoreScheme(), "encrypted", cfg.StorageEncryption)

	st := store.New(store.Config{Backend: backend, Logger: logger, Clock: clk})
	restoreOrSeed(st, cfg, svcfields.WithSubsystem(logger, "server.startup"))

	hub := realtime.NewHub(realtime.Config{
		Logger:            logger,
		Clock:             clk,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})
	leases := lease.New(
		lease.WithLogger(logger),
		lease.WithChangeHook(httpapi.LeaseChangeHook(hub.Bus())),
	)
	handler, err := httpapi.New(httpapi.Config{
		Store:          st,
		Leases:         leases,
		Hub:            hub,
		Logger:         logger,
		StaticDir:      cfg.StaticDir,
		TracingEnabled: cfg.OTLPEndpoint != "",
	})
	if err != nil {
		_ = backend.Close()
		shutdownTelemetry()
		return nil, err
	}
	scheduler, err := autosave.New(autosave.Config{
		Store:           st,
		Logger:          logger,
		Clock:           clk,
		Floor:           cfg.AutosaveFloor,
		Multiplier:      cfg.AutosaveMultiplier,
		ShutdownTimeout: cfg.ShutdownTimeout,
	})
	if err != nil {
		_ = backend.Close()
		shutdownTelemetry()
		return nil, err
	}

	var guard *connguard.Guard
	if cfg.ConnGuardFailureThreshold > 0 {
		guard = connguard.New(connguard.Config{
			FailureThreshold: cfg.ConnGuardFailureThreshold,
			FailureWindow:    cfg.ConnGuardFailureWindow,
			BlockDuration:    cfg.ConnGuardBlockDuration,
			ProbeTimeout:     cfg.ConnGuardProbeTimeout,
			Logger:           logger,
			Clock:            clk,
		})
	}

	return &Server{
		cfg:       cfg,
		logger:    svcfields.WithSubsystem(logger, "server.lifecycle"),
		clock:     clk,
		backend:   backend,
		store:     st,
		leases:    leases,
		hub:       hub,
		autosave:  scheduler,
		guard:     guard,
		telemetry: tel,
		httpSrv: &http.Server{
			Addr:              cfg.Listen,
			Handler:           handler.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		readyCh: make(chan struct{}),
	}, nil
}

func restoreOrSeed(st *store.Store, cfg Config, logger pslog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	err := st.Restore(ctx)
	switch {
	case err == nil:
		return
	case errors.Is(err, store.ErrNoSnapshot):
		logger.Info("store.restore.empty")
	default:
		logger.Warn("store.restore.failed", "error", err)
	}
	if cfg.NoSeed {
		logger.Info("store.seed.disabled")
		return
	}
	store.Seed(st)
}

// Handler returns the HTTP handler so markd can be mounted in another mux.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Store returns the snapshot store.
func (s *Server) Store() *store.Store { return s.store }

// Leases returns the lease table.
func (s *Server) Leases() *lease.Manager { return s.leases }

// Hub returns the realtime hub.
func (s *Server) Hub() *realtime.Hub { return s.hub }

// Start listens, launches the heartbeat and autosave loops and serves until
// Shutdown. It returns nil on a clean shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("markd: server already started")
	}
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen (%s): %w", s.cfg.Listen, err)
	}
	// With the guard in front the handshake happens inside Accept, so the
	// HTTP server sees plaintext-ready connections.
	guardedTLS := false
	if s.guard != nil {
		var tlsConfig *tls.Config
		if s.cfg.TLSEnabled() {
			cert, err := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
			if err != nil {
				s.mu.Unlock()
				_ = ln.Close()
				return fmt.Errorf("load tls keypair: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
				NextProtos:   []string{"http/1.1"},
			}
			guardedTLS = true
		}
		ln = s.guard.WrapListener(ln, tlsConfig)
	}
	s.listener = ln
	s.started = true
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancelLoops = cancel
	s.loops.Add(2)
	go func() {
		defer s.loops.Done()
		_ = s.hub.Run(loopCtx)
	}()
	go func() {
		defer s.loops.Done()
		err := s.autosave.Run(loopCtx)
		s.mu.Lock()
		s.autosaveErr = err
		s.mu.Unlock()
	}()
	s.mu.Unlock()

	s.logger.Info("server.listening", "address", ln.Addr().String(), "tls", s.cfg.TLSEnabled(), "connguard", s.guard != nil, "cadence", s.autosave.Cadence())
	s.signalReady()
	var serveErr error
	if s.cfg.TLSEnabled() && !guardedTLS {
		serveErr = s.httpSrv.ServeTLS(ln, s.cfg.TLSCert, s.cfg.TLSKey)
	} else {
		serveErr = s.httpSrv.Serve(ln)
	}
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	s.mu.Lock()
	s.lastServeErr = serveErr
	s.mu.Unlock()
	return fmt.Errorf("http serve: %w", serveErr)
}

// Shutdown drains HTTP, disconnects realtime sessions, stops the loops (which
// persists the final snapshot), closes the backend and flushes telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	started := s.started
	cancelLoops := s.cancelLoops
	s.mu.Unlock()
	s.logger.Info("server.shutdown.begin")

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.hub.CloseAll()
	if started {
		cancelLoops()
		s.loops.Wait()
		s.mu.Lock()
		if s.autosaveErr != nil {
			errs = append(errs, fmt.Errorf("final persist: %w", s.autosaveErr))
		}
		s.mu.Unlock()
	} else {
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		if _, err := s.store.Persist(persistCtx); err != nil {
			errs = append(errs, fmt.Errorf("final persist: %w", err))
		}
		cancel()
	}
	if err := s.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("backend close: %w", err))
	}
	telemetryCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Error("server.shutdown.error", "error", err)
		return err
	}
	s.logger.Info("server.shutdown.complete")
	return nil
}

// Close shuts the server down with a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound address once Start has listened.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// LastServeError returns the error the HTTP server stopped with, if any.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in the background and waits until it accepts
// connections. The returned stop function shuts it down once. Cancelling ctx
// also stops the server.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = http.ErrServerClosed
		}
		return nil, nil, err
	case <-ctx.Done():
		_ = srv.Close()
		<-errCh
		return nil, nil, ctx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
			}
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	go func() {
		<-ctx.Done()
		_ = stop(context.Background())
	}()
	return srv, stop, nil
}
