package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/funnyzak/replaytap/internal/cache"
	"github.com/funnyzak/replaytap/internal/capture"
	"github.com/funnyzak/replaytap/internal/classify"
	"github.com/funnyzak/replaytap/internal/config"
	"github.com/funnyzak/replaytap/internal/dispatcher"
	"github.com/funnyzak/replaytap/internal/forwarder"
	"github.com/funnyzak/replaytap/internal/index"
	"github.com/funnyzak/replaytap/internal/keys"
	"github.com/funnyzak/replaytap/internal/logger"
	"github.com/funnyzak/replaytap/internal/printer"
	"github.com/funnyzak/replaytap/internal/shim"
	"github.com/funnyzak/replaytap/internal/socket"
	"github.com/funnyzak/replaytap/internal/storage"
	"github.com/funnyzak/replaytap/internal/web"
)

const shutdownTimeout = 30 * time.Second

// Server HTTP server
type Server struct {
	config     *config.Config
	logger     logger.Logger
	loader     *index.Loader
	dispatcher *dispatcher.Dispatcher
	sockets    *socket.Handler
	handler    *Handler
	journal    storage.Store
	web        *web.Service
	httpSrv    *http.Server
	closeOnce  sync.Once
}

// New wires the replay stack from configuration.
func New(cfg *config.Config, log logger.Logger) (*Server, error) {
	norm, err := keys.New(cfg.Replay.VolatileParams, cfg.Replay.BodyVolatileKeys)
	if err != nil {
		return nil, err
	}
	var overrides map[string]string
	if cfg.Replay.OverridesFile != "" {
		if overrides, err = capture.ReadOverrides(cfg.Replay.OverridesFile); err != nil {
			return nil, fmt.Errorf("read overrides: %w", err)
		}
	}
	loader := index.NewLoader(cfg.Replay.Root, index.BuildOptions{
		Normalizer:  norm,
		Overrides:   overrides,
		Origin:      cfg.Replay.Origin,
		Logger:      log,
		Concurrency: cfg.Replay.Concurrency,
	})

	classifier, err := classify.New(cfg.Replay.Noise)
	if err != nil {
		return nil, err
	}
	assetCache, err := cache.New(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	journal, err := storage.New(&cfg.Storage, log)
	if err != nil {
		assetCache.Close()
		return nil, fmt.Errorf("open journal: %w", err)
	}
	socketOpts, err := socket.OptionsFromConfig(cfg.Socket, log)
	if err != nil {
		assetCache.Close()
		journal.Close()
		return nil, err
	}

	webService := web.NewService(&cfg.Web, journal, loader, log)
	obs := &observer{journal: journal, feed: webService, logger: log}
	if !cfg.Output.Silence {
		obs.printer = printer.New(cfg.Output.Mode, log)
	}

	opts := dispatcher.Options{
		Index:              loader,
		Classifier:         classifier,
		Cache:              assetCache,
		PassthroughTimeout: time.Duration(cfg.Passthrough.Timeout) * time.Second,
		MaxBodyBytes:       cfg.Server.MaxBodyBytes,
		Logger:             log,
		Observer:           obs.observeCall,
	}
	if cfg.Passthrough.Enable {
		opts.Forwarder = forwarder.NewForwarder(log, forwarderOptions(cfg.Passthrough))
	}
	d := dispatcher.New(opts)

	sockets := socket.NewHandler(loader, socketOpts, log)
	sockets.SetObserver(obs.observeSession)

	handler := NewHandler(HandlerConfig{
		Root:                 cfg.Replay.Root,
		Origin:               cfg.Replay.Origin,
		ExternalAlias:        cfg.Shim.ExternalAlias,
		InjectRuntime:        cfg.Shim.InjectRuntime,
		CrossOriginIsolation: cfg.Server.CrossOriginIsolation,
	}, loader, d, sockets, log)

	return &Server{
		config:     cfg,
		logger:     log,
		loader:     loader,
		dispatcher: d,
		sockets:    sockets,
		handler:    handler,
		journal:    journal,
		web:        webService,
	}, nil
}

func forwarderOptions(cfg config.PassthroughConfig) forwarder.Options {
	seconds := func(n int) time.Duration { return time.Duration(n) * time.Second }
	return forwarder.Options{
		Timeout:               seconds(cfg.Timeout),
		Retries:               cfg.MaxRetries,
		MaxConcurrent:         cfg.MaxConcurrent,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       seconds(cfg.IdleConnTimeout),
		ResponseHeaderTimeout: seconds(cfg.ResponseHeaderTimeout),
		TLSHandshakeTimeout:   seconds(cfg.TLSHandshakeTimeout),
		TLSInsecureSkipVerify: cfg.TLSInsecureSkipVerify,
		MaxResponseBytes:      cfg.MaxResponseBytes,
		HeaderBlacklist:       cfg.HeaderBlacklist,
	}
}

// Router builds the route table. Routes are matched in registration order.
func (s *Server) Router() http.Handler {
	router := mux.NewRouter().SkipClean(true)
	router.Use(s.handler.localHeaders)

	s.web.RegisterRoutes(router)

	router.HandleFunc(shim.RuntimePath, s.handler.serveRuntime).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc(shim.ConfigPath, s.handler.serveShimConfig).Methods(http.MethodGet, http.MethodHead)
	router.Handle(shim.SocketPath, s.sockets)
	router.PathPrefix(shim.AliasPrefix).HandlerFunc(s.handler.serveAlias)
	router.MatcherFunc(func(r *http.Request, _ *mux.RouteMatch) bool {
		return r.URL.IsAbs()
	}).HandlerFunc(s.handler.serveProxy)
	router.HandleFunc("/", s.handler.serveDocument).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/index.html", s.handler.serveDocument).Methods(http.MethodGet, http.MethodHead)
	router.PathPrefix("/").HandlerFunc(s.handler.serveLocal)
	return router
}

// Start starts the server and blocks until a shutdown signal arrives.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting replay server",
		"addr", s.httpSrv.Addr,
		"root", s.config.Replay.Root,
		"passthrough", s.config.Passthrough.Enable,
	)

	// Warm the index so capture problems surface at startup; requests
	// retry the load if it fails here.
	if _, err := s.loader.Index(context.Background()); err != nil {
		s.logger.Warn("Capture index not loaded yet", "error", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	return s.waitForShutdown(errCh)
}

// waitForShutdown waits for shutdown signal
func (s *Server) waitForShutdown(errCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		s.release()
		return fmt.Errorf("server failed to start: %w", err)
	case <-quit:
	}

	s.logger.Info("Shutting down server...")
	err := s.Stop()
	s.logger.Info("Server exited")
	return err
}

// Stop gracefully stops the server and releases every resource.
func (s *Server) Stop() error {
	var err error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err = s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("Server forced to shutdown", "error", err)
		}
	}
	s.release()
	return err
}

func (s *Server) release() {
	s.closeOnce.Do(func() {
		s.sockets.Close()
		if err := s.dispatcher.Close(); err != nil {
			s.logger.Error("Failed to close storage cache", "error", err)
		}
		s.web.Close()
		if err := s.journal.Close(); err != nil {
			s.logger.Error("Failed to close journal", "error", err)
		}
	})
}
