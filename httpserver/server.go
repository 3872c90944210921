package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ruteri/did-credential-ledger/common"
	"github.com/ruteri/did-credential-ledger/metrics"
	"go.uber.org/atomic"
)

// HTTPServerConfig configures the ledger API server.
type HTTPServerConfig struct {
	ListenAddr  string
	MetricsAddr string
	EnablePprof bool
	Log         *slog.Logger

	// Metrics is served on MetricsAddr. New creates one when nil.
	Metrics *metrics.MetricsServer

	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}

// Server serves the ledger API next to health, drain and pprof endpoints.
type Server struct {
	cfg     *HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	srv        *http.Server
	metricsSrv *metrics.MetricsServer
	handler    *Handler
}

func New(cfg *HTTPServerConfig, handler *Handler) (srv *Server, err error) {
	metricsSrv := cfg.Metrics
	if metricsSrv == nil {
		metricsSrv, err = metrics.New(common.PackageName, cfg.MetricsAddr)
		if err != nil {
			return nil, err
		}
	}

	srv = &Server{
		cfg:        cfg,
		log:        cfg.Log,
		metricsSrv: metricsSrv,
		handler:    handler,
	}
	srv.isReady.Store(true)

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.getRouter(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return srv, nil
}

// Metrics returns the metrics server, whose registry ledger components
// register their collectors with.
func (srv *Server) Metrics() *metrics.MetricsServer {
	return srv.metricsSrv
}

func (srv *Server) getRouter() http.Handler {
	mux := chi.NewRouter()
	mux.Use(srv.httpLogger)

	srv.handler.Routes(mux)

	mux.Get("/livez", srv.handleLivenessCheck)
	mux.Get("/readyz", srv.handleReadinessCheck)
	mux.Get("/drain", srv.handleDrain)
	mux.Get("/undrain", srv.handleUndrain)

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

// healthStatus is the body of every health endpoint. Head is the ledger's
// last accepted seq, reported by /readyz only.
type healthStatus struct {
	Status string  `json:"status"`
	Head   *uint64 `json:"head,omitempty"`
}

func writeStatus(w http.ResponseWriter, code int, status healthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, healthStatus{Status: "alive"})
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	head := srv.handler.ledger.Head()
	if !srv.isReady.Load() {
		writeStatus(w, http.StatusServiceUnavailable, healthStatus{Status: "not ready", Head: &head})
		return
	}
	writeStatus(w, http.StatusOK, healthStatus{Status: "ready", Head: &head})
}

// handleDrain marks the server not ready. Commands are still served so
// in-flight clients can finish while load balancers observe /readyz.
func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		writeStatus(w, http.StatusOK, healthStatus{Status: "already draining"})
		return
	}

	srv.log.Info("Ledger API draining", "head", srv.handler.ledger.Head())
	go func() {
		time.Sleep(srv.cfg.DrainDuration)
		srv.log.Info("Drain period completed")
	}()
	writeStatus(w, http.StatusOK, healthStatus{Status: "draining"})
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		writeStatus(w, http.StatusOK, healthStatus{Status: "already ready"})
		return
	}

	srv.log.Info("Ledger API ready", "head", srv.handler.ledger.Head())
	writeStatus(w, http.StatusOK, healthStatus{Status: "ready"})
}

// RunInBackground starts the ledger API and, when MetricsAddr is set, the
// metrics server.
func (srv *Server) RunInBackground() {
	if srv.cfg.MetricsAddr != "" {
		go func() {
			srv.log.Info("Starting metrics server", "metricsAddress", srv.cfg.MetricsAddr)
			if err := srv.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srv.log.Error("Metrics server failed", "err", err)
			}
		}()
	}

	go func() {
		srv.log.Info("Starting ledger API", "listenAddress", srv.cfg.ListenAddr)
		if err := srv.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("Ledger API failed", "err", err)
		}
	}()
}

// Shutdown stops the ledger API first so no command is accepted after the
// metrics server is gone. Each server gets GracefulShutdownDuration.
func (srv *Server) Shutdown() {
	srv.shutdown("Ledger API", srv.srv.Shutdown)
	if srv.cfg.MetricsAddr != "" {
		srv.shutdown("Metrics server", srv.metricsSrv.Shutdown)
	}
}

func (srv *Server) shutdown(name string, stop func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := stop(ctx); err != nil {
		srv.log.Error("Graceful shutdown failed", "server", name, "err", err)
		return
	}
	srv.log.Info("Server gracefully stopped", "server", name)
}
