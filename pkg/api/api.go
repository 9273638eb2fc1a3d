package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MalooBell/metric2/pkg/bus"
	"github.com/MalooBell/metric2/pkg/config"
	"github.com/MalooBell/metric2/pkg/coordinator"
	"github.com/MalooBell/metric2/pkg/locust"
	"github.com/MalooBell/metric2/pkg/prom"
	"github.com/MalooBell/metric2/pkg/store"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log         logrus.FieldLogger
	cfg         *config.Config
	store       store.Store
	hub         *bus.Hub
	coordinator *coordinator.Coordinator
	prom        prom.Querier
	httpServer  *http.Server
	wg          sync.WaitGroup
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
) Server {
	return &server{
		log: log.WithField("component", "api"),
		cfg: cfg,
	}
}

// Start wires the store, adapters, bus, and coordinator together and
// starts the HTTP server.
func (s *server) Start(ctx context.Context) error {
	s.store = store.NewStore(s.log, &s.cfg.Database)
	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	// A row still marked running belongs to a previous process that
	// went away without finalizing. Surface it; history readers will
	// see a run with no end time.
	if run, err := s.store.GetActiveRun(ctx); err == nil {
		s.log.WithField("test_id", run.ID).
			Warn("Found run left in running state by an earlier process")
	}

	s.hub = bus.NewHub(s.log)

	source := locust.NewClient(s.log, s.cfg.Locust.URL, s.cfg.LocustTimeout())
	s.prom = prom.NewClient(
		s.log, s.cfg.Prometheus.URL, s.cfg.PrometheusTimeout(),
	)

	s.coordinator = coordinator.New(
		s.log, s.store, source, s.hub, s.cfg.PollInterval(),
	)

	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server, disconnects subscribers,
// tears down the coordinator's poller, and closes the store.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	if s.hub != nil {
		s.hub.Close()
	}

	if s.coordinator != nil {
		s.coordinator.Shutdown()
	}

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			return fmt.Errorf("stopping store: %w", err)
		}
	}

	s.log.Info("API server stopped")

	return nil
}
