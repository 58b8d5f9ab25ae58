// Package server is the composition root: it wires the bus, stores,
// orchestrator, scheduler, dispatcher, and HTTP surface from configuration
// and owns the background loops.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dripline/dripline/engine/internal/api"
	"github.com/dripline/dripline/engine/internal/artifact"
	"github.com/dripline/dripline/engine/internal/bus"
	"github.com/dripline/dripline/engine/internal/callbacks"
	"github.com/dripline/dripline/engine/internal/collab"
	"github.com/dripline/dripline/engine/internal/config"
	"github.com/dripline/dripline/engine/internal/metrics"
	"github.com/dripline/dripline/engine/internal/orchestrator"
	"github.com/dripline/dripline/engine/internal/scheduler"
	"github.com/dripline/dripline/engine/internal/telemetry"
	"github.com/dripline/dripline/engine/pkg/contracts"
	"github.com/dripline/dripline/engine/pkg/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// systemSampleInterval paces the system-metrics sampler.
const systemSampleInterval = 30 * time.Second

// Server holds the wired engine.
type Server struct {
	Handler http.Handler
	Port    int

	cfg        *config.Config
	bus        *bus.Bus
	bridge     *bus.RedisBridge
	store      *artifact.Store
	janitor    *artifact.Janitor
	sched      *scheduler.Scheduler
	dispatcher *callbacks.Dispatcher
	collector  *metrics.Collector

	shutdownTelemetry func(context.Context) error
	closeArchiver     func()
}

// Collaborators lets a hosting process swap in production implementations
// of the external contracts. Nil fields fall back to the built-in stubs.
type Collaborators struct {
	Planner   contracts.Planner
	Market    contracts.MarketDataProvider
	Risk      contracts.RiskScorer
	Submitter contracts.Submitter
}

// New wires the engine from configuration.
func New(ctx context.Context, cfg *config.Config, ext Collaborators) (*Server, error) {
	shutdownTel, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	b := bus.New(cfg.Retention.EventHistoryCap, cfg.Retention.EventMaxAge)
	store := artifact.NewStore(cfg.Retention.ArtifactRetention)
	janitor := artifact.NewJanitor(store, cfg.Retention.SweepInterval)

	s := &Server{
		Port:              cfg.Port,
		cfg:               cfg,
		bus:               b,
		store:             store,
		janitor:           janitor,
		shutdownTelemetry: shutdownTel,
	}

	if err := s.wireArchiver(ctx); err != nil {
		return nil, err
	}

	if cfg.Redis.Addr != "" {
		origin, _ := os.Hostname()
		if origin == "" {
			origin = uuid.New().String()
		}
		s.bridge = bus.NewRedisBridge(b, &redis.Options{Addr: cfg.Redis.Addr}, cfg.Redis.Channel, origin)
	}

	collector := metrics.New(b, cfg.Retention.MetricHistoryCap, cfg.Retention.AlertHistoryCap)
	collector.Preload(cfg.Thresholds())
	s.collector = collector

	planner := ext.Planner
	if planner == nil {
		planner = collab.NewStubPlanner()
	}
	market := ext.Market
	if market == nil {
		market = collab.StubMarketData{}
	}
	risk := ext.Risk
	if risk == nil {
		risk = collab.NewStubRiskScorer(cfg)
	}
	submitter := ext.Submitter
	if submitter == nil {
		submitter = &collab.StubSubmitter{}
	}

	orch := orchestrator.New(cfg, b, store, collector, planner, market, risk)
	sched := scheduler.New(cfg, b, store, submitter)
	sched.SetRiskMonitor(orch)
	s.sched = sched

	s.dispatcher = callbacks.New(b, cfg.Stream.WebhookTimeout, cfg.Retention.CallbackHistoryCap)

	handlers := api.NewHandlers(cfg, b, store, orch, sched, s.dispatcher, collector)
	s.Handler = api.NewRouter(handlers)

	log.Info().
		Int("port", cfg.Port).
		Str("archive", cfg.Retention.ArchiveBackend).
		Bool("redis", cfg.Redis.Addr != "").
		Msg("Engine wired")
	return s, nil
}

// wireArchiver selects the artifact archive driver from configuration.
func (s *Server) wireArchiver(ctx context.Context) error {
	switch s.cfg.Retention.ArchiveBackend {
	case "none":
	case "postgres":
		if s.cfg.Database.URL == "" {
			return fmt.Errorf("postgres archive backend needs DRIPLINE_DATABASE_URL")
		}
		pg, err := artifact.NewPostgresArchiver(ctx, s.cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("postgres archiver: %w", err)
		}
		s.janitor.SetArchiver(pg)
		s.closeArchiver = pg.Close
	default:
		s.janitor.SetArchiver(artifact.NewLocalFileArchiver(s.cfg.Retention.ArchiveDir, true))
	}
	return nil
}

// Start launches the background loops and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	if s.bridge != nil {
		if err := s.bridge.Start(ctx); err != nil {
			log.Error().Err(err).Msg("Redis bridge failed to start")
		}
	}
	go s.janitor.Start(ctx)
	go s.sched.Start(ctx)
	go s.sampleSystemMetrics(ctx)

	<-ctx.Done()
	s.close()
}

// sampleSystemMetrics periodically records engine-wide gauges so system
// thresholds have data to evaluate.
func (s *Server) sampleSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(systemSampleInterval)
	defer ticker.Stop()

	var lastPublished, lastErrors uint64
	lastAt := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.bus.Stats()
			published, _ := stats["published"].(uint64)
			errors, _ := stats["handlerErrors"].(uint64)

			active := 0
			for _, e := range s.sched.List("") {
				if e.Status == models.ExecutionActive {
					active++
				}
			}

			elapsed := time.Since(lastAt).Seconds()
			sample := models.SystemMetrics{
				ActiveExecutions: active,
				PendingLegs:      s.sched.PendingLegs(),
				ArtifactCount:    s.store.Count(),
			}
			if elapsed > 0 {
				sample.EventRate = float64(published-lastPublished) / elapsed
			}
			if delta := published - lastPublished; delta > 0 {
				sample.ErrorRate = float64(errors-lastErrors) / float64(delta)
			}
			s.collector.RecordSystem(sample)

			lastPublished, lastErrors, lastAt = published, errors, time.Now()
		}
	}
}

func (s *Server) close() {
	s.dispatcher.Close()
	if s.bridge != nil {
		if err := s.bridge.Close(); err != nil {
			log.Warn().Err(err).Msg("Redis bridge close failed")
		}
	}
	if s.closeArchiver != nil {
		s.closeArchiver()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.shutdownTelemetry(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Telemetry shutdown failed")
	}
}
