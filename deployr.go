package deployr

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	cfg "github.com/loykin/deployr/internal/config"
	"github.com/loykin/deployr/internal/gitwatch"
	"github.com/loykin/deployr/internal/history"
	"github.com/loykin/deployr/internal/history/factory"
	"github.com/loykin/deployr/internal/metrics"
	"github.com/loykin/deployr/internal/orchestrator"
	"github.com/loykin/deployr/internal/pipeline"
	iapi "github.com/loykin/deployr/internal/server"
	"github.com/loykin/deployr/internal/state"
	"github.com/loykin/deployr/internal/supervisor"
	itls "github.com/loykin/deployr/internal/tls"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type ServerConfig = cfg.ServerConfig

type TLSConfig = cfg.TLSConfig

type SystemState = state.SystemState

type BuildRecord = state.BuildRecord

type Commit = state.Commit

type ServiceSnapshot = supervisor.Snapshot

type HistorySink = history.Sink

type HistoryEvent = history.Event

// Daemon is a thin facade over the orchestrator wiring: repository
// watcher, build pipeline, service supervisor, state store and history
// sinks, all assembled from one Config. It provides a stable public API
// for embedding.
type Daemon struct {
	cfg           *cfg.Config
	orch          *orchestrator.Orchestrator
	sampler       *metrics.Sampler
	cancelSampler context.CancelFunc
	buildLog      io.WriteCloser
}

// New assembles a daemon from an already-loaded configuration.
func New(c *cfg.Config) (*Daemon, error) {
	envSrc, err := c.EnvSource()
	if err != nil {
		return nil, fmt.Errorf("resolve global env: %w", err)
	}

	store := state.NewStore(c.Storage.StateFile)
	st, err := store.Load()
	if err != nil {
		return nil, err
	}
	tracker := state.NewTracker(st)

	watcher := gitwatch.New(c.WatcherConfig())

	pcfg := c.PipelineConfig()
	pcfg.Env = envSrc.Merge(pcfg.Env)
	buildLog := c.Log.LoggerConfig("").File("build")
	pcfg.BuildLog = buildLog
	builder := pipeline.New(pcfg)

	ocfg := orchestrator.Config{
		ServiceName:    c.Service.Name,
		CheckInterval:  c.Repo.CheckInterval,
		RestartDelay:   c.Service.RestartDelay,
		Grace:          c.Service.Grace,
		HistoryLimit:   c.Build.HistoryLimit,
		StartOnBoot:    c.Service.StartOnBoot == nil || *c.Service.StartOnBoot,
		StopOnShutdown: c.Service.StopOnShutdown,
		Snapshot:       c.Snapshot(),
		SpecFor: func(artifact string) supervisor.ServiceSpec {
			spec := c.ServiceSpec(artifact)
			spec.Env = envSrc.Merge(spec.Env)
			return spec
		},
	}

	d := &Daemon{
		cfg:      c,
		orch:     orchestrator.New(ocfg, watcher, builder, c.SupervisorConfig(), tracker, store),
		buildLog: buildLog,
	}

	if c.History.Enabled {
		sinks := make([]history.Sink, 0, len(c.History.DSNs))
		for _, dsn := range c.History.DSNs {
			sink, err := factory.NewSinkFromDSN(dsn)
			if err != nil {
				return nil, fmt.Errorf("history sink %q: %w", dsn, err)
			}
			sinks = append(sinks, sink)
		}
		d.orch.SetSinks(sinks...)
	}

	if c.Metrics.Enabled {
		sup := d.orch.Supervisor()
		d.sampler = metrics.NewSampler(metrics.SamplerConfig{
			Enabled:  true,
			Interval: c.Metrics.SampleInterval,
			History:  c.Metrics.SampleHistory,
		}, func() (string, int) {
			ss := sup.Status()
			if ss.Status != state.RuntimeRunning && ss.Status != state.RuntimeStarting {
				return ss.Name, 0
			}
			return ss.Name, ss.PID
		})
	}

	return d, nil
}

// Start recovers persisted state and launches the control loop, plus the
// service resource sampler when metrics are enabled.
func (d *Daemon) Start() error {
	if err := d.orch.Start(); err != nil {
		return err
	}
	if d.sampler != nil {
		ctx, cancel := context.WithCancel(context.Background())
		d.cancelSampler = cancel
		d.sampler.Start(ctx)
	}
	return nil
}

// Stop shuts the control loop down and persists the final state.
func (d *Daemon) Stop() {
	d.orch.Stop()
	if d.sampler != nil {
		d.cancelSampler()
		d.sampler.Stop()
	}
	if d.buildLog != nil {
		_ = d.buildLog.Close()
	}
}

// Orchestrator exposes the control loop for advanced embedding.
func (d *Daemon) Orchestrator() *orchestrator.Orchestrator { return d.orch }

// State returns an immutable copy of the persisted orchestration state.
func (d *Daemon) State() SystemState { return d.orch.StateSnapshot() }

// Service returns the live supervisor view of the managed process.
func (d *Daemon) Service() ServiceSnapshot { return d.orch.Supervisor().Status() }

// CheckNow triggers a repository poll outside the schedule.
func (d *Daemon) CheckNow() { d.orch.CheckNow() }

// Deploy redeploys the last successful artifact.
func (d *Daemon) Deploy() error { return d.orch.Deploy() }

// Sampler returns the resource sampler, or nil when metrics are disabled.
func (d *Daemon) Sampler() *metrics.Sampler { return d.sampler }

func LoadConfig(path string) (*cfg.Config, error) {
	return cfg.Load(path)
}

// NewHTTPServer starts an HTTP server exposing the daemon API.
func NewHTTPServer(addr, basePath string, d *Daemon) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, d.orch)
}

// NewTLSServer starts an HTTPS server configured from the server section,
// loading or auto-generating certificates as configured.
func NewTLSServer(server cfg.ServerConfig, d *Daemon) (*http.Server, error) {
	tlsCfg, err := itls.SetupTLS(server)
	if err != nil {
		return nil, err
	}
	return iapi.NewServerTLS(server.Listen, server.BasePath, d.orch, tlsCfg)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// RegisterSamplerDefault adds the daemon's service resource gauges to the
// default registry. No-op when metrics are disabled.
func (d *Daemon) RegisterSamplerDefault() error {
	if d.sampler == nil {
		return nil
	}
	return d.sampler.RegisterMetrics(prometheus.DefaultRegisterer)
}

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	http.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           nil,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
