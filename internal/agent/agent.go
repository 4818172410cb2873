package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/modmoto/w3champions-launcher/internal/api"
	"github.com/modmoto/w3champions-launcher/internal/config"
	"github.com/modmoto/w3champions-launcher/internal/execx"
	"github.com/modmoto/w3champions-launcher/internal/metrics"
	"github.com/modmoto/w3champions-launcher/internal/model"
	"github.com/modmoto/w3champions-launcher/internal/probe"
	"github.com/modmoto/w3champions-launcher/internal/store"
	"github.com/modmoto/w3champions-launcher/internal/worker"
)

// Options configures the launcher loop. Only Config is required.
type Options struct {
	Config   config.Config
	Logger   *zap.Logger
	Clock    clock.Clock
	Starter  execx.Starter
	Registry *prometheus.Registry
}

// Agent keeps the helper session alive and runs network tests on a schedule.
type Agent struct {
	cfg      config.Config
	log      *zap.Logger
	clock    clock.Clock
	registry *prometheus.Registry
	rec      *metrics.Recorder
	mgr      *worker.Manager
	coord    *probe.Coordinator

	mu         sync.Mutex
	lastReport *model.NetworkTestReport
	lastErr    error
	metricsURL string
}

func New(opts Options) (*Agent, error) {
	if err := config.Validate(opts.Config); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	rec, err := metrics.NewRecorder(opts.Registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	a := &Agent{
		cfg:      opts.Config,
		log:      opts.Logger.Named("agent"),
		clock:    opts.Clock,
		registry: opts.Registry,
		rec:      rec,
	}

	if w := a.cfg.Worker; w != nil {
		mopts := worker.OptionsFromConfig(*w)
		mopts.Starter = opts.Starter
		mopts.Clock = opts.Clock
		mopts.Logger = opts.Logger
		mopts.Recorder = rec
		mopts.Observer = worker.ObserverFuncs{
			Established: func(s worker.PlayerSession) {
				a.log.Info("flo connected", zap.String("player", s.PlayerName), zap.Int("player_id", s.PlayerID))
			},
			Lost: func(reason string) {
				a.log.Warn("flo disconnected", zap.String("reason", reason))
			},
			Event: func(ev api.Event) {
				a.log.Debug("flo event", zap.String("type", string(ev.Type)))
			},
		}
		a.mgr = worker.NewManager(mopts)
	}

	if p := a.cfg.Probe; p != nil {
		a.coord = probe.NewCoordinator(probe.Options{
			Listen:      p.Listen,
			Timeout:     p.Timeout,
			STUNServers: p.STUNServers,
			Logger:      opts.Logger,
			Recorder:    rec,
			Observer: probe.ObserverFuncs{
				Progress: func(percent int) {
					a.log.Debug("network test progress", zap.Int("percent", percent))
				},
			},
		})
	}
	return a, nil
}

// Manager exposes the session manager, nil without a worker section.
func (a *Agent) Manager() *worker.Manager {
	return a.mgr
}

// LastReport returns the most recent network test report.
func (a *Agent) LastReport() (model.NetworkTestReport, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastReport == nil {
		return model.NetworkTestReport{}, false
	}
	return *a.lastReport, true
}

// MetricsAddr returns the bound metrics endpoint once Run started it.
func (a *Agent) MetricsAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metricsURL
}

// Run connects the helper when a token is configured, runs a network test
// immediately and then every agent.test_interval, until ctx is done.
func (a *Agent) Run(ctx context.Context) (err error) {
	var server *http.Server
	if a.cfg.Agent != nil && a.cfg.Agent.MetricsListen != "" {
		server, err = a.serveMetrics(a.cfg.Agent.MetricsListen)
		if err != nil {
			return err
		}
	}
	defer func() {
		err = multierr.Append(err, a.shutdown(server))
	}()

	if a.mgr != nil && a.cfg.Worker.Token != "" {
		if err := a.mgr.Connect(ctx, a.cfg.Worker.Player, a.cfg.Worker.Token); err != nil {
			return fmt.Errorf("connect worker: %w", err)
		}
	}

	var testC <-chan time.Time
	if a.coord != nil {
		a.runTest(ctx)
		if a.cfg.Agent != nil && a.cfg.Agent.TestInterval > 0 {
			ticker := a.clock.Ticker(a.cfg.Agent.TestInterval)
			defer ticker.Stop()
			testC = ticker.C
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-testC:
			a.runTest(ctx)
		}
	}
}

func (a *Agent) runTest(ctx context.Context) {
	p := a.cfg.Probe
	nodes, err := store.LoadNodes(p.NodesPath)
	if err != nil {
		a.log.Error("loading relay nodes failed", zap.String("path", p.NodesPath), zap.Error(err))
		a.setLast(nil, err)
		return
	}

	report, err := a.coord.Run(ctx, nodes, p.PingCount)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			a.log.Warn("network test aborted", zap.Error(err))
		}
		a.setLast(nil, err)
		return
	}
	a.setLast(&report, nil)

	for _, res := range report.NodesPingTests {
		a.log.Info("relay result",
			zap.String("node", res.NodeID),
			zap.Float64("loss", res.Loss),
			zap.Float64("avg_ms", res.AvgMs))
	}

	if p.ReportPath != "" {
		if err := store.SaveReport(p.ReportPath, report); err != nil {
			a.log.Error("saving report failed", zap.String("path", p.ReportPath), zap.Error(err))
		}
	}
	if p.MetricsCSV != "" {
		if err := metrics.AppendCSV(p.MetricsCSV, metrics.FromReport(report, nodes)); err != nil {
			a.log.Error("append metrics failed", zap.String("path", p.MetricsCSV), zap.Error(err))
		}
	}
}

func (a *Agent) setLast(report *model.NetworkTestReport, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if report != nil {
		a.lastReport = report
	}
	a.lastErr = err
}

func (a *Agent) serveMetrics(addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", a.healthHandler())
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	a.mu.Lock()
	a.metricsURL = ln.Addr().String()
	a.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server failed", zap.Error(err))
		}
	}()
	a.log.Info("metrics endpoint listening", zap.String("addr", ln.Addr().String()))
	return server, nil
}

func (a *Agent) shutdown(server *http.Server) error {
	var err error
	if a.mgr != nil {
		err = multierr.Append(err, a.mgr.Close())
	}
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = multierr.Append(err, server.Shutdown(ctx))
	}
	return err
}
