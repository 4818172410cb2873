package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/modmoto/w3champions-launcher/internal/agent"
	"github.com/modmoto/w3champions-launcher/internal/api"
	"github.com/modmoto/w3champions-launcher/internal/config"
	"github.com/modmoto/w3champions-launcher/internal/metrics"
	"github.com/modmoto/w3champions-launcher/internal/model"
	"github.com/modmoto/w3champions-launcher/internal/probe"
	"github.com/modmoto/w3champions-launcher/internal/store"
	"github.com/modmoto/w3champions-launcher/internal/stubworker"
	"github.com/modmoto/w3champions-launcher/internal/stunutil"
	"github.com/modmoto/w3champions-launcher/internal/worker"
)

const usage = `flonet - relay latency probing and flo worker session control

Usage:
  flonet init --config <path> [--nodes <path>]
  flonet test --config <path> [--nodes <path>] [--pings 50] [--timeout 1s] [--out <file>]
  flonet echo serve [--listen :3552]
  flonet discover --config <path> [--stun host:port,...]
  flonet stats --config <path> [--window 1h] [--path <csv>]
  flonet export csv --config <path> --out <file> [--path <csv>] [--window 24h] [--report <json>]
  flonet session --config <path> [--token <token>] [--player <battletag>]
  flonet run --config <path>
  flonet stub-worker [--listen 127.0.0.1:0] [--version <v>] [--origin <origin>]
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "init":
		handleInit(os.Args[2:])
	case "test":
		handleTest(os.Args[2:])
	case "echo":
		handleEcho(os.Args[2:])
	case "discover":
		handleDiscover(os.Args[2:])
	case "stats":
		handleStats(os.Args[2:])
	case "export":
		handleExport(os.Args[2:])
	case "session":
		handleSession(os.Args[2:])
	case "run":
		handleRun(os.Args[2:])
	case "stub-worker":
		handleStubWorker(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "flonet.yaml", "path to YAML config")
	nodesPath := fs.String("nodes", "", "relay nodes file (default next to the config)")
	workerDir := fs.String("worker-dir", "", "folder holding the flo worker binary")
	_ = fs.Parse(args)

	if _, err := os.Stat(*configPath); err == nil {
		fatal(fmt.Errorf("%s already exists", *configPath))
	}

	if *nodesPath == "" {
		*nodesPath = filepath.Join(filepath.Dir(*configPath), "nodes.yaml")
	}
	cfg := config.Config{
		Probe:  &config.ProbeConfig{NodesPath: *nodesPath},
		Worker: &config.WorkerConfig{Dir: *workerDir},
	}
	if err := config.Save(*configPath, cfg); err != nil {
		fatal(err)
	}

	if _, err := os.Stat(*nodesPath); errors.Is(err, os.ErrNotExist) {
		sample := []model.RelayNode{{ID: "local", Address: "127.0.0.1", Port: 3552}}
		if err := store.SaveNodes(*nodesPath, sample); err != nil {
			fatal(err)
		}
	}
	fmt.Fprintf(os.Stdout, "wrote %s (nodes: %s)\n", *configPath, *nodesPath)
}

func handleTest(args []string) {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	nodesPath := fs.String("nodes", "", "relay nodes file override")
	pings := fs.Int("pings", 0, "pings per node override")
	timeout := fs.Duration("timeout", 0, "per-ping timeout override")
	out := fs.String("out", "", "write the report as JSON")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Probe == nil {
		cfg.Probe = &config.ProbeConfig{}
	}
	overrideProbe(cfg.Probe, *nodesPath, *pings, *timeout, *out)
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	log := mustLogger(cfg)
	defer func() { _ = log.Sync() }()

	nodes, err := store.LoadNodes(cfg.Probe.NodesPath)
	if err != nil {
		fatal(err)
	}
	if len(nodes) == 0 {
		fatal(fmt.Errorf("no relay nodes in %q", cfg.Probe.NodesPath))
	}

	ctx, cancel := signalContext()
	defer cancel()

	coord := probe.NewCoordinator(probe.Options{
		Listen:      cfg.Probe.Listen,
		Timeout:     cfg.Probe.Timeout,
		STUNServers: cfg.Probe.STUNServers,
		Logger:      log,
		Observer: probe.ObserverFuncs{
			Progress: func(percent int) {
				fmt.Fprintf(os.Stderr, "\rprogress %3d%%", percent)
			},
		},
	})
	report, err := coord.Run(ctx, nodes, cfg.Probe.PingCount)
	fmt.Fprintln(os.Stderr)
	printReport(report)
	if err != nil {
		fatal(err)
	}

	if cfg.Probe.ReportPath != "" {
		if err := store.SaveReport(cfg.Probe.ReportPath, report); err != nil {
			fatal(err)
		}
	}
	if cfg.Probe.MetricsCSV != "" {
		if err := metrics.AppendCSV(cfg.Probe.MetricsCSV, metrics.FromReport(report, nodes)); err != nil {
			fatal(err)
		}
	}
}

func handleEcho(args []string) {
	if len(args) == 0 || args[0] != "serve" {
		fmt.Fprint(os.Stderr, "echo subcommand required: serve\n")
		os.Exit(2)
	}
	fs := flag.NewFlagSet("echo serve", flag.ExitOnError)
	listen := fs.String("listen", ":3552", "UDP listen address")
	_ = fs.Parse(args[1:])

	log := mustLogger(config.Config{LogLevel: config.DefaultLogLevel})
	resp, err := probe.StartResponder(*listen, probe.WithResponderLogger(log))
	if err != nil {
		fatal(err)
	}
	defer resp.Close()

	fmt.Fprintf(os.Stdout, "echo responder on %s\n", resp.LocalAddr())
	waitForSignal()
	fmt.Fprintf(os.Stdout, "echoed %d probes\n", resp.Echoed())
}

func handleDiscover(args []string) {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	stunList := fs.String("stun", "", "comma-separated STUN servers")
	timeout := fs.Duration("timeout", 3*time.Second, "per-server timeout")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	servers := splitList(*stunList)
	if len(servers) == 0 && cfg.Probe != nil {
		servers = cfg.Probe.STUNServers
	}
	if len(servers) == 0 {
		fatal(errors.New("no STUN servers configured"))
	}

	ctx, cancel := signalContext()
	defer cancel()

	mapping, err := stunutil.Discover(ctx, servers, *timeout, mustLogger(cfg))
	for _, res := range mapping.Servers {
		if res.Err != nil {
			fmt.Fprintf(os.Stdout, "%-32s  error: %v\n", res.Server, res.Err)
			continue
		}
		fmt.Fprintf(os.Stdout, "%-32s  %-22s  %.2fms\n", res.Server, res.MappedAddr, float64(res.RTT.Microseconds())/1000)
	}
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "public_addr=%s nat_type=%s\n", mapping.PublicAddr, mapping.NATType)
}

func handleStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	window := fs.Duration("window", time.Hour, "time window")
	path := fs.String("path", "", "metrics CSV path override")
	reportPath := fs.String("report", "", "summarize the rows of a saved report instead of the CSV history")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}

	var items []model.Metric
	if *reportPath != "" {
		items, err = reportRows(cfg, *reportPath)
	} else {
		metricsPath := selectMetricsPath(cfg, *path)
		if metricsPath == "" {
			fatal(errors.New("metrics path required"))
		}
		items, err = metrics.ReadCSV(metricsPath)
	}
	if err != nil {
		fatal(err)
	}

	cutoff := time.Now().UTC().Add(-*window)
	summaries := metrics.SummarizeByNode(items, cutoff)
	if len(summaries) == 0 {
		fmt.Fprintln(os.Stdout, "no samples in window")
		return
	}

	fmt.Fprintf(os.Stdout, "%-16s  %6s  %9s  %9s  %9s  %9s  %9s  %7s\n",
		"NODE", "RUNS", "AVG_MS", "P95_MS", "MIN_MS", "MAX_MS", "JITTER", "LOSS%")
	for _, s := range summaries {
		fmt.Fprintf(os.Stdout, "%-16s  %6d  %9.2f  %9.2f  %9.2f  %9.2f  %9.2f  %7.2f\n",
			s.NodeID, s.Count, s.AvgRTTMs, s.P95RTTMs, s.MinRTTMs, s.MaxRTTMs, s.AvgJitter, s.AvgLossPct)
	}
}

func handleExport(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "export subcommand required\n")
		os.Exit(2)
	}
	if args[0] != "csv" {
		fmt.Fprintf(os.Stderr, "unknown export format %q\n", args[0])
		os.Exit(2)
	}

	fs := flag.NewFlagSet("export csv", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	out := fs.String("out", "", "output file")
	path := fs.String("path", "", "metrics CSV path override")
	window := fs.Duration("window", 0, "only rows newer than this (0 exports everything)")
	reportPath := fs.String("report", "", "export the rows of a saved report instead of the CSV history")
	_ = fs.Parse(args[1:])

	if *out == "" {
		fatal(errors.New("--out is required"))
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}

	var items []model.Metric
	if *reportPath != "" {
		items, err = reportRows(cfg, *reportPath)
	} else {
		metricsPath := selectMetricsPath(cfg, *path)
		if metricsPath == "" {
			fatal(errors.New("metrics path required"))
		}
		items, err = metrics.ReadCSV(metricsPath)
	}
	if err != nil {
		fatal(err)
	}
	if *window > 0 {
		cutoff := time.Now().UTC().Add(-*window)
		kept := items[:0]
		for _, m := range items {
			if !m.Timestamp.Before(cutoff) {
				kept = append(kept, m)
			}
		}
		items = kept
	}

	f, err := os.Create(*out)
	if err != nil {
		fatal(err)
	}
	if err := metrics.WriteCSV(f, items); err != nil {
		_ = f.Close()
		fatal(err)
	}
	if err := f.Close(); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "exported %d rows to %s\n", len(items), *out)
}

func handleSession(args []string) {
	fs := flag.NewFlagSet("session", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	token := fs.String("token", "", "backend token override")
	player := fs.String("player", "", "battle tag override")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Worker == nil {
		cfg.Worker = &config.WorkerConfig{}
	}
	if *token != "" {
		cfg.Worker.Token = *token
	}
	if *player != "" {
		cfg.Worker.Player = *player
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	if cfg.Worker.Token == "" {
		fatal(errors.New("worker.token or --token is required"))
	}
	log := mustLogger(cfg)
	defer func() { _ = log.Sync() }()

	opts := worker.OptionsFromConfig(*cfg.Worker)
	opts.Logger = log
	opts.Observer = worker.ObserverFuncs{
		Established: func(s worker.PlayerSession) {
			fmt.Fprintf(os.Stdout, "session established player=%s id=%d\n", s.PlayerName, s.PlayerID)
		},
		Lost: func(reason string) {
			fmt.Fprintf(os.Stdout, "session lost reason=%s\n", reason)
		},
		Event: func(ev api.Event) {
			if ev.Type == api.EventPingUpdate || ev.Type == api.EventListNodes {
				fmt.Fprintf(os.Stdout, "%s %s\n", ev.Type, ev.Raw)
			}
		},
	}
	mgr := worker.NewManager(opts)

	ctx, cancel := signalContext()
	defer cancel()

	if err := mgr.Connect(ctx, cfg.Worker.Player, cfg.Worker.Token); err != nil {
		_ = mgr.Close()
		fatal(err)
	}
	<-ctx.Done()

	_ = mgr.Disconnect()
	fatal(mgr.Close())
}

func handleRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	if *configPath == "" {
		fatal(errors.New("--config is required"))
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	log := mustLogger(cfg)
	defer func() { _ = log.Sync() }()

	a, err := agent.New(agent.Options{Config: cfg, Logger: log})
	if err != nil {
		fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	err = a.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return
	}
	fatal(err)
}

// handleStubWorker emulates the flo worker: it prints the startup
// announcement on stdout and serves the control channel until signalled.
func handleStubWorker(args []string) {
	fs := flag.NewFlagSet("stub-worker", flag.ExitOnError)
	listen := fs.String("listen", "127.0.0.1:0", "control channel listen address")
	version := fs.String("version", "stub", "version to announce")
	origin := fs.String("origin", config.DefaultWorkerOrigin, "allowed Origin header (empty allows any)")
	_ = fs.Parse(args)

	log := mustLogger(config.Config{LogLevel: config.DefaultLogLevel})
	var origins []string
	if *origin != "" {
		origins = []string{*origin}
	}
	srv := stubworker.New(stubworker.Options{Version: *version, AllowedOrigins: origins, Logger: log})
	port, err := srv.Listen(*listen)
	if err != nil {
		fatal(err)
	}
	defer srv.Close()

	if err := srv.Announce(os.Stdout, port); err != nil {
		fatal(err)
	}
	waitForSignal()
}

// reportRows flattens a saved report, filling node addresses from the
// configured node list when there is one.
func reportRows(cfg config.Config, path string) ([]model.Metric, error) {
	report, err := store.LoadReport(path)
	if err != nil {
		return nil, fmt.Errorf("load report %s: %w", path, err)
	}
	var nodes []model.RelayNode
	if cfg.Probe != nil && cfg.Probe.NodesPath != "" {
		nodes, err = store.LoadNodes(cfg.Probe.NodesPath)
		if err != nil {
			return nil, err
		}
	}
	return metrics.FromReport(report, nodes), nil
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, nil
	}
	return config.Load(path)
}

func overrideProbe(cfg *config.ProbeConfig, nodesPath string, pings int, timeout time.Duration, out string) {
	if nodesPath != "" {
		cfg.NodesPath = nodesPath
	}
	if pings > 0 {
		cfg.PingCount = pings
	}
	if timeout > 0 {
		cfg.Timeout = timeout
	}
	if out != "" {
		cfg.ReportPath = out
	}
}

func selectMetricsPath(cfg config.Config, override string) string {
	if override != "" {
		return override
	}
	if cfg.Probe != nil {
		return cfg.Probe.MetricsCSV
	}
	return ""
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func printReport(report model.NetworkTestReport) {
	fmt.Fprintf(os.Stdout, "run=%s pings=%d complete=%t elapsed=%s\n",
		report.RunID, report.Duration, report.IsComplete, report.Elapsed.Round(time.Millisecond))
	if report.PublicAddr != "" {
		fmt.Fprintf(os.Stdout, "public_addr=%s nat_type=%s\n", report.PublicAddr, report.NATType)
	}
	fmt.Fprintf(os.Stdout, "%-16s  %5s  %5s  %7s  %9s  %9s  %9s\n",
		"NODE", "SENT", "RECV", "LOSS%", "MIN_MS", "AVG_MS", "MAX_MS")
	for _, r := range report.NodesPingTests {
		fmt.Fprintf(os.Stdout, "%-16s  %5d  %5d  %7.1f  %9.2f  %9.2f  %9.2f\n",
			r.NodeID, r.Sent, r.Received, r.Loss*100, r.MinMs, r.AvgMs, r.MaxMs)
	}
}

// mustLogger builds the process logger. Output goes to stderr so stdout
// stays free for command output and the stub worker announcement.
func mustLogger(cfg config.Config) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if cfg.LogFormat == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	level := cfg.LogLevel
	if level == "" {
		level = config.DefaultLogLevel
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		fatal(fmt.Errorf("log_level: %w", err))
	}
	zcfg.Level = lvl
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}

	log, err := zcfg.Build()
	if err != nil {
		fatal(err)
	}
	return log
}

func waitForSignal() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	<-signals
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
