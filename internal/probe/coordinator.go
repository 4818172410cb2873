package probe

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/modmoto/w3champions-launcher/internal/metrics"
	"github.com/modmoto/w3champions-launcher/internal/model"
	"github.com/modmoto/w3champions-launcher/internal/stunutil"
)

// Options configures a Coordinator.
type Options struct {
	// Listen is the local address of the shared socket, ":0" when empty.
	Listen string
	// Timeout is the per-probe deadline.
	Timeout time.Duration
	// STUNServers, when set, are queried over the probe socket so the report
	// carries the public mapping relays see.
	STUNServers []string
	STUNTimeout time.Duration
	Observer    Observer
	Logger      *zap.Logger
	Recorder    *metrics.Recorder
}

// Coordinator runs one network test across every candidate relay.
type Coordinator struct {
	opts Options
	log  *zap.Logger
}

func NewCoordinator(opts Options) *Coordinator {
	if opts.Listen == "" {
		opts.Listen = ":0"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.STUNTimeout <= 0 {
		opts.STUNTimeout = 3 * time.Second
	}
	if opts.Observer == nil {
		opts.Observer = ObserverFuncs{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Coordinator{opts: opts, log: opts.Logger.Named("probe")}
}

// Run probes every node concurrently over one shared socket and waits for all
// of them to settle. The report lists one result per node in input order,
// whether or not the node answered. Progress is forwarded for the first node
// only.
//
// If ctx is cancelled the remaining probes are abandoned and the partial
// report is returned with IsComplete false together with ctx.Err().
func (c *Coordinator) Run(ctx context.Context, nodes []model.RelayNode, pingCount int) (model.NetworkTestReport, error) {
	if pingCount <= 0 {
		return model.NetworkTestReport{}, fmt.Errorf("ping count must be > 0, got %d", pingCount)
	}

	runID := uuid.New()
	started := time.Now()
	log := c.log.With(zap.String("run", runID.String()))
	report := model.NetworkTestReport{
		RunID:     runID.String(),
		Duration:  pingCount,
		StartedAt: started.UTC(),
	}

	transport, err := Listen(c.opts.Listen, runID, log)
	if err != nil {
		// Best effort: every node is reported as unreachable.
		log.Error("cannot open probe socket", zap.String("listen", c.opts.Listen), zap.Error(err))
	}

	probes := make([]*NodeProbe, 0, len(nodes))
	for _, node := range nodes {
		probes = append(probes, NewNodeProbe(node, pingCount, transport, c.opts.Timeout, log, c.opts.Recorder))
	}
	// Routes are claimed in input order, so a repeated node id loses to its
	// first occurrence. Run logs the failure.
	for _, p := range probes {
		_ = p.Reserve()
	}
	if len(probes) > 0 {
		probes[0].OnProgress(func(percent float64) {
			c.opts.Observer.OnProgress(int(math.Round(percent)))
		})
	}

	c.opts.Observer.OnStart()
	log.Info("network test started", zap.Int("nodes", len(nodes)), zap.Int("pings", pingCount))

	var g errgroup.Group
	for _, p := range probes {
		p := p
		g.Go(func() error {
			p.Run(ctx)
			return nil
		})
	}
	if transport != nil && len(c.opts.STUNServers) > 0 {
		g.Go(func() error {
			m, err := stunutil.DiscoverWith(ctx, c.opts.STUNServers, c.opts.STUNTimeout, transport.STUNConn, log)
			if err != nil {
				log.Warn("STUN discovery failed", zap.Error(err))
				return nil
			}
			report.PublicAddr = m.PublicAddr
			report.NATType = m.NATType
			return nil
		})
	}
	_ = g.Wait()

	if transport != nil {
		if err := transport.Close(); err != nil {
			log.Warn("closing probe socket", zap.Error(err))
		}
	}

	report.NodesPingTests = make([]model.ProbeResult, 0, len(probes))
	for _, p := range probes {
		res, _ := p.Result()
		report.NodesPingTests = append(report.NodesPingTests, res)
	}
	report.Elapsed = time.Since(started)

	if err := ctx.Err(); err != nil {
		log.Info("network test cancelled", zap.Error(err))
		return report, err
	}

	report.IsComplete = true
	c.opts.Recorder.RunCompleted()
	log.Info("network test finished", zap.Duration("elapsed", report.Elapsed))
	c.opts.Observer.OnResult(report)
	return report, nil
}
