package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/modmoto/w3champions-launcher/internal/addrutil"
	"github.com/modmoto/w3champions-launcher/internal/metrics"
	"github.com/modmoto/w3champions-launcher/internal/model"
)

// DefaultTimeout is the per-probe deadline.
const DefaultTimeout = time.Second

var errNoTransport = errors.New("no transport")

// NodeProbe measures round-trip latency and loss to one relay node. Probes
// are strictly sequential: probe k+1 is sent only after probe k was answered
// or timed out.
type NodeProbe struct {
	node      model.RelayNode
	pingCount int
	timeout   time.Duration
	transport *Transport
	log       *zap.Logger
	rec       *metrics.Recorder

	mu       sync.Mutex
	progress func(percent float64)
	result   model.ProbeResult
	settled  bool
	done     chan struct{}

	reserved bool
	replies  <-chan reply
	release  func()
	routeErr error
}

// NewNodeProbe prepares a probe for node. It does not send anything until Run.
func NewNodeProbe(node model.RelayNode, pingCount int, transport *Transport, timeout time.Duration, logger *zap.Logger, rec *metrics.Recorder) *NodeProbe {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NodeProbe{
		node:      node,
		pingCount: pingCount,
		timeout:   timeout,
		transport: transport,
		log:       logger.With(zap.String("node", node.ID)),
		rec:       rec,
		result:    model.ProbeResult{NodeID: node.ID},
		done:      make(chan struct{}),
	}
}

// OnProgress registers fn to receive the completion percentage after each
// probe settles. Only one subscriber is kept.
func (p *NodeProbe) OnProgress(fn func(percent float64)) {
	p.mu.Lock()
	p.progress = fn
	p.mu.Unlock()
}

// Reserve claims the node's route on the transport. Run reserves on its own
// when Reserve was not called first. Of two probes sharing a node id, the one
// that reserves first keeps the route.
func (p *NodeProbe) Reserve() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reserved {
		return p.routeErr
	}
	p.reserved = true
	if p.transport == nil {
		p.routeErr = errNoTransport
		return p.routeErr
	}
	p.replies, p.release, p.routeErr = p.transport.Register(p.node.ID, p.pingCount)
	return p.routeErr
}

// Done is closed once every probe has settled.
func (p *NodeProbe) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome. ok is false while probes are still in flight.
func (p *NodeProbe) Result() (model.ProbeResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.settled {
		return model.ProbeResult{NodeID: p.node.ID}, false
	}
	res := p.result
	res.RTTs = append([]time.Duration(nil), p.result.RTTs...)
	return res, true
}

// Run sends the ping sequence and blocks until it settles. Failures to
// resolve or send are logged and counted as loss.
func (p *NodeProbe) Run(ctx context.Context) {
	defer p.settle()

	if p.pingCount <= 0 {
		return
	}

	target, err := p.resolve()
	if err != nil {
		p.log.Warn("relay node unreachable", zap.Error(err))
		p.abandon(0)
		return
	}
	if err := p.Reserve(); err != nil {
		p.log.Warn("cannot route relay node", zap.Error(err))
		p.abandon(0)
		return
	}
	p.mu.Lock()
	replies := p.replies
	p.mu.Unlock()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	for i := 0; i < p.pingCount; i++ {
		if ctx.Err() != nil {
			return
		}

		seq := uint32(i)
		if err := p.transport.Send(p.node.ID, seq, target); err != nil {
			p.log.Warn("probe send failed", zap.Uint32("seq", seq), zap.Error(err))
			p.rec.ProbeLost(p.node.ID)
			p.emit(i + 1)
			continue
		}
		p.mu.Lock()
		p.result.Sent++
		p.mu.Unlock()
		p.rec.ProbeSent(p.node.ID)

		resetTimer(timer, p.timeout)
		rtt, ok := p.await(ctx, replies, seq, timer)
		if ok {
			p.mu.Lock()
			p.result.Received++
			p.result.RTTs = append(p.result.RTTs, rtt)
			p.mu.Unlock()
			p.rec.ProbeAnswered(rtt)
		} else {
			p.rec.ProbeLost(p.node.ID)
		}

		if ctx.Err() != nil {
			return
		}
		p.emit(i + 1)
	}
}

// await waits for the echo of seq. Echoes of earlier, already timed-out
// probes are discarded.
func (p *NodeProbe) await(ctx context.Context, replies <-chan reply, seq uint32, timer *time.Timer) (time.Duration, bool) {
	for {
		select {
		case r := <-replies:
			if r.Seq != seq {
				p.log.Debug("late probe reply", zap.Uint32("seq", r.Seq), zap.Uint32("want", seq))
				continue
			}
			return r.RTT, true
		case <-timer.C:
			return 0, false
		case <-ctx.Done():
			return 0, false
		}
	}
}

func (p *NodeProbe) resolve() (*net.UDPAddr, error) {
	addr, ok := addrutil.RelayAddr(p.node)
	if !ok {
		return nil, fmt.Errorf("invalid relay address %q port %d", p.node.Address, p.node.Port)
	}
	return net.ResolveUDPAddr("udp", addr)
}

// abandon marks the remaining probes as settled without sending them.
func (p *NodeProbe) abandon(from int) {
	for i := from; i < p.pingCount; i++ {
		p.rec.ProbeLost(p.node.ID)
		p.emit(i + 1)
	}
}

func (p *NodeProbe) emit(completed int) {
	p.mu.Lock()
	fn := p.progress
	p.mu.Unlock()
	if fn != nil {
		fn(float64(completed) / float64(p.pingCount) * 100)
	}
}

func (p *NodeProbe) settle() {
	p.mu.Lock()
	if p.release != nil {
		p.release()
		p.release = nil
	}
	metrics.FillResult(&p.result, p.pingCount)
	p.settled = true
	p.mu.Unlock()
	close(p.done)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
