package probe

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/modmoto/w3champions-launcher/internal/model"
)

func startTransport(t *testing.T) *Transport {
	t.Helper()
	tr, err := Listen("127.0.0.1:0", uuid.New(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func startResponder(t *testing.T, drop DropFunc) *Responder {
	t.Helper()
	var opts []ResponderOption
	if drop != nil {
		opts = append(opts, WithDropFunc(drop))
	}
	resp, err := StartResponder("127.0.0.1:0", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Close() })
	return resp
}

func TestNodeProbe_AllAnswered(t *testing.T) {
	t.Parallel()

	resp := startResponder(t, nil)
	tr := startTransport(t)
	node := model.RelayNode{ID: "b", Address: "127.0.0.1", Port: resp.Port()}

	p := NewNodeProbe(node, 5, tr, 500*time.Millisecond, zaptest.NewLogger(t), nil)
	_, ok := p.Result()
	assert.False(t, ok, "result not ready before run")

	p.Run(context.Background())

	res, ok := p.Result()
	require.True(t, ok)
	assert.Equal(t, "b", res.NodeID)
	assert.Equal(t, 5, res.Sent)
	assert.Equal(t, 5, res.Received)
	assert.Len(t, res.RTTs, 5)
	assert.Equal(t, 0.0, res.Loss)
	assert.Greater(t, res.MaxMs, 0.0)
	assert.LessOrEqual(t, res.MinMs, res.AvgMs)
	assert.LessOrEqual(t, res.AvgMs, res.MaxMs)

	select {
	case <-p.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestNodeProbe_LossAndProgress(t *testing.T) {
	t.Parallel()

	resp := startResponder(t, func(_ string, seq uint32) bool { return seq%2 == 1 })
	tr := startTransport(t)
	node := model.RelayNode{ID: "c", Address: "127.0.0.1", Port: resp.Port()}

	var mu sync.Mutex
	var progress []float64
	p := NewNodeProbe(node, 4, tr, 100*time.Millisecond, zaptest.NewLogger(t), nil)
	p.OnProgress(func(percent float64) {
		mu.Lock()
		progress = append(progress, percent)
		mu.Unlock()
	})
	p.Run(context.Background())

	res, ok := p.Result()
	require.True(t, ok)
	assert.Equal(t, 4, res.Sent)
	assert.Equal(t, 2, res.Received)
	assert.Equal(t, 0.5, res.Loss)
	assert.Equal(t, 4, res.Received+res.Lost(4))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []float64{25, 50, 75, 100}, progress)
}

func TestNodeProbe_TimeoutIsLossNotError(t *testing.T) {
	t.Parallel()

	resp := startResponder(t, func(string, uint32) bool { return true })
	tr := startTransport(t)
	node := model.RelayNode{ID: "a", Address: "127.0.0.1", Port: resp.Port()}

	p := NewNodeProbe(node, 3, tr, 50*time.Millisecond, zaptest.NewLogger(t), nil)
	start := time.Now()
	p.Run(context.Background())
	elapsed := time.Since(start)

	res, ok := p.Result()
	require.True(t, ok)
	assert.Equal(t, 3, res.Sent)
	assert.Equal(t, 0, res.Received)
	assert.Equal(t, 1.0, res.Loss)
	assert.Zero(t, res.AvgMs)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond, "sequential probes each wait their deadline")
}

func TestNodeProbe_InvalidAddressSettlesAsLost(t *testing.T) {
	t.Parallel()

	tr := startTransport(t)
	node := model.RelayNode{ID: "bad", Address: "", Port: 0}

	var last float64
	p := NewNodeProbe(node, 3, tr, 50*time.Millisecond, zaptest.NewLogger(t), nil)
	p.OnProgress(func(percent float64) { last = percent })
	p.Run(context.Background())

	res, ok := p.Result()
	require.True(t, ok)
	assert.Equal(t, 0, res.Sent)
	assert.Equal(t, 1.0, res.Loss)
	assert.Equal(t, 100.0, last)
}

func TestNodeProbe_CancelStopsSending(t *testing.T) {
	t.Parallel()

	resp := startResponder(t, func(string, uint32) bool { return true })
	tr := startTransport(t)
	node := model.RelayNode{ID: "a", Address: "127.0.0.1", Port: resp.Port()}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	p := NewNodeProbe(node, 50, tr, time.Second, zaptest.NewLogger(t), nil)
	p.Run(ctx)

	res, ok := p.Result()
	require.True(t, ok)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1.0, res.Loss)
}

func TestNodeProbe_ReserveHoldsRouteUntilSettled(t *testing.T) {
	t.Parallel()

	resp := startResponder(t, nil)
	tr := startTransport(t)
	node := model.RelayNode{ID: "x", Address: "127.0.0.1", Port: resp.Port()}

	first := NewNodeProbe(node, 2, tr, 200*time.Millisecond, zaptest.NewLogger(t), nil)
	second := NewNodeProbe(node, 2, tr, 200*time.Millisecond, zaptest.NewLogger(t), nil)
	require.NoError(t, first.Reserve())
	require.ErrorIs(t, second.Reserve(), ErrDuplicateNode)

	first.Run(context.Background())
	res, ok := first.Result()
	require.True(t, ok)
	assert.Equal(t, 2, res.Received)

	_, release, err := tr.Register("x", 1)
	require.NoError(t, err, "route is released once the probe settles")
	release()
}
