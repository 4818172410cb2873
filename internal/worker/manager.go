package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/modmoto/w3champions-launcher/internal/api"
	"github.com/modmoto/w3champions-launcher/internal/config"
	"github.com/modmoto/w3champions-launcher/internal/execx"
	"github.com/modmoto/w3champions-launcher/internal/metrics"
)

var (
	// ErrWorkerNotStarted is returned when the control channel is gone by the
	// time a command is sent.
	ErrWorkerNotStarted = errors.New("worker not started")
	// ErrSpawnFailed wraps failures to prepare or execute the helper binary.
	// They are terminal: the manager does not retry on its own.
	ErrSpawnFailed = errors.New("worker spawn failed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("worker manager closed")
)

const (
	maxStdoutLine = 1 << 20
	closeWait     = 5 * time.Second
)

// ControlChannel is the command/event link to a running helper.
type ControlChannel interface {
	Connect(token string) error
	Disconnect() error
	ReadEvents(handle func(api.Event), reject func(data []byte, err error)) error
	Close() error
}

// DialFunc opens the control channel once the helper announced its port.
type DialFunc func(ctx context.Context, host string, port int, origin string, logger *zap.Logger) (ControlChannel, error)

func dialWebsocket(ctx context.Context, host string, port int, origin string, logger *zap.Logger) (ControlChannel, error) {
	c, err := api.DialControl(ctx, host, port, origin, logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Options configures a Manager.
type Options struct {
	Path    string
	Dir     string
	LogsDir string
	Args    []string

	Host   string
	Origin string

	StartTimeout      time.Duration
	ReconnectInterval time.Duration
	// ReconnectMaxAttempts bounds one reconnect loop. Zero retries forever.
	ReconnectMaxAttempts int

	Starter  execx.Starter
	Clock    clock.Clock
	Dial     DialFunc
	Observer Observer
	Logger   *zap.Logger
	Recorder *metrics.Recorder
}

// OptionsFromConfig maps the worker config section onto manager options.
func OptionsFromConfig(cfg config.WorkerConfig) Options {
	return Options{
		Path:                 cfg.ExecutablePath(),
		Dir:                  cfg.Dir,
		LogsDir:              cfg.LogsPath(),
		Args:                 cfg.Args,
		Host:                 cfg.Host,
		Origin:               cfg.Origin,
		StartTimeout:         cfg.StartTimeout,
		ReconnectInterval:    cfg.ReconnectInterval,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
	}
}

// Manager owns the helper process and its backend session. It starts the
// process lazily, keeps the control channel open and tries to win the
// session back whenever the backend or the process drops it.
type Manager struct {
	opts  Options
	log   *zap.Logger
	clock clock.Clock

	mu               sync.Mutex
	state            State
	gen              uint64
	proc             execx.Process
	exited           chan struct{}
	info             *Info
	ctrl             ControlChannel
	starting         *startAttempt
	session          *PlayerSession
	battleTag        string
	lastToken        string
	hasToken         bool
	userDisconnected bool
	loop             *reconnectLoop
	closed           bool
}

type startAttempt struct {
	done chan struct{}
	err  error
}

type reconnectLoop struct {
	ctx      context.Context
	cancel   context.CancelFunc
	attempts int
	inFlight bool
}

// notifier collects observer calls so they run after the lock is released.
type notifier []func()

func (n *notifier) add(fn func()) { *n = append(*n, fn) }

func (n notifier) flush() {
	for _, fn := range n {
		fn()
	}
}

func NewManager(opts Options) *Manager {
	if opts.Host == "" {
		opts.Host = config.DefaultWorkerHost
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = config.DefaultStartTimeout
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = config.DefaultReconnectInterval
	}
	if opts.Starter == nil {
		opts.Starter = execx.NewOSStarter()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Dial == nil {
		opts.Dial = dialWebsocket
	}
	if opts.Observer == nil {
		opts.Observer = ObserverFuncs{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	m := &Manager{
		opts:  opts,
		log:   opts.Logger.Named("worker"),
		clock: opts.Clock,
		state: StateStopped,
	}
	opts.Recorder.SessionState(string(StateStopped), stateNames())
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the active backend session, if any.
func (m *Manager) Session() (PlayerSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return PlayerSession{}, false
	}
	return *m.session, true
}

// WorkerInfo describes the running helper once it announced itself.
func (m *Manager) WorkerInfo() (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.info == nil {
		return Info{}, false
	}
	return *m.info, true
}

// IsUsedBy reports whether battleTag made the last Connect call.
func (m *Manager) IsUsedBy(battleTag string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasToken && m.battleTag == battleTag
}

// StartWorker spawns the helper and opens its control channel. It returns
// nil immediately when the channel is already open. Overlapping calls share
// a single attempt; the first caller's ctx governs it.
func (m *Manager) StartWorker(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.ctrl != nil {
		m.mu.Unlock()
		return nil
	}
	if a := m.starting; a != nil {
		m.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a := &startAttempt{done: make(chan struct{})}
	m.starting = a
	m.setStateLocked(StateStarting)
	m.mu.Unlock()

	err := m.start(ctx)

	m.mu.Lock()
	m.starting = nil
	a.err = err
	if err != nil {
		if m.state == StateStarting {
			m.setStateLocked(StateStopped)
		}
		if errors.Is(err, ErrSpawnFailed) {
			m.stopReconnectLocked()
		}
	}
	m.mu.Unlock()
	close(a.done)

	if err != nil {
		m.log.Error("worker start failed", zap.Error(err))
	}
	return err
}

// Connect starts the helper if needed and asks it to open a backend session
// for battleTag with token. The token is kept for reconnects. Calling it
// again while connected re-authenticates in place.
func (m *Manager) Connect(ctx context.Context, battleTag, token string) error {
	return m.connect(ctx, battleTag, token, nil)
}

// Disconnect asks the helper to drop the backend session and stops any
// reconnect loop. The process keeps running.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.userDisconnected = true
	m.stopReconnectLocked()
	if m.state.recovering() {
		m.setStateLocked(StateConnected)
	}
	ctrl := m.ctrl
	m.mu.Unlock()

	if ctrl == nil {
		m.log.Debug("disconnect without running worker")
		return nil
	}
	if err := ctrl.Disconnect(); err != nil {
		return fmt.Errorf("send disconnect: %w", err)
	}
	return nil
}

// Close stops the reconnect loop, closes the control channel and kills the
// helper.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.stopReconnectLocked()
	ctrl, proc, exited := m.ctrl, m.proc, m.exited
	m.ctrl = nil
	m.session = nil
	m.mu.Unlock()

	var err error
	if ctrl != nil {
		err = multierr.Append(err, ctrl.Close())
	}
	if proc != nil {
		err = multierr.Append(err, proc.Kill())
		if exited != nil {
			select {
			case <-exited:
			case <-time.After(closeWait):
				err = multierr.Append(err, fmt.Errorf("worker pid %d did not exit", proc.Pid()))
			}
		}
	}

	m.mu.Lock()
	m.info = nil
	m.proc = nil
	m.setStateLocked(StateStopped)
	m.mu.Unlock()
	return err
}

func (m *Manager) connect(ctx context.Context, battleTag, token string, loop *reconnectLoop) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if loop != nil && m.loop != loop {
		m.mu.Unlock()
		return context.Canceled
	}
	m.battleTag = battleTag
	m.lastToken = token
	m.hasToken = true
	if loop == nil {
		m.userDisconnected = false
	}
	m.mu.Unlock()

	if err := m.StartWorker(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	ctrl := m.ctrl
	if ctrl == nil {
		m.mu.Unlock()
		return ErrWorkerNotStarted
	}
	if loop == nil {
		m.mu.Unlock()
		if err := ctrl.Connect(token); err != nil {
			return fmt.Errorf("send connect: %w", err)
		}
		return nil
	}
	// A reconnect sends under the lock so an explicit Disconnect either
	// wins before the command or follows it on the wire.
	defer m.mu.Unlock()
	if m.loop != loop || m.userDisconnected {
		return context.Canceled
	}
	if err := ctrl.Connect(token); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}
	return nil
}

func (m *Manager) start(ctx context.Context) error {
	path := m.opts.Path
	if err := execx.EnsureExecutable(path, m.opts.Dir, m.opts.LogsDir); err != nil {
		return fmt.Errorf("%w: prepare %s: %v", ErrSpawnFailed, path, err)
	}
	proc, err := m.opts.Starter.Start(path, m.opts.Dir, m.opts.Args...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	m.opts.Recorder.WorkerSpawned()

	announced := make(chan api.Announcement, 1)
	exited := make(chan struct{})

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.proc = proc
	m.exited = exited
	m.mu.Unlock()

	log := m.log.With(zap.Int("pid", proc.Pid()))
	log.Info("worker spawned", zap.String("path", path))

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		scanStdout(proc.Stdout(), announced, log)
	}()
	go func() {
		defer readers.Done()
		logStderr(proc.Stderr(), log)
	}()
	go func() {
		// os/exec requires the pipes to be drained before Wait.
		readers.Wait()
		err := proc.Wait()
		m.handleExit(gen, err, log)
		close(exited)
	}()

	timer := m.clock.Timer(m.opts.StartTimeout)
	defer timer.Stop()

	var ann api.Announcement
	select {
	case ann = <-announced:
	case <-exited:
		return fmt.Errorf("worker exited before announcing its port")
	case <-timer.C:
		_ = proc.Kill()
		return fmt.Errorf("worker did not announce its port within %s", m.opts.StartTimeout)
	case <-ctx.Done():
		_ = proc.Kill()
		return ctx.Err()
	}
	log.Info("worker started", zap.String("version", ann.Version), zap.Int("port", ann.Port))

	ctrl, err := m.opts.Dial(ctx, m.opts.Host, ann.Port, m.opts.Origin, m.log)
	if err != nil {
		_ = proc.Kill()
		return fmt.Errorf("open control channel: %w", err)
	}
	if err := ctx.Err(); err != nil {
		_ = ctrl.Close()
		_ = proc.Kill()
		return err
	}

	m.mu.Lock()
	if m.closed || m.proc != proc {
		closed := m.closed
		m.mu.Unlock()
		_ = ctrl.Close()
		_ = proc.Kill()
		if closed {
			return ErrClosed
		}
		return fmt.Errorf("worker exited before the control channel opened")
	}
	m.ctrl = ctrl
	m.info = &Info{Pid: proc.Pid(), Version: ann.Version, Port: ann.Port}
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	log.Info("control channel open", zap.Int("port", ann.Port))
	go m.readControl(ctrl)
	return nil
}

// handleExit clears every trace of the process. A session that was active
// or being recovered is chased with the reconnect loop, which respawns.
func (m *Manager) handleExit(gen uint64, err error, log *zap.Logger) {
	log.Info("worker exited", zap.Int("code", execx.ExitCode(err)), zap.Error(err))

	var n notifier
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	ctrl := m.ctrl
	wasActive := m.state == StateSessionActive
	recovering := m.state.recovering() || m.loop != nil

	m.proc = nil
	m.info = nil
	m.ctrl = nil
	m.session = nil
	// A start still waiting on its announcement owns the state; one that
	// already opened the channel does not.
	if m.starting == nil || ctrl != nil {
		m.setStateLocked(StateStopped)
	}
	if !m.closed {
		if wasActive {
			n.add(func() { m.opts.Observer.SessionLost("worker exited") })
		}
		if (wasActive || recovering) && !m.userDisconnected {
			m.scheduleReconnectLocked()
		}
	}
	m.mu.Unlock()

	if ctrl != nil {
		_ = ctrl.Close()
	}
	n.flush()
}

func (m *Manager) readControl(ctrl ControlChannel) {
	err := ctrl.ReadEvents(
		func(ev api.Event) { m.handleEvent(ctrl, ev) },
		func(data []byte, err error) {
			m.opts.Recorder.MalformedMessage()
			m.log.Warn("rejected control message", zap.ByteString("payload", clip(data)), zap.Error(err))
		},
	)

	m.mu.Lock()
	current := m.ctrl == ctrl
	proc := m.proc
	m.mu.Unlock()
	if !current {
		return
	}
	// The helper is useless without its channel; a restart goes through the
	// exit path.
	m.log.Warn("control channel lost, stopping worker", zap.Error(err))
	if proc != nil {
		_ = proc.Kill()
	}
}

func (m *Manager) handleEvent(ctrl ControlChannel, ev api.Event) {
	var n notifier
	m.mu.Lock()
	if m.ctrl != ctrl {
		m.mu.Unlock()
		return
	}

	switch ev.Type {
	case api.EventPlayerSession:
		sess := PlayerSession{
			BattleTag:  m.battleTag,
			Token:      m.lastToken,
			PlayerID:   ev.Player.ID,
			PlayerName: ev.Player.Name,
		}
		m.session = &sess
		m.stopReconnectLocked()
		m.setStateLocked(StateSessionActive)
		m.log.Info("player session established", zap.Int("player_id", sess.PlayerID), zap.String("player", sess.PlayerName))
		n.add(func() { m.opts.Observer.SessionEstablished(sess) })

	case api.EventDisconnect:
		reason := ev.Reason
		if reason == "" {
			reason = "disconnected"
		}
		m.session = nil
		if m.userDisconnected {
			m.setStateLocked(StateConnected)
		} else {
			m.setStateLocked(StateDisconnected)
			m.scheduleReconnectLocked()
		}
		m.log.Info("player session lost", zap.String("reason", reason))
		n.add(func() { m.opts.Observer.SessionLost(reason) })

	default:
		m.log.Debug("control event", zap.String("type", string(ev.Type)))
	}
	n.add(func() { m.opts.Observer.OnEvent(ev) })
	m.mu.Unlock()

	n.flush()
}

func (m *Manager) scheduleReconnectLocked() {
	if m.loop != nil || m.closed || !m.hasToken {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	loop := &reconnectLoop{ctx: ctx, cancel: cancel}
	m.loop = loop
	ticker := m.clock.Ticker(m.opts.ReconnectInterval)
	m.log.Info("reconnect scheduled", zap.Duration("interval", m.opts.ReconnectInterval))
	go m.runReconnect(loop, ticker)
}

func (m *Manager) stopReconnectLocked() {
	if m.loop == nil {
		return
	}
	m.loop.cancel()
	m.loop = nil
}

func (m *Manager) runReconnect(loop *reconnectLoop, ticker *clock.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-loop.ctx.Done():
			return
		case <-ticker.C:
			m.reconnectTick(loop)
		}
	}
}

func (m *Manager) reconnectTick(loop *reconnectLoop) {
	m.mu.Lock()
	if m.loop != loop {
		m.mu.Unlock()
		return
	}
	if loop.inFlight {
		m.mu.Unlock()
		m.log.Debug("reconnect attempt in flight, skipping tick")
		return
	}
	if limit := m.opts.ReconnectMaxAttempts; limit > 0 && loop.attempts >= limit {
		m.stopReconnectLocked()
		m.mu.Unlock()
		m.log.Warn("giving up reconnecting", zap.Int("attempts", limit))
		return
	}
	loop.attempts++
	loop.inFlight = true
	attempt := loop.attempts
	battleTag, token := m.battleTag, m.lastToken
	if m.state == StateDisconnected {
		m.setStateLocked(StateReconnecting)
	}
	m.mu.Unlock()

	m.opts.Recorder.ReconnectAttempt()
	m.log.Info("reconnecting to backend", zap.Int("attempt", attempt))

	go func() {
		err := m.connect(loop.ctx, battleTag, token, loop)
		m.mu.Lock()
		loop.inFlight = false
		m.mu.Unlock()
		if err != nil && loop.ctx.Err() == nil {
			m.log.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		}
	}()
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.log.Debug("state change", zap.Stringer("from", m.state), zap.Stringer("to", s))
	m.state = s
	m.opts.Recorder.SessionState(string(s), stateNames())
}

// scanStdout hands the first well-formed announcement to announced and logs
// everything else. It drains r until EOF.
func scanStdout(r io.Reader, announced chan<- api.Announcement, log *zap.Logger) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxStdoutLine)
	sent := false
	for sc.Scan() {
		line := sc.Bytes()
		if !sent {
			if a, ok := api.ParseAnnouncement(line); ok {
				announced <- a
				sent = true
				continue
			}
		}
		log.Debug("worker stdout", zap.ByteString("line", line))
	}
	if err := sc.Err(); err != nil {
		log.Warn("reading worker stdout", zap.Error(err))
		_, _ = io.Copy(io.Discard, r)
	}
}

func logStderr(r io.Reader, log *zap.Logger) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxStdoutLine)
	for sc.Scan() {
		log.Warn("worker stderr", zap.ByteString("line", sc.Bytes()))
	}
	if err := sc.Err(); err != nil {
		_, _ = io.Copy(io.Discard, r)
	}
}

func clip(b []byte) []byte {
	const limit = 256
	if len(b) > limit {
		return b[:limit]
	}
	return b
}
