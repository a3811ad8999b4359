// Package tunnel implements the lifecycle controller of a single SSH tunnel.
//
// A Controller drives connect, authenticate and local forward setup through a
// transport.Transport and reports the outcome to its parent through a Notifier.
// All tunnel state lives in the goroutine running Run. Commands, transport
// completions and unsolicited session events reach it through one ordered inbox.
// Transport calls run on a small worker pool and push a completion tagged with
// the attempt generation, so results of superseded attempts are discarded.
package tunnel

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benmeehan/iot-tunnel/internal/audit"
	"github.com/benmeehan/iot-tunnel/internal/constants"
	"github.com/benmeehan/iot-tunnel/internal/credentials"
	"github.com/benmeehan/iot-tunnel/internal/hostkey"
	"github.com/benmeehan/iot-tunnel/internal/models"
	"github.com/benmeehan/iot-tunnel/internal/transport"
	"github.com/benmeehan/iot-tunnel/internal/utils"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type step int

const (
	stepNone step = iota
	stepConnect
	stepAuth
	stepForward
)

func (s step) String() string {
	switch s {
	case stepConnect:
		return "connect"
	case stepAuth:
		return "auth"
	case stepForward:
		return "forward"
	default:
		return "none"
	}
}

type command int

const (
	cmdStart command = iota
	cmdStop
)

type statusQuery struct {
	reply chan models.StatusSnapshot
}

type transitionsQuery struct {
	reply chan []StateTransition
}

// completion is the result of one transport call.
type completion struct {
	gen     uint64
	step    step
	session transport.Session
	port    int
	err     error
}

type sessionEvent struct {
	gen   uint64
	event transport.SessionEvent
}

// Option customizes a Controller.
type Option func(*Controller)

// WithInstanceID sets the instance identifier reported in status snapshots.
func WithInstanceID(id string) Option {
	return func(c *Controller) { c.instanceID = id }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithWorkers sets the number of transport workers.
func WithWorkers(n int) Option {
	return func(c *Controller) { c.workers = n }
}

// Controller owns one tunnel. Its methods are safe for concurrent use.
type Controller struct {
	name       string
	instanceID string
	host       string
	port       int
	targetHost string
	targetPort int
	auth       credentials.AuthParams
	verifier   hostkey.Verifier
	timeouts   map[step]time.Duration

	transport transport.Transport
	notifier  Notifier
	auditor   audit.Logger
	logger    zerolog.Logger
	now       func() time.Time
	workers   int

	inbox   chan any
	done    chan struct{}
	running atomic.Bool

	// Owned by the Run goroutine.
	runCtx  context.Context
	pool    *utils.WorkerPool
	state   State
	session transport.Session
	lastErr error
	since   time.Time
	gen     uint64
	pending step
	history transitionLog
}

// New validates cfg and prepares a controller. Nothing touches the network before Run and Start.
func New(cfg models.TunnelConfig, tr transport.Transport, notifier Notifier, auditor audit.Logger, logger zerolog.Logger, opts ...Option) (*Controller, error) {
	if tr == nil {
		return nil, configError("Tunnel controller started without transport.", nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, configError("Invalid tunnel configuration.", err)
	}

	creds, err := credentials.FromConfig(cfg.Credentials)
	if err != nil {
		return nil, configError("Invalid tunnel credentials.", err)
	}
	auth, err := credentials.Resolve(creds)
	if err != nil {
		return nil, configError("Unsupported tunnel credentials.", err)
	}

	logger = logger.With().Str("tunnel", cfg.Name).Logger()
	verifier, err := hostkey.New(cfg.ValidateHost, cfg.KnownHosts, logger)
	if err != nil {
		return nil, configError("Invalid known hosts.", err)
	}

	host, port, _ := cfg.Endpoint()
	targetHost, targetPort, _ := cfg.TargetAddress()

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = constants.ConnectionTimeout
	}

	if notifier == nil {
		notifier = NotifierFunc(func(string, Notification) {})
	}
	if auditor == nil {
		auditor = audit.NewLog(logger)
	}

	c := &Controller{
		name:       cfg.Name,
		instanceID: uuid.New().String(),
		host:       host,
		port:       port,
		targetHost: targetHost,
		targetPort: targetPort,
		auth:       auth,
		verifier:   verifier,
		timeouts: map[step]time.Duration{
			stepConnect: connectTimeout,
			stepAuth:    cfg.AuthTimeout,
			stepForward: cfg.ForwardTimeout,
		},
		transport: tr,
		notifier:  notifier,
		auditor:   auditor,
		logger:    logger,
		now:       time.Now,
		workers:   constants.TransportWorkers,
		inbox:     make(chan any, constants.InboxSize),
		done:      make(chan struct{}),
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.since = c.now()

	c.logger.Debug().
		Str("ssh_server", fmt.Sprintf("%s:%d", host, port)).
		Str("auth", auth.String()).
		Str("verifier", verifier.Name()).
		Msg("Tunnel controller created")
	return c, nil
}

// Name returns the tunnel name.
func (c *Controller) Name() string { return c.name }

// Done is closed when Run has returned.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Start asks the controller to establish the tunnel.
func (c *Controller) Start() error {
	return c.send(context.Background(), cmdStart)
}

// Stop asks the controller to close the tunnel. The parent is not notified.
func (c *Controller) Stop() error {
	return c.send(context.Background(), cmdStop)
}

// Status returns the current status snapshot.
func (c *Controller) Status(ctx context.Context) (models.StatusSnapshot, error) {
	q := statusQuery{reply: make(chan models.StatusSnapshot, 1)}
	if err := c.send(ctx, q); err != nil {
		return models.StatusSnapshot{}, err
	}
	select {
	case s := <-q.reply:
		return s, nil
	case <-ctx.Done():
		return models.StatusSnapshot{}, ctx.Err()
	case <-c.done:
		return models.StatusSnapshot{}, ErrStopped
	}
}

// Transitions returns the recent state transitions, oldest first.
func (c *Controller) Transitions(ctx context.Context) ([]StateTransition, error) {
	q := transitionsQuery{reply: make(chan []StateTransition, 1)}
	if err := c.send(ctx, q); err != nil {
		return nil, err
	}
	select {
	case h := <-q.reply:
		return h, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrStopped
	}
}

func (c *Controller) send(ctx context.Context, msg any) error {
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

// deliver pushes a completion or event from a worker or event pump into the inbox.
func (c *Controller) deliver(msg any) {
	select {
	case c.inbox <- msg:
	case <-c.done:
		discard(msg)
	}
}

// discard releases a session carried by a message nobody will handle.
func discard(msg any) {
	if res, ok := msg.(completion); ok && res.session != nil {
		_ = res.session.Close()
	}
}

// Run processes the inbox until ctx ends, then closes the session and returns.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	c.runCtx = ctx
	c.pool = utils.NewWorkerPool(c.workers)
	c.logger.Info().Msg("Tunnel controller running")

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case msg := <-c.inbox:
			c.handle(msg)
		}
	}
}

func (c *Controller) shutdown() {
	c.logger.Debug().Msg("Controller stopped, closing tunnel")
	c.cleanup(nil, "shutdown")
	close(c.done)
	c.pool.Shutdown()
	for {
		select {
		case msg := <-c.inbox:
			discard(msg)
		default:
			c.logger.Info().Msg("Tunnel controller stopped")
			return
		}
	}
}

func (c *Controller) handle(msg any) {
	switch m := msg.(type) {
	case command:
		switch m {
		case cmdStart:
			c.handleStart()
		case cmdStop:
			if c.cleanup(nil, "stop") {
				c.auditor.Success(c.name, "SSH tunnel stopped.")
			}
		}
	case statusQuery:
		m.reply <- computeStatus(c.instanceID, c.name, c.session, c.lastErr, c.since)
	case transitionsQuery:
		m.reply <- c.history.history()
	case completion:
		c.handleCompletion(m)
	case sessionEvent:
		c.handleSessionEvent(m)
	default:
		c.logger.Debug().Str("type", fmt.Sprintf("%T", msg)).Msg("Cannot handle message")
	}
}

func (c *Controller) handleStart() {
	if c.state == StateConnecting || c.state == StateAuthenticating {
		c.logger.Debug().Str("state", c.state.String()).Msg("Handshake in progress, ignoring start")
		return
	}

	if c.session == nil || !c.session.IsOpen() || c.session.IsClosing() {
		c.cleanup(nil, "start")
		c.gen++
		c.transition(StateConnecting, "start")
		c.logger.Debug().Str("host", c.host).Int("port", c.port).Msg("Connecting to SSH server")
		c.submit(stepConnect, func(ctx context.Context) completion {
			s, err := c.transport.Connect(ctx, c.host, c.port, c.auth.Username)
			return completion{session: s, err: err}
		})
		return
	}

	forwards := c.session.LocalForwards()
	if len(forwards) == 1 {
		c.logger.Debug().Int("local_port", forwards[0]).Msg("SSH tunnel already established")
		c.notifier.Notify(c.name, Started{LocalPort: forwards[0]})
		return
	}

	status := "closed"
	if c.session.IsOpen() {
		status = "open"
	}
	msg := fmt.Sprintf("Inconsistent tunnel state. Session %s with %d port forwards.", status, len(forwards))
	c.auditor.Failure(c.name, msg)
	c.notifyAndCleanup(&Error{Kind: KindInconsistentState, Msg: msg})
}

// submit runs op on a transport worker. The completion is tagged with the current generation.
// A superseded step keeps its worker until the transport call returns, so a host that never
// answers can exhaust the pool; the step then fails with errWorkersBusy.
func (c *Controller) submit(st step, op func(ctx context.Context) completion) {
	gen := c.gen
	timeout := c.timeouts[st]
	c.pending = st

	ok := c.pool.TrySubmit(func() {
		ctx, cancel := c.runCtx, context.CancelFunc(func() {})
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, timeout)
		}
		res := op(ctx)
		cancel()
		res.gen, res.step = gen, st
		c.deliver(res)
	})
	if !ok {
		c.pending = stepNone
		c.failStep(st, errWorkersBusy)
	}
}

func (c *Controller) handleCompletion(res completion) {
	if res.gen != c.gen || res.step != c.pending {
		c.logger.Debug().
			Str("step", res.step.String()).
			Uint64("generation", res.gen).
			Msg("Discarding stale transport completion")
		discard(res)
		return
	}
	c.pending = stepNone

	if res.err != nil {
		discard(res)
		c.failStep(res.step, res.err)
		return
	}

	switch res.step {
	case stepConnect:
		c.logger.Debug().Str("session", res.session.ID()).Msg("SSH session connected successfully")
		c.session = res.session
		go c.pump(c.gen, res.session)
		c.transition(StateAuthenticating, "connected")
		s := res.session
		c.submit(stepAuth, func(ctx context.Context) completion {
			return completion{err: c.transport.Authenticate(ctx, s, c.auth, c.verifier)}
		})

	case stepAuth:
		c.logger.Debug().Msg("SSH session authenticated successfully")
		s := c.session
		c.submit(stepForward, func(ctx context.Context) completion {
			port, err := c.transport.OpenLocalForward(ctx, s, c.targetHost, c.targetPort)
			return completion{port: port, err: err}
		})

	case stepForward:
		c.auditor.Success(c.name, "SSH tunnel established successfully.")
		c.since = c.now()
		c.transition(StateForwarding, "forward started")
		c.notifier.Notify(c.name, Started{LocalPort: res.port})
	}
}

func (c *Controller) failStep(st step, err error) {
	switch st {
	case stepConnect:
		c.auditor.Failure(c.name, "SSH connection failed: "+audit.Reason(err))
		c.notifyAndCleanup(&Error{Kind: KindConnect, Msg: msgConnectFailed, Err: err})
	case stepAuth:
		c.auditor.Failure(c.name, "SSH session authentication failed: "+audit.Reason(err))
		c.notifyAndCleanup(&Error{Kind: KindAuth, Msg: msgAuthFailed, Err: err})
	case stepForward:
		c.auditor.Failure(c.name, "SSH local port forwarding failed: "+audit.Reason(err))
		c.notifyAndCleanup(&Error{Kind: KindForwardSetup, Msg: msgForwardFailed, Err: err})
	}
}

// pump forwards unsolicited session events until the session closes its event channel.
func (c *Controller) pump(gen uint64, s transport.Session) {
	for ev := range s.Events() {
		c.deliver(sessionEvent{gen: gen, event: ev})
	}
}

func (c *Controller) handleSessionEvent(m sessionEvent) {
	if m.gen != c.gen || c.session == nil {
		c.logger.Debug().Str("event", m.event.Kind.String()).Msg("Ignoring event of a previous session")
		return
	}
	if c.state != StateForwarding && c.state != StateAuthenticating {
		return
	}

	msg := msgSessionClosed
	if m.event.Kind == transport.ChannelClosed {
		msg = msgChannelClosed
	}
	c.auditor.Failure(c.name, "SSH Tunnel failed: "+audit.Reason(m.event.Err))
	c.notifyAndCleanup(&Error{Kind: KindUnexpectedClose, Msg: msg, Err: m.event.Err})
}

// notifyAndCleanup tells the parent about the first failure of an epoch only.
func (c *Controller) notifyAndCleanup(e *Error) {
	c.logger.Info().Str("reason", audit.Reason(e.Err)).Msg(e.Msg)
	if c.lastErr == nil {
		c.notifier.Notify(c.name, Closed{Message: e.Msg, Cause: e})
	}
	c.cleanup(e, e.Kind.String())
}

// recordError is the only writer of lastErr. A nil error clears the slot,
// otherwise the first error of the epoch is kept.
func (c *Controller) recordError(err error) {
	if c.lastErr == nil || err == nil {
		c.lastErr = err
	}
}

// cleanup closes the session, if any, and settles in Idle or Failed. It reports whether a session was closed.
func (c *Controller) cleanup(err error, reason string) bool {
	c.since = c.now()
	c.recordError(err)
	c.pending = stepNone

	closed := false
	if c.session != nil {
		c.transition(StateClosing, reason)
		if cerr := c.session.Close(); cerr != nil {
			c.logger.Debug().Err(cerr).Msg("Closing SSH session failed")
		}
		c.session = nil
		closed = true
	}

	if c.lastErr != nil {
		c.transition(StateFailed, reason)
	} else {
		c.transition(StateIdle, reason)
	}
	return closed
}

func (c *Controller) transition(to State, reason string) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.history.record(StateTransition{From: from, To: to, Timestamp: c.now(), Reason: reason})
	c.logger.Debug().Str("from", from.String()).Str("to", to.String()).Str("reason", reason).Msg("Tunnel state changed")
}
