// Package channel implements the per-connection protocol engine: framing on
// the wire (via the letter package), the Initialize handshake, the
// at-most-one-in-flight acknowledgement pipeline, heartbeat, and orderly
// shutdown described by the transport's channel state machine.
package channel

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hyperletter/hyperletter/internal/logging"
	"github.com/hyperletter/hyperletter/internal/netutil"
	"github.com/hyperletter/hyperletter/letter"
)

// State is one point in the channel's lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	HandshakePending
	Ready
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case HandshakePending:
		return "HandshakePending"
	case Ready:
		return "Ready"
	case ShuttingDown:
		return "ShuttingDown"
	default:
		return "Unknown"
	}
}

// Direction distinguishes the accepting side of a connection from the
// dialing side; it governs reconnection policy.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

// Options configures a Channel's protocol-level tuning. Every field has a
// usable zero-value default applied by New.
type Options struct {
	HeartbeatInterval    time.Duration
	ShutdownDrainTimeout time.Duration
	Logger               logging.Logger
}

const (
	defaultHeartbeatInterval    = time.Second
	defaultShutdownDrainTimeout = 1500 * time.Millisecond
)

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaultHeartbeatInterval
	}
	if o.ShutdownDrainTimeout <= 0 {
		o.ShutdownDrainTimeout = defaultShutdownDrainTimeout
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
	return o
}

// Channel is one live TCP connection plus its protocol state.
type Channel struct {
	Binding     netutil.Binding
	Direction   Direction
	LocalNodeId uuid.UUID

	opts      Options
	callbacks Callbacks

	// PostDisconnect is invoked, exactly once per disconnect, after
	// Shutdown has finished draining and (if applicable) raised
	// ChannelDisconnected. BindingChannel and ConnectingChannel each set
	// this to their own direction-specific policy.
	PostDisconnect func(reason Reason)

	mu              sync.Mutex
	state           State
	remoteNodeId    uuid.UUID
	initCount       int
	pendingAck      []letter.Letter
	incomingAck     []letter.Letter
	lastActivity time.Time

	isConnected atomic

	conn        net.Conn
	receiver    *LetterReceiver
	transmitter *LetterTransmitter
	cancel      context.CancelFunc
	runDone     chan struct{}

	shutdownMu  sync.Mutex
	shuttingDwn bool
}

// atomic is a tiny bool guarded by its own RWMutex, used only for
// IsConnected so callers can poll it without taking the channel's main
// lock.
type atomic struct {
	mu sync.RWMutex
	v  bool
}

func (a *atomic) set(v bool) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

func (a *atomic) get() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.v
}

// New creates a Channel in the Disconnected state for the given binding and
// direction. callbacks receives every event the channel raises.
func New(binding netutil.Binding, direction Direction, localNodeId uuid.UUID, callbacks Callbacks, opts Options) *Channel {
	return &Channel{
		Binding:     binding,
		Direction:   direction,
		LocalNodeId: localNodeId,
		opts:        opts.withDefaults(),
		callbacks:   callbacks.fire(),
		state:       Disconnected,
	}
}

// State returns the channel's current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState overwrites the channel's state directly; used by the direction
// variants to reflect an in-progress dial before a socket exists.
func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// IsReady reports whether the channel has completed its handshake and may
// carry application letters.
func (c *Channel) IsReady() bool {
	return c.State() == Ready
}

// IsConnected reports whether the channel currently owns a live socket.
func (c *Channel) IsConnected() bool {
	return c.isConnected.get()
}

// RemoteNodeId returns the peer's NodeId, valid once the handshake has
// started delivering the peer's Initialize letter.
func (c *Channel) RemoteNodeId() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteNodeId
}

// Connected takes ownership of conn, performs the handshake bootstrap, and
// starts the channel's two I/O actors plus its heartbeat ticker under ctx.
// It returns once the actors are running; it does not block until Ready.
func (c *Channel) Connected(ctx context.Context, conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.state = HandshakePending
	c.initCount = 0
	c.pendingAck = nil
	c.incomingAck = nil
	c.lastActivity = time.Now()
	c.mu.Unlock()

	c.shutdownMu.Lock()
	c.shuttingDwn = false
	c.shutdownMu.Unlock()

	c.isConnected.set(true)

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.runDone = make(chan struct{})

	c.receiver = NewLetterReceiver(conn, c.onReceived, c.opts.Logger)
	c.transmitter = NewLetterTransmitter(conn, c.onTransmitted, c.opts.Logger)

	c.callbacks.OnChannelConnected(c)

	// Bootstrap: hand our own Initialize letter straight to pendingAck and
	// the transmitter, bypassing Enqueue's Ready gate.
	init := letter.NewInitialize(c.LocalNodeId)
	c.mu.Lock()
	c.pendingAck = append(c.pendingAck, init)
	c.mu.Unlock()
	c.transmitter.Enqueue(init)

	group, gctx := errgroup.WithContext(runCtx)
	group.Go(func() error { return c.receiver.Run(gctx) })
	group.Go(func() error { return c.transmitter.Run(gctx) })
	group.Go(func() error { return c.heartbeatLoop(gctx) })

	go func() {
		err := group.Wait()
		close(c.runDone)
		c.Shutdown(reasonFromError(err))
	}()
}

// Enqueue submits l for transmission. If the channel is not Ready, l is
// failed immediately via Callbacks.OnFailedToSend.
func (c *Channel) Enqueue(l letter.Letter) error {
	c.mu.Lock()
	ready := c.state == Ready
	if ready {
		c.pendingAck = append(c.pendingAck, l)
	}
	c.mu.Unlock()

	if !ready {
		c.callbacks.OnFailedToSend(l)
		return ErrNotReady
	}

	c.transmitter.Enqueue(l)
	return nil
}

// Shutdown idempotently tears down the channel's current connection,
// raising FailedToSend for every still-queued send-path letter and, if the
// channel had reached Ready, ChannelDisconnected. It is safe to call from
// any goroutine, including the channel's own supervisor.
func (c *Channel) Shutdown(reason Reason) {
	c.shutdownMu.Lock()
	if c.shuttingDwn {
		c.shutdownMu.Unlock()
		return
	}
	c.shuttingDwn = true
	c.shutdownMu.Unlock()

	c.mu.Lock()
	c.state = ShuttingDown
	c.mu.Unlock()

	c.isConnected.set(false)

	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}

	if c.runDone != nil {
		select {
		case <-c.runDone:
		case <-time.After(c.opts.ShutdownDrainTimeout):
		}
	}

	// The transmitter's own FIFO is a strict subset of pendingAck (every
	// letter it ever queues arrived there via Enqueue, which appends to
	// pendingAck first), so draining pendingAck alone accounts for every
	// send-path letter regardless of whether it reached the socket.
	if c.transmitter != nil {
		c.transmitter.Unsent()
	}

	c.mu.Lock()
	drained := c.pendingAck
	c.pendingAck = nil
	c.incomingAck = nil
	previouslyReady := c.reachedReadyLocked()
	c.state = Disconnected
	c.mu.Unlock()

	for _, l := range drained {
		if l.Type == letter.User || l.Type == letter.Batch {
			c.callbacks.OnFailedToSend(l)
		}
	}

	if previouslyReady {
		c.callbacks.OnChannelDisconnected(c, reason)
	}

	if c.PostDisconnect != nil {
		c.PostDisconnect(reason)
	}
}

// reachedReadyLocked reports whether the channel had ever completed its
// handshake during the connection that is now being torn down. Must be
// called with c.mu held.
func (c *Channel) reachedReadyLocked() bool {
	return c.initCount >= 2
}

// onTransmitted is the Transmitter-sent callback of §4.4: it reacts to the
// letter that was just written to the socket.
func (c *Channel) onTransmitted(l letter.Letter) {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	switch l.Type {
	case letter.Ack:
		c.mu.Lock()
		if len(c.incomingAck) == 0 {
			c.mu.Unlock()
			return
		}
		head := c.incomingAck[0]
		c.incomingAck = c.incomingAck[1:]
		c.mu.Unlock()
		c.deliverUpward(head)

	case letter.Initialize, letter.User, letter.Batch:
		c.mu.Lock()
		if len(c.pendingAck) == 0 {
			c.mu.Unlock()
			return
		}
		head := c.pendingAck[0]
		if head.Options.Has(letter.RequestAck) {
			// Leave it at the head, awaiting the peer's Ack frame.
			c.mu.Unlock()
			return
		}
		c.pendingAck = c.pendingAck[1:]
		c.mu.Unlock()
		c.handleSent(head)

	default:
		// Heartbeat: no queue interaction, idle counter already reset.
	}
}

// onReceived is the Receiver-received callback of §4.4: it reacts to a
// Letter just decoded off the wire.
func (c *Channel) onReceived(l letter.Letter) {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	switch {
	case l.Type == letter.Heartbeat:
		// Idle counter already reset above; a Heartbeat carries nothing
		// further to act on.

	case l.Type == letter.Ack:
		c.mu.Lock()
		if len(c.pendingAck) == 0 {
			c.mu.Unlock()
			// A spurious Ack from a hostile or buggy peer must never pop
			// an empty queue; treat it as a protocol violation instead.
			c.Shutdown(Socket)
			return
		}
		head := c.pendingAck[0]
		c.pendingAck = c.pendingAck[1:]
		c.mu.Unlock()
		c.handleSent(head)

	case l.Options.Has(letter.RequestAck):
		c.mu.Lock()
		c.incomingAck = append(c.incomingAck, l)
		c.mu.Unlock()
		c.transmitter.Enqueue(letter.NewAck())

	default:
		c.deliverUpward(l)
	}
}

// handleSent is the "handle sent" dispatch of §4.4, applied to a letter
// that has just completed its send (either transmitted with no Ack
// requested, or acknowledged by the peer).
func (c *Channel) handleSent(l letter.Letter) {
	switch l.Type {
	case letter.Initialize:
		c.bumpInitCount()
	case letter.User, letter.Batch:
		c.callbacks.OnSent(l)
		c.mu.Lock()
		empty := len(c.pendingAck) == 0
		c.mu.Unlock()
		if empty {
			c.callbacks.OnChannelQueueEmpty(c)
		}
	}
}

// deliverUpward is the "upward deliver" dispatch of §4.4, applied to a
// letter received from the peer that is ready to surface to the
// application (or, for Initialize, to complete the handshake).
func (c *Channel) deliverUpward(l letter.Letter) {
	c.mu.Lock()
	l.RemoteNodeId = c.remoteNodeId
	c.mu.Unlock()

	switch l.Type {
	case letter.Initialize:
		if len(l.Parts) != 1 || len(l.Parts[0]) != 16 {
			c.Shutdown(Socket)
			return
		}
		var remote uuid.UUID
		copy(remote[:], l.Parts[0])
		c.mu.Lock()
		c.remoteNodeId = remote
		c.mu.Unlock()
		c.bumpInitCount()

	case letter.User:
		c.callbacks.OnReceived(l)

	case letter.Batch:
		inners, err := l.InnerLetters()
		if err != nil {
			c.Shutdown(Socket)
			return
		}
		for _, inner := range inners {
			inner.RemoteNodeId = l.RemoteNodeId
			c.callbacks.OnReceived(inner)
		}
	}
}

// bumpInitCount increments InitializationCount and, on reaching 2,
// transitions the channel to Ready and raises ChannelInitialized.
func (c *Channel) bumpInitCount() {
	c.mu.Lock()
	c.initCount++
	reached := c.initCount >= 2 && c.state != Ready
	if reached {
		c.state = Ready
	}
	c.mu.Unlock()

	if reached {
		c.callbacks.OnChannelInitialized(c)
	}
}

// heartbeatLoop ticks at opts.HeartbeatInterval, enqueuing a silent
// Heartbeat letter whenever the channel has been idle for a full tick.
func (c *Channel) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	c.mu.Lock()
	baseline := c.lastActivity
	c.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.mu.Lock()
			state := c.state
			active := c.lastActivity.After(baseline)
			baseline = c.lastActivity
			c.mu.Unlock()

			if state != Ready || active {
				continue
			}
			c.transmitter.Enqueue(letter.NewHeartbeat())
		}
	}
}

func reasonFromError(err error) Reason {
	switch {
	case err == nil:
		return Requested
	case err == context.Canceled:
		return Requested
	case err == ErrRemoteClosed:
		return Remote
	default:
		return Socket
	}
}
