// Package hyperletter is a point-to-point, multi-peer message transport
// over TCP: a lightweight framing and acknowledgement protocol (see the
// letter package) layered under a single dispatcher, UnicastSocket, that
// hides individual connections behind one Send/Sent/Received surface.
package hyperletter

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hyperletter/hyperletter/channel"
	"github.com/hyperletter/hyperletter/fleet"
	"github.com/hyperletter/hyperletter/internal/logging"
	"github.com/hyperletter/hyperletter/internal/netutil"
	"github.com/hyperletter/hyperletter/letter"
)

// Events are the application-visible callbacks a UnicastSocket raises.
// Every payload is immutable; implementations must not block, since they
// run on the channel's own I/O goroutine.
type Events struct {
	OnSent           func(l letter.Letter)
	OnReceived       func(l letter.Letter)
	OnConnected      func(binding netutil.Binding)
	OnDisconnected   func(binding netutil.Binding, reason channel.Reason)
	OnNotDeliverable func(l letter.Letter)
}

func (e Events) fire() Events {
	if e.OnSent == nil {
		e.OnSent = func(letter.Letter) {}
	}
	if e.OnReceived == nil {
		e.OnReceived = func(letter.Letter) {}
	}
	if e.OnConnected == nil {
		e.OnConnected = func(netutil.Binding) {}
	}
	if e.OnDisconnected == nil {
		e.OnDisconnected = func(netutil.Binding, channel.Reason) {}
	}
	if e.OnNotDeliverable == nil {
		e.OnNotDeliverable = func(letter.Letter) {}
	}
	return e
}

// options holds UnicastSocket's tuning knobs, configured via Option.
type options struct {
	nodeId            uuid.UUID
	heartbeatInterval time.Duration
	reconnectDelay    time.Duration
	logger            logging.Logger
	pendingCapacity   int
	sendBufferBytes   int
	recvBufferBytes   int
}

const defaultPendingCapacity = 1024

func defaultOptions() options {
	return options{
		nodeId:          uuid.New(),
		pendingCapacity: defaultPendingCapacity,
		logger:          logging.Default(),
	}
}

// Option configures a UnicastSocket.
type Option func(*options)

// WithNodeId sets the NodeId this socket presents to every peer during the
// handshake. Defaults to a freshly generated UUID.
func WithNodeId(id uuid.UUID) Option {
	return func(o *options) { o.nodeId = id }
}

// WithHeartbeatInterval sets the idle-check cadence for every channel this
// socket owns.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *options) { o.heartbeatInterval = d }
}

// WithReconnectDelay sets the backoff before an Outbound channel redials
// after an unrequested disconnect.
func WithReconnectDelay(d time.Duration) Option {
	return func(o *options) { o.reconnectDelay = d }
}

// WithLogger sets the structured logger used for internal diagnostics.
func WithLogger(logger logging.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithPendingCapacity bounds the sender-side pending list consulted when no
// channel is Ready; the oldest entry is evicted (raising OnNotDeliverable)
// once the list is full. Defaults to 1024.
func WithPendingCapacity(n int) Option {
	return func(o *options) { o.pendingCapacity = n }
}

// WithSocketBuffers requests SO_SNDBUF/SO_RCVBUF sizes for every socket this
// node opens, best-effort on platforms internal/netutil supports.
func WithSocketBuffers(send, recv int) Option {
	return func(o *options) {
		o.sendBufferBytes = send
		o.recvBufferBytes = recv
	}
}

// Socket is a UnicastSocket: a single logical transport endpoint fronting
// any number of live channels to distinct peers. Bind accepts inbound
// peers; Connect dials outbound ones. Send picks (or fans out across) the
// Ready channel set according to the letter's Options.
type Socket struct {
	opts   options
	events Events
	fleet  *fleet.Fleet

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	ready    map[string]*channel.Channel
	order    []string
	rrCursor int
	pending  []letter.Letter
}

// New creates a UnicastSocket. It does not open any socket until Bind or
// Connect is called.
func New(events Events, opts ...Option) *Socket {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Socket{
		opts:   o,
		events: events.fire(),
		ctx:    ctx,
		cancel: cancel,
		ready:  make(map[string]*channel.Channel),
	}

	s.fleet = fleet.New(fleet.Options{
		LocalNodeId:       o.nodeId,
		HeartbeatInterval: o.heartbeatInterval,
		ReconnectDelay:    o.reconnectDelay,
		Logger:            o.logger,
		SendBufferBytes:   o.sendBufferBytes,
		RecvBufferBytes:   o.recvBufferBytes,
	}, channel.Callbacks{
		OnSent:                s.onSent,
		OnReceived:            s.onReceived,
		OnFailedToSend:        s.onFailedToSend,
		OnChannelInitialized:  s.onChannelInitialized,
		OnChannelDisconnected: s.onChannelDisconnected,
	})

	return s
}

// Bind opens a listener on ip:port and begins accepting peers. It returns
// once the listener is bound; accepting runs in the background until
// Dispose is called.
func (s *Socket) Bind(ip string, port int) error {
	addr := &net.TCPAddr{IP: net.ParseIP(ip), Port: port}
	if err := s.fleet.Listen(addr); err != nil {
		return errors.Wrap(err, "hyperletter: bind")
	}

	go func() {
		if err := s.fleet.Serve(s.ctx); err != nil && s.ctx.Err() == nil {
			s.opts.logger.Error("hyperletter: accept loop exited", "error", err)
		}
	}()

	return nil
}

// Connect dials binding and tracks the resulting Outbound channel, which
// reconnects on its own after any disconnect other than one this socket
// requested.
func (s *Socket) Connect(binding netutil.Binding) {
	s.fleet.Connect(s.ctx, binding)
}

// Dispose tears down every channel this socket owns and stops its listener,
// if any.
func (s *Socket) Dispose() error {
	s.cancel()
	return s.fleet.Close()
}

// Send submits l for delivery. It always returns synchronously; delivery
// itself, and any retry/fallback routing, happens asynchronously on the
// channel's own I/O actors.
func (s *Socket) Send(l letter.Letter) error {
	s.route(l)
	return nil
}

// ChannelCount returns the number of channels this socket currently tracks,
// in any state.
func (s *Socket) ChannelCount() int {
	return len(s.fleet.Channels())
}

// ReadyChannelCount returns the number of channels currently eligible to
// carry a Send.
func (s *Socket) ReadyChannelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready)
}

// route applies §4.7's routing policy: Multicast letters go to every Ready
// channel; everything else goes to one, chosen round-robin. A letter that
// finds no Ready channel falls back to the bounded pending list.
func (s *Socket) route(l letter.Letter) {
	if l.Options.Has(letter.Multicast) {
		targets := s.readySnapshot()
		if len(targets) == 0 {
			s.fallback(l)
			return
		}
		for _, c := range targets {
			c.Enqueue(l)
		}
		return
	}

	c, ok := s.nextReady()
	if !ok {
		s.fallback(l)
		return
	}
	c.Enqueue(l)
}

// fallback is reached when route found no Ready channel. A SilentDiscard
// letter is simply dropped; otherwise it joins the pending list, evicting
// the oldest entry (as NotDeliverable) if the list is already full.
func (s *Socket) fallback(l letter.Letter) {
	if l.Options.Has(letter.SilentDiscard) {
		return
	}

	var evicted letter.Letter
	hasEvicted := false

	s.mu.Lock()
	if len(s.pending) >= s.opts.pendingCapacity {
		evicted = s.pending[0]
		s.pending = s.pending[1:]
		hasEvicted = true
	}
	s.pending = append(s.pending, l)
	s.mu.Unlock()

	if hasEvicted {
		s.events.OnNotDeliverable(evicted)
	}
}

// drainPending re-routes every letter the pending list is holding, called
// when a channel reaching Ready takes the ready set from empty to
// non-empty. A letter that still finds no
// target lands back in the pending list via fallback.
func (s *Socket) drainPending() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, l := range pending {
		s.route(l)
	}
}

// readySnapshot and nextReady re-check IsReady against the channel itself
// rather than trusting s.ready's membership alone: a channel tearing down
// fires OnFailedToSend for its drained pendingAck before it fires
// OnChannelDisconnected (see Channel.Shutdown), so s.ready can briefly
// still list a channel whose actual state has already moved past Ready.
// Routing into that window must not select it again.

func (s *Socket) readySnapshot() []*channel.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*channel.Channel, 0, len(s.ready))
	for _, key := range s.order {
		if c, ok := s.ready[key]; ok && c.IsReady() {
			out = append(out, c)
		}
	}
	return out
}

func (s *Socket) nextReady() (*channel.Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return nil, false
	}
	for i := 0; i < len(s.order); i++ {
		idx := (s.rrCursor + i) % len(s.order)
		key := s.order[idx]
		c, ok := s.ready[key]
		if ok && c.IsReady() {
			s.rrCursor = idx + 1
			return c, true
		}
	}
	return nil, false
}

func (s *Socket) addReady(c *channel.Channel) {
	key := c.Binding.Key()

	s.mu.Lock()
	wasEmpty := len(s.ready) == 0
	if _, exists := s.ready[key]; !exists {
		s.order = append(s.order, key)
	}
	s.ready[key] = c
	s.mu.Unlock()

	s.events.OnConnected(c.Binding)
	if wasEmpty {
		s.drainPending()
	}
}

func (s *Socket) removeReady(c *channel.Channel, reason channel.Reason) {
	key := c.Binding.Key()

	s.mu.Lock()
	_, existed := s.ready[key]
	delete(s.ready, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if existed {
		s.events.OnDisconnected(c.Binding, reason)
	}
}

func (s *Socket) onSent(l letter.Letter)     { s.events.OnSent(l) }
func (s *Socket) onReceived(l letter.Letter) { s.events.OnReceived(l) }

func (s *Socket) onFailedToSend(l letter.Letter) {
	s.route(l)
}

func (s *Socket) onChannelInitialized(c *channel.Channel) {
	s.addReady(c)
}

func (s *Socket) onChannelDisconnected(c *channel.Channel, reason channel.Reason) {
	s.removeReady(c, reason)
}
