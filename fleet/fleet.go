// Package fleet tracks every live Channel a node owns, keyed by Binding. It
// accepts inbound connections on a listener, dials outbound connections on
// request, and forwards each channel's events upward to whatever aggregator
// the caller supplies.
package fleet

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/hyperletter/hyperletter/channel"
	"github.com/hyperletter/hyperletter/internal/logging"
	"github.com/hyperletter/hyperletter/internal/netutil"
)

// Options configures a Fleet's shared per-channel tuning and accept-loop
// resilience window.
type Options struct {
	LocalNodeId       uuid.UUID
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	Logger            logging.Logger

	// ShutdownTimeout, if positive, keeps Serve's accept loop running for
	// that long after its ctx is canceled, giving in-flight accepts a chance
	// to finish — mirrored from the teacher's graceful-shutdown-with-early-
	// bypass pattern. Close cuts the window short and closes the listener at
	// once. Zero means stop as soon as ctx is canceled.
	ShutdownTimeout time.Duration

	// SendBufferBytes and RecvBufferBytes, if positive, are applied via
	// netutil.TuneConn to every connection this fleet accepts or dials.
	SendBufferBytes int
	RecvBufferBytes int
}

func (o Options) withDefaults() Options {
	if o.LocalNodeId == uuid.Nil {
		o.LocalNodeId = uuid.New()
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
	return o
}

func (o Options) channelOptions() channel.Options {
	return channel.Options{
		HeartbeatInterval: o.HeartbeatInterval,
		Logger:            o.Logger,
	}
}

// Fleet owns every Channel a node has open, keyed by its remote Binding.
type Fleet struct {
	opts      Options
	callbacks channel.Callbacks

	mu         sync.Mutex
	channels   map[string]*channel.Channel
	connecting map[string]*channel.ConnectingChannel
	listener   *net.TCPListener

	shutdownMu  sync.Mutex
	shutdown    bool
	shutdownNow chan struct{}
}

// New creates a Fleet. callbacks is forwarded, unmodified, to every channel
// the fleet creates, so the caller's dispatcher sees one unified event
// stream regardless of how many bindings are involved.
func New(opts Options, callbacks channel.Callbacks) *Fleet {
	return &Fleet{
		opts:        opts.withDefaults(),
		callbacks:   callbacks,
		channels:    make(map[string]*channel.Channel),
		connecting:  make(map[string]*channel.ConnectingChannel),
		shutdownNow: make(chan struct{}),
	}
}

// Channels returns a snapshot slice of every channel currently tracked,
// regardless of state.
func (f *Fleet) Channels() []*channel.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*channel.Channel, 0, len(f.channels))
	for _, c := range f.channels {
		out = append(out, c)
	}
	return out
}

// Listen opens a listener on addr, returning as soon as the bind succeeds
// or fails. Call Serve to start accepting connections on it.
func (f *Fleet) Listen(addr *net.TCPAddr) error {
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.listener = listener
	f.mu.Unlock()

	f.opts.Logger.Info("fleet: listening", "addr", listener.Addr())
	return nil
}

// ListenAddr returns the listener's bound address, or nil if Listen has not
// been called yet.
func (f *Fleet) ListenAddr() net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listener == nil {
		return nil
	}
	return f.listener.Addr()
}

// Bind opens a listener on addr and starts accepting inbound connections;
// each accepted connection becomes an Inbound Channel tracked in the fleet.
// It blocks until ctx is canceled or Close is called.
func (f *Fleet) Bind(ctx context.Context, addr *net.TCPAddr) error {
	if err := f.Listen(addr); err != nil {
		return err
	}
	return f.Serve(ctx)
}

// Serve runs the accept loop against a listener already opened by Listen.
// It blocks until ctx is canceled or Close is called.
func (f *Fleet) Serve(ctx context.Context) error {
	f.mu.Lock()
	listener := f.listener
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		if f.opts.ShutdownTimeout > 0 {
			select {
			case <-time.After(f.opts.ShutdownTimeout):
			case <-f.shutdownNow:
			}
		}
		f.shutdownMu.Lock()
		f.shutdown = true
		f.shutdownMu.Unlock()
		_ = listener.SetDeadline(time.Now())
	}()

	for {
		conn, err := listener.AcceptTCP()
		if err != nil {
			f.shutdownMu.Lock()
			isShutdown := f.shutdown
			f.shutdownMu.Unlock()
			if isShutdown {
				f.opts.Logger.Info("fleet: listener stopped", "addr", listener.Addr())
				return ctx.Err()
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			f.opts.Logger.Error("fleet: accept error", "error", err)
			return err
		}

		if err := netutil.TuneConn(conn, f.opts.SendBufferBytes, f.opts.RecvBufferBytes); err != nil {
			f.opts.Logger.Warn("fleet: tune accepted conn", "error", err)
		}
		f.adopt(ctx, conn)
	}
}

// adopt wires a freshly accepted TCP connection into a new Inbound channel.
func (f *Fleet) adopt(ctx context.Context, conn *net.TCPConn) {
	binding, err := netutil.BindingFromAddr(conn.RemoteAddr())
	if err != nil {
		f.opts.Logger.Error("fleet: unsupported remote address", "error", err)
		_ = conn.Close()
		return
	}

	c := channel.NewBindingChannel(binding, f.opts.LocalNodeId, f.callbacks, f.opts.channelOptions())
	c.PostDisconnect = func(channel.Reason) { f.remove(binding) }

	f.mu.Lock()
	f.channels[binding.Key()] = c
	f.mu.Unlock()

	c.Connected(ctx, conn)
}

// Connect dials binding and tracks the resulting Outbound channel. Unlike an
// inbound accept, the returned channel survives disconnects (other than
// Requested) by reconnecting on its own schedule; Dispose on the returned
// handle, Disconnect, or Close on the whole Fleet tears it down for good.
func (f *Fleet) Connect(ctx context.Context, binding netutil.Binding) *channel.ConnectingChannel {
	dial := func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", binding.String())
		if err != nil {
			return nil, err
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			if err := netutil.TuneConn(tcpConn, f.opts.SendBufferBytes, f.opts.RecvBufferBytes); err != nil {
				f.opts.Logger.Warn("fleet: tune dialed conn", "error", err)
			}
		}
		return conn, nil
	}

	// NewConnectingChannel already installs its own PostDisconnect (the
	// reconnect scheduler); the same *Channel stays in the map across every
	// reconnect attempt, so there is nothing further to wire here. The
	// entry is removed only by Disconnect or Close.
	cc := channel.NewConnectingChannel(binding, f.opts.LocalNodeId, dial, f.opts.ReconnectDelay, f.callbacks, f.opts.channelOptions())

	f.mu.Lock()
	f.channels[binding.Key()] = cc.Channel
	f.connecting[binding.Key()] = cc
	f.mu.Unlock()

	cc.Connect(ctx)
	return cc
}

// Disconnect permanently disposes the outbound channel connected (or
// reconnecting) to binding, if any, removing it from the fleet. It has no
// effect on an Inbound channel, which already removes itself on disconnect.
func (f *Fleet) Disconnect(binding netutil.Binding) {
	f.mu.Lock()
	cc, ok := f.connecting[binding.Key()]
	if ok {
		delete(f.connecting, binding.Key())
		delete(f.channels, binding.Key())
	}
	f.mu.Unlock()

	if ok {
		cc.Dispose()
	}
}

func (f *Fleet) remove(binding netutil.Binding) {
	f.mu.Lock()
	delete(f.channels, binding.Key())
	f.mu.Unlock()
}

// Close tears down every tracked channel and, if a listener is open, stops
// it. Errors from individual channel shutdowns never occur (Channel.Shutdown
// has no error return), but Close aggregates listener-close failures the
// same way, for symmetry with callers that already expect a *multierror.
func (f *Fleet) Close() error {
	f.shutdownMu.Lock()
	f.shutdown = true
	f.shutdownMu.Unlock()

	select {
	case f.shutdownNow <- struct{}{}:
	default:
	}

	var result *multierror.Error

	f.mu.Lock()
	listener := f.listener
	connecting := make([]*channel.ConnectingChannel, 0, len(f.connecting))
	for _, cc := range f.connecting {
		connecting = append(connecting, cc)
	}
	inbound := make([]*channel.Channel, 0, len(f.channels))
	for key, c := range f.channels {
		if _, isOutbound := f.connecting[key]; !isOutbound {
			inbound = append(inbound, c)
		}
	}
	f.channels = make(map[string]*channel.Channel)
	f.connecting = make(map[string]*channel.ConnectingChannel)
	f.mu.Unlock()

	if listener != nil {
		if err := listener.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	// Connecting channels must go through Dispose so their reconnect timer
	// is stopped; a bare Shutdown would leave a pending retry scheduled.
	for _, cc := range connecting {
		cc.Dispose()
	}
	for _, c := range inbound {
		c.Shutdown(channel.Requested)
	}

	return result.ErrorOrNil()
}
