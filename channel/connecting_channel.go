package channel

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyperletter/hyperletter/internal/netutil"
)

// DialFunc dials the channel's remote binding, returning a fresh socket.
type DialFunc func(ctx context.Context) (net.Conn, error)

// ConnectingChannel is the Outbound variant of Channel: one created by an
// explicit Connect request. Unlike an Inbound channel, it survives its own
// disconnects — on any reason other than Requested it reschedules a dial
// attempt after ReconnectDelay, reusing the same underlying *Channel (and
// so the same Binding identity in the fleet's map) across every attempt.
type ConnectingChannel struct {
	*Channel

	dial           DialFunc
	reconnectDelay time.Duration

	mu       sync.Mutex
	ctx      context.Context
	disposed bool
	timer    *time.Timer
}

const defaultReconnectDelay = 2 * time.Second

// NewConnectingChannel creates a ConnectingChannel for binding, using dial
// to establish each connection attempt.
func NewConnectingChannel(binding netutil.Binding, localNodeId uuid.UUID, dial DialFunc, reconnectDelay time.Duration, callbacks Callbacks, opts Options) *ConnectingChannel {
	if reconnectDelay <= 0 {
		reconnectDelay = defaultReconnectDelay
	}

	cc := &ConnectingChannel{
		dial:           dial,
		reconnectDelay: reconnectDelay,
	}
	cc.Channel = New(binding, Outbound, localNodeId, callbacks, opts)
	cc.Channel.PostDisconnect = cc.onDisconnect
	return cc
}

// Connect starts the first dial attempt. Subsequent attempts, should the
// connection ever drop for a reason other than Requested, are scheduled
// automatically.
func (cc *ConnectingChannel) Connect(ctx context.Context) {
	cc.mu.Lock()
	cc.ctx = ctx
	cc.mu.Unlock()
	cc.attemptDial()
}

// Dispose permanently stops this channel: any in-flight connection is torn
// down with reason Requested and no further reconnect is scheduled.
func (cc *ConnectingChannel) Dispose() {
	cc.mu.Lock()
	cc.disposed = true
	if cc.timer != nil {
		cc.timer.Stop()
	}
	cc.mu.Unlock()

	cc.Channel.Shutdown(Requested)
}

func (cc *ConnectingChannel) attemptDial() {
	cc.mu.Lock()
	if cc.disposed {
		cc.mu.Unlock()
		return
	}
	ctx := cc.ctx
	cc.mu.Unlock()

	cc.Channel.setState(Connecting)
	conn, err := cc.dial(ctx)
	if err != nil {
		cc.opts.Logger.Debug("dial failed", "binding", cc.Binding.String(), "error", err)
		cc.scheduleRetry()
		return
	}

	cc.Channel.Connected(ctx, conn)
}

func (cc *ConnectingChannel) onDisconnect(reason Reason) {
	if reason == Requested {
		return
	}
	cc.scheduleRetry()
}

func (cc *ConnectingChannel) scheduleRetry() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.disposed {
		return
	}
	cc.timer = time.AfterFunc(cc.reconnectDelay, cc.attemptDial)
}
