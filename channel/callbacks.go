package channel

import "github.com/hyperletter/hyperletter/letter"

// Reason identifies why a Channel shut down.
type Reason int

const (
	// Requested means the local side disposed/disconnected the channel.
	Requested Reason = iota
	// Socket means an underlying I/O error or malformed frame occurred.
	Socket
	// Remote means the peer performed an orderly close.
	Remote
)

func (r Reason) String() string {
	switch r {
	case Requested:
		return "Requested"
	case Socket:
		return "Socket"
	case Remote:
		return "Remote"
	default:
		return "Unknown"
	}
}

// Callbacks are the event sinks a Channel reports to. Every payload is
// passed by value; implementations must not block (the channel's I/O actor
// is calling in) and must not call back into the same Channel's Enqueue
// from within a callback while holding any lock of their own, or a
// re-entrant deadlock can result.
type Callbacks struct {
	OnSent                func(l letter.Letter)
	OnReceived            func(l letter.Letter)
	OnFailedToSend        func(l letter.Letter)
	OnChannelConnected    func(c *Channel)
	OnChannelInitialized  func(c *Channel)
	OnChannelDisconnected func(c *Channel, reason Reason)
	OnChannelQueueEmpty   func(c *Channel)
}

func (cb Callbacks) fire() Callbacks {
	noop := func(letter.Letter) {}
	noopC := func(*Channel) {}
	if cb.OnSent == nil {
		cb.OnSent = noop
	}
	if cb.OnReceived == nil {
		cb.OnReceived = noop
	}
	if cb.OnFailedToSend == nil {
		cb.OnFailedToSend = noop
	}
	if cb.OnChannelConnected == nil {
		cb.OnChannelConnected = noopC
	}
	if cb.OnChannelInitialized == nil {
		cb.OnChannelInitialized = noopC
	}
	if cb.OnChannelDisconnected == nil {
		cb.OnChannelDisconnected = func(*Channel, Reason) {}
	}
	if cb.OnChannelQueueEmpty == nil {
		cb.OnChannelQueueEmpty = noopC
	}
	return cb
}
