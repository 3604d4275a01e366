package channel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hyperletter/hyperletter/internal/logging"
	"github.com/hyperletter/hyperletter/internal/netutil"
	"github.com/hyperletter/hyperletter/letter"
)

func testOptions() Options {
	return Options{
		HeartbeatInterval:    50 * time.Millisecond,
		ShutdownDrainTimeout: 200 * time.Millisecond,
		Logger:               logging.Noop(),
	}
}

// connectedPair wires two Channels back to back over an in-process pipe
// and runs both through the Initialize handshake.
func connectedPair(t *testing.T, cbA, cbB Callbacks) (*Channel, *Channel, uuid.UUID, uuid.UUID) {
	t.Helper()

	nodeA := uuid.New()
	nodeB := uuid.New()

	connA, connB := net.Pipe()

	a := New(netutil.Binding{}, Outbound, nodeA, cbA, testOptions())
	b := New(netutil.Binding{}, Inbound, nodeB, cbB, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	a.Connected(ctx, connA)
	b.Connected(ctx, connB)

	return a, b, nodeA, nodeB
}

func waitOrFatal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestHandshakeMutual(t *testing.T) {
	readyA := make(chan struct{})
	readyB := make(chan struct{})

	a, b, nodeA, nodeB := connectedPair(t,
		Callbacks{OnChannelInitialized: func(c *Channel) { close(readyA) }},
		Callbacks{OnChannelInitialized: func(c *Channel) { close(readyB) }},
	)

	waitOrFatal(t, readyA, "channel A ready")
	waitOrFatal(t, readyB, "channel B ready")

	if !a.IsReady() || !b.IsReady() {
		t.Fatal("expected both channels Ready")
	}
	if a.RemoteNodeId() != nodeB {
		t.Fatalf("A.RemoteNodeId = %s, want %s", a.RemoteNodeId(), nodeB)
	}
	if b.RemoteNodeId() != nodeA {
		t.Fatalf("B.RemoteNodeId = %s, want %s", b.RemoteNodeId(), nodeA)
	}
	if a.initCount != 2 || b.initCount != 2 {
		t.Fatalf("initCount = %d/%d, want 2/2", a.initCount, b.initCount)
	}

	a.Shutdown(Requested)
	b.Shutdown(Requested)
}

func TestAckPipeliningOrdering(t *testing.T) {
	var events []string
	done := make(chan struct{})

	readyA := make(chan struct{})
	readyB := make(chan struct{})

	a, b, _, _ := connectedPair(t,
		Callbacks{
			OnChannelInitialized: func(c *Channel) { close(readyA) },
			OnSent: func(l letter.Letter) {
				events = append(events, "A:Sent")
				close(done)
			},
		},
		Callbacks{
			OnChannelInitialized: func(c *Channel) { close(readyB) },
			OnReceived: func(l letter.Letter) {
				events = append(events, "B:Received")
			},
		},
	)

	waitOrFatal(t, readyA, "A ready")
	waitOrFatal(t, readyB, "B ready")

	msg := letter.NewUser(letter.RequestAck, []byte("hi"))
	if err := a.Enqueue(msg); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitOrFatal(t, done, "A:Sent")
	time.Sleep(20 * time.Millisecond)

	if len(events) != 2 || events[0] != "B:Received" || events[1] != "A:Sent" {
		t.Fatalf("expected [B:Received, A:Sent] in order, got %v", events)
	}

	a.Shutdown(Requested)
	b.Shutdown(Requested)
}

func TestFireAndForgetOrdering(t *testing.T) {
	const n = 200
	received := make(chan letter.Letter, n)
	sent := make(chan letter.Letter, n)

	readyA := make(chan struct{})
	readyB := make(chan struct{})

	a, b, _, _ := connectedPair(t,
		Callbacks{
			OnChannelInitialized: func(c *Channel) { close(readyA) },
			OnSent:               func(l letter.Letter) { sent <- l },
		},
		Callbacks{
			OnChannelInitialized: func(c *Channel) { close(readyB) },
			OnReceived:           func(l letter.Letter) { received <- l },
		},
	)

	waitOrFatal(t, readyA, "A ready")
	waitOrFatal(t, readyB, "B ready")

	for i := 0; i < n; i++ {
		if err := a.Enqueue(letter.NewUser(0, []byte{byte(i)})); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		select {
		case l := <-received:
			if l.Parts[0][0] != byte(i) {
				t.Fatalf("received out of order: got %d want %d", l.Parts[0][0], i)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for letter %d", i)
		}
	}
	for i := 0; i < n; i++ {
		select {
		case l := <-sent:
			if l.Parts[0][0] != byte(i) {
				t.Fatalf("sent out of order: got %d want %d", l.Parts[0][0], i)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for sent %d", i)
		}
	}

	a.Shutdown(Requested)
	b.Shutdown(Requested)
}

func TestShutdownDrainsPendingLetters(t *testing.T) {
	var failed []letter.Letter
	c := New(netutil.Binding{}, Outbound, uuid.New(), Callbacks{
		OnFailedToSend: func(l letter.Letter) { failed = append(failed, l) },
	}, testOptions())

	// Bypass the real socket: force Ready and attach a transmitter that is
	// never run, so every Enqueue lands in pendingAck and nothing ever
	// drains from the wire side.
	connA, connB := net.Pipe()
	t.Cleanup(func() { connB.Close() })
	c.conn = connA
	c.transmitter = NewLetterTransmitter(connA, func(letter.Letter) {}, logging.Noop())
	c.setState(Ready)

	const k = 5
	for i := 0; i < k; i++ {
		if err := c.Enqueue(letter.NewUser(letter.RequestAck, []byte{byte(i)})); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	c.Shutdown(Requested)

	if len(failed) != k {
		t.Fatalf("got %d FailedToSend events, want %d", len(failed), k)
	}
	for i, l := range failed {
		if l.Parts[0][0] != byte(i) {
			t.Fatalf("failed[%d] = %v, want part %d", i, l, i)
		}
	}
}

func TestSpuriousAckShutsDownChannel(t *testing.T) {
	disconnected := make(chan Reason, 1)
	readyA := make(chan struct{})
	readyB := make(chan struct{})

	a, b, _, _ := connectedPair(t,
		Callbacks{OnChannelInitialized: func(c *Channel) { close(readyA) }},
		Callbacks{
			OnChannelInitialized: func(c *Channel) { close(readyB) },
			OnChannelDisconnected: func(c *Channel, reason Reason) {
				select {
				case disconnected <- reason:
				default:
				}
			},
		},
	)

	waitOrFatal(t, readyA, "A ready")
	waitOrFatal(t, readyB, "B ready")

	// Inject a spurious Ack directly into B's receive path: B's
	// pendingAck is empty (it has nothing outstanding), so this must be
	// treated as a protocol violation rather than panic on empty dequeue.
	b.onReceived(letter.Letter{Type: letter.Ack})

	select {
	case reason := <-disconnected:
		if reason != Socket {
			t.Fatalf("reason = %v, want Socket", reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for B to disconnect on spurious Ack")
	}

	a.Shutdown(Requested)
}

func TestHeartbeatSentWhenIdle(t *testing.T) {
	readyA := make(chan struct{})
	readyB := make(chan struct{})

	heartbeatOpts := testOptions()
	heartbeatOpts.HeartbeatInterval = 30 * time.Millisecond

	nodeA := uuid.New()
	nodeB := uuid.New()
	connA, connB := net.Pipe()

	a := New(netutil.Binding{}, Outbound, nodeA, Callbacks{
		OnChannelInitialized: func(c *Channel) { close(readyA) },
	}, heartbeatOpts)
	b := New(netutil.Binding{}, Inbound, nodeB, Callbacks{
		OnChannelInitialized: func(c *Channel) { close(readyB) },
		OnReceived: func(l letter.Letter) {
			t.Error("heartbeat must never be surfaced as Received")
		},
	}, heartbeatOpts)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	a.Connected(ctx, connA)
	b.Connected(ctx, connB)

	waitOrFatal(t, readyA, "A ready")
	waitOrFatal(t, readyB, "B ready")

	a.mu.Lock()
	idleSince := a.lastActivity
	a.mu.Unlock()

	// With no traffic, a heartbeat must cross the wire within a couple of
	// intervals and never surface as Received on the peer.
	time.Sleep(200 * time.Millisecond)

	// Both sides are Ready and idle, so the only thing that can move A's
	// activity baseline is a Heartbeat written to or read from the pipe.
	a.mu.Lock()
	lastActivity := a.lastActivity
	a.mu.Unlock()
	if !lastActivity.After(idleSince) {
		t.Fatal("no heartbeat crossed the wire while the channels were idle")
	}

	a.Shutdown(Requested)
	b.Shutdown(Requested)
}

// TestReceivedHeartbeatResetsIdleBaseline covers §4.4's "any send or
// receive" heartbeat rule: a Heartbeat letter arriving off the wire must
// bump lastActivity just like a locally sent letter would, even though it
// is discarded rather than delivered upward.
func TestReceivedHeartbeatResetsIdleBaseline(t *testing.T) {
	_, b, _, _ := connectedPair(t, Callbacks{}, Callbacks{})

	b.mu.Lock()
	b.lastActivity = time.Now().Add(-time.Hour)
	before := b.lastActivity
	b.mu.Unlock()

	b.onReceived(letter.NewHeartbeat())

	b.mu.Lock()
	after := b.lastActivity
	b.mu.Unlock()

	if !after.After(before) {
		t.Fatalf("lastActivity not updated on received Heartbeat: before=%v after=%v", before, after)
	}
}
