package fleet

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hyperletter/hyperletter/channel"
	"github.com/hyperletter/hyperletter/internal/logging"
	"github.com/hyperletter/hyperletter/internal/netutil"
)

func testOpts(nodeId uuid.UUID) Options {
	return Options{
		LocalNodeId:       nodeId,
		HeartbeatInterval: 50 * time.Millisecond,
		ReconnectDelay:    30 * time.Millisecond,
		Logger:            logging.Noop(),
	}
}

// recordingCallbacks collects every Initialized/Disconnected event
// behind a mutex so tests can assert on them without racing the
// channel's own I/O goroutines.
type recordingCallbacks struct {
	mu           sync.Mutex
	initialized  []*channel.Channel
	disconnected []channel.Reason
}

func (r *recordingCallbacks) callbacks() channel.Callbacks {
	return channel.Callbacks{
		OnChannelInitialized: func(c *channel.Channel) {
			r.mu.Lock()
			r.initialized = append(r.initialized, c)
			r.mu.Unlock()
		},
		OnChannelDisconnected: func(c *channel.Channel, reason channel.Reason) {
			r.mu.Lock()
			r.disconnected = append(r.disconnected, reason)
			r.mu.Unlock()
		},
	}
}

func (r *recordingCallbacks) initializedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.initialized)
}

func TestBindAndConnect(t *testing.T) {
	nodeA := uuid.New()
	nodeB := uuid.New()

	serverCB := &recordingCallbacks{}
	clientCB := &recordingCallbacks{}

	server := New(testOpts(nodeA), serverCB.callbacks())
	client := New(testOpts(nodeB), clientCB.callbacks())
	defer server.Close()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
	if err := server.Listen(addr); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	boundAddr := server.ListenAddr().(*net.TCPAddr)

	bindDone := make(chan error, 1)
	go func() { bindDone <- server.Serve(ctx) }()

	remoteBinding := netutil.Binding{IP: boundAddr.IP, Port: boundAddr.Port}
	cc := client.Connect(ctx, remoteBinding)
	defer cc.Dispose()

	deadline := time.After(5 * time.Second)
	for serverCB.initializedCount() < 1 || clientCB.initializedCount() < 1 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for handshake on both sides")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if cc.RemoteNodeId() != nodeA {
		t.Fatalf("client RemoteNodeId = %s, want %s", cc.RemoteNodeId(), nodeA)
	}

	if len(server.Channels()) != 1 {
		t.Fatalf("server tracks %d channels, want 1", len(server.Channels()))
	}
	if len(client.Channels()) != 1 {
		t.Fatalf("client tracks %d channels, want 1", len(client.Channels()))
	}

	cancel()
	<-bindDone
}

func TestConnectReconnectsAfterDrop(t *testing.T) {
	nodeA := uuid.New()
	nodeB := uuid.New()

	serverCB := &recordingCallbacks{}
	clientCB := &recordingCallbacks{}

	server := New(testOpts(nodeA), serverCB.callbacks())
	client := New(testOpts(nodeB), clientCB.callbacks())
	defer server.Close()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := server.Listen(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	boundAddr := server.ListenAddr().(*net.TCPAddr)

	bindDone := make(chan error, 1)
	go func() { bindDone <- server.Serve(ctx) }()

	remoteBinding := netutil.Binding{IP: boundAddr.IP, Port: boundAddr.Port}
	cc := client.Connect(ctx, remoteBinding)
	defer cc.Dispose()

	waitForInit := func(cb *recordingCallbacks, n int) {
		deadline := time.After(5 * time.Second)
		for cb.initializedCount() < n {
			select {
			case <-deadline:
				t.Fatalf("timed out waiting for %d handshakes", n)
			case <-time.After(10 * time.Millisecond):
			}
		}
	}

	waitForInit(clientCB, 1)

	// Force the underlying connection down; the ConnectingChannel must
	// redial and reach Ready a second time without any new Connect call.
	cc.Shutdown(channel.Socket)
	waitForInit(clientCB, 2)

	cancel()
	<-bindDone
}
