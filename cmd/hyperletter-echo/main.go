// Command hyperletter-echo is a minimal two-node demo: it binds a listener,
// optionally dials a peer, and echoes every User letter it receives back
// through Socket.Send, so the echo is routed like any other unicast letter
// (with several peers it may go to a different one than the sender).
package main

import (
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/google/uuid"

	"github.com/hyperletter/hyperletter"
	"github.com/hyperletter/hyperletter/channel"
	"github.com/hyperletter/hyperletter/internal/netutil"
	"github.com/hyperletter/hyperletter/letter"
)

func main() {
	bindAddr := flag.String("bind", "127.0.0.1:12345", "address to bind and accept peers on")
	peerAddr := flag.String("peer", "", "address of a peer to connect to (optional)")
	flag.Parse()

	nodeId := uuid.New()

	var socket *hyperletter.Socket
	socket = hyperletter.New(hyperletter.Events{
		OnReceived: func(l letter.Letter) {
			slog.Info("received", "from", l.RemoteNodeId, "bytes", sumLen(l.Parts))
			if err := socket.Send(letter.NewUser(letter.SilentDiscard, l.Parts...)); err != nil {
				slog.Error("echo failed", "error", err)
			}
		},
		OnConnected: func(binding netutil.Binding) {
			slog.Info("peer connected", "binding", binding.String())
		},
		OnDisconnected: func(binding netutil.Binding, reason channel.Reason) {
			slog.Info("peer disconnected", "binding", binding.String(), "reason", reason.String())
		},
		OnNotDeliverable: func(l letter.Letter) {
			slog.Warn("letter not deliverable", "bytes", sumLen(l.Parts))
		},
	}, hyperletter.WithNodeId(nodeId))

	ip, portStr, err := net.SplitHostPort(*bindAddr)
	if err != nil {
		slog.Error("invalid -bind address", "error", err)
		os.Exit(1)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		slog.Error("invalid -bind port", "error", err)
		os.Exit(1)
	}

	if err := socket.Bind(ip, port); err != nil {
		slog.Error("bind failed", "error", err)
		os.Exit(1)
	}
	slog.Info("listening", "addr", *bindAddr, "nodeId", nodeId)

	if *peerAddr != "" {
		peerIP, peerPortStr, err := net.SplitHostPort(*peerAddr)
		if err != nil {
			slog.Error("invalid -peer address", "error", err)
			os.Exit(1)
		}
		peerPort, err := strconv.Atoi(peerPortStr)
		if err != nil {
			slog.Error("invalid -peer port", "error", err)
			os.Exit(1)
		}
		socket.Connect(netutil.Binding{IP: net.ParseIP(peerIP), Port: peerPort})
		slog.Info("connecting", "addr", *peerAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	if err := socket.Dispose(); err != nil {
		slog.Error("dispose error", "error", err)
	}
}

func sumLen(parts [][]byte) int {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	return n
}
