package channel

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/hyperletter/hyperletter/internal/logging"
	"github.com/hyperletter/hyperletter/letter"
)

// LetterTransmitter owns an unbounded FIFO of letters awaiting send on one
// socket. A single goroutine (Run) drains the FIFO, encodes, and writes
// each letter in strict order.
type LetterTransmitter struct {
	conn   net.Conn
	onSent func(letter.Letter)
	logger logging.Logger

	mu    sync.Mutex
	queue []letter.Letter
	wake  chan struct{}
}

// NewLetterTransmitter creates a transmitter bound to conn. onSent is
// called synchronously from Run's goroutine after each letter's final byte
// has been accepted by the socket.
func NewLetterTransmitter(conn net.Conn, onSent func(letter.Letter), logger logging.Logger) *LetterTransmitter {
	return &LetterTransmitter{
		conn:   conn,
		onSent: onSent,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue appends l to the FIFO. Safe to call concurrently with Run and
// with other Enqueue calls.
func (t *LetterTransmitter) Enqueue(l letter.Letter) {
	t.mu.Lock()
	t.queue = append(t.queue, l)
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Unsent returns, and clears, every letter still waiting to be written.
// Used by the owning Channel during shutdown to fail whatever never made
// it onto the wire.
func (t *LetterTransmitter) Unsent() []letter.Letter {
	t.mu.Lock()
	defer t.mu.Unlock()
	unsent := t.queue
	t.queue = nil
	return unsent
}

// Run drains the FIFO until ctx is canceled or a write fails. Any letters
// left unsent when Run returns remain available via Unsent.
func (t *LetterTransmitter) Run(ctx context.Context) error {
	for {
		l, ok := t.dequeue()
		if !ok {
			select {
			case <-t.wake:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		frame, err := letter.Encode(l)
		if err != nil {
			return errors.Wrap(err, "channel: transmitter encode")
		}

		if err := t.write(frame); err != nil {
			// Put the letter back at the head so Unsent() reports it.
			t.mu.Lock()
			t.queue = append([]letter.Letter{l}, t.queue...)
			t.mu.Unlock()
			return err
		}

		t.onSent(l)
	}
}

func (t *LetterTransmitter) dequeue() (letter.Letter, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return letter.Letter{}, false
	}
	l := t.queue[0]
	t.queue = t.queue[1:]
	return l, true
}

func (t *LetterTransmitter) write(frame []byte) error {
	for len(frame) > 0 {
		n, err := t.conn.Write(frame)
		if err != nil {
			return errors.Wrap(err, "channel: transmitter write")
		}
		frame = frame[n:]
	}
	return nil
}
