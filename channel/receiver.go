package channel

import (
	"context"
	"io"
	"net"

	"github.com/pkg/errors"

	"github.com/hyperletter/hyperletter/internal/logging"
	"github.com/hyperletter/hyperletter/letter"
)

const scratchBufferSize = 64 * 1024

// ErrRemoteClosed is returned by a LetterReceiver when the peer performed a
// clean TCP close (a read that returns io.EOF).
var ErrRemoteClosed = errors.New("channel: remote closed")

// LetterReceiver reads frames from one socket and emits decoded Letters.
// It reports the socket's failure exactly once, via the error returned from
// Run.
type LetterReceiver struct {
	conn     net.Conn
	onLetter func(letter.Letter)
	logger   logging.Logger

	currentLength uint32
	lengthBuf     [4]byte
	lengthHave    int
	accumulator   []byte
}

// NewLetterReceiver creates a receiver bound to conn. onLetter is called
// synchronously from Run's goroutine for every decoded Letter, Heartbeats
// included, in wire order.
func NewLetterReceiver(conn net.Conn, onLetter func(letter.Letter), logger logging.Logger) *LetterReceiver {
	return &LetterReceiver{conn: conn, onLetter: onLetter, logger: logger}
}

// Run reads from the socket until ctx is canceled or an unrecoverable error
// occurs. It never returns nil; cancellation is reported as ctx.Err().
func (r *LetterReceiver) Run(ctx context.Context) error {
	scratch := make([]byte, scratchBufferSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, err := r.conn.Read(scratch)
		if err != nil {
			if err == io.EOF {
				return ErrRemoteClosed
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "channel: receiver read")
		}
		if n == 0 {
			continue
		}

		if err := r.process(scratch[:n]); err != nil {
			return err
		}
	}
}

// process runs the streaming reassembly algorithm over one chunk of bytes
// read from the socket, decoding and emitting every Letter it completes.
func (r *LetterReceiver) process(chunk []byte) error {
	p := 0
	for p < len(chunk) {
		if r.currentLength == 0 {
			need := 4 - r.lengthHave
			avail := len(chunk) - p
			take := min(need, avail)
			copy(r.lengthBuf[r.lengthHave:r.lengthHave+take], chunk[p:p+take])
			r.lengthHave += take
			p += take

			if r.lengthHave < 4 {
				return nil
			}

			r.currentLength = uint32(r.lengthBuf[0]) | uint32(r.lengthBuf[1])<<8 |
				uint32(r.lengthBuf[2])<<16 | uint32(r.lengthBuf[3])<<24
			r.lengthHave = 0

			if r.currentLength < 4 {
				return letter.ErrMalformedFrame
			}
			r.accumulator = make([]byte, 0, r.currentLength-4)
		}

		bodyLen := int(r.currentLength) - 4
		remaining := bodyLen - len(r.accumulator)
		take := min(remaining, len(chunk)-p)
		r.accumulator = append(r.accumulator, chunk[p:p+take]...)
		p += take

		if len(r.accumulator) == bodyLen {
			l, err := letter.DecodeBody(r.currentLength, r.accumulator)
			if err != nil {
				return err
			}
			r.onLetter(l)
			r.currentLength = 0
			r.accumulator = nil
		}
	}
	return nil
}
