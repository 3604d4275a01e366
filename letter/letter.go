// Package letter defines the wire format and in-memory representation of a
// hyperletter message unit.
package letter

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Type identifies the kind of a Letter.
type Type uint8

const (
	// Initialize carries the sender's NodeId during the handshake.
	Initialize Type = iota + 1
	// User carries an application payload.
	User
	// Batch carries one or more fully-encoded Letters as its parts.
	Batch
	// Ack acknowledges a previously received Letter that requested one.
	Ack
	// Heartbeat is a zero-part keepalive; never surfaced to the application.
	Heartbeat
)

func (t Type) String() string {
	switch t {
	case Initialize:
		return "Initialize"
	case User:
		return "User"
	case Batch:
		return "Batch"
	case Ack:
		return "Ack"
	case Heartbeat:
		return "Heartbeat"
	default:
		return "Unknown"
	}
}

// Options is a bitset of per-letter delivery flags.
type Options uint8

const (
	// RequestAck requests that the peer acknowledge this letter.
	RequestAck Options = 1 << iota
	// SilentDiscard means the letter may be dropped without notifying the
	// sender if it cannot be delivered.
	SilentDiscard
	// UniqueId means Id carries a meaningful correlation value and must be
	// serialized on the wire.
	UniqueId
	// Multicast means the letter should be sent on every ready channel
	// instead of just one.
	Multicast
)

// Has reports whether flag is set.
func (o Options) Has(flag Options) bool {
	return o&flag != 0
}

// Letter is one application-level message unit.
type Letter struct {
	Type    Type
	Options Options
	Id      uuid.UUID
	Parts   [][]byte

	// RemoteNodeId is populated on delivery of a received Letter; it is
	// never part of the wire encoding.
	RemoteNodeId uuid.UUID
}

// Errors returned while decoding a frame.
var (
	// ErrMalformedFrame is returned when a frame's declared lengths do not
	// describe a valid Letter.
	ErrMalformedFrame = errors.New("letter: malformed frame")
)

const (
	lengthPrefixSize = 4
	headerSize       = 1 /* type */ + 1 /* options */ + 2 /* part count */
	idSize           = 16
)

// NewUser builds a User letter from the given parts.
func NewUser(opts Options, parts ...[]byte) Letter {
	l := Letter{Type: User, Options: opts, Parts: parts}
	if opts.Has(UniqueId) {
		l.Id = uuid.New()
	}
	return l
}

// NewInitialize builds the handshake Initialize letter for nodeId.
func NewInitialize(nodeId uuid.UUID) Letter {
	idBytes := make([]byte, 16)
	copy(idBytes, nodeId[:])
	return Letter{Type: Initialize, Options: RequestAck, Parts: [][]byte{idBytes}}
}

// NewAck builds the zero-part acknowledgement letter.
func NewAck() Letter {
	return Letter{Type: Ack}
}

// NewHeartbeat builds the zero-part, silently-discardable keepalive letter.
func NewHeartbeat() Letter {
	return Letter{Type: Heartbeat, Options: SilentDiscard}
}

// NewBatch wraps the fully-encoded form of each inner letter as a part of a
// Batch letter.
func NewBatch(inner ...Letter) (Letter, error) {
	parts := make([][]byte, 0, len(inner))
	for _, l := range inner {
		frame, err := Encode(l)
		if err != nil {
			return Letter{}, err
		}
		parts = append(parts, frame)
	}
	return Letter{Type: Batch, Parts: parts}, nil
}

// InnerLetters decodes each part of a Batch letter as a standalone Letter.
func (l Letter) InnerLetters() ([]Letter, error) {
	out := make([]Letter, 0, len(l.Parts))
	for _, part := range l.Parts {
		inner, _, err := Decode(part)
		if err != nil {
			return nil, err
		}
		out = append(out, inner)
	}
	return out, nil
}

// Encode renders l as a length-prefixed wire frame.
func Encode(l Letter) ([]byte, error) {
	size := lengthPrefixSize + headerSize
	if l.Options.Has(UniqueId) {
		size += idSize
	}
	for _, p := range l.Parts {
		size += 4 + len(p)
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(size))
	buf[4] = byte(l.Type)
	buf[5] = byte(l.Options)

	off := 6
	if l.Options.Has(UniqueId) {
		copy(buf[off:off+idSize], l.Id[:])
		off += idSize
	}
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(l.Parts)))
	off += 2
	for _, p := range l.Parts {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(p)))
		off += 4
		copy(buf[off:off+len(p)], p)
		off += len(p)
	}
	return buf, nil
}

// Decode parses a complete wire frame, including its 4-byte length prefix,
// and returns the Letter plus the number of bytes consumed.
func Decode(frame []byte) (Letter, int, error) {
	if len(frame) < lengthPrefixSize {
		return Letter{}, 0, ErrMalformedFrame
	}
	totalLength := binary.LittleEndian.Uint32(frame[0:4])
	if totalLength < lengthPrefixSize+headerSize || int(totalLength) > len(frame) {
		return Letter{}, 0, ErrMalformedFrame
	}
	l, err := DecodeBody(totalLength, frame[lengthPrefixSize:totalLength])
	if err != nil {
		return Letter{}, 0, err
	}
	return l, int(totalLength), nil
}

// DecodeBody parses the body of a frame (everything after the 4-byte length
// prefix) given the total_length the prefix declared.
func DecodeBody(totalLength uint32, body []byte) (Letter, error) {
	minBody := headerSize
	if len(body) < minBody {
		return Letter{}, ErrMalformedFrame
	}

	l := Letter{
		Type:    Type(body[0]),
		Options: Options(body[1]),
	}

	off := 2
	if l.Options.Has(UniqueId) {
		if len(body) < off+idSize {
			return Letter{}, ErrMalformedFrame
		}
		copy(l.Id[:], body[off:off+idSize])
		off += idSize
	}

	if len(body) < off+2 {
		return Letter{}, ErrMalformedFrame
	}
	partCount := binary.LittleEndian.Uint16(body[off : off+2])
	off += 2

	if partCount > 0 {
		parts := make([][]byte, 0, partCount)
		for i := 0; i < int(partCount); i++ {
			if len(body) < off+4 {
				return Letter{}, ErrMalformedFrame
			}
			partLen := binary.LittleEndian.Uint32(body[off : off+4])
			off += 4
			if len(body) < off+int(partLen) {
				return Letter{}, ErrMalformedFrame
			}
			part := make([]byte, partLen)
			copy(part, body[off:off+int(partLen)])
			off += int(partLen)
			parts = append(parts, part)
		}
		l.Parts = parts
	}

	if off != len(body) {
		return Letter{}, ErrMalformedFrame
	}

	return l, nil
}
