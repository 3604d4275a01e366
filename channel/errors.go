package channel

import "github.com/pkg/errors"

// ErrNotReady is returned by Enqueue when the channel has not completed its
// handshake (or has since disconnected).
var ErrNotReady = errors.New("channel: not ready")
