package channel

import (
	"github.com/google/uuid"

	"github.com/hyperletter/hyperletter/internal/netutil"
)

// NewBindingChannel creates the Inbound variant of Channel: one accepted by
// a listener. It never reconnects — whoever owns the fleet is responsible
// for destroying it once PostDisconnect fires.
func NewBindingChannel(binding netutil.Binding, localNodeId uuid.UUID, callbacks Callbacks, opts Options) *Channel {
	return New(binding, Inbound, localNodeId, callbacks, opts)
}
