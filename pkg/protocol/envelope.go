// pkg/protocol/envelope.go
package protocol

import (
	"github.com/busybox42/floodmesh/pkg/types"
)

// DiscoveryRequest is the line a client sends to ask a node for its public
// key.
const DiscoveryRequest = "GET_PUBKEY"

// Grant carries the session key wrapped for one recipient of a broadcast.
type Grant struct {
	Recipient types.Identity
	Key       []byte
}

// Envelope is the routed unit: header, wrapped session key, encrypted payload
// and the path of nodes that have already seen it.
type Envelope struct {
	Origin      types.Identity
	Destination types.Identity
	// WrappedKey is set for unicast envelopes.
	WrappedKey []byte
	// Grants is set for broadcast envelopes.
	Grants     []Grant
	IV         []byte
	Ciphertext []byte
	Signature  []byte
	Path       []types.Identity
}

// AppendHop records id on the path unless it is already there.
func (e *Envelope) AppendHop(id types.Identity) {
	if e.Visited(id) {
		return
	}
	e.Path = append(e.Path, id)
}

// Visited reports whether id already appears on the path.
func (e *Envelope) Visited(id types.Identity) bool {
	return types.Contains(e.Path, id)
}

// KeyFor returns the wrapped session key addressed to id.
func (e *Envelope) KeyFor(id types.Identity) ([]byte, bool) {
	if !e.Destination.IsBroadcast() {
		if e.Destination == id && len(e.WrappedKey) > 0 {
			return e.WrappedKey, true
		}
		return nil, false
	}
	for _, g := range e.Grants {
		if g.Recipient == id {
			return g.Key, true
		}
	}
	return nil, false
}
