// Package protocol defines the versioned wire-protocol strategy selected
// once per connection during the handshake, and the registry the lifecycle
// uses to negotiate it. New protocol revisions are added to the registry
// without touching connection-lifecycle code.
package protocol

import (
	"context"
	"net/url"

	"github.com/tinywideclouds/go-relay-service/internal/group"
	"github.com/tinywideclouds/go-relay-service/pkg/relay"
)

// Request carries the handshake metadata the transport exposes.
type Request struct {
	RemoteAddr string
	Query      url.Values
}

// Param returns the named handshake parameter, or "" when absent.
func (r Request) Param(key string) string {
	return r.Query.Get(key)
}

// Peer is the dispatcher's view of the connection a frame arrived on.
type Peer interface {
	IsServer() bool
	ConnectionID() int32
	Group() *group.Group
}

// Protocol is one negotiated protocol version. A single instance serves
// every connection that negotiated its version; implementations hold no
// per-connection state.
type Protocol interface {
	relay.FrameEncoder

	// Version returns the negotiated protocol version number.
	Version() int

	// ValidateHandshake classifies a handshake request into a MemberIntent
	// or rejects it with a *relay.RejectError. Rejectable codes tell the
	// transport to accept the handshake and close with the code; any other
	// error refuses the handshake outright.
	ValidateHandshake(ctx context.Context, req Request) (*relay.MemberIntent, error)

	// Receive decodes one post-handshake frame and performs the matching
	// group mutation or forwarding send. Malformed or wrong-role frames
	// are logged and dropped; Receive never fails the connection.
	Receive(ctx context.Context, peer Peer, frame []byte)
}

// Registry is the closed set of protocol versions this relay speaks.
type Registry struct {
	protocols map[int]Protocol
}

// NewRegistry indexes the given protocols by version.
func NewRegistry(protocols ...Protocol) *Registry {
	m := make(map[int]Protocol, len(protocols))
	for _, p := range protocols {
		m[p.Version()] = p
	}
	return &Registry{protocols: m}
}

// ForVersion returns the protocol for a negotiated version number.
func (r *Registry) ForVersion(version int) (Protocol, bool) {
	p, ok := r.protocols[version]
	return p, ok
}
