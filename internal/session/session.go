// Package session holds the per-connection state machine that wires
// transport lifecycle events (handshake, open, message, close, error) to
// the protocol, the group registry and the external collaborators.
package session

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/tinywideclouds/go-relay-service/internal/group"
	"github.com/tinywideclouds/go-relay-service/internal/protocol"
	"github.com/tinywideclouds/go-relay-service/pkg/relay"
)

var errIntentConsumed = errors.New("member intent already consumed")

// Session is the state attached to one connection. It is created during
// the handshake and carried through every later lifecycle callback, which
// the transport may invoke from different goroutines.
type Session struct {
	remoteAddr string
	proto      protocol.Protocol

	// rejected connections carry only the close code to deliver after the
	// transport accepts them.
	rejected  bool
	closeCode relay.CloseCode

	mu     sync.Mutex
	intent *relay.MemberIntent

	isServer bool
	connID   int32
	grp      atomic.Pointer[group.Group]

	// suppressed marks the session as torn down by its group (supersession
	// or a server-initiated close), so its own close callback skips group
	// cleanup and the redundant server notification.
	suppressed atomic.Bool
}

func newPending(remoteAddr string, proto protocol.Protocol, intent *relay.MemberIntent) *Session {
	return &Session{
		remoteAddr: remoteAddr,
		proto:      proto,
		intent:     intent,
		isServer:   intent.IsServer,
	}
}

func newRejected(remoteAddr string, code relay.CloseCode) *Session {
	return &Session{
		remoteAddr: remoteAddr,
		rejected:   true,
		closeCode:  code,
	}
}

// Rejected reports whether the handshake marked this connection for
// immediate closure, and with which code.
func (s *Session) Rejected() (bool, relay.CloseCode) {
	return s.rejected, s.closeCode
}

// takeIntent moves the handshake classification out of its once-only slot.
// A second call is a lifecycle bug and returns an error.
func (s *Session) takeIntent() (*relay.MemberIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.intent == nil {
		return nil, errIntentConsumed
	}
	intent := s.intent
	s.intent = nil
	return intent, nil
}

func (s *Session) attach(g *group.Group, connID int32) {
	s.connID = connID
	s.grp.Store(g)
}

// suppressCleanup is handed to the group as the member detach hook.
func (s *Session) suppressCleanup() {
	s.suppressed.Store(true)
}

// IsServer reports whether this connection owns its group.
func (s *Session) IsServer() bool { return s.isServer }

// ConnectionID returns the in-group ID assigned at admission, 0 for servers.
func (s *Session) ConnectionID() int32 { return s.connID }

// Group returns the group this connection belongs to, nil before open.
func (s *Session) Group() *group.Group { return s.grp.Load() }

// RemoteAddr describes the peer for logging.
func (s *Session) RemoteAddr() string { return s.remoteAddr }
