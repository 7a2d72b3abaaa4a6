// Package relay defines the domain types shared between the relay core and
// its collaborators: endpoints, close codes, the handshake classification
// result, and the interfaces the core consumes for identity, storage and
// push delivery.
package relay

// CloseCode is an application-level WebSocket close code delivered to an
// endpoint when the broker disconnects it. The 4000 block is reserved for
// relay-specific reasons; clients branch on the exact value.
type CloseCode int

const (
	// CloseNormal mirrors the standard WebSocket normal-closure code.
	CloseNormal CloseCode = 1000
	// CloseProtocolError mirrors the standard protocol-error code, used for
	// malformed handshakes that carry no relay-specific meaning.
	CloseProtocolError CloseCode = 1002
	// CloseTryAgainLater signals a transient backend failure during the
	// handshake. No partial state was committed.
	CloseTryAgainLater CloseCode = 1013
)

const (
	// CloseIncompatibleProtocol - no protocol version matching the one requested.
	CloseIncompatibleProtocol CloseCode = 4000
	// CloseNoGroup - there is no active group with a matching ID.
	CloseNoGroup CloseCode = 4001
	// CloseNoCapacity - the requested group is at client capacity.
	CloseNoCapacity CloseCode = 4002
	// CloseAccountValidation - the account's ID token could not be validated.
	CloseAccountValidation CloseCode = 4003
	// CloseTokenRefresh - the server's installation ID is out of date;
	// the device must log in again to re-link.
	CloseTokenRefresh CloseCode = 4004
	// CloseNotEntitled - the account is not activated for relay use.
	CloseNotEntitled CloseCode = 4005
	// CloseOtherLocation - superseded by a newer connection for the same identity.
	CloseOtherLocation CloseCode = 4006
)

// Rejectable reports whether a code belongs to the reserved application
// block, meaning the transport should accept the handshake and then close
// with the code so the peer can read it.
func (c CloseCode) Rejectable() bool {
	return c >= 4000 && c < 5000
}

// Endpoint is one bidirectional transport connection, supplied by the
// transport collaborator. Implementations must be safe for concurrent
// Send and Close.
type Endpoint interface {
	// Send writes one binary frame. Fire-and-forget from the core's
	// perspective; the transport owns buffering and backpressure.
	Send(data []byte) error
	// Close disconnects the peer with an application close code.
	// Closing an already-closed endpoint is a no-op.
	Close(code CloseCode, reason string)
	// RemoteAddr describes the peer for logging.
	RemoteAddr() string
}

// FrameEncoder produces the post-handshake frames of one protocol version.
// Every member of a group carries the encoder it negotiated at handshake
// time, so mixed-version groups frame each send correctly.
type FrameEncoder interface {
	EncodeConnectionOK() []byte
	EncodeClientProxy(payload []byte) []byte
	EncodeServerProxy(connectionID int32, payload []byte) []byte
	EncodeServerOpen(connectionID int32) []byte
	EncodeServerClose(connectionID int32) []byte
}

// MemberIntent is the transient classification produced by handshake
// validation and consumed exactly once when the connection opens.
type MemberIntent struct {
	IsServer bool
	GroupID  string
	// FCMToken is the client's push registration token, empty when the
	// client did not supply one. Unused for servers.
	FCMToken string
}

// RejectError carries the close code a handshake was rejected with.
type RejectError struct {
	Code   CloseCode
	Reason string
}

func (e *RejectError) Error() string {
	if e.Reason == "" {
		return "handshake rejected"
	}
	return "handshake rejected: " + e.Reason
}

// Reject builds a RejectError for the given code.
func Reject(code CloseCode, reason string) *RejectError {
	return &RejectError{Code: code, Reason: reason}
}
