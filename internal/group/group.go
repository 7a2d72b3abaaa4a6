package group

import (
	"errors"
	"sync"

	"github.com/tinywideclouds/go-relay-service/pkg/relay"
)

// ErrNoCapacity is returned when a group already holds its maximum number
// of simultaneous clients.
var ErrNoCapacity = errors.New("group at capacity")

// member is one attached connection: its endpoint, the frame encoder it
// negotiated at handshake time, and a detach hook that suppresses the
// connection's own cleanup when the whole group is torn down.
type member struct {
	ep     relay.Endpoint
	enc    relay.FrameEncoder
	detach func()
}

func (m member) send(frame []byte) error {
	return m.ep.Send(frame)
}

// Group is one relay group: exactly one server endpoint plus up to
// capacity client endpoints, keyed by a monotonically assigned connection
// ID that is never reused within the group's lifetime. All operations on
// one Group are linearized by its mutex; operations on different groups
// never contend.
type Group struct {
	id       string
	capacity int

	mu      sync.Mutex
	server  member
	clients map[int32]member
	nextID  int32
	tokens  *TokenList
	closed  bool
}

// New creates a group owned by the given server connection. tokens may be
// nil, in which case an empty list bounded by tokenLimit is created.
func New(id string, capacity, tokenLimit int, server relay.Endpoint, enc relay.FrameEncoder, detach func(), tokens *TokenList) *Group {
	if tokens == nil {
		tokens = NewTokenList(tokenLimit, nil)
	}
	if detach == nil {
		detach = func() {}
	}
	return &Group{
		id:       id,
		capacity: capacity,
		server:   member{ep: server, enc: enc, detach: detach},
		clients:  make(map[int32]member),
		tokens:   tokens,
	}
}

// ID returns the group identifier.
func (g *Group) ID() string {
	return g.id
}

// Count returns the number of currently attached clients.
func (g *Group) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// AdmitClient registers a client connection, assigning it the next
// connection ID. If fcmToken is non-empty it is touched into the group's
// token list. Returns ErrNoCapacity when the group is full; the caller's
// endpoint is untouched in that case.
func (g *Group) AdmitClient(ep relay.Endpoint, enc relay.FrameEncoder, detach func(), fcmToken string) (int32, error) {
	if detach == nil {
		detach = func() {}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || len(g.clients) >= g.capacity {
		return 0, ErrNoCapacity
	}
	g.nextID++
	id := g.nextID
	g.clients[id] = member{ep: ep, enc: enc, detach: detach}
	if fcmToken != "" {
		g.tokens.Touch(fcmToken)
	}
	return id, nil
}

// RemoveClient deletes a client from the group if present. Absence is
// expected: the transport's close callback and a server-initiated close
// may race to remove the same ID.
func (g *Group) RemoveClient(id int32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.clients, id)
}

// CloseClient removes the client with the given ID and closes its
// endpoint. The victim's close callback stays armed, so the server still
// receives the disconnect notification for the ID it closed. No-op when
// the ID is unknown.
func (g *Group) CloseClient(id int32, code relay.CloseCode) {
	g.mu.Lock()
	m, ok := g.clients[id]
	if ok {
		delete(g.clients, id)
	}
	g.mu.Unlock()

	if ok {
		m.ep.Close(code, "")
	}
}

// CloseAll closes every client and the server with the given code,
// detaching each member first so their close callbacks skip group cleanup.
// The group is unusable afterwards; a second call is a no-op.
func (g *Group) CloseAll(code relay.CloseCode) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	victims := make([]member, 0, len(g.clients)+1)
	for _, m := range g.clients {
		victims = append(victims, m)
	}
	g.clients = make(map[int32]member)
	victims = append(victims, g.server)
	g.mu.Unlock()

	for _, m := range victims {
		m.detach()
		m.ep.Close(code, "")
	}
}

// NotifyServerOpen tells the group's server that client id connected.
func (g *Group) NotifyServerOpen(id int32) error {
	s := g.serverMember()
	return s.send(s.enc.EncodeServerOpen(id))
}

// NotifyServerClose tells the group's server that client id disconnected.
func (g *Group) NotifyServerClose(id int32) error {
	s := g.serverMember()
	return s.send(s.enc.EncodeServerClose(id))
}

// ForwardToServer relays a client payload to the server, tagged with the
// sending client's connection ID.
func (g *Group) ForwardToServer(id int32, payload []byte) error {
	s := g.serverMember()
	return s.send(s.enc.EncodeServerProxy(id, payload))
}

// ForwardToClient relays a server payload to one client. It reports false
// when no client with that ID is attached, so the caller can tell the
// server the connection is gone.
func (g *Group) ForwardToClient(id int32, payload []byte) (bool, error) {
	g.mu.Lock()
	m, ok := g.clients[id]
	g.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, m.send(m.enc.EncodeClientProxy(payload))
}

// BroadcastToClients relays a server payload to every attached client.
// A send failing because a client is closing concurrently is skipped; it
// never fails the whole broadcast.
func (g *Group) BroadcastToClients(payload []byte) {
	g.mu.Lock()
	targets := make([]member, 0, len(g.clients))
	for _, m := range g.clients {
		targets = append(targets, m)
	}
	g.mu.Unlock()

	for _, m := range targets {
		_ = m.send(m.enc.EncodeClientProxy(payload))
	}
}

// TouchToken records a push token for this group's account.
func (g *Group) TouchToken(token string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tokens.Touch(token)
}

// RemoveToken drops a push token from this group's account.
func (g *Group) RemoveToken(token string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tokens.Remove(token)
}

// Tokens returns a snapshot of the group's push tokens.
func (g *Group) Tokens() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tokens.Tokens()
}

// TokensDirty reports whether the token list changed since it was loaded,
// meaning it should be written back when the group is torn down.
func (g *Group) TokensDirty() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tokens.Dirty()
}

// supersede tears the group down with the given code and hands its token
// list, dirty flag included, to the replacement. The list is swapped for a
// fresh empty one under the same lock acquisition, so a late token frame
// from a superseded member mutates the dead list, never the carried one.
func (g *Group) supersede(code relay.CloseCode) *TokenList {
	g.mu.Lock()
	taken := g.tokens
	g.tokens = NewTokenList(taken.limit, nil)
	if g.closed {
		g.mu.Unlock()
		return taken
	}
	g.closed = true
	victims := make([]member, 0, len(g.clients)+1)
	for _, m := range g.clients {
		victims = append(victims, m)
	}
	g.clients = make(map[int32]member)
	victims = append(victims, g.server)
	g.mu.Unlock()

	for _, m := range victims {
		m.detach()
		m.ep.Close(code, "")
	}
	return taken
}

func (g *Group) serverMember() member {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.server
}
