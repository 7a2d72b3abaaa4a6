package session

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-relay-service/internal/group"
	"github.com/tinywideclouds/go-relay-service/internal/protocol"
	v1 "github.com/tinywideclouds/go-relay-service/internal/protocol/v1"
	"github.com/tinywideclouds/go-relay-service/pkg/relay"
)

// passVerifier accepts any token and uses it verbatim as the user ID,
// matching unlinked-mode wiring.
type passVerifier struct{}

func (passVerifier) Verify(_ context.Context, idToken string) (string, error) {
	if idToken == "" {
		return "", errors.New("empty token")
	}
	return idToken, nil
}

type mockTokenStore struct {
	mock.Mock
}

func (m *mockTokenStore) TokenList(ctx context.Context, uid string) ([]string, error) {
	args := m.Called(ctx, uid)
	var tokens []string
	if v, ok := args.Get(0).([]string); ok {
		tokens = v
	}
	return tokens, args.Error(1)
}

func (m *mockTokenStore) SaveTokenList(ctx context.Context, uid string, tokens []string) error {
	args := m.Called(ctx, uid, tokens)
	return args.Error(0)
}

type fakeEndpoint struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	code   relay.CloseCode
}

func (f *fakeEndpoint) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("endpoint closed")
	}
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeEndpoint) Close(code relay.CloseCode, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.code = code
	}
}

func (f *fakeEndpoint) RemoteAddr() string { return "test:0" }

func (f *fakeEndpoint) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *fakeEndpoint) closedWith() (bool, relay.CloseCode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.code
}

type harness struct {
	lifecycle *Lifecycle
	registry  *group.Registry
	proto     *v1.Protocol
}

func newHarness(capacity int, tokens relay.TokenStore) *harness {
	registry := group.NewRegistry(capacity, 8, zerolog.Nop())
	proto := v1.New(v1.Config{RelayID: "relay-zero"}, passVerifier{}, nil, nil, zerolog.Nop())
	return &harness{
		lifecycle: NewLifecycle(registry, protocol.NewRegistry(proto), tokens, zerolog.Nop()),
		registry:  registry,
		proto:     proto,
	}
}

func request(params map[string]string) protocol.Request {
	q := url.Values{"communications": {"1"}}
	for k, v := range params {
		q.Set(k, v)
	}
	return protocol.Request{RemoteAddr: "test:0", Query: q}
}

// connect runs the handshake and open transitions for one connection.
func (h *harness) connect(t *testing.T, params map[string]string) (*Session, *fakeEndpoint) {
	t.Helper()
	sess, err := h.lifecycle.HandleHandshake(context.Background(), request(params))
	require.NoError(t, err)
	ep := &fakeEndpoint{}
	h.lifecycle.HandleOpen(context.Background(), sess, ep)
	return sess, ep
}

func (h *harness) connectServer(t *testing.T, groupID string) (*Session, *fakeEndpoint) {
	t.Helper()
	return h.connect(t, map[string]string{
		"is_server":       "true",
		"installation_id": "install-1",
		"user_id":         groupID,
	})
}

func (h *harness) connectClient(t *testing.T, groupID string, fcmToken string) (*Session, *fakeEndpoint) {
	t.Helper()
	return h.connect(t, map[string]string{
		"id_token":  groupID,
		"fcm_token": fcmToken,
	})
}

func TestLifecycle_ServerClientExchange(t *testing.T) {
	h := newHarness(3, nil)
	ctx := context.Background()

	serverSess, serverEP := h.connectServer(t, "g1")
	require.Equal(t, [][]byte{h.proto.EncodeConnectionOK()}, serverEP.sent())

	clientSess, clientEP := h.connectClient(t, "g1", "")
	assert.Equal(t, [][]byte{h.proto.EncodeConnectionOK()}, clientEP.sent())
	require.Len(t, serverEP.sent(), 2)
	assert.Equal(t, h.proto.EncodeServerOpen(1), serverEP.sent()[1])

	// Client payload reaches the server tagged with its connection ID.
	h.lifecycle.HandleMessage(ctx, clientSess, h.proto.EncodeClientProxy([]byte("hi")))
	require.Len(t, serverEP.sent(), 3)
	assert.Equal(t, h.proto.EncodeServerProxy(1, []byte("hi")), serverEP.sent()[2])

	// Server payload addressed to connection 1 reaches the client.
	h.lifecycle.HandleMessage(ctx, serverSess, h.proto.EncodeServerProxy(1, []byte("bye")))
	require.Len(t, clientEP.sent(), 2)
	assert.Equal(t, h.proto.EncodeClientProxy([]byte("bye")), clientEP.sent()[1])

	// Client disconnect notifies the server.
	h.lifecycle.HandleClose(ctx, clientSess, 1000, "going away")
	require.Len(t, serverEP.sent(), 4)
	assert.Equal(t, h.proto.EncodeServerClose(1), serverEP.sent()[3])

	// Server disconnect tears the group down.
	h.lifecycle.HandleClose(ctx, serverSess, 1006, "")
	assert.False(t, h.registry.Has("g1"))

	lateEP := &fakeEndpoint{}
	_, _, err := h.registry.RegisterClient("g1", lateEP, h.proto, nil, "")
	assert.ErrorIs(t, err, group.ErrNoGroup)
	closed, code := lateEP.closedWith()
	assert.True(t, closed)
	assert.Equal(t, relay.CloseNoGroup, code)
}

func TestLifecycle_ServerCloseCommandEchoesDisconnect(t *testing.T) {
	h := newHarness(3, nil)
	ctx := context.Background()

	serverSess, serverEP := h.connectServer(t, "g1")
	clientSess, clientEP := h.connectClient(t, "g1", "")
	require.Len(t, serverEP.sent(), 2) // connectionOK + serverOpen

	// The server closes connection 1 by command; the client's own close
	// callback then fires, as the transport always does after a close.
	h.lifecycle.HandleMessage(ctx, serverSess, h.proto.EncodeServerClose(1))
	closed, code := clientEP.closedWith()
	require.True(t, closed)
	assert.Equal(t, relay.CloseNormal, code)

	h.lifecycle.HandleClose(ctx, clientSess, int(relay.CloseNormal), "")

	// The server is told the connection is gone, same as any disconnect.
	require.Len(t, serverEP.sent(), 3)
	assert.Equal(t, h.proto.EncodeServerClose(1), serverEP.sent()[2])
}

func TestLifecycle_UnsupportedVersionRejectedAfterAccept(t *testing.T) {
	h := newHarness(3, nil)
	ctx := context.Background()

	sess, err := h.lifecycle.HandleHandshake(ctx, protocol.Request{
		RemoteAddr: "test:0",
		Query:      url.Values{"communications": {"99"}},
	})
	require.NoError(t, err, "incompatible versions are rejected after accept, not refused")

	ep := &fakeEndpoint{}
	h.lifecycle.HandleOpen(ctx, sess, ep)
	closed, code := ep.closedWith()
	assert.True(t, closed)
	assert.Equal(t, relay.CloseIncompatibleProtocol, code)

	// No registry interaction occurred and later callbacks are inert.
	h.lifecycle.HandleMessage(ctx, sess, []byte{0, 0, 0, 100})
	h.lifecycle.HandleClose(ctx, sess, 4000, "")
	assert.Empty(t, ep.sent())
}

func TestLifecycle_MalformedVersionRefusesHandshake(t *testing.T) {
	h := newHarness(3, nil)

	_, err := h.lifecycle.HandleHandshake(context.Background(), protocol.Request{
		RemoteAddr: "test:0",
		Query:      url.Values{"communications": {"not-a-number"}},
	})

	var reject *relay.RejectError
	require.ErrorAs(t, err, &reject)
	assert.False(t, reject.Code.Rejectable())
}

func TestLifecycle_CapacityRejectionLeavesMembersIntact(t *testing.T) {
	h := newHarness(3, nil)

	_, serverEP := h.connectServer(t, "g1")
	var clients []*fakeEndpoint
	for i := 0; i < 3; i++ {
		_, ep := h.connectClient(t, "g1", "")
		clients = append(clients, ep)
	}
	require.Len(t, serverEP.sent(), 4) // connectionOK + three serverOpen

	_, extra := h.connectClient(t, "g1", "")
	closed, code := extra.closedWith()
	assert.True(t, closed)
	assert.Equal(t, relay.CloseNoCapacity, code)
	assert.Empty(t, extra.sent(), "rejected client must not receive connection OK")

	// No serverOpen for the rejected client, existing members untouched.
	assert.Len(t, serverEP.sent(), 4)
	for _, ep := range clients {
		closed, _ := ep.closedWith()
		assert.False(t, closed)
	}
}

func TestLifecycle_IntentConsumedExactlyOnce(t *testing.T) {
	h := newHarness(3, nil)
	ctx := context.Background()

	sess, err := h.lifecycle.HandleHandshake(ctx, request(map[string]string{
		"is_server":       "true",
		"installation_id": "install-1",
		"user_id":         "g1",
	}))
	require.NoError(t, err)

	first := &fakeEndpoint{}
	h.lifecycle.HandleOpen(ctx, sess, first)
	require.True(t, h.registry.Has("g1"))

	// A duplicate open is a transport bug: the second endpoint is closed
	// and no second registration happens.
	second := &fakeEndpoint{}
	h.lifecycle.HandleOpen(ctx, sess, second)
	closed, code := second.closedWith()
	assert.True(t, closed)
	assert.Equal(t, relay.CloseProtocolError, code)

	closed, _ = first.closedWith()
	assert.False(t, closed)
}

func TestLifecycle_ServerTeardownPersistsDirtyTokens(t *testing.T) {
	tokens := &mockTokenStore{}
	h := newHarness(3, tokens)
	ctx := context.Background()

	tokens.On("TokenList", mock.Anything, "g1").Return([]string{"tok-a"}, nil).Once()
	serverSess, _ := h.connectServer(t, "g1")

	clientSess, _ := h.connectClient(t, "g1", "tok-b")

	tokens.On("SaveTokenList", mock.Anything, "g1", []string{"tok-b", "tok-a"}).Return(nil).Once()
	h.lifecycle.HandleClose(ctx, clientSess, 1000, "")
	h.lifecycle.HandleClose(ctx, serverSess, 1000, "")

	tokens.AssertExpectations(t)
	assert.False(t, h.registry.Has("g1"))
}

func TestLifecycle_CleanTokenListNotPersisted(t *testing.T) {
	tokens := &mockTokenStore{}
	h := newHarness(3, tokens)

	tokens.On("TokenList", mock.Anything, "g1").Return([]string{"tok-a"}, nil).Once()
	serverSess, _ := h.connectServer(t, "g1")

	h.lifecycle.HandleClose(context.Background(), serverSess, 1000, "")

	tokens.AssertExpectations(t)
	tokens.AssertNotCalled(t, "SaveTokenList", mock.Anything, mock.Anything, mock.Anything)
}

func TestLifecycle_TokenLoadFailureClosesTryAgainLater(t *testing.T) {
	tokens := &mockTokenStore{}
	h := newHarness(3, tokens)

	tokens.On("TokenList", mock.Anything, "g1").Return(nil, errors.New("unavailable")).Once()
	_, serverEP := h.connectServer(t, "g1")

	closed, code := serverEP.closedWith()
	assert.True(t, closed)
	assert.Equal(t, relay.CloseTryAgainLater, code)
	assert.False(t, h.registry.Has("g1"))
}

func TestLifecycle_SupersessionSuppressesVictimCleanup(t *testing.T) {
	h := newHarness(3, nil)
	ctx := context.Background()

	oldServerSess, oldServerEP := h.connectServer(t, "g1")
	clientSess, clientEP := h.connectClient(t, "g1", "tok-a")

	newServerSess, newServerEP := h.connectServer(t, "g1")

	closed, code := oldServerEP.closedWith()
	assert.True(t, closed)
	assert.Equal(t, relay.CloseOtherLocation, code)
	closed, code = clientEP.closedWith()
	assert.True(t, closed)
	assert.Equal(t, relay.CloseOtherLocation, code)

	// The replacement group carries the token edits forward.
	g := newServerSess.Group()
	require.NotNil(t, g)
	assert.Equal(t, []string{"tok-a"}, g.Tokens())
	assert.True(t, g.TokensDirty())

	// The victims' own close callbacks now fire. Neither may touch the
	// replacement group: no unregister, no serverClose notification.
	h.lifecycle.HandleClose(ctx, oldServerSess, 4006, "superseded")
	h.lifecycle.HandleClose(ctx, clientSess, 4006, "superseded")

	assert.True(t, h.registry.Has("g1"))
	require.Len(t, newServerEP.sent(), 1)
	assert.Equal(t, h.proto.EncodeConnectionOK(), newServerEP.sent()[0])
}
