package session

import (
	"context"
	"errors"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-relay-service/internal/group"
	"github.com/tinywideclouds/go-relay-service/internal/protocol"
	"github.com/tinywideclouds/go-relay-service/pkg/relay"
)

// Lifecycle reacts to transport callbacks for every connection. It owns no
// locks of its own; ordering comes from the registry and per-group mutexes.
type Lifecycle struct {
	registry  *group.Registry
	protocols *protocol.Registry
	tokens    relay.TokenStore // nil when running unlinked
	logger    zerolog.Logger
}

// NewLifecycle wires the lifecycle to its collaborators.
func NewLifecycle(registry *group.Registry, protocols *protocol.Registry, tokens relay.TokenStore, logger zerolog.Logger) *Lifecycle {
	return &Lifecycle{
		registry:  registry,
		protocols: protocols,
		tokens:    tokens,
		logger:    logger.With().Str("component", "Lifecycle").Logger(),
	}
}

// HandleHandshake negotiates a protocol version and validates the request.
// Rejections with an application close code return a rejected Session (the
// transport accepts, then the open transition closes with the code, which
// the peer can read). Low-level failures return an error and the handshake
// is refused outright, so no open event ever fires.
func (l *Lifecycle) HandleHandshake(ctx context.Context, req protocol.Request) (*Session, error) {
	log := l.logger.With().Str("remote", req.RemoteAddr).Logger()

	version, err := strconv.Atoi(req.Param("communications"))
	if err != nil {
		log.Warn().Str("communications", req.Param("communications")).Msg("Rejecting handshake: bad communications version string")
		return nil, relay.Reject(relay.CloseProtocolError, "bad communications version")
	}
	proto, ok := l.protocols.ForVersion(version)
	if !ok {
		log.Debug().Int("version", version).Msg("Rejecting handshake: unsupported protocol version")
		return newRejected(req.RemoteAddr, relay.CloseIncompatibleProtocol), nil
	}

	intent, err := proto.ValidateHandshake(ctx, req)
	if err != nil {
		var reject *relay.RejectError
		if errors.As(err, &reject) && reject.Code.Rejectable() {
			return newRejected(req.RemoteAddr, reject.Code), nil
		}
		return nil, err
	}
	return newPending(req.RemoteAddr, proto, intent), nil
}

// HandleOpen runs when the transport has accepted the connection. It
// consumes the session's MemberIntent exactly once, registers the endpoint
// with the group registry, and acknowledges with a connection-OK frame.
func (l *Lifecycle) HandleOpen(ctx context.Context, sess *Session, ep relay.Endpoint) {
	log := l.logger.With().Str("remote", sess.RemoteAddr()).Logger()

	if ok, code := sess.Rejected(); ok {
		log.Debug().Int("code", int(code)).Msg("Disconnecting rejected connection")
		ep.Close(code, "")
		return
	}

	intent, err := sess.takeIntent()
	if err != nil {
		// Open fired twice for one connection; transport bug.
		log.Error().Err(err).Msg("Open transition without a pending intent")
		ep.Close(relay.CloseProtocolError, "")
		return
	}

	if intent.IsServer {
		l.openServer(ctx, log, sess, ep, intent)
	} else {
		l.openClient(log, sess, ep, intent)
	}
}

func (l *Lifecycle) openServer(ctx context.Context, log zerolog.Logger, sess *Session, ep relay.Endpoint, intent *relay.MemberIntent) {
	// Seed the push-token list from the store for a fresh group. A live
	// group's list is carried over by the registry instead, so the preload
	// is skipped; the store stays out of every registry critical section.
	var seed []string
	if l.tokens != nil && !l.registry.Has(intent.GroupID) {
		var err error
		seed, err = l.tokens.TokenList(ctx, intent.GroupID)
		if err != nil {
			log.Error().Err(err).Str("group", intent.GroupID).Msg("Token list load failed")
			ep.Close(relay.CloseTryAgainLater, "")
			return
		}
	}

	g := l.registry.RegisterServer(intent.GroupID, ep, sess.proto, sess.suppressCleanup, seed)
	sess.attach(g, 0)

	if err := ep.Send(sess.proto.EncodeConnectionOK()); err != nil {
		log.Warn().Err(err).Msg("Failed to send connection OK")
	}
	log.Debug().Str("group", intent.GroupID).Msg("Server connected")
}

func (l *Lifecycle) openClient(log zerolog.Logger, sess *Session, ep relay.Endpoint, intent *relay.MemberIntent) {
	g, id, err := l.registry.RegisterClient(intent.GroupID, ep, sess.proto, sess.suppressCleanup, intent.FCMToken)
	if err != nil {
		// The registry already closed the endpoint with the right code.
		return
	}
	sess.attach(g, id)

	if err := g.NotifyServerOpen(id); err != nil {
		log.Warn().Err(err).Str("group", intent.GroupID).Msg("Failed to notify server of new client")
	}
	if err := ep.Send(sess.proto.EncodeConnectionOK()); err != nil {
		log.Warn().Err(err).Msg("Failed to send connection OK")
	}
	log.Debug().Str("group", intent.GroupID).Int32("connection", id).Msg("Client connected")
}

// HandleMessage forwards one received frame to the negotiated protocol.
func (l *Lifecycle) HandleMessage(ctx context.Context, sess *Session, frame []byte) {
	if rejected, _ := sess.Rejected(); rejected {
		return
	}
	if sess.Group() == nil {
		// A frame raced the open transition; nothing to dispatch to yet.
		return
	}
	sess.proto.Receive(ctx, sess, frame)
}

// HandleClose performs the exactly-once cleanup for a disconnected
// endpoint: group teardown and token write-back for servers, membership
// removal and server notification for clients.
func (l *Lifecycle) HandleClose(ctx context.Context, sess *Session, code int, reason string) {
	if sess == nil {
		return
	}
	log := l.logger.With().Str("remote", sess.RemoteAddr()).Int("code", code).Str("reason", reason).Logger()

	if rejected, _ := sess.Rejected(); rejected {
		log.Debug().Msg("Rejected connection disconnected")
		return
	}

	g := sess.Group()
	if g == nil {
		log.Debug().Bool("server", sess.IsServer()).Msg("Ungrouped connection disconnected")
		return
	}

	// Supersession already tore this connection down; doing cleanup again
	// would corrupt the replacement group's state.
	if sess.suppressed.Load() {
		log.Debug().Str("group", g.ID()).Msg("Connection disconnected during group teardown")
		return
	}

	if sess.IsServer() {
		g.CloseAll(relay.CloseNoGroup)
		l.registry.Unregister(g)
		l.persistTokens(ctx, log, g)
		log.Debug().Str("group", g.ID()).Msg("Server disconnected, group torn down")
	} else {
		g.RemoveClient(sess.ConnectionID())
		if err := g.NotifyServerClose(sess.ConnectionID()); err != nil {
			log.Warn().Err(err).Str("group", g.ID()).Msg("Failed to notify server of client disconnect")
		}
		log.Debug().Str("group", g.ID()).Int32("connection", sess.ConnectionID()).Msg("Client disconnected")
	}
}

// persistTokens hands a torn-down group's token list to the store when it
// changed during the group's lifetime. Best effort: failures are logged,
// never retried here.
func (l *Lifecycle) persistTokens(ctx context.Context, log zerolog.Logger, g *group.Group) {
	if l.tokens == nil || !g.TokensDirty() {
		return
	}
	if err := l.tokens.SaveTokenList(ctx, g.ID(), g.Tokens()); err != nil {
		log.Error().Err(err).Str("group", g.ID()).Msg("Token list write-back failed")
	}
}

// HandleError records a transport error. State only changes through the
// close callback that follows; errors may fire for connections that never
// attached any state.
func (l *Lifecycle) HandleError(sess *Session, err error) {
	if sess == nil {
		l.logger.Warn().Err(err).Msg("Transport error on connection without session")
		return
	}
	if rejected, _ := sess.Rejected(); rejected {
		return
	}
	l.logger.Warn().Err(err).Str("remote", sess.RemoteAddr()).Msg("Transport error")
}
