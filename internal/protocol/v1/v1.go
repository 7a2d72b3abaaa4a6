// Package v1 implements the first revision of the relay wire protocol:
// query-string handshake parameters and 4-byte big-endian tagged frames.
package v1

import (
	"context"
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-relay-service/internal/group"
	"github.com/tinywideclouds/go-relay-service/internal/protocol"
	"github.com/tinywideclouds/go-relay-service/pkg/relay"
)

// Version is the negotiated protocol version this package implements.
const Version = 1

// Frame tags. Each frame opens with the tag as a big-endian int32,
// followed by the type-specific payload.
const (
	// tagConnectionOK - the connection is registered and OK to use (broker -> either).
	tagConnectionOK = 0
	// tagClientProxy - opaque payload relayed between a client and its server
	// (client -> broker: forward to server; broker -> client: deliver).
	tagClientProxy = 100
	// tagClientAddFCMToken - register a push token (client -> broker). Payload:
	// UTF-8 token string.
	tagClientAddFCMToken = 110
	// tagClientRemoveFCMToken - drop a push token (client -> broker).
	tagClientRemoveFCMToken = 111
	// tagServerOpen - a client connected (broker -> server). Payload: int32
	// connection ID.
	tagServerOpen = 200
	// tagServerClose - a client disconnected (broker -> server), or close a
	// client by ID (server -> broker). Payload: int32 connection ID.
	tagServerClose = 201
	// tagServerProxy - opaque payload addressed to one client (server ->
	// broker), or delivered from one client (broker -> server). Payload:
	// int32 connection ID + data.
	tagServerProxy = 210
	// tagServerProxyBroadcast - opaque payload for every client (server -> broker).
	tagServerProxyBroadcast = 211
	// tagServerNotifyPush - wake the group's offline clients through the push
	// collaborator (server -> broker). No payload.
	tagServerNotifyPush = 212
)

// Config carries the per-process settings the protocol needs.
type Config struct {
	// RelayID identifies this relay instance in user records.
	RelayID string
}

// Protocol is the v1 strategy. One instance serves every v1 connection.
// users and push may be nil when the relay runs unlinked; account and
// installation checks are skipped in that case.
type Protocol struct {
	cfg      Config
	verifier relay.IdentityVerifier
	users    relay.UserStore
	push     relay.PushNotifier
	logger   zerolog.Logger
}

// New creates the v1 protocol with its collaborators.
func New(cfg Config, verifier relay.IdentityVerifier, users relay.UserStore, push relay.PushNotifier, logger zerolog.Logger) *Protocol {
	return &Protocol{
		cfg:      cfg,
		verifier: verifier,
		users:    users,
		push:     push,
		logger:   logger.With().Str("component", "ProtocolV1").Logger(),
	}
}

// Version returns 1.
func (p *Protocol) Version() int { return Version }

// ValidateHandshake reads the v1 query parameters and classifies the
// connection. Servers either enroll for the first time (id_token) or
// reconnect (user_id + matching installation_id); clients always present an
// id_token whose verified subject becomes the group ID.
func (p *Protocol) ValidateHandshake(ctx context.Context, req protocol.Request) (*relay.MemberIntent, error) {
	isServer, _ := strconv.ParseBool(req.Param("is_server"))
	installationID := req.Param("installation_id")
	idToken := req.Param("id_token")
	userID := req.Param("user_id")
	fcmToken := req.Param("fcm_token")

	log := p.logger.With().Str("remote", req.RemoteAddr).Logger()

	if isServer {
		groupID, err := p.validateServer(ctx, log, installationID, idToken, userID)
		if err != nil {
			return nil, err
		}
		return &relay.MemberIntent{IsServer: true, GroupID: groupID}, nil
	}

	if userID != "" {
		log.Warn().Str("user_id", userID).Msg("Rejecting handshake: client provided a user ID")
		return nil, relay.Reject(relay.CloseProtocolError, "unexpected user_id")
	}
	groupID, err := p.validateIDToken(ctx, log, idToken)
	if err != nil {
		return nil, err
	}
	return &relay.MemberIntent{GroupID: groupID, FCMToken: fcmToken}, nil
}

func (p *Protocol) validateServer(ctx context.Context, log zerolog.Logger, installationID, idToken, userID string) (string, error) {
	// The installation ID ends up in persistence keys, so a path separator
	// is an injection attempt.
	if installationID == "" || strings.Contains(installationID, "/") {
		log.Warn().Msg("Rejecting handshake: missing or invalid installation ID")
		return "", relay.Reject(relay.CloseProtocolError, "bad installation_id")
	}

	// First-time enrollment: exchange the ID token for a verified user ID
	// and record this installation.
	if idToken != "" {
		if userID != "" {
			log.Warn().Str("user_id", userID).Msg("Rejecting handshake: both id_token and user_id provided")
			return "", relay.Reject(relay.CloseProtocolError, "unexpected user_id")
		}
		uid, err := p.validateIDToken(ctx, log, idToken)
		if err != nil {
			return "", err
		}
		if p.users != nil {
			if err := p.users.RecordEnrollment(ctx, uid, p.cfg.RelayID, installationID); err != nil {
				log.Warn().Err(err).Msg("Rejecting handshake: enrollment write failed")
				return "", relay.Reject(relay.CloseTryAgainLater, "store unavailable")
			}
		}
		return uid, nil
	}

	// Reconnection: the caller names its group and must present the
	// installation ID we have on record.
	if userID == "" || strings.Contains(userID, "/") {
		log.Warn().Str("user_id", userID).Msg("Rejecting handshake: missing or invalid user ID")
		return "", relay.Reject(relay.CloseProtocolError, "bad user_id")
	}
	if p.users != nil {
		user, err := p.users.User(ctx, userID)
		if err != nil {
			log.Warn().Err(err).Msg("Rejecting handshake: user lookup failed")
			return "", relay.Reject(relay.CloseTryAgainLater, "store unavailable")
		}
		if user == nil || user.InstallationID != installationID {
			log.Warn().Str("user", userID).Msg("Rejecting handshake: installation ID stale, token refresh required")
			return "", relay.Reject(relay.CloseTokenRefresh, "installation id stale")
		}
		if !user.Activated {
			log.Warn().Str("user", userID).Msg("Rejecting handshake: account not activated")
			return "", relay.Reject(relay.CloseNotEntitled, "account not activated")
		}
		if user.RelayID != p.cfg.RelayID {
			if err := p.users.RecordRelay(ctx, userID, p.cfg.RelayID); err != nil {
				log.Warn().Err(err).Msg("Rejecting handshake: relay ID update failed")
				return "", relay.Reject(relay.CloseTryAgainLater, "store unavailable")
			}
		}
	}
	return userID, nil
}

// validateIDToken exchanges an identity token for a verified, activated
// user ID.
func (p *Protocol) validateIDToken(ctx context.Context, log zerolog.Logger, idToken string) (string, error) {
	if idToken == "" {
		log.Warn().Msg("Rejecting handshake: no ID token provided")
		return "", relay.Reject(relay.CloseProtocolError, "missing id_token")
	}

	uid, err := p.verifier.Verify(ctx, idToken)
	if err != nil {
		log.Warn().Err(err).Msg("Rejecting handshake: token validation failed")
		return "", relay.Reject(relay.CloseAccountValidation, "token validation failed")
	}

	if p.users != nil {
		user, err := p.users.User(ctx, uid)
		if err != nil {
			log.Warn().Err(err).Msg("Rejecting handshake: user lookup failed")
			return "", relay.Reject(relay.CloseTryAgainLater, "store unavailable")
		}
		if user == nil || !user.Activated {
			log.Warn().Str("user", uid).Msg("Rejecting handshake: account not activated")
			return "", relay.Reject(relay.CloseNotEntitled, "account not activated")
		}
	}
	return uid, nil
}

// Receive decodes one frame and dispatches it. The broker is permissive
// post-handshake: unknown tags, short payloads and wrong-role frames are
// logged and dropped so minor version skew never kills a connection.
func (p *Protocol) Receive(ctx context.Context, peer protocol.Peer, frame []byte) {
	if len(frame) < 4 {
		p.logger.Warn().Int("len", len(frame)).Msg("Dropping frame: missing tag")
		return
	}
	tag := int(binary.BigEndian.Uint32(frame))
	payload := frame[4:]

	g := peer.Group()
	if g == nil {
		p.logger.Warn().Int("tag", tag).Msg("Dropping frame: connection has no group")
		return
	}

	switch tag {
	case tagClientProxy:
		if peer.IsServer() {
			p.logger.Info().Msg("Ignoring client proxy request from server")
			return
		}
		if err := g.ForwardToServer(peer.ConnectionID(), payload); err != nil {
			p.logger.Warn().Err(err).Str("group", g.ID()).Msg("Failed to forward client payload to server")
		}

	case tagClientAddFCMToken:
		if peer.IsServer() {
			p.logger.Info().Msg("Ignoring token addition request from server")
			return
		}
		g.TouchToken(string(payload))

	case tagClientRemoveFCMToken:
		if peer.IsServer() {
			p.logger.Info().Msg("Ignoring token removal request from server")
			return
		}
		g.RemoveToken(string(payload))

	case tagServerClose:
		if !peer.IsServer() {
			p.logger.Info().Msg("Ignoring server close request from client")
			return
		}
		id, ok := readConnectionID(payload)
		if !ok {
			p.logger.Warn().Msg("Dropping server close frame: short payload")
			return
		}
		g.CloseClient(id, relay.CloseNormal)

	case tagServerProxy:
		if !peer.IsServer() {
			p.logger.Info().Msg("Ignoring server proxy request from client")
			return
		}
		id, ok := readConnectionID(payload)
		if !ok {
			p.logger.Warn().Msg("Dropping server proxy frame: short payload")
			return
		}
		found, err := g.ForwardToClient(id, payload[4:])
		if err != nil {
			p.logger.Warn().Err(err).Str("group", g.ID()).Int32("connection", id).Msg("Failed to forward server payload to client")
			return
		}
		if !found {
			// The addressed client is gone; tell the server so it stops
			// routing to this ID.
			if err := g.NotifyServerClose(id); err != nil {
				p.logger.Warn().Err(err).Str("group", g.ID()).Msg("Failed to notify server of closed connection")
			}
		}

	case tagServerProxyBroadcast:
		if !peer.IsServer() {
			p.logger.Info().Msg("Ignoring broadcast request from client")
			return
		}
		g.BroadcastToClients(payload)

	case tagServerNotifyPush:
		if !peer.IsServer() {
			p.logger.Info().Msg("Ignoring push request from client")
			return
		}
		p.notifyPush(ctx, g)

	default:
		p.logger.Warn().Int("tag", tag).Msg("Dropping frame: unknown tag")
	}
}

func (p *Protocol) notifyPush(ctx context.Context, g *group.Group) {
	if p.push == nil {
		p.logger.Info().Msg("Ignoring push request: no push collaborator configured")
		return
	}
	tokens := g.Tokens()
	if len(tokens) == 0 {
		return
	}
	rejected, err := p.push.Notify(ctx, g.ID(), tokens)
	if err != nil {
		p.logger.Warn().Err(err).Str("group", g.ID()).Msg("Push fan-out failed")
		return
	}
	// The provider reported these registrations dead; prune them so the
	// next fan-out stops addressing them.
	for _, token := range rejected {
		g.RemoveToken(token)
	}
}

func readConnectionID(payload []byte) (int32, bool) {
	if len(payload) < 4 {
		return 0, false
	}
	return int32(binary.BigEndian.Uint32(payload)), true
}

func appendTag(buf []byte, tag int) []byte {
	return binary.BigEndian.AppendUint32(buf, uint32(tag))
}

// EncodeConnectionOK frames the post-open acknowledgement.
func (p *Protocol) EncodeConnectionOK() []byte {
	return appendTag(make([]byte, 0, 4), tagConnectionOK)
}

// EncodeClientProxy frames an opaque payload for delivery to a client.
func (p *Protocol) EncodeClientProxy(payload []byte) []byte {
	return append(appendTag(make([]byte, 0, 4+len(payload)), tagClientProxy), payload...)
}

// EncodeServerProxy frames an opaque payload from client connectionID for
// delivery to the server.
func (p *Protocol) EncodeServerProxy(connectionID int32, payload []byte) []byte {
	buf := appendTag(make([]byte, 0, 8+len(payload)), tagServerProxy)
	buf = binary.BigEndian.AppendUint32(buf, uint32(connectionID))
	return append(buf, payload...)
}

// EncodeServerOpen frames a new-client notification for the server.
func (p *Protocol) EncodeServerOpen(connectionID int32) []byte {
	buf := appendTag(make([]byte, 0, 8), tagServerOpen)
	return binary.BigEndian.AppendUint32(buf, uint32(connectionID))
}

// EncodeServerClose frames a client-disconnect notification for the server.
func (p *Protocol) EncodeServerClose(connectionID int32) []byte {
	buf := appendTag(make([]byte, 0, 8), tagServerClose)
	return binary.BigEndian.AppendUint32(buf, uint32(connectionID))
}
