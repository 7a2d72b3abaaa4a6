package group

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-relay-service/pkg/relay"
)

// ErrNoGroup is returned when a client addresses a group identifier with no
// live group.
var ErrNoGroup = errors.New("no active group")

// Registry is the single source of truth for which group identifiers have a
// live group. Every read-then-act sequence (lookup + admit, lookup +
// supersede) runs under the registry mutex, so a server supersession and a
// concurrent client admission for the same identifier never interleave.
type Registry struct {
	capacity   int
	tokenLimit int
	logger     zerolog.Logger

	mu     sync.Mutex
	groups map[string]*Group
}

// NewRegistry creates an empty registry. capacity bounds simultaneous
// clients per group and tokenLimit bounds each group's push-token list.
func NewRegistry(capacity, tokenLimit int, logger zerolog.Logger) *Registry {
	return &Registry{
		capacity:   capacity,
		tokenLimit: tokenLimit,
		logger:     logger.With().Str("component", "Registry").Logger(),
		groups:     make(map[string]*Group),
	}
}

// Has reports whether a live group exists for groupID. Callers use it to
// decide whether a token-list preload is needed; the answer may be stale by
// the time RegisterServer runs, which then prefers the live group's list.
func (r *Registry) Has(groupID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.groups[groupID]
	return ok
}

// RegisterServer creates the group for groupID owned by the given server
// connection. An existing group for the identifier is superseded: every one
// of its endpoints is closed with CloseOtherLocation and its token list,
// dirty flag included, is carried into the new group so in-flight token
// edits survive a reconnect race. seedTokens seeds the list only when no
// group existed.
func (r *Registry) RegisterServer(groupID string, ep relay.Endpoint, enc relay.FrameEncoder, detach func(), seedTokens []string) *Group {
	r.mu.Lock()
	defer r.mu.Unlock()

	var tokens *TokenList
	if old, ok := r.groups[groupID]; ok {
		tokens = old.supersede(relay.CloseOtherLocation)
		r.logger.Debug().Str("group", groupID).Msg("Superseded existing group")
	} else {
		tokens = NewTokenList(r.tokenLimit, seedTokens)
	}

	g := New(groupID, r.capacity, r.tokenLimit, ep, enc, detach, tokens)
	r.groups[groupID] = g
	return g
}

// RegisterClient admits a client into the live group for groupID. On
// rejection the client endpoint is closed with the matching code
// (CloseNoGroup or CloseNoCapacity) and an error is returned; existing
// members are unaffected.
func (r *Registry) RegisterClient(groupID string, ep relay.Endpoint, enc relay.FrameEncoder, detach func(), fcmToken string) (*Group, int32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[groupID]
	if !ok {
		r.logger.Debug().Str("group", groupID).Str("remote", ep.RemoteAddr()).Msg("Rejecting client: no group")
		ep.Close(relay.CloseNoGroup, "")
		return nil, 0, ErrNoGroup
	}

	id, err := g.AdmitClient(ep, enc, detach, fcmToken)
	if err != nil {
		r.logger.Debug().Str("group", groupID).Str("remote", ep.RemoteAddr()).Msg("Rejecting client: no capacity")
		ep.Close(relay.CloseNoCapacity, "")
		return nil, 0, err
	}
	return g, id, nil
}

// Unregister removes g's mapping after its server disconnected and the
// group has been torn down. The removal is conditional on the mapping still
// pointing at g, so a superseded server's late cleanup never evicts its
// replacement.
func (r *Registry) Unregister(g *Group) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.groups[g.ID()]; ok && cur == g {
		delete(r.groups, g.ID())
	}
}
