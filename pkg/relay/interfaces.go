package relay

import "context"

// User is the durable record kept for one account.
type User struct {
	// RelayID identifies the relay instance the user's server last
	// registered with.
	RelayID string
	// InstallationID identifies the server installation enrolled for this
	// account. A reconnecting server must present a matching value.
	InstallationID string
	// Activated gates relay access for the account.
	Activated bool
}

// IdentityVerifier exchanges an identity-provider token for a verified
// user ID.
type IdentityVerifier interface {
	Verify(ctx context.Context, idToken string) (userID string, err error)
}

// UserStore is the durable account store consulted during server handshakes.
type UserStore interface {
	// User returns the stored record for uid, or (nil, nil) when absent.
	User(ctx context.Context, uid string) (*User, error)
	// RecordEnrollment stores the relay and installation IDs for uid on
	// first-time server enrollment.
	RecordEnrollment(ctx context.Context, uid, relayID, installationID string) error
	// RecordRelay updates only the relay ID for uid.
	RecordRelay(ctx context.Context, uid, relayID string) error
}

// TokenStore persists a group's push-token list across server sessions.
type TokenStore interface {
	// TokenList returns the stored tokens for uid, most recently touched
	// first, or nil when none are stored.
	TokenList(ctx context.Context, uid string) ([]string, error)
	// SaveTokenList replaces the stored tokens for uid.
	SaveTokenList(ctx context.Context, uid string, tokens []string) error
}

// PushNotifier delivers an offline wake-up to a group's registered push
// tokens. It returns the tokens the provider rejected as unregistered so
// the caller can prune them; implementations that cannot observe delivery
// results return none.
type PushNotifier interface {
	Notify(ctx context.Context, groupID string, tokens []string) (rejected []string, err error)
}

// Dependencies bundles the external collaborators the relay core consumes.
// Users, Tokens and Push may be nil when the relay runs unlinked.
type Dependencies struct {
	Verifier IdentityVerifier
	Users    UserStore
	Tokens   TokenStore
	Push     PushNotifier
}
