// Package persistence contains components for interacting with data stores:
// user records and push-token lists.
package persistence

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-relay-service/pkg/relay"
)

const (
	usersCollection = "users"
	dataCollection  = "data"
	fcmDocument     = "fcm"
)

// userDoc is the shape of a user record in Firestore. The installation ID
// lives in the serverID field, a holdover from the original data layout
// that deployed databases still carry.
type userDoc struct {
	RelayID        string `firestore:"relayID"`
	InstallationID string `firestore:"serverID"`
	Activated      bool   `firestore:"activated"`
}

// tokenDoc is the shape of the push-token subdocument at
// users/{uid}/data/fcm.
type tokenDoc struct {
	FCMTokenList []string `firestore:"fcmTokenList"`
}

// FirestoreStore implements relay.UserStore and relay.TokenStore on Google
// Cloud Firestore.
type FirestoreStore struct {
	client *firestore.Client
	logger zerolog.Logger
}

// NewFirestoreStore is the constructor for the FirestoreStore.
func NewFirestoreStore(client *firestore.Client, logger zerolog.Logger) (*FirestoreStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	return &FirestoreStore{
		client: client,
		logger: logger.With().Str("component", "FirestoreStore").Logger(),
	}, nil
}

func (s *FirestoreStore) userRef(uid string) *firestore.DocumentRef {
	return s.client.Collection(usersCollection).Doc(uid)
}

func (s *FirestoreStore) tokenRef(uid string) *firestore.DocumentRef {
	return s.userRef(uid).Collection(dataCollection).Doc(fcmDocument)
}

// User fetches the record for uid, returning (nil, nil) when no record
// exists.
func (s *FirestoreStore) User(ctx context.Context, uid string) (*relay.User, error) {
	snap, err := s.userRef(uid).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user %q: %w", uid, err)
	}

	var doc userDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode user %q: %w", uid, err)
	}
	return &relay.User{
		RelayID:        doc.RelayID,
		InstallationID: doc.InstallationID,
		Activated:      doc.Activated,
	}, nil
}

// RecordEnrollment writes the relay and installation IDs a freshly enrolled
// server presented, merging into whatever record activation already created.
func (s *FirestoreStore) RecordEnrollment(ctx context.Context, uid, relayID, installationID string) error {
	_, err := s.userRef(uid).Set(ctx, map[string]interface{}{
		"relayID":  relayID,
		"serverID": installationID,
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to record enrollment for %q: %w", uid, err)
	}
	return nil
}

// RecordRelay updates the relay ID after a server reconnected through a
// different relay instance.
func (s *FirestoreStore) RecordRelay(ctx context.Context, uid, relayID string) error {
	_, err := s.userRef(uid).Set(ctx, map[string]interface{}{
		"relayID": relayID,
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to record relay for %q: %w", uid, err)
	}
	return nil
}

// TokenList fetches the stored push tokens for uid, most recent first.
// A missing document means no tokens, not an error.
func (s *FirestoreStore) TokenList(ctx context.Context, uid string) ([]string, error) {
	snap, err := s.tokenRef(uid).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch token list for %q: %w", uid, err)
	}

	var doc tokenDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode token list for %q: %w", uid, err)
	}
	return doc.FCMTokenList, nil
}

// SaveTokenList replaces the stored push tokens for uid.
func (s *FirestoreStore) SaveTokenList(ctx context.Context, uid string, tokens []string) error {
	_, err := s.tokenRef(uid).Set(ctx, tokenDoc{FCMTokenList: tokens})
	if err != nil {
		return fmt.Errorf("failed to save token list for %q: %w", uid, err)
	}
	return nil
}
