package identity_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-relay-service/internal/platform/identity"
)

func newJWKSTestServer(t *testing.T, privateKey *rsa.PrivateKey) *httptest.Server {
	t.Helper()

	publicKey, err := jwk.FromRaw(privateKey.Public())
	require.NoError(t, err)
	_ = publicKey.Set(jwk.KeyIDKey, "test-key-id")
	_ = publicKey.Set(jwk.AlgorithmKey, jwa.RS256)
	keySet := jwk.NewSet()
	require.NoError(t, keySet.AddKey(publicKey))

	buf, err := json.Marshal(keySet)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(buf)
	})
	return httptest.NewServer(mux)
}

func signToken(t *testing.T, privateKey *rsa.PrivateKey, subject string, expiry time.Time) string {
	t.Helper()

	jwkKey, err := jwk.FromRaw(privateKey)
	require.NoError(t, err)
	require.NoError(t, jwkKey.Set(jwk.KeyIDKey, "test-key-id"))

	token, err := jwt.NewBuilder().
		Subject(subject).
		IssuedAt(time.Now()).
		Expiration(expiry).
		Build()
	require.NoError(t, err)

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, jwkKey))
	require.NoError(t, err)
	return string(signed)
}

func TestJWKSVerifier(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	srv := newJWKSTestServer(t, privateKey)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	verifier, err := identity.NewJWKSVerifier(ctx, srv.URL+"/.well-known/jwks.json", zerolog.Nop())
	require.NoError(t, err)

	t.Run("ValidToken", func(t *testing.T) {
		signed := signToken(t, privateKey, "user-alice", time.Now().Add(time.Hour))

		uid, err := verifier.Verify(ctx, signed)
		require.NoError(t, err)
		assert.Equal(t, "user-alice", uid)
	})

	t.Run("ExpiredToken", func(t *testing.T) {
		signed := signToken(t, privateKey, "user-alice", time.Now().Add(-time.Hour))

		_, err := verifier.Verify(ctx, signed)
		assert.Error(t, err)
	})

	t.Run("WrongKey", func(t *testing.T) {
		otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		signed := signToken(t, otherKey, "user-mallory", time.Now().Add(time.Hour))

		_, err = verifier.Verify(ctx, signed)
		assert.Error(t, err)
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := verifier.Verify(ctx, "not-a-token")
		assert.Error(t, err)
	})
}

func TestJWKSVerifier_BadEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	_, err := identity.NewJWKSVerifier(context.Background(), srv.URL+"/jwks.json", zerolog.Nop())
	assert.Error(t, err)
}

func TestPassthrough(t *testing.T) {
	var v identity.Passthrough

	uid, err := v.Verify(context.Background(), "user-alice")
	require.NoError(t, err)
	assert.Equal(t, "user-alice", uid)

	_, err = v.Verify(context.Background(), "")
	assert.Error(t, err)
}
