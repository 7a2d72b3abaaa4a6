package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis implements redisClient on a map.
type fakeRedis struct {
	data   map[string]string
	getErr error
	setErr error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string)}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	return redis.NewStatusResult("OK", nil)
}

func TestRedisTokenStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	store, err := NewRedisTokenStore(rdb, zerolog.Nop())
	require.NoError(t, err)

	tokens, err := store.TokenList(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, tokens, "missing key reads as an empty list")

	require.NoError(t, store.SaveTokenList(ctx, "user-1", []string{"tok-b", "tok-a"}))

	tokens, err = store.TokenList(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"tok-b", "tok-a"}, tokens)
}

func TestRedisTokenStore_PoisonValueReadsEmpty(t *testing.T) {
	rdb := newFakeRedis()
	rdb.data["fcm:user-1"] = "{not json"
	store, err := NewRedisTokenStore(rdb, zerolog.Nop())
	require.NoError(t, err)

	tokens, err := store.TokenList(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Nil(t, tokens)
}

func TestRedisTokenStore_Errors(t *testing.T) {
	backendErr := errors.New("connection refused")

	rdb := newFakeRedis()
	rdb.getErr = backendErr
	store, err := NewRedisTokenStore(rdb, zerolog.Nop())
	require.NoError(t, err)

	_, err = store.TokenList(context.Background(), "user-1")
	assert.ErrorIs(t, err, backendErr)

	rdb = newFakeRedis()
	rdb.setErr = backendErr
	store, err = NewRedisTokenStore(rdb, zerolog.Nop())
	require.NoError(t, err)

	err = store.SaveTokenList(context.Background(), "user-1", []string{"tok-a"})
	assert.ErrorIs(t, err, backendErr)
}

func TestNewRedisTokenStore_NilClient(t *testing.T) {
	_, err := NewRedisTokenStore(nil, zerolog.Nop())
	assert.Error(t, err)
}
