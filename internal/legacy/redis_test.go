package legacy

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/serp-enricher/internal/model"
)

func newTestRedisStore(t *testing.T, prefix string) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedis("redis://"+mr.Addr(), prefix)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	return s, mr
}

func TestRedisStore_Hit(t *testing.T) {
	s, mr := newTestRedisStore(t, "")

	want := model.Payload{
		Results: []model.ResultDoc{
			{Position: 1, URL: "https://shop.example/", Domain: "shop.example", IsCommercial: true},
		},
		Phrases:           []string{"cheap"},
		FoundDocs:         40,
		CommercialResults: 1,
	}
	raw, err := json.Marshal(want)
	require.NoError(t, err)
	require.NoError(t, mr.Set("serp:buy widget", string(raw)))

	got, err := s.Lookup(context.Background(), "Buy  Widget")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)
}

func TestRedisStore_MissAndCustomPrefix(t *testing.T) {
	s, mr := newTestRedisStore(t, "old:")
	require.NoError(t, mr.Set("serp:buy widget", `{"found_docs":1}`))

	got, err := s.Lookup(context.Background(), "buy widget")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisStore_CorruptValueIsMiss(t *testing.T) {
	s, mr := newTestRedisStore(t, "")
	require.NoError(t, mr.Set("serp:buy widget", "{not json"))

	got, err := s.Lookup(context.Background(), "buy widget")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisStore_ServerErrorPropagates(t *testing.T) {
	s, mr := newTestRedisStore(t, "")
	mr.SetError("ERR backing store unavailable")

	_, err := s.Lookup(context.Background(), "buy widget")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis get")
}

func TestNewRedis_BadURL(t *testing.T) {
	_, err := NewRedis("not-a-url", "")
	assert.Error(t, err)
}

func TestNewRedisFromClient_DefaultPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisFromClient(client, "")
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	assert.Equal(t, DefaultRedisPrefix, s.prefix)
}
