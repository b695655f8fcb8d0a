package store

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nellisops/auction-tracker/internal/settings"
)

// newUnreachableStore builds a Store pointed at an address nothing is
// listening on, so every durable-backend call fails fast and every
// operation exercises the in-memory fallback path.
func newUnreachableStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
	})
	return New(client, WithOperationTimeout(50*time.Millisecond))
}

func TestSaveGetAuction_FallsBackWhenRedisUnreachable(t *testing.T) {
	s := newUnreachableStore(t)
	ctx := context.Background()

	type record struct {
		ID string `json:"id"`
	}
	err := s.SaveAuction(ctx, "abc123", record{ID: "abc123"})
	require.NoError(t, err)

	raw, err := s.GetAuction(ctx, "abc123")
	require.NoError(t, err)
	assert.Contains(t, string(raw), "abc123")
}

func TestGetAuction_NotFound(t *testing.T) {
	s := newUnreachableStore(t)
	_, err := s.GetAuction(context.Background(), "never-saved")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAuctions_IncludesFallbackEntries(t *testing.T) {
	s := newUnreachableStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAuction(ctx, "one", map[string]string{"id": "one"}))
	require.NoError(t, s.SaveAuction(ctx, "two", map[string]string{"id": "two"}))

	ids, err := s.ListAuctions(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"one", "two"}, ids)
}

func TestDeleteAuction_RemovesFromFallback(t *testing.T) {
	s := newUnreachableStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAuction(ctx, "gone", map[string]string{"id": "gone"}))
	s.DeleteAuction(ctx, "gone")

	_, err := s.GetAuction(ctx, "gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetSettings_ReturnsDefaultsWhenUnset(t *testing.T) {
	s := newUnreachableStore(t)
	out, err := s.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, settings.Default(), out)
}

func TestSaveGetSettings_RoundTrip(t *testing.T) {
	s := newUnreachableStore(t)
	ctx := context.Background()

	in := settings.Default()
	in.General.DefaultMaxBid = 250
	require.NoError(t, s.SaveSettings(ctx, in))

	out, err := s.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 250, out.General.DefaultMaxBid)
}

func TestAppendGetBidHistory_NewestFirstAndCapped(t *testing.T) {
	s := newUnreachableStore(t)
	ctx := context.Background()

	type entry struct {
		TSMS   int64 `json:"ts_ms"`
		Amount int   `json:"amount"`
	}
	for i := 0; i < 5; i++ {
		ts := int64(1000 + i)
		require.NoError(t, s.AppendBidHistory(ctx, "auc1", entry{TSMS: ts, Amount: i}, ts))
	}

	history, err := s.GetBidHistory(ctx, "auc1", 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Contains(t, string(history[0]), `"amount":4`)
}

func TestCredentials_RoundTripAndClear(t *testing.T) {
	s := newUnreachableStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCredentials(ctx, []byte("opaque-ciphertext")))
	got, err := s.GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("opaque-ciphertext"), got)

	s.ClearCredentials(ctx)
	got, err = s.GetCredentials(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}
