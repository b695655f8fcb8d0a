// Package integration exercises the bidding and persistence pieces
// together, the way a real monitor cycle would, without standing up a
// live redis or marketplace endpoint.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nellisops/auction-tracker/internal/auctiontype"
	"github.com/nellisops/auction-tracker/internal/bidding"
	"github.com/nellisops/auction-tracker/internal/settings"
	"github.com/nellisops/auction-tracker/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
	})
	return store.New(client, store.WithOperationTimeout(50*time.Millisecond))
}

// TestHappyAutoBidCycle drives one auto-bid cycle end to end: persist an
// auction, evaluate a bidding decision against a fresh snapshot, and
// confirm the resulting bid history entry round-trips through the store.
func TestHappyAutoBidCycle(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	cfg := auctiontype.Config{
		MaxBid:          100,
		IncrementAmount: 5,
		Strategy:        settings.StrategyAuto,
		AutoBid:         true,
		SnipeWindowS:    30,
	}
	auction := auctiontype.Auction{
		ID:     "auc-1",
		Config: cfg,
		Status: auctiontype.StatusMonitoring,
	}
	require.NoError(t, st.SaveAuction(ctx, auction.ID, auction))

	snap := &auctiontype.Snapshot{CurrentBid: 20, TimeRemainingS: 300}
	decision := bidding.Evaluate(cfg, snap, settings.Default())
	require.Equal(t, bidding.PlaceBid, decision.Kind)
	assert.Equal(t, 25, decision.Amount)

	entry := auctiontype.BidHistoryEntry{
		TSMS:     auctiontype.NowMS(),
		Amount:   decision.Amount,
		Strategy: cfg.Strategy,
		Success:  true,
	}
	require.NoError(t, st.AppendBidHistory(ctx, auction.ID, entry, entry.TSMS))

	history, err := st.GetBidHistory(ctx, auction.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Contains(t, string(history[0]), `"amount":25`)
}

// TestBudgetGuardStopsAtMaxBid confirms a decision never crosses MaxBid
// even when the marketplace's next-bid figure would exceed it.
func TestBudgetGuardStopsAtMaxBid(t *testing.T) {
	cfg := auctiontype.Config{
		MaxBid:          50,
		IncrementAmount: 5,
		Strategy:        settings.StrategyAuto,
		AutoBid:         true,
	}
	snap := &auctiontype.Snapshot{CurrentBid: 48, NextBid: 90, HasNextBid: true}

	decision := bidding.Evaluate(cfg, snap, settings.Default())
	assert.Equal(t, bidding.BudgetExceeded, decision.Kind)
	assert.Equal(t, bidding.ReasonMaxBidReached, decision.Reason)
}

// TestSnipingWindow confirms a sniping-strategy auction only bids once
// inside its configured window.
func TestSnipingWindow(t *testing.T) {
	cfg := auctiontype.Config{
		MaxBid:          100,
		IncrementAmount: 5,
		Strategy:        settings.StrategySniping,
		AutoBid:         true,
		SnipeWindowS:    30,
	}
	snap := &auctiontype.Snapshot{CurrentBid: 10, TimeRemainingS: 45}
	assert.Equal(t, bidding.NoBid, bidding.Evaluate(cfg, snap, settings.Default()).Kind)

	snap.TimeRemainingS = 10
	decision := bidding.Evaluate(cfg, snap, settings.Default())
	assert.Equal(t, bidding.PlaceBid, decision.Kind)
}

// TestOutbidReflex_SnapshotReflectsNewCurrentBid simulates the state an
// outbid notification leaves behind, then re-evaluates: given that
// snapshot, the engine should want to bid again at the new minimum.
func TestOutbidReflex_SnapshotReflectsNewCurrentBid(t *testing.T) {
	cfg := auctiontype.Config{
		MaxBid:          200,
		IncrementAmount: 5,
		Strategy:        settings.StrategyAuto,
		AutoBid:         true,
	}
	postOutbidSnapshot := &auctiontype.Snapshot{CurrentBid: 60, NextBid: 65, HasNextBid: true, IsWinning: false}

	decision := bidding.Evaluate(cfg, postOutbidSnapshot, settings.Default())
	assert.Equal(t, bidding.PlaceBid, decision.Kind)
	assert.Equal(t, 65, decision.Amount)
}

// TestCleanupRetention_EndedAuctionEventuallyDeleted confirms the store
// record an ended auction leaves behind can be deleted once retention
// has elapsed — the operation Monitor's cleanup sweep performs.
func TestCleanupRetention_EndedAuctionEventuallyDeleted(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	a := auctiontype.Auction{ID: "auc-ended", Status: auctiontype.StatusEnded, EndedAtMS: auctiontype.NowMS() - 120000}
	require.NoError(t, st.SaveAuction(ctx, a.ID, a))

	st.DeleteAuction(ctx, a.ID)

	_, err := st.GetAuction(ctx, a.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
