package bidding

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nellisops/auction-tracker/internal/auctiontype"
	"github.com/nellisops/auction-tracker/internal/settings"
)

func baseConfig() auctiontype.Config {
	return auctiontype.Config{
		MaxBid:          100,
		IncrementAmount: 5,
		Strategy:        settings.StrategyAuto,
		AutoBid:         true,
		SnipeWindowS:    30,
	}
}

func baseSettings() settings.Settings {
	return settings.Default()
}

func TestEvaluate_NilSnapshot(t *testing.T) {
	d := Evaluate(baseConfig(), nil, baseSettings())
	assert.Equal(t, NoBid, d.Kind)
}

func TestEvaluate_AuctionClosed(t *testing.T) {
	d := Evaluate(baseConfig(), &auctiontype.Snapshot{IsClosed: true}, baseSettings())
	assert.Equal(t, NoBid, d.Kind)
	assert.Equal(t, ReasonAuctionClosed, d.Reason)
}

func TestEvaluate_AutoBidDisabled(t *testing.T) {
	cfg := baseConfig()
	cfg.AutoBid = false
	d := Evaluate(cfg, &auctiontype.Snapshot{CurrentBid: 10}, baseSettings())
	assert.Equal(t, NoBid, d.Kind)
	assert.Equal(t, ReasonAutoBidDisabled, d.Reason)
}

func TestEvaluate_ManualStrategyNeverBids(t *testing.T) {
	cfg := baseConfig()
	cfg.Strategy = settings.StrategyManual
	d := Evaluate(cfg, &auctiontype.Snapshot{CurrentBid: 10}, baseSettings())
	assert.Equal(t, NoBid, d.Kind)
	assert.Equal(t, ReasonManualStrategy, d.Reason)
}

func TestEvaluate_AlreadyWinning(t *testing.T) {
	d := Evaluate(baseConfig(), &auctiontype.Snapshot{CurrentBid: 10, IsWinning: true}, baseSettings())
	assert.Equal(t, NoBid, d.Kind)
	assert.Equal(t, ReasonAlreadyWinning, d.Reason)
}

func TestEvaluate_SnipingOutsideWindow(t *testing.T) {
	cfg := baseConfig()
	cfg.Strategy = settings.StrategySniping
	d := Evaluate(cfg, &auctiontype.Snapshot{CurrentBid: 10, TimeRemainingS: 120}, baseSettings())
	assert.Equal(t, NoBid, d.Kind)
	assert.Equal(t, ReasonOutsideSnipe, d.Reason)
}

func TestEvaluate_SnipingInsideWindowBids(t *testing.T) {
	cfg := baseConfig()
	cfg.Strategy = settings.StrategySniping
	d := Evaluate(cfg, &auctiontype.Snapshot{CurrentBid: 10, TimeRemainingS: 5}, baseSettings())
	assert.Equal(t, PlaceBid, d.Kind)
	assert.Equal(t, 15, d.Amount)
}

func TestEvaluate_UsesNextBidWhenHigherThanIncrement(t *testing.T) {
	cfg := baseConfig()
	d := Evaluate(cfg, &auctiontype.Snapshot{CurrentBid: 10, NextBid: 50, HasNextBid: true}, baseSettings())
	assert.Equal(t, PlaceBid, d.Kind)
	assert.Equal(t, 50, d.Amount)
}

func TestEvaluate_FallsBackToIncrementWhenNoNextBid(t *testing.T) {
	cfg := baseConfig()
	d := Evaluate(cfg, &auctiontype.Snapshot{CurrentBid: 10}, baseSettings())
	assert.Equal(t, PlaceBid, d.Kind)
	assert.Equal(t, 15, d.Amount)
}

func TestEvaluate_AppliesBidBuffer(t *testing.T) {
	cfg := baseConfig()
	s := baseSettings()
	s.Bidding.BidBuffer = 3
	d := Evaluate(cfg, &auctiontype.Snapshot{CurrentBid: 10, NextBid: 50, HasNextBid: true}, s)
	assert.Equal(t, PlaceBid, d.Kind)
	assert.Equal(t, 53, d.Amount)
}

func TestEvaluate_BudgetExceeded(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxBid = 12
	d := Evaluate(cfg, &auctiontype.Snapshot{CurrentBid: 10}, baseSettings())
	assert.Equal(t, BudgetExceeded, d.Kind)
	assert.Equal(t, ReasonMaxBidReached, d.Reason)
	assert.Equal(t, 15, d.Amount)
}

func TestEvaluate_NeverExceedsMaxBidCap(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxBid = auctiontype.MaxBidCap
	cfg.IncrementAmount = 10
	d := Evaluate(cfg, &auctiontype.Snapshot{CurrentBid: auctiontype.MaxBidCap - 5}, baseSettings())
	assert.Equal(t, PlaceBid, d.Kind)
	assert.Equal(t, auctiontype.MaxBidCap, d.Amount)
}

func TestSafeAdd_SaturatesAtCap(t *testing.T) {
	assert.Equal(t, auctiontype.MaxBidCap, safeAdd(auctiontype.MaxBidCap-2, 10))
	assert.Equal(t, 15, safeAdd(10, 5))
}
