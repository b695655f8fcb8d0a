package auctiontype

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nellisops/auction-tracker/internal/settings"
)

func TestConfig_OverlayDefaults_FillsZeroFields(t *testing.T) {
	cfg := Config{}
	out := cfg.OverlayDefaults(settings.Default())
	assert.Equal(t, settings.Default().General.DefaultMaxBid, out.MaxBid)
	assert.Equal(t, settings.Default().Bidding.DefaultIncrement, out.IncrementAmount)
	assert.Equal(t, settings.Default().General.DefaultStrategy, out.Strategy)
	assert.Equal(t, settings.Default().Bidding.SnipeTimingS, out.SnipeWindowS)
}

func TestConfig_OverlayDefaults_PreservesSetFields(t *testing.T) {
	cfg := Config{MaxBid: 50, IncrementAmount: 2, Strategy: settings.StrategyManual, SnipeWindowS: 10}
	out := cfg.OverlayDefaults(settings.Default())
	assert.Equal(t, 50, out.MaxBid)
	assert.Equal(t, 2, out.IncrementAmount)
	assert.Equal(t, settings.StrategyManual, out.Strategy)
	assert.Equal(t, 10, out.SnipeWindowS)
}

func TestConfig_OverlayDefaults_ClampsMaxBidCap(t *testing.T) {
	cfg := Config{MaxBid: MaxBidCap + 1000}
	out := cfg.OverlayDefaults(settings.Default())
	assert.Equal(t, MaxBidCap, out.MaxBid)
}

func TestConfig_Merge_LeavesUnsetFieldsIntact(t *testing.T) {
	base := Config{MaxBid: 50, IncrementAmount: 5, Strategy: settings.StrategyAuto, AutoBid: true}
	patch := Config{MaxBid: 75}
	out := base.Merge(patch)
	assert.Equal(t, 75, out.MaxBid)
	assert.Equal(t, 5, out.IncrementAmount)
	assert.Equal(t, settings.StrategyAuto, out.Strategy)
}

func TestConfig_Merge_AutoBidAlwaysTakenFromPatch(t *testing.T) {
	base := Config{AutoBid: true}
	patch := Config{AutoBid: false}
	out := base.Merge(patch)
	assert.False(t, out.AutoBid)
}

func TestParseSSEProductID(t *testing.T) {
	id, ok := ParseSSEProductID("https://www.nellisauction.com/p/some-item-name/123456")
	assert.True(t, ok)
	assert.Equal(t, "123456", id)

	_, ok = ParseSSEProductID("https://www.nellisauction.com/browse")
	assert.False(t, ok)
}

func TestAuctionIDPattern(t *testing.T) {
	assert.True(t, AuctionIDPattern.MatchString("abc-123_XYZ"))
	assert.False(t, AuctionIDPattern.MatchString("has a space"))
	assert.False(t, AuctionIDPattern.MatchString(""))
}
