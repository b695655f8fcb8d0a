// Package bidding holds the pure bidding decision function: given an
// auction's config and its latest snapshot, decide whether and how much
// to bid next. It performs no I/O — Monitor calls it and then hands any
// resulting bid to UpstreamClient.
package bidding

import (
	"github.com/nellisops/auction-tracker/internal/auctiontype"
	"github.com/nellisops/auction-tracker/internal/settings"
)

// DecisionKind is the outcome of a bidding decision.
type DecisionKind string

const (
	// NoBid means the engine chose not to act this cycle.
	NoBid DecisionKind = "no_bid"
	// PlaceBid means the engine wants amount placed as the next bid.
	PlaceBid DecisionKind = "place_bid"
	// BudgetExceeded means the computed bid would exceed MaxBid.
	BudgetExceeded DecisionKind = "budget_exceeded"
)

// Reason explains why a NoBid or BudgetExceeded decision was made.
type Reason string

const (
	ReasonAlreadyWinning   Reason = "already_winning"
	ReasonManualStrategy   Reason = "manual_strategy"
	ReasonOutsideSnipe     Reason = "outside_snipe_window"
	ReasonAuctionClosed    Reason = "auction_closed"
	ReasonAutoBidDisabled  Reason = "auto_bid_disabled"
	ReasonMaxBidReached    Reason = "max_bid_reached"
	ReasonNone             Reason = ""
)

// Decision is the engine's output for one evaluation.
type Decision struct {
	Kind   DecisionKind
	Amount int
	Reason Reason
}

// Evaluate applies the bidding rules, in order, to cfg, data, and the
// process-wide settings in effect:
//
//  1. A closed auction never bids.
//  2. Auto-bidding must be enabled.
//  3. A manual strategy never bids automatically.
//  4. Already winning means no action.
//  5. Sniping only bids inside its timing window.
//  6. The minimum is the next bid the marketplace reports, or the
//     current bid plus the configured increment if the marketplace
//     didn't supply one.
//  7. The candidate amount is the minimum plus settings.bidding.bid_buffer.
//  8. The candidate amount is capped at MaxBid (and at MaxBidCap); if the
//     uncapped amount would exceed MaxBid, the decision is
//     BudgetExceeded rather than a smaller bid — the engine never bids
//     an amount the caller didn't ask for.
func Evaluate(cfg auctiontype.Config, data *auctiontype.Snapshot, cfgSettings settings.Settings) Decision {
	if data == nil {
		return Decision{Kind: NoBid, Reason: ReasonNone}
	}
	if data.IsClosed {
		return Decision{Kind: NoBid, Reason: ReasonAuctionClosed}
	}
	if !cfg.AutoBid {
		return Decision{Kind: NoBid, Reason: ReasonAutoBidDisabled}
	}
	if cfg.Strategy == settings.StrategyManual {
		return Decision{Kind: NoBid, Reason: ReasonManualStrategy}
	}
	if data.IsWinning {
		return Decision{Kind: NoBid, Reason: ReasonAlreadyWinning}
	}
	if cfg.Strategy == settings.StrategySniping && data.TimeRemainingS > snipeWindow(cfg) {
		return Decision{Kind: NoBid, Reason: ReasonOutsideSnipe}
	}

	minimum := minimumBid(cfg, data, cfgSettings)
	amount := safeAdd(minimum, cfgSettings.Bidding.BidBuffer)
	capped := min(cfg.MaxBid, auctiontype.MaxBidCap)

	if amount > capped {
		return Decision{Kind: BudgetExceeded, Amount: amount, Reason: ReasonMaxBidReached}
	}
	return Decision{Kind: PlaceBid, Amount: amount}
}

// minimumBid picks the floor to bid from: the marketplace's reported
// next bid when present, else a safe increment over the current bid.
func minimumBid(cfg auctiontype.Config, data *auctiontype.Snapshot, cfgSettings settings.Settings) int {
	increment := cfg.IncrementAmount
	if increment <= 0 {
		increment = cfgSettings.Bidding.DefaultIncrement
	}
	if data.HasNextBid {
		return data.NextBid
	}
	return safeAdd(data.CurrentBid, increment)
}

// safeAdd adds b to a, saturating at MaxBidCap instead of overflowing.
func safeAdd(a, b int) int {
	if a > auctiontype.MaxBidCap-b {
		return auctiontype.MaxBidCap
	}
	sum := a + b
	if sum > auctiontype.MaxBidCap {
		return auctiontype.MaxBidCap
	}
	return sum
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// snipeWindow returns the time_remaining_s threshold below which a
// sniping-strategy auction is allowed to bid. OverlayDefaults fills this
// in from process settings at auction-creation time, so by the time
// Evaluate runs it is always set.
func snipeWindow(cfg auctiontype.Config) int {
	if cfg.SnipeWindowS > 0 {
		return cfg.SnipeWindowS
	}
	return defaultSnipeWindowS
}

const defaultSnipeWindowS = 30
