// Package auctiontype holds the shared value types that flow between
// Store, Monitor, BidEngine, Broadcaster, and BoundaryAPI. Keeping them in
// one leaf package avoids an import cycle between monitor and bidding.
package auctiontype

import (
	"regexp"
	"time"

	"github.com/nellisops/auction-tracker/internal/settings"
)

// MaxBidCap is the hard ceiling on any bid or max_bid value.
const MaxBidCap = 999_999

// Status is the lifecycle state of a monitored auction.
type Status string

const (
	StatusMonitoring Status = "monitoring"
	StatusEnded      Status = "ended"
	StatusError      Status = "error"
)

// Transport records which upstream mechanism currently feeds an auction.
type Transport string

const (
	TransportSSE     Transport = "sse"
	TransportPolling Transport = "polling"
)

// Config holds per-auction bidding configuration.
type Config struct {
	MaxBid          int               `json:"max_bid"`
	IncrementAmount int               `json:"increment_amount"`
	Strategy        settings.Strategy `json:"strategy"`
	AutoBid         bool              `json:"auto_bid"`
	SnipeWindowS    int               `json:"snipe_window_s"`
}

// OverlayDefaults fills unset fields from process Settings at creation time.
func (c Config) OverlayDefaults(s settings.Settings) Config {
	if c.MaxBid <= 0 {
		c.MaxBid = s.General.DefaultMaxBid
	}
	if c.MaxBid > MaxBidCap {
		c.MaxBid = MaxBidCap
	}
	if c.IncrementAmount <= 0 {
		c.IncrementAmount = s.Bidding.DefaultIncrement
	}
	if c.Strategy == "" {
		c.Strategy = s.General.DefaultStrategy
	}
	if c.SnipeWindowS <= 0 {
		c.SnipeWindowS = s.Bidding.SnipeTimingS
	}
	return c
}

// Merge shallow-merges partial fields from patch over c. A zero value in
// patch means "not supplied" and leaves c's field intact,
// except AutoBid which has no unset sentinel and is always taken from
// patch — callers that truly want to leave it alone pass c.AutoBid back.
func (c Config) Merge(patch Config) Config {
	if patch.MaxBid > 0 {
		c.MaxBid = patch.MaxBid
	}
	if patch.IncrementAmount > 0 {
		c.IncrementAmount = patch.IncrementAmount
	}
	if patch.Strategy != "" {
		c.Strategy = patch.Strategy
	}
	if patch.SnipeWindowS > 0 {
		c.SnipeWindowS = patch.SnipeWindowS
	}
	c.AutoBid = patch.AutoBid
	return c
}

// Snapshot is an immutable read of upstream auction state. Monitor
// replaces, never mutates, an auction's Data field.
type Snapshot struct {
	CurrentBid         int   `json:"current_bid"`
	NextBid            int   `json:"next_bid"`
	HasNextBid         bool  `json:"-"`
	BidCount           int   `json:"bid_count"`
	BidderCount        int   `json:"bidder_count"`
	IsWinning          bool  `json:"is_winning"`
	IsClosed           bool  `json:"is_closed"`
	TimeRemainingS     int   `json:"time_remaining_s"`
	CloseTimeMS        int64 `json:"close_time_ms"`
	ExtensionIntervalS int   `json:"extension_interval_s"`
}

// Auction is a monitored marketplace product and its tracked state.
type Auction struct {
	ID            string            `json:"auction_id"`
	Title         string            `json:"title"`
	URL           string            `json:"url"`
	ImageURL      string            `json:"image_url"`
	Config        Config            `json:"config"`
	Data          *Snapshot         `json:"data"`
	Status        Status            `json:"status"`
	LastUpdateMS  int64             `json:"last_update_ms"`
	EndedAtMS     int64             `json:"ended_at_ms,omitempty"`
	Transport     Transport         `json:"transport"`
	SSEProductID  string            `json:"sse_product_id,omitempty"`
	FallbackPoll  bool              `json:"fallback_polling"`

	LastBidAmount    int  `json:"last_bid_amount"`
	LastBidTimeMS    int64 `json:"last_bid_time_ms"`
	MaxBidReached    bool `json:"max_bid_reached"`

	Metadata             map[string]string `json:"metadata,omitempty"`
	RetryCount           int               `json:"retry_count"`
	ConsecutiveFailures  int               `json:"consecutive_failures"`
}

// BidHistoryEntry is one append-only per-auction bid history record.
type BidHistoryEntry struct {
	TSMS       int64             `json:"ts_ms"`
	Amount     int               `json:"amount"`
	Strategy   settings.Strategy `json:"strategy"`
	Success    bool              `json:"success"`
	Result     string            `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
	DurationMS int64             `json:"duration_ms,omitempty"`
}

var productIDPattern = regexp.MustCompile(`/p/[^/]+/(\d+)`)

// ParseSSEProductID extracts the sse_product_id from a marketplace URL by
// matching /p/<slug>/<digits> and returning the digits group.
func ParseSSEProductID(url string) (string, bool) {
	m := productIDPattern.FindStringSubmatch(url)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// NowMS returns the current wall clock in epoch milliseconds.
func NowMS() int64 { return time.Now().UnixMilli() }

// AuctionIDPattern is the accepted shape of an auction_id at the boundary.
var AuctionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
