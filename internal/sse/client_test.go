package sse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay_GrowsExponentiallyThenCaps(t *testing.T) {
	base := 2 * time.Second
	max := 30 * time.Second

	assert.Equal(t, 2*time.Second, backoffDelay(base, max, 1))
	assert.Equal(t, 4*time.Second, backoffDelay(base, max, 2))
	assert.Equal(t, 8*time.Second, backoffDelay(base, max, 3))
	assert.Equal(t, max, backoffDelay(base, max, 10))
}

func TestParseEvent_BidUpdate(t *testing.T) {
	ev, ok := parseEvent("ch_product_bids:123456", `{"current_bid":45,"bid_count":3,"last_bidder":"alice"}`, "123456")
	assert.True(t, ok)
	assert.Equal(t, EventBidUpdate, ev.Kind)
	assert.Equal(t, "123456", ev.ProductID)
	assert.Equal(t, 45, ev.CurrentBid)
	assert.Equal(t, 3, ev.BidCount)
	assert.Equal(t, "alice", ev.LastBidder)
}

func TestParseEvent_Closed(t *testing.T) {
	ev, ok := parseEvent("ch_product_closed:123456", `{"final_bid":60,"winner":"bob","closed_at":1700000000000}`, "123456")
	assert.True(t, ok)
	assert.Equal(t, EventClosed, ev.Kind)
	assert.Equal(t, "123456", ev.ProductID)
	assert.Equal(t, 60, ev.FinalBid)
	assert.Equal(t, "bob", ev.Winner)
	assert.Equal(t, int64(1700000000000), ev.ClosedAtMS)
}

func TestParseEvent_Ping(t *testing.T) {
	ev, ok := parseEvent("", "ping", "123456")
	assert.True(t, ok)
	assert.Equal(t, EventPing, ev.Kind)
}

func TestParseEvent_Connected(t *testing.T) {
	ev, ok := parseEvent("", "connected sess-abc", "123456")
	assert.True(t, ok)
	assert.Equal(t, EventConnected, ev.Kind)
	assert.Equal(t, "sess-abc", ev.SessionID)
}

func TestParseEvent_UnknownKindIsIgnored(t *testing.T) {
	_, ok := parseEvent("something_else:1", `{}`, "123456")
	assert.False(t, ok)
}

func TestParseEvent_MalformedJSONIsIgnored(t *testing.T) {
	_, ok := parseEvent("ch_product_bids:123456", "not-json", "123456")
	assert.False(t, ok)
}
