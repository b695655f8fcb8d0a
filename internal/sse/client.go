// Package sse maintains one long-lived text/event-stream connection per
// subscribed auction, reconnecting with exponential backoff and handing
// parsed events to a per-auction callback. It falls back to a "use
// polling" signal once reconnection is exhausted, rather than retrying
// forever.
package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// EventKind classifies a parsed server-sent event.
type EventKind string

const (
	EventBidUpdate EventKind = "bid_update"
	EventClosed    EventKind = "closed"
	EventPing      EventKind = "ping"
	EventConnected EventKind = "connected"
)

// Event is one parsed message from the stream. Only the fields relevant
// to Kind are populated: CurrentBid/BidCount/LastBidder for
// EventBidUpdate, FinalBid/Winner/ClosedAtMS for EventClosed.
type Event struct {
	Kind      EventKind
	ProductID string
	SessionID string

	CurrentBid int
	BidCount   int
	LastBidder string

	FinalBid   int
	Winner     string
	ClosedAtMS int64
}

// Handler receives events for a single subscribed product. It must
// return quickly; a slow handler backs up that subscription's read loop.
type Handler func(Event)

// FallbackFunc is invoked once reconnection attempts for a product are
// exhausted, signalling the caller to fall back to polling.
type FallbackFunc func(productID string, err error)

// subscription tracks one subscribed product's handler and cancellation.
type subscription struct {
	productID string
	handler   Handler
	cancel    context.CancelFunc
}

// Client manages SSE subscriptions against a single streaming endpoint.
// Each subscribed product gets its own goroutine and HTTP connection,
// mirroring how the marketplace scopes streams per product rather than
// multiplexing many products over one connection.
type Client struct {
	endpoint          string
	httpClient        *http.Client
	credentials       func() string
	reconnectBase     time.Duration
	reconnectMax      time.Duration
	maxAttempts       int
	onFallback        FallbackFunc

	mu   sync.Mutex
	subs map[string]*subscription
}

// Option configures a Client at construction time.
type Option func(*Client)

func WithReconnectInterval(base time.Duration) Option {
	return func(c *Client) {
		if base > 0 {
			c.reconnectBase = base
		}
	}
}

func WithMaxReconnectAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func WithFallback(f FallbackFunc) Option {
	return func(c *Client) { c.onFallback = f }
}

// New constructs a Client. credentials returns the current session
// cookie header value, or "" if none is set.
func New(endpoint string, credentials func() string, opts ...Option) *Client {
	c := &Client{
		endpoint:      strings.TrimRight(endpoint, "/"),
		httpClient:    &http.Client{Timeout: 0},
		credentials:   credentials,
		reconnectBase: 2 * time.Second,
		reconnectMax:  30 * time.Second,
		maxAttempts:   3,
		subs:          make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe starts streaming events for productID, calling handler for
// every parsed event on its own goroutine. Re-subscribing the same
// productID replaces the existing subscription.
func (c *Client) Subscribe(ctx context.Context, productID string, handler Handler) {
	c.mu.Lock()
	if existing, ok := c.subs[productID]; ok {
		existing.cancel()
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{productID: productID, handler: handler, cancel: cancel}
	c.subs[productID] = sub
	c.mu.Unlock()

	go c.run(subCtx, sub)
}

// Unsubscribe stops streaming for productID. Idempotent.
func (c *Client) Unsubscribe(productID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.subs[productID]; ok {
		sub.cancel()
		delete(c.subs, productID)
	}
}

// Close tears down every active subscription.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, sub := range c.subs {
		sub.cancel()
		delete(c.subs, id)
	}
}

func (c *Client) run(ctx context.Context, sub *subscription) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		err := c.connectOnce(ctx, sub)
		if ctx.Err() != nil {
			return
		}
		attempt++
		if attempt >= c.maxAttempts {
			log.WithField("auction_id", sub.productID).WithError(err).
				Warn("sse: reconnect attempts exhausted, falling back to polling")
			if c.onFallback != nil {
				c.onFallback(sub.productID, err)
			}
			return
		}

		delay := backoffDelay(c.reconnectBase, c.reconnectMax, attempt)
		log.WithField("auction_id", sub.productID).WithField("attempt", attempt).
			WithField("delay", delay).Debug("sse: reconnecting")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// backoffDelay computes the exponential reconnect delay for the given
// attempt number (1-indexed), capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base * time.Duration(1<<uint(attempt-1))
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

// connectOnce opens one stream and reads from it until it errors or the
// context is cancelled. A clean cancellation returns nil.
func (c *Client) connectOnce(ctx context.Context, sub *subscription) error {
	url := fmt.Sprintf("%s/live-products?productId=%s", c.endpoint, sub.productID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.credentials != nil {
		if cookie := c.credentials(); cookie != "" {
			req.Header.Set("Cookie", cookie)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sse: unexpected status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var eventName string
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			ev, ok := parseEvent(eventName, data, sub.productID)
			eventName = ""
			if ok {
				sub.handler(ev)
			}
		case line == "":
			eventName = ""
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("sse: stream closed by server")
}

const (
	eventNameBidsPrefix   = "ch_product_bids:"
	eventNameClosedPrefix = "ch_product_closed:"
)

// bidUpdatePayload is the normalized JSON body of a ch_product_bids event.
type bidUpdatePayload struct {
	CurrentBid int    `json:"current_bid"`
	BidCount   int    `json:"bid_count"`
	LastBidder string `json:"last_bidder"`
}

// closedPayload is the normalized JSON body of a ch_product_closed event.
type closedPayload struct {
	FinalBid   int    `json:"final_bid"`
	Winner     string `json:"winner"`
	ClosedAtMS int64  `json:"closed_at"`
}

// parseEvent interprets the marketplace's event stream: events named
// "ch_product_bids:<id>" and "ch_product_closed:<id>" carry a JSON body,
// while "ping" and "connected <session_id>" are bare data control
// messages with no event name.
func parseEvent(eventName, data, productID string) (Event, bool) {
	if data == "ping" || eventName == "ping" {
		return Event{Kind: EventPing, ProductID: productID}, true
	}
	if strings.HasPrefix(data, "connected") {
		parts := strings.SplitN(data, " ", 2)
		sessionID := ""
		if len(parts) == 2 {
			sessionID = strings.TrimSpace(parts[1])
		}
		return Event{Kind: EventConnected, ProductID: productID, SessionID: sessionID}, true
	}

	switch {
	case strings.HasPrefix(eventName, eventNameBidsPrefix):
		id := strings.TrimPrefix(eventName, eventNameBidsPrefix)
		var payload bidUpdatePayload
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return Event{}, false
		}
		return Event{
			Kind:       EventBidUpdate,
			ProductID:  id,
			CurrentBid: payload.CurrentBid,
			BidCount:   payload.BidCount,
			LastBidder: payload.LastBidder,
		}, true

	case strings.HasPrefix(eventName, eventNameClosedPrefix):
		id := strings.TrimPrefix(eventName, eventNameClosedPrefix)
		var payload closedPayload
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return Event{}, false
		}
		return Event{
			Kind:       EventClosed,
			ProductID:  id,
			FinalBid:   payload.FinalBid,
			Winner:     payload.Winner,
			ClosedAtMS: payload.ClosedAtMS,
		}, true

	default:
		return Event{}, false
	}
}
