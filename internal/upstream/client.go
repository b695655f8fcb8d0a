// Package upstream is the single choke point for outbound HTTP to the
// marketplace: fetching auction snapshots, placing bids, and validating
// the operator's session. It classifies every upstream failure into the
// error taxonomy Monitor and BidEngine reason about, and applies a
// circuit breaker so a struggling marketplace endpoint cannot be hammered
// by every monitored auction at once.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nellisops/auction-tracker/internal/auctiontype"
)

// ErrorKind is the normalized error taxonomy for upstream failures.
type ErrorKind string

const (
	KindValidation      ErrorKind = "validation_error"
	KindAuth            ErrorKind = "auth_error"
	KindDuplicateAmount ErrorKind = "duplicate_amount"
	KindBidTooLow       ErrorKind = "bid_too_low"
	KindAuctionEnded    ErrorKind = "auction_ended"
	KindOutbid          ErrorKind = "outbid"
	KindServerError     ErrorKind = "server_error"
	KindConnectionError ErrorKind = "connection_error"
	KindBreakerOpen     ErrorKind = "breaker_open"
	KindUnknown         ErrorKind = "unknown"
)

func retryableKind(k ErrorKind) bool {
	return k == KindConnectionError || k == KindServerError
}

// UpstreamError wraps a classified failure from a marketplace call.
type UpstreamError struct {
	Kind      ErrorKind
	Retryable bool
	Message   string
	cause     error
}

func (e *UpstreamError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("upstream: %s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("upstream: %s: %s", e.Kind, e.Message)
}

func (e *UpstreamError) Unwrap() error { return e.cause }

func newUpstreamError(kind ErrorKind, msg string, cause error) *UpstreamError {
	return &UpstreamError{Kind: kind, Retryable: retryableKind(kind), Message: msg, cause: cause}
}

// OutbidInfo carries the structured fields of an "accepted but outbid"
// response, when the marketplace includes them.
type OutbidInfo struct {
	CurrentBid  int
	NextBid     int
	BidCount    int
	BidderCount int
}

// BidResult is the outcome of a PlaceBid call.
type BidResult struct {
	Success   bool
	Amount    int
	Kind      ErrorKind
	Retryable bool
	Message   string
	Outbid    *OutbidInfo
}

// CredentialSource returns the current decrypted session-cookie string, or
// "" if none is set.
type CredentialSource func() string

// Clock abstracts time.Now for deterministic tests.
type Clock interface{ Now() time.Time }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// CircuitBreaker is a tiny in-memory breaker guarding the marketplace
// endpoint as a whole: it opens after consecutive failures and
// short-circuits calls for a cool-down period.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	openFor   time.Duration
	clock     Clock
	failCount int
	openUntil time.Time
}

// NewCircuitBreaker constructs a breaker using the real system clock.
func NewCircuitBreaker(threshold int, openFor time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, openFor: openFor, clock: realClock{}}
}

// Allow reports whether a call may proceed.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock.Now().After(c.openUntil)
}

// OnFailure records a failure, opening the breaker once threshold is reached.
func (c *CircuitBreaker) OnFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCount++
	if c.failCount >= c.threshold {
		c.openUntil = c.clock.Now().Add(c.openFor)
		c.failCount = 0
	}
}

// OnSuccess resets the failure counter and closes the breaker.
func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCount = 0
	c.openUntil = time.Time{}
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string { return fmt.Sprintf("status_%d", e.code) }

// Client talks to the marketplace over HTTP.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	credentials   CredentialSource
	breaker       *CircuitBreaker
	retryAttempts int
	tracer        Tracer
}

// Tracer abstracts an optional span emitter so the client stays usable
// without a tracing backend wired in.
type Tracer interface {
	StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, Span)
}

// Span is the minimal span interface the client uses.
type Span interface {
	End()
	SetAttr(key, val string)
}

type noopTracer struct{}

func (noopTracer) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End()                  {}
func (noopSpan) SetAttr(k, v string)   {}

// Option configures a Client at construction time.
type Option func(*Client)

// WithTracer installs a Tracer for per-call spans.
func WithTracer(t Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// WithRetryAttempts overrides the default retry budget for PlaceBid.
func WithRetryAttempts(n int) Option {
	return func(c *Client) {
		if n >= 1 {
			c.retryAttempts = n
		}
	}
}

// New constructs a Client for the given marketplace base URL. credentials
// is consulted on every authenticated call and must never be logged.
func New(baseURL string, credentials CredentialSource, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		baseURL:       strings.TrimRight(baseURL, "/"),
		credentials:   credentials,
		breaker:       NewCircuitBreaker(5, 30*time.Second),
		retryAttempts: 3,
		tracer:        noopTracer{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// --- wire DTOs ------------------------------------------------------------------

type productResponse struct {
	Product struct {
		ID            json.Number `json:"id"`
		Title         string      `json:"title"`
		CurrentPrice  float64     `json:"currentPrice"`
		UserState     struct {
			NextBid    *float64 `json:"nextBid"`
			IsWinning  bool     `json:"isWinning"`
			IsWatching bool     `json:"isWatching"`
		} `json:"userState"`
		BidCount           int    `json:"bidCount"`
		BidderCount        int    `json:"bidderCount"`
		IsClosed           bool   `json:"isClosed"`
		MarketStatus       string `json:"marketStatus"`
		CloseTime          struct {
			Value int64 `json:"value"`
		} `json:"closeTime"`
		ExtensionInterval int `json:"extensionInterval"`
	} `json:"product"`
}

// FetchAuction fetches and normalizes a single auction snapshot.
func (c *Client) FetchAuction(ctx context.Context, id string) (*auctiontype.Snapshot, error) {
	if !c.breaker.Allow() {
		return nil, newUpstreamError(KindBreakerOpen, "circuit open", nil)
	}
	ctx, span := c.tracer.StartSpan(ctx, "upstream.fetch_auction", map[string]string{"auction_id": id})
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/products/"+id, nil)
	if err != nil {
		return nil, newUpstreamError(KindUnknown, "building request", err)
	}
	c.applyCookie(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.OnFailure()
		return nil, newUpstreamError(classifyTransportError(err), "fetching auction", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.breaker.OnFailure()
		return nil, newUpstreamError(classifyStatus(resp.StatusCode), "unexpected status", &statusError{code: resp.StatusCode, body: string(body)})
	}

	var pr productResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		c.breaker.OnFailure()
		return nil, newUpstreamError(KindUnknown, "decoding response", err)
	}
	c.breaker.OnSuccess()

	return normalizeSnapshot(pr), nil
}

func normalizeSnapshot(pr productResponse) *auctiontype.Snapshot {
	now := time.Now().UnixMilli()
	closeTime := pr.Product.CloseTime.Value
	remainingMS := closeTime - now
	if remainingMS < 0 {
		remainingMS = 0
	}
	timeRemainingS := int(remainingMS / 1000)

	isClosed := pr.Product.IsClosed || pr.Product.MarketStatus == "sold" || timeRemainingS == 0

	snap := &auctiontype.Snapshot{
		CurrentBid:         int(pr.Product.CurrentPrice),
		BidCount:           pr.Product.BidCount,
		BidderCount:        pr.Product.BidderCount,
		IsWinning:          pr.Product.UserState.IsWinning,
		IsClosed:           isClosed,
		TimeRemainingS:     timeRemainingS,
		CloseTimeMS:        closeTime,
		ExtensionIntervalS: pr.Product.ExtensionInterval,
	}
	if pr.Product.UserState.NextBid != nil {
		snap.NextBid = int(*pr.Product.UserState.NextBid)
		snap.HasNextBid = true
	}
	return snap
}

// FetchMany fetches snapshots for every id concurrently, dropping
// individual failures (the caller only sees successes).
func (c *Client) FetchMany(ctx context.Context, ids []string) map[string]*auctiontype.Snapshot {
	out := make(map[string]*auctiontype.Snapshot, len(ids))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			snap, err := c.FetchAuction(ctx, id)
			if err != nil {
				log.WithError(err).WithField("auction_id", id).Debug("upstream: fetch_many: dropping failed fetch")
				return
			}
			mu.Lock()
			out[id] = snap
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return out
}

type bidResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Message string `json:"message"`
		Data    struct {
			CurrentAmount   *float64 `json:"currentAmount"`
			MinimumNextBid  *float64 `json:"minimumNextBid"`
			BidCount        int      `json:"bidCount"`
			BidderCount     int      `json:"bidderCount"`
		} `json:"data"`
	} `json:"data"`
}

// PlaceBid posts a bid, retrying retryable failures up to
// retryAttempts-1 additional times with linear backoff.
func (c *Client) PlaceBid(ctx context.Context, id string, amount int) (*BidResult, error) {
	if !c.breaker.Allow() {
		return nil, newUpstreamError(KindBreakerOpen, "circuit open", nil)
	}
	ctx, span := c.tracer.StartSpan(ctx, "upstream.place_bid", map[string]string{"auction_id": id})
	defer span.End()

	var lastErr error
	for attempt := 1; attempt <= c.retryAttempts; attempt++ {
		result, err := c.placeBidOnce(ctx, id, amount)
		if err == nil {
			c.breaker.OnSuccess()
			return result, nil
		}
		lastErr = err

		var ue *UpstreamError
		retryable := false
		if ok := extractUpstreamError(err, &ue); ok {
			retryable = ue.Retryable
		}
		if !retryable || attempt == c.retryAttempts {
			c.breaker.OnFailure()
			return nil, err
		}
		delay := time.Duration(attempt) * time.Second
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func extractUpstreamError(err error, target **UpstreamError) bool {
	if ue, ok := err.(*UpstreamError); ok {
		*target = ue
		return true
	}
	return false
}

func (c *Client) placeBidOnce(ctx context.Context, id string, amount int) (*BidResult, error) {
	floored := amount
	if floored < 0 {
		floored = 0
	}
	bidCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	payload := map[string]int{"productId": mustAtoi(id), "bid": floored}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(bidCtx, http.MethodPost, c.baseURL+"/bid", bytes.NewReader(body))
	if err != nil {
		return nil, newUpstreamError(KindUnknown, "building request", err)
	}
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	c.applyCookie(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, newUpstreamError(classifyTransportError(err), "posting bid", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		var br bidResponse
		_ = json.Unmarshal(respBody, &br)

		result := &BidResult{Success: true, Amount: floored}
		if outbidReflex(br.Data.Message) {
			result.Kind = KindOutbid
			result.Message = br.Data.Message
			result.Outbid = &OutbidInfo{
				BidCount:    br.Data.Data.BidCount,
				BidderCount: br.Data.Data.BidderCount,
			}
			if br.Data.Data.CurrentAmount != nil {
				result.Outbid.CurrentBid = int(*br.Data.Data.CurrentAmount)
			}
			if br.Data.Data.MinimumNextBid != nil {
				result.Outbid.NextBid = int(*br.Data.Data.MinimumNextBid)
			}
		}
		return result, nil
	}

	kind := classifyBidFailure(resp.StatusCode, string(respBody))
	return nil, newUpstreamError(kind, "bid rejected", &statusError{code: resp.StatusCode, body: string(respBody)})
}

// outbidReflex checks for the marketplace's informal "another user has a
// higher maximum bid" substring. The exact shape of this response is
// inferred from string matching; structured data fields, when present,
// are treated as authoritative over the message text.
func outbidReflex(message string) bool {
	return strings.Contains(strings.ToLower(message), "higher maximum bid")
}

func classifyTransportError(err error) ErrorKind {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return KindConnectionError
	}
	return KindConnectionError
}

func classifyStatus(code int) ErrorKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code >= 500:
		return KindServerError
	case code >= 400:
		return KindValidation
	default:
		return KindUnknown
	}
}

func classifyBidFailure(code int, body string) ErrorKind {
	lower := strings.ToLower(body)
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case strings.Contains(lower, "duplicate"):
		return KindDuplicateAmount
	case strings.Contains(lower, "too low") || strings.Contains(lower, "minimum"):
		return KindBidTooLow
	case strings.Contains(lower, "ended") || strings.Contains(lower, "closed"):
		return KindAuctionEnded
	case code >= 500:
		return KindServerError
	case code >= 400:
		return KindUnknown
	default:
		return KindUnknown
	}
}

// ValidateSession performs a cheap authenticated GET; HTTP 200 is valid,
// redirects (and anything else) are treated as an invalid session.
func (c *Client) ValidateSession(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/account", nil)
	if err != nil {
		return false, newUpstreamError(KindUnknown, "building request", err)
	}
	c.applyCookie(req)

	noRedirect := &http.Client{
		Timeout: c.httpClient.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := noRedirect.Do(req)
	if err != nil {
		return false, newUpstreamError(classifyTransportError(err), "validating session", err)
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK, nil
}

func (c *Client) applyCookie(req *http.Request) {
	if c.credentials == nil {
		return
	}
	if cookie := c.credentials(); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
}

func mustAtoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
