// Package monitor owns the lifecycle of every tracked auction: one
// goroutine per auction folds incoming events (snapshot refreshes, bid
// results, config updates) into the auction's state and decides when to
// call into bidding and upstream. A buffered channel per auction gives
// strict per-auction ordering without a shared worker pool.
package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nellisops/auction-tracker/internal/auctiontype"
	"github.com/nellisops/auction-tracker/internal/bidding"
	"github.com/nellisops/auction-tracker/internal/settings"
	"github.com/nellisops/auction-tracker/internal/sse"
	"github.com/nellisops/auction-tracker/internal/store"
	"github.com/nellisops/auction-tracker/internal/upstream"
)

// EventKind names the kinds of notifications Monitor publishes for
// Broadcaster and BoundaryAPI to consume.
type EventKind string

const (
	EventBidUpdate    EventKind = "bid_update"
	EventOutbid       EventKind = "outbid"
	EventAuctionEnded EventKind = "auction_ended"
	EventBidPlaced    EventKind = "bid_placed"
	EventError        EventKind = "error"
)

// Notification is published on the Notifications channel whenever an auction's
// state changes in a way a client cares about.
type Notification struct {
	Kind    EventKind
	Auction auctiontype.Auction
}

// pollIntervalNormal and pollIntervalTight are the fetch cadences used
// while an auction has plenty of time left, versus inside its closing
// window, where polling tightens regardless of transport.
// pollIntervalFallback is the low-rate poll a monitor keeps running
// alongside a connected SSE subscription, to catch missed events.
const (
	pollIntervalNormal   = 6 * time.Second
	pollIntervalTight    = 2 * time.Second
	pollIntervalFallback = 30 * time.Second
	tightWindowS         = 30

	defaultCleanupInterval = 5 * time.Minute
	defaultEndedRetention  = 60 * time.Second
	outbidReflexDelay      = 2 * time.Second
)

// command is a message folded into an auction actor's queue.
type command struct {
	kind      string // "snapshot" | "config" | "bid_result" | "transport"
	snapshot  *auctiontype.Snapshot
	config    auctiontype.Config
	bidResult *upstream.BidResult
	bidAmount int
	bidErr    error

	transport    auctiontype.Transport
	fallbackPoll bool
}

// actor runs one auction's fold loop. sseProductID is the id subscribed
// on the SSE channel, distinct from the auction id; sseConnected reports
// whether that subscription is currently live, consulted by pollLoop to
// pick its cadence.
type actor struct {
	id           string
	sseProductID string
	queue        chan command
	cancel       context.CancelFunc
	sseConnected atomic.Bool

	mu      sync.Mutex
	current auctiontype.Auction
}

func (act *actor) setCurrent(a auctiontype.Auction) {
	act.mu.Lock()
	act.current = a
	act.mu.Unlock()
}

func (act *actor) getCurrent() auctiontype.Auction {
	act.mu.Lock()
	defer act.mu.Unlock()
	return act.current
}

// Monitor tracks every actively monitored auction.
type Monitor struct {
	store    *store.Store
	upClient *upstream.Client
	sseCl    *sse.Client
	settings func() settings.Settings

	notify chan Notification

	mu          sync.Mutex
	actors      map[string]*actor
	byProductID map[string]*actor

	pollInterval    time.Duration
	cleanupInterval time.Duration
	endedRetention  time.Duration
}

// Option configures a Monitor at construction time.
type Option func(*Monitor)

func WithCleanupInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.cleanupInterval = d
		}
	}
}

func WithEndedRetention(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.endedRetention = d
		}
	}
}

// WithPollInterval overrides the default polling cadence used while an
// auction has plenty of time left and no tighter schedule applies.
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// New constructs a Monitor. settingsFn is consulted fresh on every new
// auction so a settings change takes effect without a restart.
func New(st *store.Store, up *upstream.Client, sseCl *sse.Client, settingsFn func() settings.Settings, opts ...Option) *Monitor {
	m := &Monitor{
		store:           st,
		upClient:        up,
		sseCl:           sseCl,
		settings:        settingsFn,
		notify:          make(chan Notification, 256),
		actors:          make(map[string]*actor),
		byProductID:     make(map[string]*actor),
		pollInterval:    pollIntervalNormal,
		cleanupInterval: defaultCleanupInterval,
		endedRetention:  defaultEndedRetention,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Notifications returns the channel Broadcaster/BoundaryAPI should drain.
func (m *Monitor) Notifications() <-chan Notification { return m.notify }

func (m *Monitor) emit(n Notification) {
	select {
	case m.notify <- n:
	default:
		log.WithField("auction_id", n.Auction.ID).Warn("monitor: notification channel full, dropping")
	}
}

// Run starts the background recovery pass and cleanup sweep. It blocks
// until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.recover(ctx)

	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			return
		case <-ticker.C:
			m.cleanup(ctx)
		}
	}
}

// recover reloads every persisted auction at startup and resumes
// monitoring it, so a process restart doesn't silently drop auctions the
// operator was tracking.
func (m *Monitor) recover(ctx context.Context) {
	ids, err := m.store.ListAuctions(ctx)
	if err != nil {
		log.WithError(err).Warn("monitor: recovery: listing auctions failed")
		return
	}
	for _, id := range ids {
		raw, err := m.store.GetAuction(ctx, id)
		if err != nil {
			continue
		}
		var a auctiontype.Auction
		if err := unmarshalAuction(raw, &a); err != nil {
			log.WithError(err).WithField("auction_id", id).Warn("monitor: recovery: decoding auction failed")
			continue
		}
		if a.Status == auctiontype.StatusEnded {
			continue
		}
		m.startActor(ctx, a)
		log.WithField("auction_id", id).Info("monitor: recovered auction")
	}
}

// Start begins monitoring a new auction, or replaces the config of one
// already tracked with the same id.
func (m *Monitor) Start(ctx context.Context, id, title, url, imageURL string, cfg auctiontype.Config) auctiontype.Auction {
	cfg = cfg.OverlayDefaults(m.settings())

	a := auctiontype.Auction{
		ID:           id,
		Title:        title,
		URL:          url,
		ImageURL:     imageURL,
		Config:       cfg,
		Status:       auctiontype.StatusMonitoring,
		LastUpdateMS: auctiontype.NowMS(),
		Transport:    auctiontype.TransportPolling,
	}
	if pid, ok := auctiontype.ParseSSEProductID(url); ok {
		a.SSEProductID = pid
	}

	m.mu.Lock()
	_, exists := m.actors[id]
	m.mu.Unlock()
	if exists {
		m.UpdateConfig(id, cfg)
		return a
	}

	_ = m.store.SaveAuction(ctx, id, a)
	m.startActor(ctx, a)
	return a
}

// Stop stops monitoring an auction and removes its persisted record.
func (m *Monitor) Stop(ctx context.Context, id string) {
	m.mu.Lock()
	act, ok := m.actors[id]
	if ok {
		delete(m.actors, id)
		if act.sseProductID != "" {
			delete(m.byProductID, act.sseProductID)
		}
	}
	m.mu.Unlock()
	if ok {
		act.cancel()
		if m.sseCl != nil && act.sseProductID != "" {
			m.sseCl.Unsubscribe(act.sseProductID)
		}
	}
	m.store.DeleteAuction(ctx, id)
}

// UpdateConfig merges patch into the live auction's config.
func (m *Monitor) UpdateConfig(id string, patch auctiontype.Config) {
	m.mu.Lock()
	act, ok := m.actors[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case act.queue <- command{kind: "config", config: patch}:
	default:
		log.WithField("auction_id", id).Warn("monitor: actor queue full, dropping config update")
	}
}

// PlaceBidNow forces an immediate bid attempt regardless of strategy,
// used by the manual "place a bid" API operation.
func (m *Monitor) PlaceBidNow(ctx context.Context, id string, amount int) {
	m.mu.Lock()
	act, ok := m.actors[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	go m.executeBid(ctx, id, act, amount)
}

func (m *Monitor) startActor(ctx context.Context, a auctiontype.Auction) {
	actorCtx, cancel := context.WithCancel(ctx)
	act := &actor{
		id:           a.ID,
		sseProductID: a.SSEProductID,
		queue:        make(chan command, 32),
		cancel:       cancel,
	}
	act.setCurrent(a)
	m.mu.Lock()
	m.actors[a.ID] = act
	if act.sseProductID != "" {
		m.byProductID[act.sseProductID] = act
	}
	m.mu.Unlock()

	if a.SSEProductID != "" && m.sseCl != nil {
		m.subscribeSSE(actorCtx, act)
	}

	go m.pollLoop(actorCtx, act)
	go m.fold(actorCtx, act, a)
}

// subscribeSSE opens the upstream SSE subscription keyed by the
// auction's sse_product_id. A successful connect marks the auction
// transport=sse with a 30 s fallback poll; bid/close events trigger an
// immediate fresh fetch rather than folding the partial SSE payload
// directly, since BidEngine needs the full snapshot shape.
func (m *Monitor) subscribeSSE(ctx context.Context, act *actor) {
	m.sseCl.Subscribe(ctx, act.sseProductID, func(ev sse.Event) {
		switch ev.Kind {
		case sse.EventConnected:
			act.sseConnected.Store(true)
			m.setTransport(act, auctiontype.TransportSSE, true)
		case sse.EventBidUpdate, sse.EventClosed:
			go m.refreshOne(ctx, act)
		}
	})
}

// HandleSSEFallback is called once an auction's SSE subscription has
// exhausted its reconnect attempts. It switches that auction back to the
// default polling cadence.
func (m *Monitor) HandleSSEFallback(productID string, err error) {
	m.mu.Lock()
	act, ok := m.byProductID[productID]
	m.mu.Unlock()
	if !ok {
		return
	}
	act.sseConnected.Store(false)
	log.WithField("sse_product_id", productID).WithError(err).
		Warn("monitor: sse reconnect attempts exhausted, falling back to polling")
	m.setTransport(act, auctiontype.TransportPolling, false)
}

func (m *Monitor) setTransport(act *actor, transport auctiontype.Transport, fallbackPoll bool) {
	select {
	case act.queue <- command{kind: "transport", transport: transport, fallbackPoll: fallbackPoll}:
	default:
		log.WithField("auction_id", act.id).Warn("monitor: actor queue full, dropping transport update")
	}
}

// pollLoop fetches snapshots on a cadence: tight near close, the
// slow fallback cadence while SSE is connected, and the configured
// default cadence otherwise.
func (m *Monitor) pollLoop(ctx context.Context, act *actor) {
	interval := m.pollInterval
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		remaining := m.refreshOne(ctx, act)
		switch {
		case remaining >= 0 && remaining <= tightWindowS:
			interval = pollIntervalTight
		case act.sseConnected.Load():
			interval = pollIntervalFallback
		default:
			interval = m.pollInterval
		}
		timer.Reset(interval)
	}
}

// refreshOne fetches one fresh snapshot and folds it into the actor,
// returning the auction's remaining time, or -1 if the fetch failed.
func (m *Monitor) refreshOne(ctx context.Context, act *actor) int {
	snap, err := m.upClient.FetchAuction(ctx, act.id)
	if err != nil {
		log.WithError(err).WithField("auction_id", act.id).Debug("monitor: snapshot fetch failed")
		return -1
	}
	select {
	case act.queue <- command{kind: "snapshot", snapshot: snap}:
	default:
		log.WithField("auction_id", act.id).Warn("monitor: actor queue full, dropping snapshot")
	}
	return snap.TimeRemainingS
}

// fold is the single goroutine that owns an auction's state. Every
// mutation goes through this loop via act.queue, so state reads and
// writes never race.
func (m *Monitor) fold(ctx context.Context, act *actor, a auctiontype.Auction) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-act.queue:
			switch cmd.kind {
			case "snapshot":
				a = m.foldSnapshot(ctx, act, a, cmd.snapshot)
			case "config":
				a.Config = a.Config.Merge(cmd.config)
				_ = m.store.SaveAuction(ctx, a.ID, a)
			case "bid_result":
				a = m.foldBidResult(ctx, act, a, cmd)
			case "transport":
				a.Transport = cmd.transport
				a.FallbackPoll = cmd.fallbackPoll
				_ = m.store.SaveAuction(ctx, a.ID, a)
			}
			act.setCurrent(a)
		}
	}
}

func (m *Monitor) foldSnapshot(ctx context.Context, act *actor, a auctiontype.Auction, snap *auctiontype.Snapshot) auctiontype.Auction {
	prev := a.Data
	a.Data = snap
	a.LastUpdateMS = auctiontype.NowMS()
	a.ConsecutiveFailures = 0

	if snap.IsClosed {
		a.Status = auctiontype.StatusEnded
		a.EndedAtMS = auctiontype.NowMS()
		_ = m.store.SaveAuction(ctx, a.ID, a)
		m.emit(Notification{Kind: EventAuctionEnded, Auction: a})
		// Tear down polling and SSE but keep the persisted ended record;
		// the cleanup sweep deletes it once the retention window passes.
		m.mu.Lock()
		delete(m.actors, a.ID)
		if act.sseProductID != "" {
			delete(m.byProductID, act.sseProductID)
		}
		m.mu.Unlock()
		if m.sseCl != nil && act.sseProductID != "" {
			m.sseCl.Unsubscribe(act.sseProductID)
		}
		act.cancel()
		return a
	}

	changed := prev == nil || prev.CurrentBid != snap.CurrentBid || prev.BidCount != snap.BidCount
	if changed {
		_ = m.store.SaveAuction(ctx, a.ID, a)
		m.emit(Notification{Kind: EventBidUpdate, Auction: a})
	}

	decision := bidding.Evaluate(a.Config, a.Data, m.settings())
	switch decision.Kind {
	case bidding.PlaceBid:
		go m.executeBid(ctx, a.ID, act, decision.Amount)
	case bidding.BudgetExceeded:
		if !a.MaxBidReached {
			a.MaxBidReached = true
			_ = m.store.SaveAuction(ctx, a.ID, a)
			m.emit(Notification{Kind: EventError, Auction: a})
		}
	}
	return a
}

func (m *Monitor) executeBid(ctx context.Context, id string, act *actor, amount int) {
	start := time.Now()
	result, err := m.upClient.PlaceBid(ctx, id, amount)
	select {
	case act.queue <- command{kind: "bid_result", bidResult: result, bidAmount: amount, bidErr: err}:
	default:
		log.WithField("auction_id", id).Warn("monitor: actor queue full, dropping bid result")
	}
	_ = time.Since(start)
}

func (m *Monitor) foldBidResult(ctx context.Context, act *actor, a auctiontype.Auction, cmd command) auctiontype.Auction {
	entry := auctiontype.BidHistoryEntry{
		TSMS:     auctiontype.NowMS(),
		Amount:   cmd.bidAmount,
		Strategy: a.Config.Strategy,
	}

	if cmd.bidErr != nil {
		entry.Success = false
		entry.Error = cmd.bidErr.Error()
		a.RetryCount++
	} else if cmd.bidResult != nil {
		entry.Success = cmd.bidResult.Success
		entry.Result = string(cmd.bidResult.Kind)
		if cmd.bidResult.Success {
			a.LastBidAmount = cmd.bidResult.Amount
			a.LastBidTimeMS = auctiontype.NowMS()
			m.emit(Notification{Kind: EventBidPlaced, Auction: a})
		}
		if cmd.bidResult.Outbid != nil {
			var snap auctiontype.Snapshot
			if a.Data != nil {
				snap = *a.Data
			}
			snap.CurrentBid = cmd.bidResult.Outbid.CurrentBid
			snap.NextBid = cmd.bidResult.Outbid.NextBid
			snap.HasNextBid = true
			snap.BidCount = cmd.bidResult.Outbid.BidCount
			snap.BidderCount = cmd.bidResult.Outbid.BidderCount
			a.Data = &snap
			m.emit(Notification{Kind: EventOutbid, Auction: a})
			m.scheduleOutbidReflex(ctx, act, a)
		}
	}

	_ = m.store.AppendBidHistory(ctx, a.ID, entry, entry.TSMS)
	_ = m.store.SaveAuction(ctx, a.ID, a)
	return a
}

// scheduleOutbidReflex re-evaluates an auto-strategy auction shortly
// after it learns it was outbid, rather than waiting for the next poll
// tick, so auto-bidding reacts promptly to competing bidders.
func (m *Monitor) scheduleOutbidReflex(ctx context.Context, act *actor, a auctiontype.Auction) {
	if a.Config.Strategy != settings.StrategyAuto || !a.Config.AutoBid {
		return
	}
	snap := a.Data
	time.AfterFunc(outbidReflexDelay, func() {
		select {
		case act.queue <- command{kind: "snapshot", snapshot: snap}:
		default:
		}
	})
}

// cleanup removes ended auctions whose retention window has passed.
func (m *Monitor) cleanup(ctx context.Context) {
	ids, err := m.store.ListAuctions(ctx)
	if err != nil {
		return
	}
	now := auctiontype.NowMS()
	for _, id := range ids {
		raw, err := m.store.GetAuction(ctx, id)
		if err != nil {
			continue
		}
		var a auctiontype.Auction
		if err := unmarshalAuction(raw, &a); err != nil {
			continue
		}
		if a.Status == auctiontype.StatusEnded && now-a.EndedAtMS > m.endedRetention.Milliseconds() {
			m.store.DeleteAuction(ctx, id)
		}
	}
}

func (m *Monitor) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, act := range m.actors {
		act.cancel()
		delete(m.actors, id)
	}
}

// ListAuctions returns the current record of every actively monitored
// auction, read from each actor's fold-owned state.
func (m *Monitor) ListAuctions() []auctiontype.Auction {
	m.mu.Lock()
	actors := make([]*actor, 0, len(m.actors))
	for _, act := range m.actors {
		actors = append(actors, act)
	}
	m.mu.Unlock()

	out := make([]auctiontype.Auction, 0, len(actors))
	for _, act := range actors {
		out = append(out, act.getCurrent())
	}
	return out
}

func unmarshalAuction(raw []byte, a *auctiontype.Auction) error {
	return json.Unmarshal(raw, a)
}
