// Package store persists auction records, credentials, settings, and bid
// history behind a durable redis backend with an in-memory fallback that
// absorbs writes when redis is unreachable. Callers never see a redis
// outage as a failure; only simultaneous failure of both backends
// surfaces as an error.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/nellisops/auction-tracker/internal/settings"
)

const (
	auctionTTL     = time.Hour
	credentialsTTL = 24 * time.Hour
	bidHistoryTTL  = 7 * 24 * time.Hour
	bidHistoryCap  = 100

	keyAuctionPrefix    = "nellis:auction:"
	keyAuctionIndex     = "nellis:auctions:index"
	keyAuthCookies      = "nellis:auth:cookies"
	keyBidHistoryPrefix = "nellis:bid_history:"
	keySettings         = "nellis:system:settings"
)

// Event is emitted on the store's event channel for observability. Errors
// from the durable backend are otherwise suppressed so a redis outage
// never kills the process — they are only surfaced this way.
type Event struct {
	Kind string // "connected" | "disconnected" | "ready"
	Err  error
}

// Store is the durable key/value and sorted-list persistence layer.
type Store struct {
	redis      *redis.Client
	opTimeout  time.Duration

	mu        sync.RWMutex
	fallback  map[string][]byte
	fbExpiry  map[string]time.Time
	fbZSets   map[string]map[string]float64 // key -> member -> score

	events    chan Event
	connected bool

	stopReconnect context.CancelFunc
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithOperationTimeout overrides the default 2s per-operation timeout.
func WithOperationTimeout(d time.Duration) Option {
	return func(s *Store) { s.opTimeout = d }
}

// New constructs a Store backed by the given redis client. The durable
// backend is assumed reachable at first; a background reconnector takes
// over if it is not, or if it later drops.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{
		redis:     client,
		opTimeout: 2 * time.Second,
		fallback:  make(map[string][]byte),
		fbExpiry:  make(map[string]time.Time),
		fbZSets:   make(map[string]map[string]float64),
		events:    make(chan Event, 16),
		connected: true,
	}
	return s
}

// Events returns the store's observability event channel. Reading from it
// is optional; events are dropped if the channel is full so a slow or
// absent listener never blocks a store operation.
func (s *Store) Events() <-chan Event { return s.events }

func (s *Store) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

// Run starts the background reconnector loop. It returns once ctx is
// cancelled. Call it in its own goroutine from the Supervisor.
func (s *Store) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.stopReconnect = cancel

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // retry indefinitely

	const healthyProbe = 5 * time.Second
	timer := time.NewTimer(healthyProbe)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
			err := s.redis.Ping(pingCtx).Err()
			cancel()

			s.mu.Lock()
			wasConnected := s.connected
			s.connected = err == nil
			s.mu.Unlock()

			if err == nil && !wasConnected {
				log.Info("store: redis connection restored")
				s.emit(Event{Kind: "connected"})
				s.emit(Event{Kind: "ready"})
				b.Reset()
			} else if err != nil && wasConnected {
				log.WithError(err).Warn("store: redis connection lost, falling back to memory")
				s.emit(Event{Kind: "disconnected", Err: err})
			}

			if err != nil {
				timer.Reset(b.NextBackOff())
			} else {
				timer.Reset(healthyProbe)
			}
		}
	}
}

// Close stops the reconnector and closes the redis client.
func (s *Store) Close() error {
	if s.stopReconnect != nil {
		s.stopReconnect()
	}
	return s.redis.Close()
}

func (s *Store) isConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *Store) markDisconnected(err error) {
	s.mu.Lock()
	was := s.connected
	s.connected = false
	s.mu.Unlock()
	if was {
		log.WithError(err).Warn("store: redis operation failed, falling back to memory")
		s.emit(Event{Kind: "disconnected", Err: err})
	}
}

func (s *Store) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.opTimeout)
}

// --- generic key/value helpers -------------------------------------------------

func (s *Store) setBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s.isConnected() {
		rctx, cancel := s.ctx(ctx)
		err := s.redis.Set(rctx, key, value, ttl).Err()
		cancel()
		if err == nil {
			return nil
		}
		s.markDisconnected(err)
	}
	s.mu.Lock()
	s.fallback[key] = value
	if ttl > 0 {
		s.fbExpiry[key] = time.Now().Add(ttl)
	} else {
		delete(s.fbExpiry, key)
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) getBytes(ctx context.Context, key string) ([]byte, error) {
	if s.isConnected() {
		rctx, cancel := s.ctx(ctx)
		v, err := s.redis.Get(rctx, key).Bytes()
		cancel()
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, redis.Nil) {
			s.markDisconnected(err)
		} else {
			return nil, ErrNotFound
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if exp, ok := s.fbExpiry[key]; ok && time.Now().After(exp) {
		return nil, ErrNotFound
	}
	v, ok := s.fallback[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (s *Store) deleteKey(ctx context.Context, key string) {
	if s.isConnected() {
		rctx, cancel := s.ctx(ctx)
		err := s.redis.Del(rctx, key).Err()
		cancel()
		if err != nil {
			s.markDisconnected(err)
		}
	}
	s.mu.Lock()
	delete(s.fallback, key)
	delete(s.fbExpiry, key)
	s.mu.Unlock()
}

// ErrNotFound is returned by Get* operations when the key has no record in
// either backend.
var ErrNotFound = errors.New("store: not found")

// StoreError is returned when a value cannot be encoded or decoded. A
// durable-backend outage alone is never reported as a StoreError, since
// writes and reads fall back to the in-memory map.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// --- Auction records ------------------------------------------------------------

// SaveAuction persists an opaque auction record, serialized as canonical
// JSON bytes by the caller's choice of value (typically auctiontype.Auction).
func (s *Store) SaveAuction(ctx context.Context, id string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return &StoreError{Op: "save_auction:marshal", Err: err}
	}
	key := keyAuctionPrefix + id
	if err := s.setBytes(ctx, key, data, auctionTTL); err != nil {
		return &StoreError{Op: "save_auction", Err: err}
	}
	s.indexAdd(ctx, id)
	return nil
}

// GetAuction loads the raw bytes for id; caller unmarshals into their own type.
func (s *Store) GetAuction(ctx context.Context, id string) ([]byte, error) {
	return s.getBytes(ctx, keyAuctionPrefix+id)
}

// DeleteAuction removes the auction record and its index entry.
func (s *Store) DeleteAuction(ctx context.Context, id string) {
	s.deleteKey(ctx, keyAuctionPrefix+id)
	s.indexRemove(ctx, id)
}

// ListAuctions returns the ids of every known auction record across both
// backends, deduplicated.
func (s *Store) ListAuctions(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})

	if s.isConnected() {
		rctx, cancel := s.ctx(ctx)
		ids, err := s.redis.SMembers(rctx, keyAuctionIndex).Result()
		cancel()
		if err != nil {
			s.markDisconnected(err)
		} else {
			for _, id := range ids {
				seen[id] = struct{}{}
			}
		}
	}

	s.mu.RLock()
	for k := range s.fallback {
		if len(k) > len(keyAuctionPrefix) && k[:len(keyAuctionPrefix)] == keyAuctionPrefix {
			seen[k[len(keyAuctionPrefix):]] = struct{}{}
		}
	}
	s.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out, nil
}

func (s *Store) indexAdd(ctx context.Context, id string) {
	if s.isConnected() {
		rctx, cancel := s.ctx(ctx)
		err := s.redis.SAdd(rctx, keyAuctionIndex, id).Err()
		cancel()
		if err != nil {
			s.markDisconnected(err)
		}
	}
}

func (s *Store) indexRemove(ctx context.Context, id string) {
	if s.isConnected() {
		rctx, cancel := s.ctx(ctx)
		err := s.redis.SRem(rctx, keyAuctionIndex, id).Err()
		cancel()
		if err != nil {
			s.markDisconnected(err)
		}
	}
}

// --- Credentials -----------------------------------------------------------------

// SaveCredentials persists an already-encrypted credential blob.
func (s *Store) SaveCredentials(ctx context.Context, ciphertext []byte) error {
	if err := s.setBytes(ctx, keyAuthCookies, ciphertext, credentialsTTL); err != nil {
		return &StoreError{Op: "save_credentials", Err: err}
	}
	return nil
}

// GetCredentials returns the stored ciphertext, or (nil, nil) if unset.
func (s *Store) GetCredentials(ctx context.Context) ([]byte, error) {
	v, err := s.getBytes(ctx, keyAuthCookies)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return v, err
}

// ClearCredentials removes the stored credential blob (explicit logout).
func (s *Store) ClearCredentials(ctx context.Context) {
	s.deleteKey(ctx, keyAuthCookies)
}

// --- Settings ----------------------------------------------------------------------

// SaveSettings persists the process-wide Settings singleton.
func (s *Store) SaveSettings(ctx context.Context, v settings.Settings) error {
	data, err := json.Marshal(v)
	if err != nil {
		return &StoreError{Op: "save_settings:marshal", Err: err}
	}
	if err := s.setBytes(ctx, keySettings, data, 0); err != nil {
		return &StoreError{Op: "save_settings", Err: err}
	}
	return nil
}

// GetSettings returns the persisted Settings, normalized, or built-in
// defaults if none have ever been saved.
func (s *Store) GetSettings(ctx context.Context) (settings.Settings, error) {
	data, err := s.getBytes(ctx, keySettings)
	if errors.Is(err, ErrNotFound) {
		return settings.Default(), nil
	}
	if err != nil {
		return settings.Settings{}, &StoreError{Op: "get_settings", Err: err}
	}
	var v settings.Settings
	if err := json.Unmarshal(data, &v); err != nil {
		return settings.Settings{}, &StoreError{Op: "get_settings:unmarshal", Err: err}
	}
	return v.Normalize(), nil
}

// --- Bid history ---------------------------------------------------------------------

// AppendBidHistory appends entry to the auction's bid history, scored by
// ts_ms, and trims the set to the newest bidHistoryCap entries.
func (s *Store) AppendBidHistory(ctx context.Context, id string, entry any, tsMS int64) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return &StoreError{Op: "append_bid_history:marshal", Err: err}
	}
	key := keyBidHistoryPrefix + id
	member := fmt.Sprintf("%d:%s", tsMS, data)

	if s.isConnected() {
		rctx, cancel := s.ctx(ctx)
		pipe := s.redis.Pipeline()
		pipe.ZAdd(rctx, key, redis.Z{Score: float64(tsMS), Member: member})
		pipe.ZRemRangeByRank(rctx, key, 0, -(bidHistoryCap + 1))
		pipe.Expire(rctx, key, bidHistoryTTL)
		_, err := pipe.Exec(rctx)
		cancel()
		if err == nil {
			return nil
		}
		s.markDisconnected(err)
	}

	s.mu.Lock()
	z := s.fbZSets[key]
	if z == nil {
		z = make(map[string]float64)
		s.fbZSets[key] = z
	}
	z[member] = float64(tsMS)
	if len(z) > bidHistoryCap {
		trimOldest(z, len(z)-bidHistoryCap)
	}
	s.mu.Unlock()
	return nil
}

// trimOldest removes the n lowest-scored members from z. Caller holds the lock.
func trimOldest(z map[string]float64, n int) {
	type kv struct {
		k string
		v float64
	}
	all := make([]kv, 0, len(z))
	for k, v := range z {
		all = append(all, kv{k, v})
	}
	for i := 0; i < n && len(all) > 0; i++ {
		minIdx := 0
		for j := 1; j < len(all); j++ {
			if all[j].v < all[minIdx].v {
				minIdx = j
			}
		}
		delete(z, all[minIdx].k)
		all = append(all[:minIdx], all[minIdx+1:]...)
	}
}

// GetBidHistory returns up to limit entries, newest first, as raw JSON bytes.
func (s *Store) GetBidHistory(ctx context.Context, id string, limit int) ([][]byte, error) {
	key := keyBidHistoryPrefix + id
	var out [][]byte

	if s.isConnected() {
		rctx, cancel := s.ctx(ctx)
		members, err := s.redis.ZRevRangeByScore(rctx, key, &redis.ZRangeBy{
			Min: "-inf", Max: "+inf",
		}).Result()
		cancel()
		if err == nil {
			for _, m := range members {
				if limit > 0 && len(out) >= limit {
					break
				}
				out = append(out, extractBidHistoryJSON(m))
			}
			return out, nil
		}
		s.markDisconnected(err)
	}

	s.mu.RLock()
	z := s.fbZSets[key]
	type kv struct {
		k string
		v float64
	}
	all := make([]kv, 0, len(z))
	for k, v := range z {
		all = append(all, kv{k, v})
	}
	s.mu.RUnlock()

	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if all[j].v > all[i].v {
				all[i], all[j] = all[j], all[i]
			}
		}
	}
	for _, e := range all {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, extractBidHistoryJSON(e.k))
	}
	return out, nil
}

// extractBidHistoryJSON strips the "ts_ms:" member prefix added by
// AppendBidHistory to keep sorted-set members unique even when two bids
// land in the same millisecond.
func extractBidHistoryJSON(member string) []byte {
	for i := 0; i < len(member); i++ {
		if member[i] == ':' {
			return []byte(member[i+1:])
		}
	}
	return []byte(member)
}
