// Package analytics optionally mirrors bid-history and auction-ended
// events into ClickHouse for longer-term analysis than the Store's
// 7-day bid-history TTL allows. It is off by default and never blocks
// the monitor loop: writes are buffered and dropped under backpressure
// rather than applying it upstream.
package analytics

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	log "github.com/sirupsen/logrus"

	"github.com/nellisops/auction-tracker/internal/auctiontype"
	"github.com/nellisops/auction-tracker/internal/monitor"
)

const (
	bufferSize  = 1024
	flushEvery  = 5 * time.Second
	flushBatch  = 200
)

// Archiver drains Monitor notifications and periodically bulk-inserts
// them into ClickHouse.
type Archiver struct {
	conn   clickhouse.Conn
	events chan record
}

type record struct {
	tsMS      int64
	auctionID string
	kind      string
	amount    int
	status    string
}

// New connects to ClickHouse at dsn and returns an Archiver ready to Run.
func New(dsn string) (*Archiver, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Archiver{conn: conn, events: make(chan record, bufferSize)}, nil
}

// Feed enqueues a notification for archival. Never blocks: a full buffer
// drops the oldest pending write.
func (a *Archiver) Feed(n monitor.Notification) {
	rec := record{
		tsMS:      auctiontype.NowMS(),
		auctionID: n.Auction.ID,
		kind:      string(n.Kind),
		amount:    n.Auction.LastBidAmount,
		status:    string(n.Auction.Status),
	}
	select {
	case a.events <- rec:
	default:
		select {
		case <-a.events:
		default:
		}
		select {
		case a.events <- rec:
		default:
		}
		log.Debug("analytics: buffer full, dropped oldest event")
	}
}

// Run batches buffered events and flushes them on a timer. It blocks
// until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) {
	if err := a.ensureSchema(ctx); err != nil {
		log.WithError(err).Warn("analytics: schema setup failed, archiver disabled")
		return
	}

	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	batch := make([]record, 0, flushBatch)
	for {
		select {
		case <-ctx.Done():
			a.flush(context.Background(), batch)
			return
		case rec := <-a.events:
			batch = append(batch, rec)
			if len(batch) >= flushBatch {
				a.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				a.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

func (a *Archiver) ensureSchema(ctx context.Context) error {
	return a.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS auction_events (
			ts_ms      Int64,
			auction_id String,
			kind       String,
			amount     Int32,
			status     String
		) ENGINE = MergeTree()
		ORDER BY (auction_id, ts_ms)
	`)
}

func (a *Archiver) flush(ctx context.Context, batch []record) {
	if len(batch) == 0 {
		return
	}
	b, err := a.conn.PrepareBatch(ctx, "INSERT INTO auction_events")
	if err != nil {
		log.WithError(err).Warn("analytics: preparing batch failed")
		return
	}
	for _, rec := range batch {
		if err := b.Append(rec.tsMS, rec.auctionID, rec.kind, int32(rec.amount), rec.status); err != nil {
			log.WithError(err).Warn("analytics: appending row failed")
			return
		}
	}
	if err := b.Send(); err != nil {
		log.WithError(err).Warn("analytics: flushing batch failed")
	}
}

// Close releases the underlying connection.
func (a *Archiver) Close() error { return a.conn.Close() }
