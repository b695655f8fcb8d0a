// Package supervisor constructs every component in dependency order,
// starts their background loops, and coordinates graceful shutdown on
// SIGINT/SIGTERM.
package supervisor

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/nellisops/auction-tracker/internal/analytics"
	"github.com/nellisops/auction-tracker/internal/api"
	"github.com/nellisops/auction-tracker/internal/broadcast"
	"github.com/nellisops/auction-tracker/internal/config"
	"github.com/nellisops/auction-tracker/internal/crypto"
	"github.com/nellisops/auction-tracker/internal/monitor"
	"github.com/nellisops/auction-tracker/internal/settings"
	"github.com/nellisops/auction-tracker/internal/sse"
	"github.com/nellisops/auction-tracker/internal/store"
	"github.com/nellisops/auction-tracker/internal/tracing"
	"github.com/nellisops/auction-tracker/internal/upstream"
)

// Supervisor owns every long-lived component and their background
// goroutines.
type Supervisor struct {
	cfg config.Config

	st       *store.Store
	box      *crypto.CredentialBox
	upClient *upstream.Client
	sseCl    *sse.Client
	mon      *monitor.Monitor
	hub      *broadcast.Hub
	handlers *api.Handlers
	archiver *analytics.Archiver

	httpServer     *http.Server
	tracerShutdown func(context.Context) error
}

// Build constructs every component in dependency order: CredentialBox,
// Store, UpstreamClient, SSEClient, Monitor (which owns
// BidEngine), Broadcaster, BoundaryAPI, and an optional analytics
// archiver.
func Build(cfg config.Config) (*Supervisor, error) {
	box, err := crypto.NewCredentialBox(cfg.EncryptionSecret)
	if err != nil {
		return nil, err
	}

	redisOpts, err := redis.ParseURL(cfg.StoreURL)
	if err != nil {
		return nil, err
	}
	redisClient := redis.NewClient(redisOpts)
	st := store.New(redisClient)

	settingsFn := func() settings.Settings {
		v, err := st.GetSettings(context.Background())
		if err != nil {
			return settings.Default()
		}
		return v
	}

	credentialSource := func() string {
		blob, err := st.GetCredentials(context.Background())
		if err != nil || blob == nil {
			return ""
		}
		plain, err := box.Open(blob)
		if err != nil {
			log.WithError(err).Warn("supervisor: decrypting stored credentials failed")
			return ""
		}
		return string(plain)
	}

	var tracerShutdown func(context.Context) error
	upstreamOpts := []upstream.Option{upstream.WithRetryAttempts(3)}
	if cfg.OTelEndpoint != "" {
		tracer, shutdown, err := tracing.Install(context.Background(), cfg.OTelEndpoint, cfg.OTelServiceName)
		if err != nil {
			log.WithError(err).Warn("supervisor: otel tracing disabled, could not install exporter")
		} else {
			upstreamOpts = append(upstreamOpts, upstream.WithTracer(tracer))
			tracerShutdown = shutdown
		}
	}

	upClient := upstream.New(cfg.UpstreamBaseURL, credentialSource, upstreamOpts...)

	// mon is assigned below, after sseCl is built; the fallback callback
	// only fires once Run has started, by which point mon is set.
	var mon *monitor.Monitor
	sseCl := sse.New(cfg.SSEEndpoint, credentialSource,
		sse.WithReconnectInterval(cfg.SSEReconnectInterval),
		sse.WithMaxReconnectAttempts(cfg.SSEMaxReconnectAttempts),
		sse.WithFallback(func(productID string, err error) {
			mon.HandleSSEFallback(productID, err)
		}))

	mon = monitor.New(st, upClient, sseCl, settingsFn,
		monitor.WithCleanupInterval(time.Duration(cfg.CleanupIntervalMS)*time.Millisecond),
		monitor.WithEndedRetention(time.Duration(cfg.EndedRetentionMS)*time.Millisecond),
		monitor.WithPollInterval(time.Duration(cfg.PollingIntervalMS)*time.Millisecond))

	hub := broadcast.New(cfg.AuthToken, broadcast.WithSnapshotFunc(func() any { return mon.ListAuctions() }))
	handlers := api.New(mon, st, upClient, box, hub, settingsFn)

	var archiver *analytics.Archiver
	if cfg.ClickHouseDSN != "" {
		archiver, err = analytics.New(cfg.ClickHouseDSN)
		if err != nil {
			log.WithError(err).Warn("supervisor: analytics archiver disabled, could not connect")
			archiver = nil
		}
	}

	router := handlers.Router(cfg.AdminBearer, cfg.AdminIPAllowlist, int(cfg.AdminRateLimitWindow.Milliseconds()), cfg.AdminRateLimitBurst)

	return &Supervisor{
		cfg:      cfg,
		st:       st,
		box:      box,
		upClient: upClient,
		sseCl:    sseCl,
		mon:      mon,
		hub:      hub,
		handlers: handlers,
		archiver: archiver,
		httpServer: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		tracerShutdown: tracerShutdown,
	}, nil
}

// Run starts every background loop and blocks until ctx is cancelled,
// then shuts everything down gracefully.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hubStop := make(chan struct{})
	go s.hub.Run(hubStop)

	go s.st.Run(ctx)
	go s.mon.Run(ctx)
	go s.bridgeNotifications(ctx)

	if s.archiver != nil {
		go s.archiver.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", s.cfg.HTTPAddr).Info("supervisor: http server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		cancel()
		return err
	}

	log.Info("supervisor: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("supervisor: http server shutdown error")
	}
	close(hubStop)
	s.sseCl.Close()
	if s.archiver != nil {
		_ = s.archiver.Close()
	}
	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("supervisor: tracer shutdown error")
		}
	}
	return s.st.Close()
}

// bridgeNotifications forwards every Monitor notification to both the
// WebSocket hub and the optional analytics archiver.
func (s *Supervisor) bridgeNotifications(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-s.mon.Notifications():
			s.hub.BroadcastState(n.Auction.ID, string(n.Kind), n.Auction)
			if s.archiver != nil {
				s.archiver.Feed(n)
			}
		}
	}
}
