package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"martingale-core/internal/balance"
	"martingale-core/internal/broadcast"
	"martingale-core/internal/endpoints"
	"martingale-core/internal/events"
	"martingale-core/internal/gateway"
	"martingale-core/internal/reporter"
	"martingale-core/internal/stream"
	"martingale-core/internal/strategy"
	"martingale-core/internal/venues"
	"martingale-core/pkg/config"
	"martingale-core/pkg/crypto"
	"martingale-core/pkg/db"
	"martingale-core/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	defer log.Sync() //nolint:errcheck

	if err := run(cfg, log); err != nil {
		log.Fatal("trading core exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage.
	store, err := db.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.InitSchema(ctx); err != nil {
		return err
	}
	if err := seedExchanges(ctx, store, cfg, log); err != nil {
		return err
	}

	// Credential decryption is optional; without a key only unencrypted
	// (public-data) exchange records work.
	var keys venues.Decryptor
	if cfg.EncryptionKey != "" {
		km, err := crypto.NewKeyManager(cfg.EncryptionKey)
		if err != nil {
			return err
		}
		keys = km
	}

	resolver := endpoints.NewResolver(store)
	pool := venues.NewPool(store, keys, resolver)
	bus := events.NewBus()
	defer bus.Close()

	hub := broadcast.NewHub(log, cfg.BroadcastQueueSize, cfg.BroadcastFlushEvery)
	go hub.Run(ctx)

	mux := stream.NewMultiplexer(resolver, hub, bus, log, cfg.UnsubscribeDebounce)

	userStreams := stream.NewUserStreams(stream.UserStreamConfig{
		MaxFailures:    cfg.StreamMaxFailures,
		BackoffBase:    cfg.StreamBackoffBase,
		BackoffMax:     cfg.StreamBackoffMax,
		KeepAliveEvery: cfg.ListenKeyKeepAlive,
	}, store, pool, resolver, hub, bus, log)
	userStreams.SetInvalidator(pool.Invalidate)

	engine := strategy.NewEngine(store, pool, hub, bus, log)
	engine.SetMarketWatcher(mux)
	userStreams.SetFillHandler(engine)
	go engine.Run(ctx)
	engine.Resume(ctx)

	userStreams.Start(ctx, cfg.DefaultExchangeID)

	if cfg.ReporterEnabled {
		go reporter.New(store, log, cfg.ReporterInterval).Run(ctx)
	}

	// Client-facing gateway.
	balances := balance.New(pool)
	router := gateway.NewRouter(hub, mux, balances, pool, log, cfg.DefaultExchangeID, cfg.HistoricalCandleCount)
	server := gateway.NewServer(ctx, router, log, cfg.JWTSecret)

	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("trading core listening", zap.String("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// seedExchanges bootstraps venue records from the optional YAML seed file on
// an empty database.
func seedExchanges(ctx context.Context, store *db.Store, cfg *config.Config, log *zap.Logger) error {
	n, err := store.CountExchanges(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	seeds, err := config.LoadSeeds(cfg.SeedFile)
	if err != nil {
		return err
	}
	for _, s := range seeds.Exchanges {
		ex := &db.Exchange{
			Name:         s.Name,
			Family:       s.Family,
			RestURL:      s.RestURL,
			StreamURL:    s.StreamURL,
			Testnet:      s.Testnet,
			APIKeyEnc:    s.APIKeyEnc,
			APISecretEnc: s.APISecretEnc,
		}
		if err := store.CreateExchange(ctx, ex); err != nil {
			return err
		}
		log.Info("seeded exchange", zap.Int64("id", ex.ID), zap.String("name", ex.Name))
	}
	return nil
}
