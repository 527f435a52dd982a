// cmd/server/main.go
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/parlorhouse/parlor/internal/auth"
	"github.com/parlorhouse/parlor/internal/config"
	"github.com/parlorhouse/parlor/internal/database"
	"github.com/parlorhouse/parlor/internal/handlers"
	"github.com/parlorhouse/parlor/internal/idem"
	"github.com/parlorhouse/parlor/internal/middleware"
	"github.com/parlorhouse/parlor/internal/room"
	"github.com/parlorhouse/parlor/internal/rules"
	"github.com/parlorhouse/parlor/internal/ws"
)

func main() {
	logger := logrus.New()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	if err := auth.Init(); err != nil {
		logger.Fatalf("failed to init session keys: %v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Persistence: Postgres when configured, in-memory otherwise.
	var store room.Store
	var guests handlers.GuestRegistrar
	var names room.NameResolver
	if cfg.DatabaseURL != "" {
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("failed to connect to postgres: %v", err)
		}
		defer pool.Close()
		if err := database.EnsureSchema(ctx, pool); err != nil {
			logger.Fatalf("failed to ensure schema: %v", err)
		}
		store = database.NewRoomStore(pool)
		users := database.NewUserStore(pool)
		guests = users
		names = users
		logger.Info("using postgres room store")
	} else {
		store = room.NewMemoryStore()
		logger.Info("DATABASE_URL not set, using in-memory room store")
	}

	// Idempotency cache: Redis when configured, in-memory otherwise.
	var cache idem.Cache
	if cfg.RedisAddr != "" {
		rdb, err := idem.ConnectRedis(cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			logger.Fatalf("failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		cache = idem.NewRedisCache(rdb, cfg.IdempotencyTTL)
		logger.Info("using redis idempotency cache")
	} else {
		cache = idem.NewMemoryCache(cfg.IdempotencyTTL, 4096)
		logger.Info("REDIS_ADDR not set, using in-memory idempotency cache")
	}

	rec := room.NewRecorder(logger, cfg.DiagnosticsRetention)
	listing := room.NewListing()

	registry := ws.NewRegistry()
	var acks *ws.AckTracker
	acks = ws.NewAckTracker(cfg.AckQuorumPercent, cfg.AckTimeout,
		func(code, eventID string, acked, targets int) {
			rec.ReportDeliveryRisk(code, eventID, acked, targets, acks.Stats())
		}, logger)
	defer acks.Stop()
	hub := ws.NewHub(registry, acks, logger)

	ctrl := room.NewController(store, cache, rec, listing, hub, rules.StubEngine{}, names, room.Config{
		AutoStartDelay:    cfg.AutoStartDelay,
		LobbyRejoinWindow: cfg.LobbyRejoinWindow,
		GameRejoinWindow:  cfg.GameRejoinWindow,
		FinishedRoomTTL:   cfg.FinishedRoomTTL,
		IdleRoomTTL:       cfg.IdleRoomTTL,
	}, logger)
	ctrl.SetAckStatsSource(acks.Stats)
	defer ctrl.Scheduler().Stop()

	if published, err := store.ListPublished(ctx); err != nil {
		logger.Warnf("failed to seed listing: %v", err)
	} else {
		listing.Seed(published)
	}

	go room.NewSweeper(ctrl, cfg.SweepInterval, logger).Run(ctx)

	srv := handlers.NewRoomServer(ctrl, hub, guests, logger)

	mux := http.NewServeMux()
	logged := middleware.LogMiddleware(logger)
	mux.Handle("/session/guest", logged(srv.GuestSessionHandler()))
	mux.Handle("/rooms", logged(srv.ListRoomsHandler()))
	mux.Handle("/ws", srv.WSHandler())

	server := &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: websocket connections are long-lived.
	}

	l, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Fatalf("failed to listen: %v", err)
	}
	logger.Infof("listening on %s", l.Addr())

	errc := make(chan error, 1)
	go func() {
		errc <- server.Serve(l)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	select {
	case err := <-errc:
		logger.Errorf("failed to serve: %v", err)
	case sig := <-sigs:
		logger.Infof("terminating: %v", sig)
	}

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("shutdown error: %v", err)
	}
}
