package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carelink/portal/internal/chat"
	"github.com/carelink/portal/internal/config"
	"github.com/carelink/portal/internal/db"
	"github.com/carelink/portal/internal/httpapi"
	"github.com/carelink/portal/internal/httpapi/handlers"
	"github.com/carelink/portal/internal/logging"
	"github.com/carelink/portal/internal/prediction"
	"github.com/carelink/portal/internal/realtime"
	"github.com/carelink/portal/internal/store/rabbitmq"
	"github.com/carelink/portal/internal/store/redisstore"
	"github.com/gin-gonic/gin"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg := config.Load()
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	gdb := db.Connect(cfg.DBDSN)

	var rds *redisstore.Store
	if cfg.RedisEnabled {
		rds = redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := rds.Ping(pingCtx)
		cancel()
		if err != nil {
			logging.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable, running without captcha, revocation and last-seen")
			_ = rds.Close()
			rds = nil
		}
	}
	defer rds.Close()

	registry := realtime.NewRegistry()
	registry.OnOffline(func(userID uint64, at time.Time) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := rds.SetLastSeen(ctx, userID, at); err != nil {
			logging.Warn().Err(err).Uint64("user_id", userID).Msg("record last seen")
		}
	})

	var publisher realtime.EventPublisher
	if cfg.RabbitEnabled {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			logging.Warn().Err(err).Msg("rabbit publisher unavailable, offline notifications disabled")
		} else {
			defer pub.Close()
			publisher = pub
		}
	}

	router := realtime.NewRouter(chat.NewService(chat.NewRepo(gdb)), registry, realtime.RouterOptions{
		SelfSendRedirect: cfg.WSSelfSendRedirect,
		Publisher:        publisher,
	})
	ws := realtime.NewServer(registry, router, realtime.ServerOptions{
		PingInterval:   cfg.WSPingInterval,
		PongWait:       cfg.WSPongWait,
		SendBuffer:     cfg.WSSendBuffer,
		AllowedOrigins: cfg.WSAllowedOrigins,
	})

	var scorer prediction.Scorer
	if s, err := prediction.DefaultRegistry().Get(cfg.PredictionBackend, cfg.PredictionURL); err != nil {
		logging.Warn().Err(err).Str("backend", cfg.PredictionBackend).Msg("prediction disabled")
	} else {
		scorer = s
	}

	engine := httpapi.NewRouter(handlers.Deps{
		DB:        gdb,
		Cfg:       cfg,
		Redis:     rds,
		Registry:  registry,
		WS:        ws,
		Publisher: publisher,
		Scorer:    scorer,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", cfg.HTTPAddr).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logging.Error().Err(err).Msg("http server failed")
	case <-ctx.Done():
		logging.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// hijacked websocket connections are not tracked by http.Server
	logging.Info().Int("sockets", registry.Len()).Msg("closing websocket connections")
	ws.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("http shutdown")
	}
	logging.Info().Msg("server stopped")
}
