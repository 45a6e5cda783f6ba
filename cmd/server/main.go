package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gena/ee-map-draw-demo/internal/assets"
	"github.com/gena/ee-map-draw-demo/internal/core/config"
	"github.com/gena/ee-map-draw-demo/internal/core/geom"
	"github.com/gena/ee-map-draw-demo/internal/core/httpclient"
	"github.com/gena/ee-map-draw-demo/internal/core/observability"
	"github.com/gena/ee-map-draw-demo/internal/core/router"
	"github.com/gena/ee-map-draw-demo/internal/core/server"
	"github.com/gena/ee-map-draw-demo/internal/earthengine"
	"github.com/gena/ee-map-draw-demo/internal/events"
	"github.com/gena/ee-map-draw-demo/internal/logger"
	"github.com/gena/ee-map-draw-demo/internal/store/redisstore"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		Component: "backend",
	}, os.Stdout)

	appLog := logger.NewSlog(&zl)

	observability.ExposeBuildInfo(Version)
	appLog.Info("starting backend",
		"addr", cfg.Addr,
		"version", Version,
		"redis", cfg.RedisAddr,
		"imagery", cfg.ImageryBaseURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc, err := redisstore.New(ctx, cfg.RedisAddr)
	if err != nil {
		appLog.Error("failed to connect to document store", "err", err)
		return 1
	}
	defer func() { _ = rc.Close() }()

	store := assets.NewRedisStore(rc)

	codec, err := geom.NewCodec(cfg.GeomCacheSize, cfg.H3Res)
	if err != nil {
		appLog.Error("failed to initialize geometry codec", "err", err)
		return 1
	}

	imagery, err := earthengine.New(appLog, httpclient.NewOutbound(), cfg.ImageryBaseURL, cfg.ImageryToken)
	if err != nil {
		appLog.Error("failed to initialize imagery client", "err", err)
		return 1
	}

	var pub events.Publisher = events.Nop{}
	if cfg.Events.Enabled {
		pub, err = events.NewKafkaPublisher(
			strings.Split(cfg.Events.Brokers, ","),
			cfg.Events.Topic,
			cfg.Events.QueueSize,
		)
		if err != nil {
			appLog.Error("failed to start event publisher", "err", err)
			return 1
		}
		defer func() { _ = pub.Close() }()
	}

	h := router.New(appLog, codec, store, imagery, pub, cfg.StoreOpTimeout)

	if err := server.Run(ctx, cfg, appLog, h, rc); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
