package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/scene-rooms/internal/api"
	"github.com/npezzotti/scene-rooms/internal/config"
	"github.com/npezzotti/scene-rooms/internal/fal"
	"github.com/npezzotti/scene-rooms/internal/lyria"
	"github.com/npezzotti/scene-rooms/internal/music"
	"github.com/npezzotti/scene-rooms/internal/pipeline"
	"github.com/npezzotti/scene-rooms/internal/rooms"
	"github.com/npezzotti/scene-rooms/internal/server"
	"github.com/npezzotti/scene-rooms/internal/social"
	"github.com/npezzotti/scene-rooms/internal/stats"
)

const (
	defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="
	statsName         = "scene-rooms-stats"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr            string
	signingKey      string
	allowedOrigins  stringSliceFlag
	sceneUrls       string
	users           string
	falPollInterval time.Duration
)

func main() {
	flag.StringVar(&addr, "addr", "localhost:8000", "server address")
	flag.StringVar(&signingKey, "signing-key", defaultSigningKey, "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.StringVar(&sceneUrls, "scene-urls", strings.Join(config.DefaultSceneUrls, ","), "comma-separated list of target scene image urls")
	flag.StringVar(&users, "users", "", "comma-separated list of id:name users that may log in")
	flag.DurationVar(&falPollInterval, "fal-poll-interval", fal.DefaultPollInterval, "interval between fal queue status polls")
	flag.Parse()

	logger := log.New(os.Stderr, "[scene-rooms] ", log.LstdFlags)

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Fatal("load .env:", err)
	}

	cfg, err := config.NewConfig(addr, signingKey, allowedOrigins, sceneUrls, users, falPollInterval)
	if err != nil {
		logger.Fatal("config:", err)
	}
	cfg.FalKey = os.Getenv("FAL_KEY")
	cfg.GoogleApiKey = os.Getenv("GOOGLE_API_KEY")
	if cfg.FalKey == "" {
		logger.Println("FAL_KEY is not set, generation requests will fail")
	}
	if cfg.GoogleApiKey == "" {
		logger.Println("GOOGLE_API_KEY is not set, music sessions will fail")
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Publish(statsName)

	registry := rooms.NewRegistry(logger, statsUpdater)

	falClient := fal.NewClient(logger, fal.Config{
		Key:          cfg.FalKey,
		PollInterval: cfg.FalPollInterval,
	})
	orchestrator := pipeline.NewOrchestrator(logger, registry, pipeline.Services{
		Images: falClient,
		Videos: falClient,
		Merger: falClient,
	}, pipeline.Defaults{
		SceneUrls:   cfg.SceneUrls,
		VideoPrompt: pipeline.DefaultVideoPrompt,
	}, statsUpdater)

	musicManager := music.NewManager(logger, lyria.NewConnector(logger, lyria.Config{
		ApiKey: cfg.GoogleApiKey,
	}), statsUpdater)

	hub := server.NewHub(logger, statsUpdater)

	srv := api.NewSceneApp(mux, logger, api.Deps{
		Rooms:         registry,
		Pipeline:      orchestrator,
		Music:         musicManager,
		Friends:       social.NewFriends(logger),
		Notifications: social.NewNotifications(logger),
		Directory:     social.NewDirectory(cfg.Users),
		Hub:           hub,
	}, cfg)

	statsUpdater.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("stopping generation runs...")
	if err := orchestrator.Shutdown(shutDownCtx); err != nil {
		logger.Println("pipeline shutdown:", err)
	}

	logger.Println("closing music sessions...")
	musicManager.Shutdown()

	logger.Println("shutdown complete")
}
