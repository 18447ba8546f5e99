package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"harbor/internal/api"
	"harbor/internal/auth"
	"harbor/internal/config"
	"harbor/internal/db"
	"harbor/internal/sfu"
	"harbor/internal/ws"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	slog.Info("starting server", "name", cfg.Server.Name)

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.Info("database opened", "path", cfg.Database.Path)

	userRepo := db.NewUserRepository(database)
	channelRepo := db.NewChannelRepository(database)
	messageRepo := db.NewMessageRepository(database)
	settingsRepo := db.NewSettingsRepository(database)

	jwtService := auth.NewJWTService(cfg.Auth.JWTSecret)

	mediaRouter, err := sfu.NewRouter(sfu.ConfigFrom(&cfg.SFU))
	if err != nil {
		slog.Error("failed to initialize media router", "error", err)
		os.Exit(1)
	}
	defer mediaRouter.Close()

	hub := ws.NewHub(ws.Deps{
		Tokens:      jwtService,
		Users:       userRepo,
		Channels:    channelRepo,
		Messages:    messageRepo,
		Settings:    settingsRepo,
		Media:       mediaRouter,
		IdleTimeout: time.Duration(cfg.Gateway.IdleTimeoutMinutes) * time.Minute,
	})
	go hub.Run()

	server := api.NewServer(cfg, database, jwtService, userRepo, channelRepo, messageRepo, hub)

	addr := cfg.Addr()
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server,
	}

	go func() {
		slog.Info("server listening", "addr", addr, "base_url", cfg.Server.BaseURL)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down")

	hub.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}
