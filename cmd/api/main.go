package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"reviewroom/api/internal/ai"
	"reviewroom/api/internal/app"
	"reviewroom/api/internal/config"
	"reviewroom/api/internal/export"
	"reviewroom/api/internal/realtime"
	"reviewroom/api/internal/search"
	"reviewroom/api/internal/statestore"
)

func main() {
	cfg := config.Load()

	store, err := statestore.NewRedisStore(cfg.RedisURL, cfg.RoomTTL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer store.Close()

	bus := realtime.NewBus(store.Client())

	aiClient := ai.NewClient(cfg.AIBaseURL, cfg.AIAPIKey, cfg.AITimeout)
	chain := ai.NewChain(aiClient, cfg.AIPrimaryModel, cfg.AIFallbackModel)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient)

	service := app.NewService(
		store,
		bus,
		ai.NewReviewer(chain),
		ai.NewImpactAnalyzer(chain),
		searchService,
		export.NewService(),
		app.ServiceConfig{
			FailOpen:        cfg.StoreFailMode == "open",
			RequireOwnerKey: cfg.RequireOwnerKey,
		},
	)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: SSE streams and AI review calls outlive any
		// sane fixed deadline. Handlers bound their own work instead.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("ReviewRoom API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
