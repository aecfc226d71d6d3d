package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"github.com/cliproxy/relay/config"
	"github.com/cliproxy/relay/monitoring"
	"github.com/cliproxy/relay/routing"
	"github.com/cliproxy/relay/server"
	"github.com/cliproxy/relay/state"
	"github.com/cliproxy/relay/utils"
	"github.com/cliproxy/relay/utils/env"
)

func setupStateManager(valkeyEndpoint string) (state.Manager, func(), error) {
	if valkeyEndpoint == "" {
		memoryManager, cleanup := state.NewMemoryManager()
		return memoryManager, cleanup, nil
	}

	valkeyClient, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{valkeyEndpoint},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Valkey client: %v", err)
	}
	return state.NewValkeyManager(valkeyClient), func() { valkeyClient.Close() }, nil
}

func main() {
	logger := utils.Must(zap.NewProduction())
	defer logger.Sync()
	sugar := logger.Sugar()

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	configSource := env.OptionalStringVariable("CONFIG_SOURCE", *configPath)

	cfg, err := config.Load(configSource, sugar)
	if err != nil {
		sugar.Fatalw("Failed to load config", "error", err)
	}

	// Environment variables precede the values from the YAML file.
	valkeyEndpoint := env.OptionalStringVariable("VALKEY_ENDPOINT", cfg.ValkeyEndpoint)
	relayApiKey := env.OptionalStringVariable("RELAY_API_KEY", cfg.RelayApiKey)
	port := env.OptionalIntVariable("PORT", cfg.Port)
	upstreamTimeout := env.OptionalDurationVariable("UPSTREAM_TIMEOUT", 5*time.Minute)

	store, err := config.NewStore(configSource, sugar)
	if err != nil {
		sugar.Fatalw("Failed to build config snapshot", "error", err)
	}

	stateManager, cleanup, err := setupStateManager(valkeyEndpoint)
	if err != nil {
		sugar.Fatalw("Failed to setup state manager", "error", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	health, stopHealth := routing.NewHealthTracker()
	defer stopHealth()

	metrics := monitoring.NewMetrics()

	relayServer := server.NewRelayServer(server.Options{
		Store:     store,
		Cooldowns: stateManager,
		Transport: server.NewHttpTransport(upstreamTimeout, sugar),
		Health:    health,
		Metrics:   metrics,
		ApiKey:    relayApiKey,
		Logger:    sugar,
	})

	router := mux.NewRouter()
	relayServer.RegisterHandlers(router)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		Debug:          false,
	})

	address := fmt.Sprintf(":%d", port)
	httpServer := &http.Server{
		Addr:    address,
		Handler: corsMiddleware.Handler(router),
	}

	reloadSignal := make(chan os.Signal, 1)
	signal.Notify(reloadSignal, syscall.SIGHUP)
	go func() {
		for range reloadSignal {
			sugar.Infow("Reloading config", "source", configSource)
			if err := store.Reload(); err != nil {
				sugar.Errorw("Config reload failed, keeping previous snapshot", "error", err)
			}
		}
	}()

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-shutdownSignal
		sugar.Infow("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			sugar.Fatalw("Server forced to shutdown", "error", err)
		}
	}()

	sugar.Infow("Starting server", "address", address)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		sugar.Fatalw("Failed to start server", "error", err)
	}

	sugar.Infow("Server exited gracefully")
}
