package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"areagroups/internal/api"
	"areagroups/internal/catalog"
	"areagroups/internal/clock"
	"areagroups/internal/config"
	"areagroups/internal/debounce"
	"areagroups/internal/groups"
	"areagroups/internal/ha"
	"areagroups/internal/metrics"
	"areagroups/internal/registry"
	"areagroups/internal/state"
	"areagroups/internal/sun"
	"areagroups/pkg/plugin"

	// Platforms register themselves in init.
	_ "areagroups/internal/plugins/adaptivelighting"
	_ "areagroups/internal/plugins/binaryaggregation"
	_ "areagroups/internal/plugins/presence"
	_ "areagroups/internal/plugins/sensoraggregation"
)

func main() {
	// Load environment variables before the logger so LOG_LEVEL applies
	envErr := godotenv.Load()

	logger, err := newLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if envErr != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	haURL := os.Getenv("HA_URL")
	haToken := os.Getenv("HA_TOKEN")
	readOnly := os.Getenv("READ_ONLY") == "true"
	configDir := getEnv("CONFIG_DIR", "./configs")
	apiPort := getEnvInt(logger, "API_PORT", 8081)
	quiet := time.Duration(getEnvInt(logger, "DEBOUNCE_MS", int(debounce.DefaultQuietPeriod/time.Millisecond))) * time.Millisecond

	if haURL == "" || haToken == "" {
		logger.Fatal("HA_URL and HA_TOKEN environment variables must be set")
	}

	logger.Info("Starting area groups",
		zap.String("url", haURL),
		zap.String("config_dir", configDir),
		zap.Bool("read_only", readOnly),
		zap.Strings("platforms", plugin.Names()))

	groupConfigs, err := config.NewLoader(configDir, logger).LoadGroups()
	if err != nil {
		logger.Fatal("Failed to load group configuration", zap.Error(err))
	}

	// Create HA client
	client := ha.NewClient(haURL, haToken, logger)
	if err := client.Connect(); err != nil {
		logger.Fatal("Failed to connect to Home Assistant", zap.Error(err))
	}
	defer client.Disconnect()

	publisher, err := ha.NewRESTPublisher(haURL, haToken, logger)
	if err != nil {
		logger.Fatal("Failed to create state publisher", zap.Error(err))
	}

	hostConfig, err := client.GetConfig()
	if err != nil {
		logger.Fatal("Failed to read Home Assistant config", zap.Error(err))
	}
	latitude := getEnvFloat(logger, "LATITUDE", hostConfig.Latitude)
	longitude := getEnvFloat(logger, "LONGITUDE", hostConfig.Longitude)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promRegistry)

	cat, err := catalog.New(client, logger)
	if err != nil {
		logger.Fatal("Failed to create catalog", zap.Error(err))
	}
	if err := cat.Start(); err != nil {
		logger.Fatal("Failed to load Home Assistant registries", zap.Error(err))
	}
	defer cat.Stop()

	clk := clock.NewRealClock()
	store := state.NewStore(publisher, clk, logger, readOnly)
	manager := registry.NewManager(client, cat, logger,
		registry.WithQuietPeriod(quiet),
		registry.WithMetrics(m))
	defer manager.Close()

	svc := groups.NewService(groups.Options{
		Client:   client,
		Areas:    cat,
		Manager:  manager,
		Store:    store,
		Clock:    clk,
		Sun:      sun.NewCalculator(latitude, longitude, clk, logger),
		Metrics:  m,
		Logger:   logger,
		ReadOnly: readOnly,
	})
	if err := svc.SetupAll(groupConfigs); err != nil {
		logger.Error("Some groups failed to set up", zap.Error(err))
	}
	defer svc.Close()

	logger.Info("Area groups ready", zap.Strings("groups", svc.IDs()))
	if readOnly {
		logger.Info("Running in READ-ONLY mode - no changes will be made to Home Assistant")
	}

	server := api.NewServer(svc, store, promRegistry, logger, apiPort)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start API server", zap.Error(err))
	}
	defer server.Stop()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Application running. Press Ctrl+C to exit.")
	<-sigChan

	logger.Info("Shutting down gracefully...")
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(logger *zap.Logger, key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn("Invalid integer, using default",
			zap.String("key", key),
			zap.String("value", raw),
			zap.Int("default", fallback))
		return fallback
	}
	return v
}

func getEnvFloat(logger *zap.Logger, key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logger.Warn("Invalid number, using default",
			zap.String("key", key),
			zap.String("value", raw),
			zap.Float64("default", fallback))
		return fallback
	}
	return v
}
