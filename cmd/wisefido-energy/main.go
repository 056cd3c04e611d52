package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	logpkg "wisefido-energy/common/logger"
	"wisefido-energy/internal/config"
	"wisefido-energy/internal/service"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logpkg.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-energy")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting wisefido-energy service",
		zap.String("mqtt_broker", cfg.MQTT.Broker),
		zap.String("control_transport", cfg.Control.Transport),
		zap.Duration("stale_after", cfg.Telemetry.StaleAfter),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := service.NewEnergyService(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to create energy service", zap.Error(err))
	}
	if err := svc.Start(ctx); err != nil {
		log.Fatal("Failed to start energy service", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-svc.Err():
		log.Error("Service error", zap.Error(err))
	}
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := svc.Stop(stopCtx); err != nil {
		log.Error("Error stopping service", zap.Error(err))
	}

	log.Info("Service stopped")
}
