// consolidate-scores merges legacy per-clinic risk rows into the unique
// (system, entity) records. Safe to re-run: a system without legacy rows is a no-op.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"wisefido-energy/common/database"
	logpkg "wisefido-energy/common/logger"
	"wisefido-energy/internal/anomaly"
	"wisefido-energy/internal/config"
	"wisefido-energy/internal/models"
	"wisefido-energy/internal/repository"

	"go.uber.org/zap"
)

func main() {
	systemFlag := flag.String("system", "", "system id to consolidate (default SYSTEM_ID)")
	timeout := flag.Duration("timeout", 10*time.Minute, "overall deadline")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	systemID := *systemFlag
	if systemID == "" {
		systemID = cfg.SystemID
	}
	if systemID == "" {
		fmt.Fprintln(os.Stderr, "a system id is required (-system or SYSTEM_ID)")
		os.Exit(2)
	}

	log, err := logpkg.NewLogger(cfg.Log.Level, cfg.Log.Format, "consolidate-scores")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(db)

	// consolidation never marks completions, so an in-process store is enough
	scorer := anomaly.NewScorer(repository.NewScoreRepo(db, log), repository.NewMemoryProcessedStore(), nil,
		log, nil, cfg.Scoring.AnomalyThresholdPercent, cfg.Scoring.Weights)

	failed := false
	for _, kind := range []models.EntityKind{models.EntityClient, models.EntityEmployee} {
		n, err := scorer.ConsolidateLegacy(ctx, kind, systemID)
		if err != nil {
			log.Error("Consolidation failed", zap.String("kind", string(kind)), zap.Error(err))
			failed = true
			continue
		}
		fmt.Printf("%s: %d entities consolidated\n", kind, n)
	}
	if failed {
		log.Sync()
		os.Exit(1)
	}
}
