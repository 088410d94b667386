// Command migrate applies the embedded schema migrations: go run ./cmd/migrate [-direction up|down].
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"waypoint/internal/config"
	"waypoint/internal/db/migrate"
	"waypoint/internal/logging"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.LogLevel, "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env or set DATABASE_URL")
	}
	if err := migrate.Run(cfg.DatabaseURL, *direction); err != nil {
		log.Fatal("migrate", zap.String("direction", *direction), zap.Error(err))
	}
	version, dirty, ok, err := migrate.Version(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("read schema version", zap.Error(err))
	}
	if !ok {
		log.Info("no migrations applied")
		return
	}
	log.Info("schema migrated", zap.Uint("version", version), zap.Bool("dirty", dirty))
}
