// Command import-contacts loads the people directory from a CSV export and
// refreshes the search index.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"strings"

	"github.com/Idosegev23/internalMettingLeaders/internal/config"
	"github.com/Idosegev23/internalMettingLeaders/internal/directory"
	"github.com/Idosegev23/internalMettingLeaders/internal/store"
)

func main() {
	path := flag.String("file", "contacts.csv", "CSV file with a header row: first name, last name, hebrew first name, hebrew last name, email")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	ctx := context.Background()

	if err := store.ApplyMigrations(cfg.DatabaseURL); err != nil {
		fatal(logger, "migrations failed", err)
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		fatal(logger, "database connection failed", err)
	}
	defer db.Close()
	pg := store.NewPostgresStore(db)

	f, err := os.Open(*path)
	if err != nil {
		fatal(logger, "open contacts file", err)
	}
	defer f.Close()

	result, err := directory.Import(ctx, f, pg)
	if err != nil {
		fatal(logger, "import failed", err)
	}
	logger.Info("contacts imported", "imported", result.Imported, "skipped", result.Skipped)

	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := directory.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
		directory.NewService(meili, pg, logger).ReindexFromPG(ctx)
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
