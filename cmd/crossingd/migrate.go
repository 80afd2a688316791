package main

import (
	"log"
	"os"

	"github.com/banshee-data/crossing.report/internal/config"
	"github.com/banshee-data/crossing.report/internal/db"
)

// runMigrate handles `crossingd migrate <up|down|status|version|force|help>`
// against the configured ledger database.
func runMigrate(cfg *config.Config, args []string) {
	if len(args) == 0 {
		db.PrintMigrateHelp(os.Stdout)
		os.Exit(2)
	}
	if err := db.RunMigrateCommand(args, cfg.GetLedgerDBPath(), os.Stdout); err != nil {
		log.Fatalf("migrate: %v", err)
	}
}
