package db

import (
	"fmt"
	"io"
	"strconv"
)

// RunMigrateCommand handles the `migrate` subcommand against the database at
// dbPath, writing human-readable output to out.
func RunMigrateCommand(args []string, dbPath string, out io.Writer) error {
	if len(args) < 1 {
		PrintMigrateHelp(out)
		return fmt.Errorf("missing migrate action")
	}

	database, err := OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	switch action := args[0]; action {
	case "up":
		if err := database.MigrateUp(); err != nil {
			return err
		}
		fmt.Fprintln(out, "all migrations applied")

	case "down":
		if err := database.MigrateDown(); err != nil {
			return err
		}
		fmt.Fprintln(out, "rolled back one migration")

	case "status":
		v, dirty, err := database.MigrateVersion()
		if err != nil {
			return err
		}
		latest, err := LatestMigration()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "current version: %d\nlatest version:  %d\ndirty:           %t\n", v, latest, dirty)
		if v < latest {
			fmt.Fprintf(out, "%d migration(s) pending\n", latest-v)
		}

	case "version", "force":
		if len(args) < 2 {
			return fmt.Errorf("usage: crossingd migrate %s <version_number>", action)
		}
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 {
			return fmt.Errorf("invalid version %q", args[1])
		}
		if action == "force" {
			err = database.MigrateForce(n)
		} else {
			err = database.MigrateTo(uint(n))
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "database at version %d\n", n)

	case "help":
		PrintMigrateHelp(out)

	default:
		PrintMigrateHelp(out)
		return fmt.Errorf("unknown migrate action: %s", action)
	}
	return nil
}

// PrintMigrateHelp writes the migrate subcommand usage.
func PrintMigrateHelp(out io.Writer) {
	fmt.Fprint(out, `Usage: crossingd migrate <action> [args]

Actions:
  up                 apply all pending migrations
  down               roll back the most recent migration
  status             show current and latest schema version
  version <n>        migrate up or down to version n
  force <n>          record version n without running migrations (recovery only)
  help               show this message
`)
}
