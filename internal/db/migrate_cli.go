package db

import (
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
)

// RunMigrateCommand handles the 'migrate' subcommand dispatching.
func RunMigrateCommand(args []string, dbPath string) {
	if len(args) < 1 {
		PrintMigrateHelp()
		os.Exit(1)
	}
	action := args[0]

	migrationsFS, err := MigrationsFS()
	if err != nil {
		log.Fatalf("Failed to load embedded migrations: %v", err)
	}

	// Open without running migrations; this command manages the schema.
	database, err := OpenDB(dbPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	switch action {
	case "up":
		log.Printf("Running migrations...")
		if err := database.MigrateUp(migrationsFS); err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}
		log.Println("All migrations applied successfully")

	case "down":
		log.Printf("Rolling back most recent migration...")
		if err := database.MigrateDown(migrationsFS); err != nil {
			log.Fatalf("Migration down failed: %v", err)
		}
		log.Println("Rolled back one migration")

	case "status":
		printMigrateStatus(database, migrationsFS)

	case "force":
		if len(args) < 2 {
			log.Fatal("Usage: proctord migrate force <version_number>")
		}
		version, err := strconv.Atoi(args[1])
		if err != nil {
			log.Fatalf("Invalid version number %q: %v", args[1], err)
		}
		if err := database.MigrateForce(migrationsFS, version); err != nil {
			log.Fatalf("Force migration failed: %v", err)
		}
		log.Printf("Migration version forced to %d", version)

	case "help":
		PrintMigrateHelp()

	default:
		fmt.Printf("Unknown migrate action: %s\n\n", action)
		PrintMigrateHelp()
		os.Exit(1)
	}
}

func printMigrateStatus(database *DB, migrationsFS fs.FS) {
	current, dirty, err := database.MigrateVersion(migrationsFS)
	if err != nil {
		log.Fatalf("Failed to get migration version: %v", err)
	}
	latest, err := LatestMigrationVersion(migrationsFS)
	if err != nil {
		log.Fatalf("Failed to get latest migration version: %v", err)
	}

	fmt.Printf("Current database version: %d\n", current)
	fmt.Printf("Latest available version: %d\n", latest)
	fmt.Printf("Dirty: %v\n", dirty)
	if current < latest {
		fmt.Printf("Outstanding migrations: %d (run 'proctord migrate up')\n", latest-current)
	}
}

// PrintMigrateHelp prints usage for the migrate subcommand.
func PrintMigrateHelp() {
	fmt.Println(`Usage: proctord migrate <action> [args]

Actions:
  up              Apply all pending migrations
  down            Roll back the most recent migration
  status          Show current and latest schema versions
  force <ver>     Force the schema version (dirty state recovery)
  help            Show this help`)
}
