// Package main is a diagnostic tool for testing database connectivity and
// inspecting accessgate state. It connects using the same configuration as the
// server, prints the schema version and a summary of politicians, pending
// verifications and active sessions, and exits non-zero on any failure so it
// can gate deployment steps on a reachable, migrated database.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/civic-directory/accessgate/internal/config"
	"github.com/civic-directory/accessgate/internal/db"
)

var summaryQueries = []struct {
	label string
	query string
}{
	{"politicians", "SELECT COUNT(*) FROM politicians"},
	{"pending verifications", "SELECT COUNT(*) FROM email_verifications WHERE verified = false AND superseded_at IS NULL AND expires_at > now()"},
	{"active sessions", "SELECT COUNT(*) FROM politician_sessions WHERE revoked_at IS NULL AND expires_at > now()"},
	{"audit events (24h)", "SELECT COUNT(*) FROM audit_logs WHERE created_at > now() - interval '24 hours'"},
}

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := sql.Open("postgres", cfg.Database.GetDSN())
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := database.PingContext(ctx); err != nil {
		log.Fatalf("Database unreachable: %v", err)
	}

	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		log.Fatalf("Failed to read schema version: %v", err)
	}
	fmt.Printf("Schema version: %d (dirty: %v)\n", version, dirty)
	if dirty {
		log.Fatal("Schema is dirty; fix the failed migration before deploying")
	}

	fmt.Println("\n=== SUMMARY ===")
	for _, q := range summaryQueries {
		var n int64
		if err := database.QueryRowContext(ctx, q.query).Scan(&n); err != nil {
			log.Fatalf("Query for %s failed: %v", q.label, err)
		}
		fmt.Printf("%-24s %d\n", q.label+":", n)
	}
}
