package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

// verify_schema checks a ledger file for the tables and columns the core
// expects. Point it at a DB path:
//
//	go run ./scripts/verify_schema.go ./data/options.db
func main() {
	dbPath := "./data/options.db"
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}
	fmt.Printf("Verifying database at: %s\n", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	tables := []string{"accounts", "trading_settings", "trades", "martingale_lanes", "martingale_state", "performance"}
	for _, table := range tables {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		switch {
		case err == sql.ErrNoRows:
			fmt.Printf("MISSING table %s\n", table)
		case err != nil:
			log.Fatalf("Query failed: %v", err)
		default:
			fmt.Printf("ok: table %s\n", table)
		}
	}

	// The idempotent result claim depends on this column.
	var schema string
	if err := db.QueryRow("SELECT sql FROM sqlite_master WHERE type='table' AND name='trades'").Scan(&schema); err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	for _, col := range []string{"result_processed", "lane_id", "tracking_id"} {
		if strings.Contains(schema, col) {
			fmt.Printf("ok: trades.%s\n", col)
		} else {
			fmt.Printf("MISSING column trades.%s\n", col)
		}
	}
}
