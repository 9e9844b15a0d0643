package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

func main() {
	dbPath := "./data/engine.db"
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}
	fmt.Printf("Verifying database at: %s\n", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	fmt.Println("\n1. Verifying tables...")
	for _, table := range []string{"positions", "orders", "trades", "risk_metrics", "dead_letters", "credentials", "backtest_runs"} {
		rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table)
		if err != nil {
			log.Fatalf("Query failed: %v", err)
		}
		if rows.Next() {
			fmt.Printf("✓ %s table exists\n", table)
		} else {
			fmt.Printf("❌ %s table MISSING\n", table)
		}
		rows.Close()
	}

	// The one-open-position-per-key guarantee lives in this partial index;
	// without it duplicate entries slip through under concurrency.
	fmt.Println("\n2. Verifying open-position unique index...")
	var indexSQL string
	err = db.QueryRow("SELECT sql FROM sqlite_master WHERE type='index' AND name='idx_positions_open_key'").Scan(&indexSQL)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	if strings.Contains(indexSQL, "WHERE") && strings.Contains(indexSQL, "closed") {
		fmt.Println("✓ idx_positions_open_key is partial on non-closed states")
	} else {
		fmt.Println("❌ idx_positions_open_key is not a partial index")
	}

	fmt.Println("\n3. Verifying orders are keyed by client_order_id...")
	var ordersSQL string
	err = db.QueryRow("SELECT sql FROM sqlite_master WHERE type='table' AND name='orders'").Scan(&ordersSQL)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	if strings.Contains(ordersSQL, "client_order_id") {
		fmt.Println("✓ client_order_id column exists")
	} else {
		fmt.Println("❌ client_order_id column MISSING")
	}
}
