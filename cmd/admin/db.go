package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	persistlog "seedbridge.ai/internal/persistence/log"

	_ "modernc.org/sqlite"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dbPath := fs.String("db", "./data/index/seedbridge.db", "sqlite index path")
	key := fs.String("key", "", "seed key filter (triggers) or subject (history)")
	limit := fs.Int("limit", 20, "result limit")
	removed := fs.Bool("removed", false, "include removed bridges")
	_ = fs.Parse(args)

	q := "bridges"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	db, err := sql.Open("sqlite", "file:"+*dbPath+"?mode=ro")
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	switch q {
	case "bridges":
		query := `SELECT seed_key,dimension_id,title,player_id,first_seen,COALESCE(removed_at,'') FROM bridges`
		if !*removed {
			query += ` WHERE removed_at IS NULL`
		}
		query += ` ORDER BY first_seen DESC LIMIT ?`
		rows, err := db.Query(query, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				SeedKey     string `json:"seed_key"`
				DimensionID string `json:"dimension_id"`
				Title       string `json:"title,omitempty"`
				PlayerID    string `json:"player_id,omitempty"`
				FirstSeen   string `json:"first_seen"`
				RemovedAt   string `json:"removed_at,omitempty"`
			}
			if err := rows.Scan(&r.SeedKey, &r.DimensionID, &r.Title, &r.PlayerID, &r.FirstSeen, &r.RemovedAt); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "triggers":
		query := `SELECT raw_json FROM triggers ORDER BY at DESC LIMIT ?`
		qargs := []any{*limit}
		if strings.TrimSpace(*key) != "" {
			query = `SELECT raw_json FROM triggers WHERE seed_key=? ORDER BY at DESC LIMIT ?`
			qargs = []any{strings.TrimSpace(*key), *limit}
		}
		printRawRows(db, query, qargs...)

	case "history":
		if strings.TrimSpace(*key) == "" {
			fmt.Fprintln(os.Stderr, "missing -key")
			os.Exit(2)
		}
		printRawRows(db, `SELECT raw_json FROM bridge_events WHERE seed_key=? ORDER BY seq`, strings.TrimSpace(*key))

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		fmt.Fprintln(os.Stderr, "usage: admin db [-db PATH] [-key KEY] [-limit N] [-removed] bridges|triggers|history")
		os.Exit(2)
	}
}

func printRawRows(db *sql.DB, query string, args ...any) {
	rows, err := db.Query(query, args...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			fmt.Fprintln(os.Stderr, "scan:", err)
			os.Exit(1)
		}
		fmt.Println(raw)
	}
	if err := rows.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "rows:", err)
		os.Exit(1)
	}
}

func journalCmd(args []string) {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	typ := fs.String("type", "", "entry type filter: bridge|trigger")
	_ = fs.Parse(args)
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: admin journal [-type bridge|trigger] FILE.jsonl.zst...")
		os.Exit(2)
	}
	for _, path := range fs.Args() {
		entries, err := persistlog.ReadEntries(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read:", err)
			os.Exit(1)
		}
		for _, e := range entries {
			if *typ != "" && e.Type != *typ {
				continue
			}
			printJSON(e)
		}
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
