package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	player := fs.String("player", "", "player_id filter")
	thread := fs.String("thread", "", "thread_id filter (messages)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index.db")
	}
	if *limit <= 0 {
		*limit = 20
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	switch q {
	case "snapshots":
		query := `SELECT player_id,saved_ms,path,messages,relationships,chains FROM snapshots ORDER BY saved_ms DESC LIMIT ?`
		qargs := []any{*limit}
		if strings.TrimSpace(*player) != "" {
			query = `SELECT player_id,saved_ms,path,messages,relationships,chains FROM snapshots WHERE player_id=? ORDER BY saved_ms DESC LIMIT ?`
			qargs = []any{strings.TrimSpace(*player), *limit}
		}
		rows, err := db.Query(query, qargs...)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				PlayerID      string `json:"player_id"`
				SavedMs       int64  `json:"saved_ms"`
				Path          string `json:"path"`
				Messages      int    `json:"messages"`
				Relationships int    `json:"relationships"`
				Chains        int    `json:"chains"`
			}
			if err := rows.Scan(&r.PlayerID, &r.SavedMs, &r.Path, &r.Messages, &r.Relationships, &r.Chains); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "messages":
		query := `SELECT raw_json FROM messages WHERE player_id=? ORDER BY created_ms DESC LIMIT ?`
		qargs := []any{strings.TrimSpace(*player), *limit}
		if strings.TrimSpace(*thread) != "" {
			query = `SELECT raw_json FROM messages WHERE thread_id=? ORDER BY created_ms ASC LIMIT ?`
			qargs = []any{strings.TrimSpace(*thread), *limit}
		} else if strings.TrimSpace(*player) == "" {
			fmt.Fprintln(os.Stderr, "missing -player or -thread")
			os.Exit(2)
		}
		printRawRows(db, query, qargs...)

	case "interactions":
		if strings.TrimSpace(*player) == "" {
			fmt.Fprintln(os.Stderr, "missing -player")
			os.Exit(2)
		}
		rows, err := db.Query(
			`SELECT player_id,counterparty_id,type,delta,at_ms FROM interactions WHERE player_id=? ORDER BY at_ms DESC LIMIT ?`,
			strings.TrimSpace(*player), *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				PlayerID       string  `json:"player_id"`
				CounterpartyID string  `json:"counterparty_id"`
				Type           string  `json:"type"`
				Delta          float64 `json:"delta"`
				AtMs           int64   `json:"at_ms"`
			}
			if err := rows.Scan(&r.PlayerID, &r.CounterpartyID, &r.Type, &r.Delta, &r.AtMs); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "negotiations":
		if strings.TrimSpace(*player) == "" {
			fmt.Fprintln(os.Stderr, "missing -player")
			os.Exit(2)
		}
		printRawRows(db,
			`SELECT raw_json FROM negotiations WHERE player_id=? ORDER BY closed_ms DESC LIMIT ?`,
			strings.TrimSpace(*player), *limit)

	case "opportunities":
		if strings.TrimSpace(*player) == "" {
			fmt.Fprintln(os.Stderr, "missing -player")
			os.Exit(2)
		}
		printRawRows(db,
			`SELECT raw_json FROM opportunities WHERE player_id=? ORDER BY resolved_ms DESC LIMIT ?`,
			strings.TrimSpace(*player), *limit)

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		fmt.Fprintln(os.Stderr, "usage: admin db [-data ./data|-db PATH] [-player P] [-thread T] [-limit N] snapshots|messages|interactions|negotiations|opportunities")
		os.Exit(2)
	}
}

// printRawRows streams raw_json columns straight to stdout, one per line.
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

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
