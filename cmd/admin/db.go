package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"blockstage.ai/internal/persistence/indexdb"
)

// dbCmd prints index rows as JSON lines and returns the process exit code.
func dbCmd(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("db", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	stageID := fs.String("stage", "stage_1", "stage id (ignored with -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	session := fs.Uint64("session", 0, "session for collisions (default: latest)")
	limit := fs.Int("limit", 20, "result limit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	q := "sessions"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "stages", *stageID, "index", "stage.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		return 1
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		return 1
	}
	defer db.Close()

	ctx := context.Background()
	enc := json.NewEncoder(out)
	switch q {
	case "sessions":
		rows, err := indexdb.QuerySessions(ctx, db, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			return 1
		}
		for _, r := range rows {
			_ = enc.Encode(r)
		}
	case "collisions":
		s := *session
		if s == 0 {
			latest, err := indexdb.QuerySessions(ctx, db, 1)
			if err != nil {
				fmt.Fprintln(os.Stderr, "query:", err)
				return 1
			}
			if len(latest) == 0 {
				fmt.Fprintln(os.Stderr, "no sessions found")
				return 2
			}
			s = latest[0].Session
		}
		rows, err := indexdb.QueryCollisions(ctx, db, s)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			return 1
		}
		for _, r := range rows {
			_ = enc.Encode(r)
		}
	case "tuning":
		var raw, digest string
		if err := db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key='tuning'`).Scan(&raw); err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			return 1
		}
		_ = db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key='tuning_digest'`).Scan(&digest)
		_ = enc.Encode(map[string]any{"digest": digest, "tuning": json.RawMessage(raw)})
	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q, "(want sessions|collisions|tuning)")
		return 2
	}
	return 0
}
