package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"blockstage.ai/internal/sim/stage"
	"blockstage.ai/internal/sim/tuning"
)

// SQLiteIndex is a queryable secondary index of stage events. The JSONL event
// log stays the source of truth; the index drops writes when it falls behind.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan stage.Event
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
	written atomic.Uint64
}

type Stats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Queued  int    `json:"queued"`
}

type SessionRow struct {
	Session    uint64 `json:"session"`
	StartedAt  string `json:"started_at"`
	EndedAt    string `json:"ended_at,omitempty"`
	Collisions int    `json:"collisions"`
	Failures   int    `json:"failures"`
}

type CollisionRow struct {
	Seq     uint64 `json:"seq"`
	Session uint64 `json:"session"`
	PairKey string `json:"pair_key"`
	Mover   string `json:"mover"`
	Other   string `json:"other"`
	At      string `json:"at"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan stage.Event, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY,
			at TEXT NOT NULL,
			session INTEGER NOT NULL,
			kind TEXT NOT NULL,
			sprite_id TEXT,
			other_id TEXT,
			detail TEXT,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_events_sprite ON events(sprite_id, seq);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session INTEGER PRIMARY KEY,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			collisions INTEGER NOT NULL DEFAULT 0,
			failures INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS collisions (
			seq INTEGER PRIMARY KEY,
			session INTEGER NOT NULL,
			pair_key TEXT NOT NULL,
			mover TEXT NOT NULL,
			other TEXT NOT NULL,
			at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_collisions_session ON collisions(session, seq);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// WriteEvent queues e for indexing. It never blocks.
func (s *SQLiteIndex) WriteEvent(e stage.Event) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{Written: s.written.Load(), Dropped: s.dropped.Load(), Queued: len(s.ch)}
}

// UpsertTuning records the tuning values the server actually runs with.
func (s *SQLiteIndex) UpsertTuning(tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(tune)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, kv := range [][2]string{
		{"schema_version", "1"},
		{"tuning", string(b)},
		{"tuning_digest", hex.EncodeToString(sum[:])},
		{"updated_at", time.Now().UTC().Format(time.RFC3339Nano)},
	} {
		if _, err := stmt.Exec(kv[0], kv[1]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Sessions lists the most recent play sessions, newest first.
func (s *SQLiteIndex) Sessions(ctx context.Context, limit int) ([]SessionRow, error) {
	if limit <= 0 {
		limit = 50
	}
	return QuerySessions(ctx, s.db, limit)
}

// Collisions lists the collisions of one session in event order.
func (s *SQLiteIndex) Collisions(ctx context.Context, session uint64) ([]CollisionRow, error) {
	return QueryCollisions(ctx, s.db, session)
}

func QuerySessions(ctx context.Context, db *sql.DB, limit int) ([]SessionRow, error) {
	rows, err := db.QueryContext(ctx, `SELECT session,started_at,COALESCE(ended_at,''),collisions,failures FROM sessions ORDER BY session DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		if err := rows.Scan(&r.Session, &r.StartedAt, &r.EndedAt, &r.Collisions, &r.Failures); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func QueryCollisions(ctx context.Context, db *sql.DB, session uint64) ([]CollisionRow, error) {
	rows, err := db.QueryContext(ctx, `SELECT seq,session,pair_key,mover,other,at FROM collisions WHERE session=? ORDER BY seq`, session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CollisionRow
	for rows.Next() {
		var r CollisionRow
		if err := rows.Scan(&r.Seq, &r.Session, &r.PairKey, &r.Mover, &r.Other, &r.At); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertEvent, _ := s.db.Prepare(`INSERT OR REPLACE INTO events(seq,at,session,kind,sprite_id,other_id,detail,raw_json) VALUES(?,?,?,?,?,?,?,?)`)
	openSession, _ := s.db.Prepare(`INSERT OR IGNORE INTO sessions(session,started_at) VALUES(?,?)`)
	endSession, _ := s.db.Prepare(`UPDATE sessions SET ended_at=? WHERE session=? AND ended_at IS NULL`)
	bumpCollisions, _ := s.db.Prepare(`UPDATE sessions SET collisions=collisions+1 WHERE session=?`)
	bumpFailures, _ := s.db.Prepare(`UPDATE sessions SET failures=failures+1 WHERE session=?`)
	insertCollision, _ := s.db.Prepare(`INSERT OR REPLACE INTO collisions(seq,session,pair_key,mover,other,at) VALUES(?,?,?,?,?,?)`)
	stmts := []*sql.Stmt{insertEvent, openSession, endSession, bumpCollisions, bumpFailures, insertCollision}
	defer func() {
		for _, st := range stmts {
			if st != nil {
				_ = st.Close()
			}
		}
	}()
	for _, st := range stmts {
		if st == nil {
			// Schema is broken; drain so writers never block.
			for range s.ch {
				s.dropped.Add(1)
			}
			return
		}
	}

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 512
		commitMaxWait = 500 * time.Millisecond
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	exec := func(st *sql.Stmt, args ...any) bool {
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return false
		}
		opCount++
		return true
	}

	index := func(e stage.Event) {
		begin()
		if tx == nil {
			s.dropped.Add(1)
			return
		}
		at := e.At.UTC().Format(time.RFC3339Nano)
		raw, _ := json.Marshal(e)
		if !exec(insertEvent, int64(e.Seq), at, int64(e.Session), string(e.Kind), e.SpriteID, e.OtherID, e.Detail, string(raw)) {
			return
		}

		ok := true
		switch e.Kind {
		case stage.EventPlay:
			ok = exec(openSession, int64(e.Session), at)
		case stage.EventStop, stage.EventReset:
			ok = exec(endSession, at, int64(e.Session))
		case stage.EventCollision:
			ok = exec(insertCollision, int64(e.Seq), int64(e.Session), e.Detail, e.SpriteID, e.OtherID, at) &&
				exec(bumpCollisions, int64(e.Session))
		case stage.EventTaskFailed:
			ok = exec(bumpFailures, int64(e.Session))
		}
		if ok {
			s.written.Add(1)
		}
	}

	// Idle transactions hold the only connection, so readers need the ticker.
	ticker := time.NewTicker(commitMaxWait)
	defer ticker.Stop()
	for {
		select {
		case e, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			index(e)
			if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
				commit()
			}
		case <-ticker.C:
			commit()
		}
	}
}
