package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"blockstage.ai/internal/sim/stage"
	"blockstage.ai/internal/sim/tuning"
)

func sessionEvents(at time.Time) []stage.Event {
	return []stage.Event{
		{Seq: 1, At: at, Session: 0, Kind: stage.EventSpriteAdded, SpriteID: "S2", Detail: "dog"},
		{Seq: 2, At: at, Session: 1, Kind: stage.EventPlay},
		{Seq: 3, At: at, Session: 1, Kind: stage.EventTaskStarted, SpriteID: "S1"},
		{Seq: 4, At: at, Session: 1, Kind: stage.EventCollision, SpriteID: "S1", OtherID: "S2", Detail: "S1|S2"},
		{Seq: 5, At: at, Session: 1, Kind: stage.EventTaskFailed, SpriteID: "S2", Detail: "boom"},
		{Seq: 6, At: at, Session: 1, Kind: stage.EventStop},
		{Seq: 7, At: at, Session: 2, Kind: stage.EventPlay},
	}
}

func TestSQLiteIndex_SessionsAndCollisions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for _, e := range sessionEvents(at) {
		if err := idx.WriteEvent(e); err != nil {
			t.Fatalf("WriteEvent: %v", err)
		}
	}
	if err := idx.UpsertTuning(tuning.Defaults()); err != nil {
		t.Fatalf("UpsertTuning: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if st := idx.Stats(); st.Written != 7 || st.Dropped != 0 {
		t.Fatalf("stats=%+v", st)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	sessions, err := QuerySessions(ctx, db, 10)
	if err != nil {
		t.Fatalf("QuerySessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions=%+v", sessions)
	}
	if s := sessions[0]; s.Session != 2 || s.EndedAt != "" {
		t.Fatalf("newest session: %+v", s)
	}
	if s := sessions[1]; s.Session != 1 || s.Collisions != 1 || s.Failures != 1 || s.EndedAt == "" {
		t.Fatalf("session 1: %+v", s)
	}

	cols, err := QueryCollisions(ctx, db, 1)
	if err != nil {
		t.Fatalf("QueryCollisions: %v", err)
	}
	if len(cols) != 1 || cols[0].PairKey != "S1|S2" || cols[0].Mover != "S1" || cols[0].Other != "S2" || cols[0].Seq != 4 {
		t.Fatalf("collisions=%+v", cols)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n); err != nil || n != 7 {
		t.Fatalf("events=%d err=%v", n, err)
	}
	var digest string
	if err := db.QueryRow(`SELECT value FROM meta WHERE key='tuning_digest'`).Scan(&digest); err != nil || len(digest) != 64 {
		t.Fatalf("digest=%q err=%v", digest, err)
	}
}

func TestSQLiteIndex_ReadableWhileOpen(t *testing.T) {
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer idx.Close()

	_ = idx.WriteEvent(stage.Event{Seq: 1, At: time.Now(), Session: 1, Kind: stage.EventPlay})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		rows, err := idx.Sessions(ctx, 0)
		if err != nil {
			t.Fatalf("Sessions: %v", err)
		}
		if len(rows) == 1 {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("session never became visible")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestSQLiteIndex_DropsWhenFull(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan stage.Event, 1)}
	_ = s.WriteEvent(stage.Event{Seq: 1})
	_ = s.WriteEvent(stage.Event{Seq: 2})
	_ = s.WriteEvent(stage.Event{Seq: 3})

	st := s.Stats()
	if st.Dropped != 2 || st.Queued != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestIngestIndex_PostsBatches(t *testing.T) {
	var (
		mu     sync.Mutex
		kinds  []string
		tokens []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Events []struct {
				Kind    string `json:"kind"`
				StageID string `json:"stage_id"`
			} `json:"events"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		for _, e := range body.Events {
			kinds = append(kinds, e.Kind+"@"+e.StageID)
		}
		tokens = append(tokens, r.Header.Get("x-bs-index-token"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d, err := OpenIngest(IngestConfig{Endpoint: srv.URL, Token: "tok", StageID: "stage-1", BatchSize: 2, FlushInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("OpenIngest: %v", err)
	}
	_ = d.UpsertTuning(tuning.Defaults())
	_ = d.WriteEvent(stage.Event{Seq: 1, Kind: stage.EventPlay})
	_ = d.WriteEvent(stage.Event{Seq: 2, Kind: stage.EventStop})
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"tuning@stage-1", "event@stage-1", "event@stage-1"}
	if len(kinds) != len(want) {
		t.Fatalf("kinds=%v want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds=%v want %v", kinds, want)
		}
	}
	for _, tok := range tokens {
		if tok != "tok" {
			t.Fatalf("token=%q", tok)
		}
	}
	if st := d.Stats(); st.Written != 3 || st.Dropped != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestOpenIngest_RequiresEndpoint(t *testing.T) {
	if _, err := OpenIngest(IngestConfig{StageID: "x"}); err == nil {
		t.Fatalf("expected error for empty endpoint")
	}
	if _, err := OpenIngest(IngestConfig{Endpoint: "http://127.0.0.1:1"}); err == nil {
		t.Fatalf("expected error for empty stage id")
	}
}
