package log

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"blockstage.ai/internal/sim/stage"
)

func TestEventLogger_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewEventLogger(dir)
	at := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	l.w.now = func() time.Time { return at }

	for i := uint64(1); i <= 3; i++ {
		if err := l.WriteEvent(stage.Event{Seq: i, At: at, Session: 1, Kind: stage.EventTaskStarted, SpriteID: "S1"}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	path := filepath.Join(dir, "events", "events-2026-03-01-10.jsonl.zst")
	var got []stage.Event
	err := ReadJSONL(path, func(line []byte) error {
		var e stage.Event
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		got = append(got, e)
		return nil
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("events=%d want 3", len(got))
	}
	for i, e := range got {
		if e.Seq != uint64(i+1) || e.Kind != stage.EventTaskStarted || e.SpriteID != "S1" {
			t.Fatalf("event %d: %+v", i, e)
		}
	}
}

func TestJSONLZstdWriter_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "x")
	now := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	if err := w.Write(map[string]int{"n": 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := w.Write(map[string]int{"n": 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	for _, name := range []string{"x-2026-03-01-10.jsonl.zst", "x-2026-03-01-11.jsonl.zst"} {
		n := 0
		if err := ReadJSONL(filepath.Join(dir, name), func([]byte) error { n++; return nil }); err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if n != 1 {
			t.Fatalf("%s lines=%d want 1", name, n)
		}
	}
}

func TestJSONLZstdWriter_ReopenAppends(t *testing.T) {
	dir := t.TempDir()
	at := func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }

	for i := 0; i < 2; i++ {
		w := NewJSONLZstdWriter(dir, "x")
		w.now = at
		if err := w.Write(map[string]int{"n": i}); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}

	n := 0
	if err := ReadJSONL(filepath.Join(dir, "x-2026-03-01-10.jsonl.zst"), func([]byte) error { n++; return nil }); err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 2 {
		t.Fatalf("lines=%d want 2", n)
	}
}

func TestAuditLogger(t *testing.T) {
	dir := t.TempDir()
	l := NewAuditLogger(dir)
	if err := l.WriteAudit(AuditEntry{At: time.Now().UTC(), ConnID: "C1", CmdID: "c1", Op: "RESET", Accepted: true}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "audit", "audit-*.jsonl.zst"))
	if err != nil || len(files) != 1 {
		t.Fatalf("files=%v err=%v", files, err)
	}
	var got AuditEntry
	if err := ReadJSONL(files[0], func(line []byte) error { return json.Unmarshal(line, &got) }); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.ConnID != "C1" || got.Op != "RESET" || !got.Accepted {
		t.Fatalf("entry: %+v", got)
	}
}

func TestReadJSONL_MissingFile(t *testing.T) {
	err := ReadJSONL(filepath.Join(t.TempDir(), "nope.jsonl.zst"), func([]byte) error { return nil })
	if !os.IsNotExist(err) {
		t.Fatalf("err=%v want not-exist", err)
	}
}
