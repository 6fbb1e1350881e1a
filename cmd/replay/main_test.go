package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	persistlog "blockstage.ai/internal/persistence/log"
	"blockstage.ai/internal/sim/stage"
)

func writeEvents(t *testing.T, dir string, events []stage.Event) {
	t.Helper()
	l := persistlog.NewEventLogger(dir)
	for _, e := range events {
		if err := l.WriteEvent(e); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestSummarize(t *testing.T) {
	dir := t.TempDir()
	writeEvents(t, dir, []stage.Event{
		{Seq: 1, Session: 0, Kind: stage.EventSpriteAdded},
		{Seq: 2, Session: 1, Kind: stage.EventPlay},
		{Seq: 3, Session: 1, Kind: stage.EventTaskStarted, SpriteID: "A"},
		{Seq: 4, Session: 1, Kind: stage.EventTaskStarted, SpriteID: "B"},
		{Seq: 5, Session: 1, Kind: stage.EventCollision, SpriteID: "A", OtherID: "B", Detail: "A|B"},
		{Seq: 6, Session: 1, Kind: stage.EventTaskFinished, SpriteID: "A"},
		{Seq: 7, Session: 1, Kind: stage.EventTaskFailed, SpriteID: "B"},
		{Seq: 8, Session: 1, Kind: stage.EventStop},
		{Seq: 9, Session: 2, Kind: stage.EventPlay},
	})

	files, err := listEventFiles(filepath.Join(dir, "events"))
	if err != nil || len(files) != 1 {
		t.Fatalf("files=%v err=%v", files, err)
	}

	sum, err := summarize(files, 0)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if sum.Events != 9 || sum.LastSeq != 9 || len(sum.Sessions) != 2 {
		t.Fatalf("summary=%+v", sum)
	}
	s1 := sum.Sessions[0]
	if s1.Session != 1 || s1.TasksStarted != 2 || s1.TasksFinished != 1 || s1.TasksFailed != 1 || s1.Collisions != 1 {
		t.Fatalf("session 1: %+v", s1)
	}
	if strings.Join(s1.Pairs, ",") != "A|B" {
		t.Fatalf("pairs=%v", s1.Pairs)
	}

	only, err := summarize(files, 2)
	if err != nil {
		t.Fatalf("summarize session 2: %v", err)
	}
	if len(only.Sessions) != 1 || only.Sessions[0].Session != 2 || only.Events != 9 {
		t.Fatalf("filtered=%+v", only)
	}
}

func TestSummarize_RejectsSeqRegression(t *testing.T) {
	dir := t.TempDir()
	writeEvents(t, dir, []stage.Event{
		{Seq: 4, Session: 1, Kind: stage.EventPlay},
		{Seq: 4, Session: 1, Kind: stage.EventStop},
	})
	files, _ := listEventFiles(filepath.Join(dir, "events"))
	if _, err := summarize(files, 0); err == nil || !strings.Contains(err.Error(), "seq not increasing") {
		t.Fatalf("err=%v", err)
	}
}

func TestListEventFiles_SkipsOthers(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"events-2026-01-01-02.jsonl.zst", "events-2026-01-01-01.jsonl.zst", "audit-2026-01-01-01.jsonl.zst", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	files, err := listEventFiles(dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 || filepath.Base(files[0]) != "events-2026-01-01-01.jsonl.zst" {
		t.Fatalf("files=%v", files)
	}
}
