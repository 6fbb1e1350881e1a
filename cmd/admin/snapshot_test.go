package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"blockstage.ai/internal/persistence/snapshot"
	"blockstage.ai/internal/sim/stage"
	"blockstage.ai/internal/sim/tuning"
)

func TestSnapshotCmd_Latest(t *testing.T) {
	data := t.TempDir()
	dir := filepath.Join(data, "stages", "stage_1", "snapshots")
	st := stage.New(tuning.Defaults())
	if _, err := st.AddSprite("fish"); err != nil {
		t.Fatalf("AddSprite: %v", err)
	}
	at := time.UnixMilli(5000)
	if err := snapshot.WriteSnapshot(snapshot.Path(dir, at), snapshot.FromProject("stage_1", st.Project(), at)); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	var out bytes.Buffer
	if code := snapshotCmd([]string{"-data", data}, &out); code != 0 {
		t.Fatalf("code=%d", code)
	}
	var info snapshotInfo
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v\n%s", err, out.String())
	}
	if info.Header.StageID != "stage_1" || len(info.Sprites) != 2 || info.Sprites[1].Kind != "fish" {
		t.Fatalf("info=%+v", info)
	}
}

func TestSnapshotCmd_None(t *testing.T) {
	var out bytes.Buffer
	if code := snapshotCmd([]string{"-data", t.TempDir()}, &out); code != 1 {
		t.Fatalf("code=%d want 1", code)
	}
}
