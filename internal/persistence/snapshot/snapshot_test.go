package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"blockstage.ai/internal/sim/blocks"
	"blockstage.ai/internal/sim/stage"
	"blockstage.ai/internal/sim/tuning"
)

func TestSnapshot_RoundTripRestoresStage(t *testing.T) {
	st := stage.New(tuning.Defaults())
	steps := 42.0
	if _, err := st.AddBlock(blocks.Spec{Subtype: blocks.MoveSteps, Steps: &steps}); err != nil {
		t.Fatalf("AddBlock: %v", err)
	}
	if _, err := st.AddBlock(blocks.Spec{Subtype: blocks.TurnDegrees}); err != nil {
		t.Fatalf("AddBlock: %v", err)
	}
	robot, err := st.AddSprite("robot")
	if err != nil {
		t.Fatalf("AddSprite: %v", err)
	}

	at := time.UnixMilli(1_700_000_000_000)
	dir := t.TempDir()
	path := Path(dir, at)
	if err := WriteSnapshot(path, FromProject("stage_1", st.Project(), at)); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	snap, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if snap.Header.StageID != "stage_1" || snap.Header.SavedAt != at.UnixMilli() || len(snap.Sprites) != 2 {
		t.Fatalf("snapshot=%+v", snap)
	}

	other := stage.New(tuning.Defaults())
	if err := other.Restore(snap.Project()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if other.Selected() != robot.ID {
		t.Fatalf("selected=%s want %s", other.Selected(), robot.ID)
	}
	cat, ok := other.Sprite("S1")
	if !ok || len(cat.Scripts) != 2 || cat.Scripts[0].Steps != 42 || cat.Scripts[1].Direction != blocks.Right {
		t.Fatalf("cat=%+v", cat)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("tmp file left behind: %v", err)
	}
}

func TestLatest(t *testing.T) {
	dir := t.TempDir()
	if got := Latest(dir); got != "" {
		t.Fatalf("empty dir latest=%q", got)
	}
	for _, name := range []string{"900.snap.zst", "1000.snap.zst", "junk.snap.zst", "2000.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if got := Latest(dir); filepath.Base(got) != "1000.snap.zst" {
		t.Fatalf("latest=%q", got)
	}
}

func TestReadSnapshot_Garbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1.snap.zst")
	if err := os.WriteFile(path, []byte("not zstd"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadSnapshot(path); err == nil {
		t.Fatalf("expected error")
	}
}
