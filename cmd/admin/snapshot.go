package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"blockstage.ai/internal/persistence/snapshot"
)

type snapshotInfo struct {
	Path     string          `json:"path"`
	Header   snapshot.Header `json:"header"`
	Selected string          `json:"selected"`
	NextID   uint64          `json:"next_id"`
	Sprites  []spriteInfo    `json:"sprites"`
}

type spriteInfo struct {
	ID     string  `json:"id"`
	Kind   string  `json:"kind"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Blocks int     `json:"blocks"`
}

// snapshotCmd summarizes a saved project; -full dumps it whole.
func snapshotCmd(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("snapshot", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	stageID := fs.String("stage", "stage_1", "stage id")
	file := fs.String("file", "", "snapshot path (default: latest for the stage)")
	full := fs.Bool("full", false, "print every sprite and block")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	path := strings.TrimSpace(*file)
	if path == "" {
		path = snapshot.Latest(filepath.Join(*dataDir, "stages", *stageID, "snapshots"))
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "no snapshots")
		return 1
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		return 1
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if *full {
		_ = enc.Encode(snap)
		return 0
	}
	info := snapshotInfo{Path: path, Header: snap.Header, Selected: snap.Selected, NextID: snap.NextID}
	for _, sp := range snap.Sprites {
		info.Sprites = append(info.Sprites, spriteInfo{ID: sp.ID, Kind: sp.Kind, X: sp.X, Y: sp.Y, Blocks: len(sp.Scripts)})
	}
	_ = enc.Encode(info)
	return 0
}
