package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"blockstage.ai/internal/sim/blocks"
	"blockstage.ai/internal/sim/sprites"
	"blockstage.ai/internal/sim/stage"
)

const Version = 1

type Header struct {
	Version int    `json:"version"`
	StageID string `json:"stage_id"`
	SavedAt int64  `json:"saved_at_unix_ms"`
}

// SnapshotV1 is a saved stage project. Nothing transient (display text,
// executing flags, play state) is stored.
type SnapshotV1 struct {
	Header Header `json:"header"`

	Selected string     `json:"selected"`
	NextID   uint64     `json:"next_id"`
	Sprites  []SpriteV1 `json:"sprites"`
}

type SpriteV1 struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Kind     string    `json:"kind"`
	X        float64   `json:"x"`
	Y        float64   `json:"y"`
	Rotation float64   `json:"rotation"`
	Scripts  []BlockV1 `json:"scripts"`
}

type BlockV1 struct {
	ID        string  `json:"id"`
	Category  string  `json:"category"`
	Subtype   string  `json:"subtype"`
	Steps     float64 `json:"steps,omitempty"`
	Direction string  `json:"direction,omitempty"`
	Degrees   float64 `json:"degrees,omitempty"`
	X         float64 `json:"x,omitempty"`
	Y         float64 `json:"y,omitempty"`
	Message   string  `json:"message,omitempty"`
	Duration  float64 `json:"duration,omitempty"`
	Times     int     `json:"times,omitempty"`
}

func FromProject(stageID string, p stage.Project, at time.Time) SnapshotV1 {
	snap := SnapshotV1{
		Header:   Header{Version: Version, StageID: stageID, SavedAt: at.UnixMilli()},
		Selected: p.Selected,
		NextID:   p.NextID,
		Sprites:  make([]SpriteV1, 0, len(p.Sprites)),
	}
	for _, sp := range p.Sprites {
		out := SpriteV1{
			ID:       sp.ID,
			Name:     sp.Name,
			Kind:     string(sp.Kind),
			X:        sp.Pos.X,
			Y:        sp.Pos.Y,
			Rotation: sp.Rotation,
			Scripts:  make([]BlockV1, 0, len(sp.Scripts)),
		}
		for _, b := range sp.Scripts {
			out.Scripts = append(out.Scripts, BlockV1{
				ID:        b.ID,
				Category:  string(b.Category),
				Subtype:   string(b.Subtype),
				Steps:     b.Steps,
				Direction: string(b.Direction),
				Degrees:   b.Degrees,
				X:         b.X,
				Y:         b.Y,
				Message:   b.Message,
				Duration:  b.Duration,
				Times:     b.Times,
			})
		}
		snap.Sprites = append(snap.Sprites, out)
	}
	return snap
}

func (s SnapshotV1) Project() stage.Project {
	p := stage.Project{
		Selected: s.Selected,
		NextID:   s.NextID,
		Sprites:  make([]sprites.Sprite, 0, len(s.Sprites)),
	}
	for _, in := range s.Sprites {
		sp := sprites.Sprite{
			ID:       in.ID,
			Name:     in.Name,
			Kind:     sprites.Kind(in.Kind),
			Pos:      sprites.Vec2{X: in.X, Y: in.Y},
			Rotation: in.Rotation,
			Scripts:  make([]blocks.Block, 0, len(in.Scripts)),
		}
		for _, b := range in.Scripts {
			sp.Scripts = append(sp.Scripts, blocks.Block{
				ID:        b.ID,
				Category:  blocks.Category(b.Category),
				Subtype:   blocks.Subtype(b.Subtype),
				Steps:     b.Steps,
				Direction: blocks.Direction(b.Direction),
				Degrees:   b.Degrees,
				X:         b.X,
				Y:         b.Y,
				Message:   b.Message,
				Duration:  b.Duration,
				Times:     b.Times,
			})
		}
		p.Sprites = append(p.Sprites, sp)
	}
	return p
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if err := encode(f, snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encode(f *os.File, snap SnapshotV1) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)

	// Header line; gob carries it too.
	_, _ = br.ReadBytes('\n')

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// Path names a snapshot file by its save time so lexical order is age order.
func Path(dir string, at time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%d.snap.zst", at.UnixMilli()))
}

// Latest returns the newest snapshot in dir, or "" if there is none.
func Latest(dir string) string {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	type cand struct {
		ms   int64
		name string
	}
	var cands []cand
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".snap.zst") {
			continue
		}
		ms, err := strconv.ParseInt(strings.TrimSuffix(e.Name(), ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		cands = append(cands, cand{ms: ms, name: e.Name()})
	}
	if len(cands) == 0 {
		return ""
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].ms > cands[j].ms })
	return filepath.Join(dir, cands[0].name)
}
