package sprites

import (
	"math"
	"strings"

	"blockstage.ai/internal/sim/blocks"
)

type Kind string

const (
	KindCat   Kind = "cat"
	KindDog   Kind = "dog"
	KindBird  Kind = "bird"
	KindFish  Kind = "fish"
	KindRobot Kind = "robot"
)

func Kinds() []Kind { return []Kind{KindCat, KindDog, KindBird, KindFish, KindRobot} }

// ParseKind accepts any casing; the empty string means the default cat.
func ParseKind(s string) (Kind, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return KindCat, true
	}
	for _, k := range Kinds() {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// DisplayName is the kind with its first letter capitalized.
func (k Kind) DisplayName() string {
	if k == "" {
		return ""
	}
	return strings.ToUpper(string(k[:1])) + string(k[1:])
}

// Vec2 is a stage position; the origin is the preview center.
type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (v Vec2) Add(o Vec2) Vec2             { return Vec2{v.X + o.X, v.Y + o.Y} }
func (v Vec2) Sub(o Vec2) Vec2             { return Vec2{v.X - o.X, v.Y - o.Y} }
func (v Vec2) Scale(f float64) Vec2        { return Vec2{v.X * f, v.Y * f} }
func (v Vec2) Dist(o Vec2) float64         { return math.Hypot(v.X-o.X, v.Y-o.Y) }
func (v Vec2) Lerp(o Vec2, t float64) Vec2 { return v.Add(o.Sub(v).Scale(t)) }

type SpeechMode string

const (
	SpeechSay   SpeechMode = "say"
	SpeechThink SpeechMode = "think"
)

// Speech is the sprite's display text. A single mode field keeps say and
// think mutually exclusive.
type Speech struct {
	Mode    SpeechMode `json:"mode,omitempty"`
	Text    string     `json:"text,omitempty"`
	UntilMs int64      `json:"until_ms,omitempty"` // unix millis

	token uint64
}

func (s Speech) Empty() bool { return s.Text == "" && s.Mode == "" }

type Sprite struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Kind      Kind           `json:"kind"`
	Pos       Vec2           `json:"pos"`
	Rotation  float64        `json:"rotation"`
	Scripts   []blocks.Block `json:"scripts"`
	Executing bool           `json:"executing"`
	Speech    Speech         `json:"speech"`

	// lease is bumped whenever the sprite's current run is revoked; writes
	// carrying an older lease are dropped.
	lease uint64
}

func (s *Sprite) clone() Sprite {
	c := *s
	c.Scripts = append(make([]blocks.Block, 0, len(s.Scripts)), s.Scripts...)
	return c
}

func (s *Sprite) indexOfBlock(blockID string) int {
	for i := range s.Scripts {
		if s.Scripts[i].ID == blockID {
			return i
		}
	}
	return -1
}
