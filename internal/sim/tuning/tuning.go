package tuning

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tuning holds every timing and distance constant the engine uses.
// Durations are stored in milliseconds so the yaml stays readable.
type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version" json:"protocol_version"`

	MoveSubsteps    int `yaml:"move_substeps" json:"move_substeps"`
	MoveStepDelayMs int `yaml:"move_step_delay_ms" json:"move_step_delay_ms"`
	TurnSettleMs    int `yaml:"turn_settle_ms" json:"turn_settle_ms"`

	GotoGlideThreshold float64 `yaml:"goto_glide_threshold" json:"goto_glide_threshold"`
	GotoStepUnits      float64 `yaml:"goto_step_units" json:"goto_step_units"`
	GotoStepDelayMs    int     `yaml:"goto_step_delay_ms" json:"goto_step_delay_ms"`
	GotoSettleMs       int     `yaml:"goto_settle_ms" json:"goto_settle_ms"`

	Collision Collision `yaml:"collision" json:"collision"`

	SpawnHalfExtent int `yaml:"spawn_half_extent" json:"spawn_half_extent"`
	BroadcastHz     int `yaml:"broadcast_hz" json:"broadcast_hz"`
	MaxQueue        int `yaml:"max_queue" json:"max_queue"`
}

type Collision struct {
	Radius    float64 `yaml:"radius" json:"radius"`
	RearmMs   int     `yaml:"rearm_ms" json:"rearm_ms"`
	FlashMs   int     `yaml:"flash_ms" json:"flash_ms"`
	MessageMs int     `yaml:"message_ms" json:"message_ms"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:    "1.0",
		MoveSubsteps:       10,
		MoveStepDelayMs:    20,
		TurnSettleMs:       300,
		GotoGlideThreshold: 50,
		GotoStepUnits:      10,
		GotoStepDelayMs:    50,
		GotoSettleMs:       300,
		Collision: Collision{
			Radius:    50,
			RearmMs:   100,
			FlashMs:   800,
			MessageMs: 1000,
		},
		SpawnHalfExtent: 150,
		BroadcastHz:     20,
		MaxQueue:        64,
	}
}

// Load reads a tuning file on top of Defaults, so a partial file only
// overrides the keys it names.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	var errs []error
	if t.MoveSubsteps <= 0 {
		errs = append(errs, fmt.Errorf("move_substeps must be > 0 (got %d)", t.MoveSubsteps))
	}
	if t.GotoStepUnits <= 0 {
		errs = append(errs, fmt.Errorf("goto_step_units must be > 0 (got %v)", t.GotoStepUnits))
	}
	if t.GotoGlideThreshold < 0 {
		errs = append(errs, fmt.Errorf("goto_glide_threshold must be >= 0 (got %v)", t.GotoGlideThreshold))
	}
	if t.Collision.Radius <= 0 {
		errs = append(errs, fmt.Errorf("collision.radius must be > 0 (got %v)", t.Collision.Radius))
	}
	if t.SpawnHalfExtent <= 0 {
		errs = append(errs, fmt.Errorf("spawn_half_extent must be > 0 (got %d)", t.SpawnHalfExtent))
	}
	if t.BroadcastHz <= 0 {
		errs = append(errs, fmt.Errorf("broadcast_hz must be > 0 (got %d)", t.BroadcastHz))
	}
	for name, ms := range map[string]int{
		"move_step_delay_ms":   t.MoveStepDelayMs,
		"turn_settle_ms":       t.TurnSettleMs,
		"goto_step_delay_ms":   t.GotoStepDelayMs,
		"goto_settle_ms":       t.GotoSettleMs,
		"collision.rearm_ms":   t.Collision.RearmMs,
		"collision.flash_ms":   t.Collision.FlashMs,
		"collision.message_ms": t.Collision.MessageMs,
	} {
		if ms < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0 (got %d)", name, ms))
		}
	}
	return errors.Join(errs...)
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (t Tuning) MoveStepDelay() time.Duration    { return ms(t.MoveStepDelayMs) }
func (t Tuning) TurnSettle() time.Duration       { return ms(t.TurnSettleMs) }
func (t Tuning) GotoStepDelay() time.Duration    { return ms(t.GotoStepDelayMs) }
func (t Tuning) GotoSettle() time.Duration       { return ms(t.GotoSettleMs) }
func (t Tuning) CollisionRearm() time.Duration   { return ms(t.Collision.RearmMs) }
func (t Tuning) CollisionFlash() time.Duration   { return ms(t.Collision.FlashMs) }
func (t Tuning) CollisionMessage() time.Duration { return ms(t.Collision.MessageMs) }

func (t Tuning) BroadcastInterval() time.Duration {
	if t.BroadcastHz <= 0 {
		return time.Second / 20
	}
	return time.Second / time.Duration(t.BroadcastHz)
}
