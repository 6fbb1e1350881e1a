// Package interp executes one sprite's script. A run is bound to a lease
// issued by the sprite store: once the lease is revoked every further write
// is discarded and the run ends with ErrStale.
package interp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"blockstage.ai/internal/sim/blocks"
	"blockstage.ai/internal/sim/sprites"
	"blockstage.ai/internal/sim/tuning"
)

// ErrStale means the run's lease was revoked (stop, reset, collision swap)
// while it was still executing.
var ErrStale = errors.New("run lease revoked")

// Store is the slice of *sprites.Store a run needs.
type Store interface {
	Get(id string) (sprites.Sprite, bool)
	Block(id, blockID string) (blocks.Block, bool)
	Scripts(id string) ([]blocks.Block, bool)
	UpdateLeased(id string, lease uint64, fn func(sp *sprites.Sprite)) (sprites.Sprite, error)
	SpeakLeased(id string, lease uint64, mode sprites.SpeechMode, text string, d time.Duration) error
}

// MoveFunc is called after every position the run writes.
type MoveFunc func(spriteID string)

type Interpreter struct {
	store  Store
	tune   tuning.Tuning
	log    *zap.Logger
	onMove MoveFunc
}

type Option func(*Interpreter)

func WithLogger(l *zap.Logger) Option {
	return func(in *Interpreter) {
		if l != nil {
			in.log = l
		}
	}
}

func WithMoveHook(fn MoveFunc) Option {
	return func(in *Interpreter) { in.onMove = fn }
}

func New(store Store, tune tuning.Tuning, opts ...Option) *Interpreter {
	in := &Interpreter{store: store, tune: tune, log: zap.NewNop()}
	for _, o := range opts {
		o(in)
	}
	return in
}

type run struct {
	*Interpreter
	id    string
	lease uint64
}

// Run executes script in order. Parameters are re-read from the store before
// each block so edits made during the run take effect; a block removed from
// the sprite in the meantime is skipped.
func (in *Interpreter) Run(ctx context.Context, spriteID string, lease uint64, script []blocks.Block) error {
	r := run{Interpreter: in, id: spriteID, lease: lease}
	for _, b := range script {
		if err := ctx.Err(); err != nil {
			return err
		}
		live, ok := r.store.Block(r.id, b.ID)
		if !ok {
			r.log.Debug("block removed during run", zap.String("sprite_id", r.id), zap.String("block_id", b.ID))
			continue
		}
		if err := r.exec(ctx, live, 0); err != nil {
			return err
		}
	}
	return nil
}

func (r run) exec(ctx context.Context, b blocks.Block, depth int) error {
	switch b.Subtype {
	case blocks.MoveSteps:
		return r.move(ctx, b.Steps)
	case blocks.TurnDegrees:
		return r.turn(ctx, b.Direction, b.Degrees)
	case blocks.GotoXY:
		return r.gotoXY(ctx, sprites.Vec2{X: b.X, Y: b.Y})
	case blocks.SayForSeconds:
		return r.speak(ctx, sprites.SpeechSay, b.Message, b.Duration)
	case blocks.ThinkForSeconds:
		return r.speak(ctx, sprites.SpeechThink, b.Message, b.Duration)
	case blocks.Repeat:
		if depth > 0 {
			return nil
		}
		return r.repeat(ctx, b)
	default:
		return fmt.Errorf("block %s: %w: %q", b.ID, blocks.ErrUnknownSubtype, b.Subtype)
	}
}

// repeat runs every other block of the script, as it stands at entry, the
// given number of times. Nested repeats are skipped.
func (r run) repeat(ctx context.Context, self blocks.Block) error {
	if self.Times <= 0 {
		return nil
	}
	snapshot, ok := r.store.Scripts(r.id)
	if !ok {
		return ErrStale
	}
	for i := 0; i < self.Times; i++ {
		for _, b := range snapshot {
			if b.ID == self.ID || b.Subtype == blocks.Repeat {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if live, ok := r.store.Block(r.id, b.ID); ok {
				b = live
			}
			if err := r.exec(ctx, b, 1); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r run) move(ctx context.Context, steps float64) error {
	sp, ok := r.store.Get(r.id)
	if !ok {
		return ErrStale
	}
	theta := sp.Rotation * math.Pi / 180
	start := sp.Pos
	target := start.Add(sprites.Vec2{X: steps * math.Cos(theta), Y: steps * math.Sin(theta)})

	n := r.tune.MoveSubsteps
	for i := 1; i <= n; i++ {
		p := target
		if i < n {
			p = start.Lerp(target, float64(i)/float64(n))
		}
		if err := r.place(p); err != nil {
			return err
		}
		if err := sleep(ctx, r.tune.MoveStepDelay()); err != nil {
			return err
		}
	}
	return nil
}

func (r run) turn(ctx context.Context, dir blocks.Direction, degrees float64) error {
	delta := degrees
	if dir == blocks.Left {
		delta = -degrees
	}
	_, err := r.store.UpdateLeased(r.id, r.lease, func(sp *sprites.Sprite) { sp.Rotation += delta })
	if err != nil {
		return stale(err)
	}
	return sleep(ctx, r.tune.TurnSettle())
}

func (r run) gotoXY(ctx context.Context, target sprites.Vec2) error {
	sp, ok := r.store.Get(r.id)
	if !ok {
		return ErrStale
	}
	start := sp.Pos
	dist := start.Dist(target)
	if dist <= r.tune.GotoGlideThreshold {
		if err := r.place(target); err != nil {
			return err
		}
		return sleep(ctx, r.tune.GotoSettle())
	}

	n := int(math.Floor(dist / r.tune.GotoStepUnits))
	if n < 1 {
		n = 1
	}
	for i := 1; i <= n; i++ {
		p := target
		if i < n {
			p = start.Lerp(target, float64(i)/float64(n))
		}
		if err := r.place(p); err != nil {
			return err
		}
		if err := sleep(ctx, r.tune.GotoStepDelay()); err != nil {
			return err
		}
	}
	return nil
}

// speak shows the text and holds the block for the same duration. The store
// clears the text on its own timer.
func (r run) speak(ctx context.Context, mode sprites.SpeechMode, text string, seconds float64) error {
	var d time.Duration
	switch ns := seconds * float64(time.Second); {
	case ns >= math.MaxInt64:
		d = math.MaxInt64
	case ns > 0:
		d = time.Duration(ns)
	}
	if err := r.store.SpeakLeased(r.id, r.lease, mode, text, d); err != nil {
		return stale(err)
	}
	return sleep(ctx, d)
}

func (r run) place(p sprites.Vec2) error {
	if _, err := r.store.UpdateLeased(r.id, r.lease, func(sp *sprites.Sprite) { sp.Pos = p }); err != nil {
		return stale(err)
	}
	if r.onMove != nil {
		r.onMove(r.id)
	}
	return nil
}

func stale(err error) error {
	if errors.Is(err, sprites.ErrStaleLease) || errors.Is(err, sprites.ErrNotFound) {
		return ErrStale
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
