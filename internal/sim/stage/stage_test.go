package stage

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"blockstage.ai/internal/sim/blocks"
	"blockstage.ai/internal/sim/sprites"
	"blockstage.ai/internal/sim/tuning"
)

func fastTuning() tuning.Tuning {
	t := tuning.Defaults()
	t.MoveStepDelayMs = 5
	t.TurnSettleMs = 1
	t.GotoStepDelayMs = 1
	t.GotoSettleMs = 1
	t.Collision.RearmMs = 5
	t.Collision.FlashMs = 30
	t.Collision.MessageMs = 30
	return t
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) WriteEvent(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func newStage(t *testing.T, tune tuning.Tuning) (*Stage, *recorder) {
	t.Helper()
	rec := &recorder{}
	st := New(tune, WithEventSink(rec), WithLogger(zap.NewNop()), WithRand(rand.New(rand.NewSource(1))))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = st.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return st, rec
}

func ptr[T any](v T) *T { return &v }

func move(steps float64) blocks.Spec {
	return blocks.Spec{Category: blocks.CategoryMotion, Subtype: blocks.MoveSteps, Steps: ptr(steps)}
}

// scenario places A at (0,0) with [move 100] and B at (90,0) with [move -100].
func scenario(t *testing.T, st *Stage) (a, b string, aBlock, bBlock blocks.Block) {
	t.Helper()
	a = st.Selected()
	sp, err := st.AddSprite("dog")
	require.NoError(t, err)
	b = sp.ID
	_, err = st.SetCoordinate(a, "x", 0)
	require.NoError(t, err)
	_, err = st.SetCoordinate(a, "y", 0)
	require.NoError(t, err)
	_, err = st.SetCoordinate(b, "x", 90.0)
	require.NoError(t, err)
	_, err = st.SetCoordinate(b, "y", "0")
	require.NoError(t, err)

	bBlock, err = st.AddBlock(move(-100))
	require.NoError(t, err)
	require.NoError(t, st.SelectSprite(a))
	aBlock, err = st.AddBlock(move(100))
	require.NoError(t, err)
	return a, b, aBlock, bBlock
}

func scriptIDs(st *Stage, id string) []string {
	sp, _ := st.Sprite(id)
	out := make([]string, 0, len(sp.Scripts))
	for _, b := range sp.Scripts {
		out = append(out, b.ID)
	}
	return out
}

func idle(st *Stage) bool {
	if st.Metrics().RunningTasks != 0 {
		return false
	}
	for _, sp := range st.View().Sprites {
		if sp.Executing {
			return false
		}
	}
	return true
}

func TestNew_SingleSelectedCat(t *testing.T) {
	st := New(tuning.Defaults())
	v := st.View()
	require.Len(t, v.Sprites, 1)
	assert.Equal(t, "Cat", v.Sprites[0].Name)
	assert.Equal(t, sprites.Vec2{}, v.Sprites[0].Pos)
	assert.Equal(t, v.Sprites[0].ID, v.Selected)
	assert.False(t, v.Playing)
}

func TestScenario_SwapsExactlyOnce(t *testing.T) {
	st, rec := newStage(t, fastTuning())
	a, b, aBlock, bBlock := scenario(t, st)

	require.True(t, st.TogglePlay())
	require.Eventually(t, func() bool { return st.Metrics().Collisions == 1 }, 2*time.Second, time.Millisecond)

	assert.Equal(t, []string{bBlock.ID}, scriptIDs(st, a))
	assert.Equal(t, []string{aBlock.ID}, scriptIDs(st, b))

	// Re-armed with the swapped scripts, A now walks back and B forward.
	require.Eventually(t, func() bool { return rec.count(EventTaskFinished) == 2 && idle(st) }, 3*time.Second, 2*time.Millisecond)
	sa, _ := st.Sprite(a)
	sb, _ := st.Sprite(b)
	assert.Less(t, sa.Pos.X, 0.0)
	assert.Greater(t, sb.Pos.X, 100.0)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count(EventCollision))
	assert.Equal(t, uint64(1), st.Metrics().Collisions)
	assert.True(t, st.Playing(), "finished scripts do not end the session")
}

func TestCollision_AdjacentPairDoesNotRefire(t *testing.T) {
	tune := fastTuning()
	tune.MoveStepDelayMs = 1
	st, rec := newStage(t, tune)
	a := st.Selected()
	sp, err := st.AddSprite("robot")
	require.NoError(t, err)
	_, err = st.SetCoordinate(sp.ID, "x", 10)
	require.NoError(t, err)
	_, err = st.SetCoordinate(sp.ID, "y", 0)
	require.NoError(t, err)
	for _, id := range []string{a, sp.ID} {
		_, err := st.InsertBlock(id, -1, move(0))
		require.NoError(t, err)
		_, err = st.InsertBlock(id, -1, blocks.Spec{Subtype: blocks.Repeat, Times: ptr(5.0)})
		require.NoError(t, err)
	}

	st.Play()
	require.Eventually(t, func() bool { return st.Metrics().Collisions == 1 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return rec.count(EventTaskFinished) == 2 }, 3*time.Second, 2*time.Millisecond)
	assert.Equal(t, 1, rec.count(EventCollision))
	assert.Equal(t, 1, st.Metrics().ConsumedPairs)
}

func TestAddSprite_MidSessionAllowsRecollision(t *testing.T) {
	tune := fastTuning()
	tune.MoveStepDelayMs = 1
	tune.Collision.RearmMs = 300
	st, rec := newStage(t, tune)
	a := st.Selected()
	sp, err := st.AddSprite("robot")
	require.NoError(t, err)
	_, err = st.SetCoordinate(sp.ID, "x", 10)
	require.NoError(t, err)
	_, err = st.SetCoordinate(sp.ID, "y", 0)
	require.NoError(t, err)
	for _, id := range []string{a, sp.ID} {
		_, err := st.InsertBlock(id, -1, move(0))
		require.NoError(t, err)
		_, err = st.InsertBlock(id, -1, blocks.Spec{Subtype: blocks.Repeat, Times: ptr(500.0)})
		require.NoError(t, err)
	}
	defer st.Stop()

	st.Play()
	require.Eventually(t, func() bool { return st.Metrics().Collisions == 1 }, 2*time.Second, time.Millisecond)
	require.Equal(t, 1, st.Metrics().ConsumedPairs)

	// Both sprites are disarmed until the re-arm fires, so nothing can collide here.
	_, err = st.AddSprite("fish")
	require.NoError(t, err)
	assert.Zero(t, st.Metrics().ConsumedPairs)

	require.Eventually(t, func() bool { return st.Metrics().Collisions == 2 }, 3*time.Second, time.Millisecond)
	pair := ""
	for _, e := range rec.all() {
		if e.Kind == EventCollision {
			if pair == "" {
				pair = e.Detail
			}
			assert.Equal(t, pair, e.Detail)
		}
	}
}

func TestStop_ClearsTransientsAndAllowsRecollision(t *testing.T) {
	tune := fastTuning()
	tune.Collision.FlashMs = 5000
	tune.Collision.MessageMs = 5000
	st, rec := newStage(t, tune)
	a, b, _, _ := scenario(t, st)

	st.Play()
	require.Eventually(t, func() bool { return st.Metrics().Collisions == 1 }, 2*time.Second, time.Millisecond)
	require.True(t, st.View().Collision)

	require.False(t, st.TogglePlay())
	v := st.View()
	assert.False(t, v.Playing)
	assert.False(t, v.Collision)
	for _, sp := range v.Sprites {
		assert.False(t, sp.Executing, sp.ID)
		assert.True(t, sp.Speech.Empty(), sp.ID)
	}
	assert.Zero(t, st.Metrics().ConsumedPairs)
	assert.Zero(t, st.Metrics().RunningTasks)

	// Scripts are swapped now: A walks left, B walks right. Put them on a
	// collision course again.
	_, err := st.SetCoordinate(a, "x", 90)
	require.NoError(t, err)
	_, err = st.SetCoordinate(b, "x", 0)
	require.NoError(t, err)
	st.Play()
	require.Eventually(t, func() bool { return st.Metrics().Collisions == 2 }, 2*time.Second, time.Millisecond)

	var sessions []uint64
	for _, e := range rec.all() {
		if e.Kind == EventCollision {
			sessions = append(sessions, e.Session)
		}
	}
	assert.Equal(t, []uint64{1, 2}, sessions)
}

func TestStop_StaleWritesDropped(t *testing.T) {
	tune := fastTuning()
	tune.MoveStepDelayMs = 20
	st, _ := newStage(t, tune)
	id := st.Selected()
	_, err := st.AddBlock(move(1000))
	require.NoError(t, err)

	st.Play()
	require.Eventually(t, func() bool {
		sp, _ := st.Sprite(id)
		return sp.Pos.X > 0
	}, time.Second, time.Millisecond)
	st.Stop()
	sp, _ := st.Sprite(id)
	frozen := sp.Pos

	time.Sleep(80 * time.Millisecond)
	sp, _ = st.Sprite(id)
	assert.Equal(t, frozen, sp.Pos)
	assert.False(t, sp.Executing)
}

func TestPlay_OnlyScriptedSpritesExecute(t *testing.T) {
	tune := fastTuning()
	tune.MoveStepDelayMs = 20
	st, rec := newStage(t, tune)
	scripted := st.Selected()
	_, err := st.AddBlock(move(100))
	require.NoError(t, err)
	empty, err := st.AddSprite("fish")
	require.NoError(t, err)

	st.Play()
	s1, _ := st.Sprite(scripted)
	s2, _ := st.Sprite(empty.ID)
	assert.True(t, s1.Executing)
	assert.False(t, s2.Executing)
	assert.Equal(t, 1, rec.count(EventTaskStarted))
}

func TestEditBlock_ReachesRunningTask(t *testing.T) {
	st, _ := newStage(t, fastTuning())
	id := st.Selected()
	_, err := st.AddBlock(blocks.Spec{Subtype: blocks.SayForSeconds, Message: ptr("hold"), Duration: ptr(0.1)})
	require.NoError(t, err)
	mv, err := st.AddBlock(move(10))
	require.NoError(t, err)

	st.Play()
	_, err = st.EditBlock(id, mv.ID, blocks.FieldSteps, "-40")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return idle(st) }, 2*time.Second, 2*time.Millisecond)

	sp, _ := st.Sprite(id)
	assert.InDelta(t, -40, sp.Pos.X, 1e-9)
}

func TestTaskPanic_IsolatedToSprite(t *testing.T) {
	st, rec := newStage(t, fastTuning())
	bad := st.Selected()
	_, err := st.AddBlock(move(10))
	require.NoError(t, err)
	good, err := st.AddSprite("bird")
	require.NoError(t, err)
	_, err = st.AddBlock(move(10))
	require.NoError(t, err)
	_, err = st.SetCoordinate(good.ID, "x", 140)
	require.NoError(t, err)
	start, err := st.SetCoordinate(good.ID, "y", 140)
	require.NoError(t, err)

	inner := st.runScript
	st.runScript = func(ctx context.Context, id string, lease uint64, script []blocks.Block) error {
		if id == bad {
			panic("boom")
		}
		return inner(ctx, id, lease, script)
	}

	st.Play()
	require.Eventually(t, func() bool { return idle(st) }, 2*time.Second, 2*time.Millisecond)

	assert.Equal(t, uint64(1), st.Metrics().TasksFailed)
	assert.Equal(t, 1, rec.count(EventTaskFailed))
	sp, _ := st.Sprite(good.ID)
	assert.InDelta(t, start.X+10, sp.Pos.X, 1e-9)
	assert.True(t, st.Playing())
}

func TestReset_ReturnsToCleanIdle(t *testing.T) {
	st, rec := newStage(t, fastTuning())
	a, _, _, _ := scenario(t, st)
	_, err := st.InsertBlock(a, 0, blocks.Spec{Subtype: blocks.TurnDegrees, Degrees: ptr(45.0)})
	require.NoError(t, err)
	st.Play()
	require.Eventually(t, func() bool {
		sp, _ := st.Sprite(a)
		return sp.Rotation != 0
	}, time.Second, time.Millisecond)

	st.Reset()
	v := st.View()
	assert.False(t, v.Playing)
	require.Len(t, v.Sprites, 2)
	for _, sp := range v.Sprites {
		assert.Empty(t, sp.Scripts)
		assert.Zero(t, sp.Rotation)
		assert.True(t, sp.Speech.Empty())
		assert.False(t, sp.Executing)
		assert.GreaterOrEqual(t, sp.Pos.X, -150.0)
		assert.Less(t, sp.Pos.X, 150.0)
		assert.Equal(t, math.Trunc(sp.Pos.Y), sp.Pos.Y)
	}
	assert.Equal(t, 1, rec.count(EventReset))
	assert.Equal(t, 1, rec.count(EventStop))

	time.Sleep(30 * time.Millisecond)
	for _, sp := range st.View().Sprites {
		assert.Zero(t, sp.Rotation, "revoked tasks must not write after reset")
	}
}

func TestDeleteSprite_LastProtectedAndSelectionFallback(t *testing.T) {
	st := New(tuning.Defaults())
	first := st.Selected()
	require.ErrorIs(t, st.DeleteSprite(first), sprites.ErrLastSprite)
	assert.Len(t, st.View().Sprites, 1)

	second, err := st.AddSprite("dog")
	require.NoError(t, err)
	third, err := st.AddSprite("")
	require.NoError(t, err)
	assert.Equal(t, sprites.KindCat, third.Kind)
	assert.Equal(t, third.ID, st.Selected())

	require.NoError(t, st.DeleteSprite(third.ID))
	assert.Equal(t, first, st.Selected())

	require.NoError(t, st.SelectSprite(second.ID))
	require.NoError(t, st.DeleteSprite(first))
	assert.Equal(t, second.ID, st.Selected())
	require.ErrorIs(t, st.DeleteSprite(first), sprites.ErrNotFound)

	_, err = st.AddSprite("dragon")
	require.ErrorIs(t, err, ErrUnknownKind)
	require.ErrorIs(t, st.SelectSprite("S99"), sprites.ErrNotFound)
}

func TestSetCoordinate_RejectsBadInput(t *testing.T) {
	st := New(tuning.Defaults())
	id := st.Selected()

	pos, err := st.SetCoordinate(id, "x", "12.5")
	require.NoError(t, err)
	assert.Equal(t, sprites.Vec2{X: 12.5}, pos)

	pos, err = st.SetCoordinate(id, "y", "abc")
	require.ErrorIs(t, err, ErrBadCoordinate)
	assert.Equal(t, sprites.Vec2{X: 12.5}, pos)

	_, err = st.SetCoordinate(id, "x", math.NaN())
	require.ErrorIs(t, err, ErrBadCoordinate)
	_, err = st.SetCoordinate(id, "z", 1)
	require.ErrorIs(t, err, ErrBadCoordinate)
	_, err = st.SetCoordinate("S9", "x", 1)
	require.ErrorIs(t, err, sprites.ErrNotFound)

	sp, _ := st.Sprite(id)
	assert.Equal(t, sprites.Vec2{X: 12.5}, sp.Pos)
}

func TestEvents_SeqStrictlyIncreasing(t *testing.T) {
	st, rec := newStage(t, fastTuning())
	scenario(t, st)
	st.Play()
	require.Eventually(t, func() bool { return rec.count(EventTaskFinished) == 2 }, 3*time.Second, 2*time.Millisecond)
	st.Stop()
	st.Reset()

	events := rec.all()
	require.NotEmpty(t, events)
	for i := 1; i < len(events); i++ {
		require.Greater(t, events[i].Seq, events[i-1].Seq)
	}
}

func TestVersion_ChangesWithReadModel(t *testing.T) {
	st := New(tuning.Defaults())
	v0 := st.Version()
	_, err := st.AddSprite("cat")
	require.NoError(t, err)
	v1 := st.Version()
	assert.Greater(t, v1, v0)
	require.NoError(t, st.SelectSprite(st.View().Sprites[0].ID))
	assert.Greater(t, st.Version(), v1)
}

func TestProject_RoundTripIntoFreshStage(t *testing.T) {
	st, _ := newStage(t, fastTuning())
	a, b, _, _ := scenario(t, st)
	require.NoError(t, st.SelectSprite(b))

	p := st.Project()
	require.Len(t, p.Sprites, 2)

	other, rec := newStage(t, fastTuning())
	require.NoError(t, other.Restore(p))
	assert.Equal(t, b, other.Selected())
	assert.Equal(t, scriptIDs(st, a), scriptIDs(other, a))
	sp, ok := other.Sprite(b)
	require.True(t, ok)
	assert.Equal(t, 90.0, sp.Pos.X)
	assert.Equal(t, 1, rec.count(EventReset))

	added, err := other.AddSprite("fish")
	require.NoError(t, err)
	assert.Equal(t, "S3", added.ID)

	other.Play()
	require.ErrorIs(t, other.Restore(p), ErrPlaying)
}
