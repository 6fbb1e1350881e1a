// Package stage is the run controller. It owns the sprite store, starts one
// interpreter task per scripted sprite when play is toggled on, applies
// collision swaps and re-arms the swapped sprites through its Run loop.
//
// Lock order: Stage.mu may take the store and coordinator locks, never the
// reverse. Task goroutines take Stage.mu only from the move hook.
package stage

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"blockstage.ai/internal/sim/blocks"
	"blockstage.ai/internal/sim/collision"
	"blockstage.ai/internal/sim/interp"
	"blockstage.ai/internal/sim/sprites"
	"blockstage.ai/internal/sim/tuning"
)

var (
	ErrNoSelection   = errors.New("no sprite selected")
	ErrBadCoordinate = errors.New("invalid coordinate")
	ErrUnknownKind   = errors.New("unknown sprite kind")
	ErrTaskPanic     = errors.New("interpreter task panicked")
)

type task struct {
	lease   uint64
	session uint64
	cancel  context.CancelFunc
}

// runRequest asks the Run loop to start fresh tasks for sprites, provided the
// session it was issued in is still playing.
type runRequest struct {
	session uint64
	ids     []string
}

type Stage struct {
	tune   tuning.Tuning
	log    *zap.Logger
	store  *sprites.Store
	coll   *collision.Coordinator
	flash  *collision.Flash
	interp *interp.Interpreter

	// runScript executes one task; replaced in tests.
	runScript func(ctx context.Context, id string, lease uint64, script []blocks.Block) error

	mu       sync.Mutex
	playing  bool
	session  uint64
	selected string
	tasks    map[string]*task
	rng      *rand.Rand

	runs chan runRequest

	emitMu sync.Mutex
	seq    uint64
	sink   EventSink

	tasksStarted  atomic.Uint64
	tasksFailed   atomic.Uint64
	collisions    atomic.Uint64
	resets        atomic.Uint64
	droppedRearms atomic.Uint64
	sinkErrors    atomic.Uint64
}

type Option func(*Stage)

func WithLogger(l *zap.Logger) Option {
	return func(s *Stage) {
		if l != nil {
			s.log = l
		}
	}
}

func WithEventSink(sink EventSink) Option {
	return func(s *Stage) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithRand fixes the spawn position source.
func WithRand(r *rand.Rand) Option {
	return func(s *Stage) {
		if r != nil {
			s.rng = r
		}
	}
}

// New returns a stage holding one Cat at the origin, selected.
func New(tune tuning.Tuning, opts ...Option) *Stage {
	s := &Stage{
		tune:  tune,
		log:   zap.NewNop(),
		store: sprites.NewStore(),
		coll:  collision.NewCoordinator(tune.Collision.Radius),
		tasks: map[string]*task{},
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		sink:  nopSink{},
	}
	for _, o := range opts {
		o(s)
	}
	queue := tune.MaxQueue
	if queue <= 0 {
		queue = 64
	}
	s.runs = make(chan runRequest, queue)
	s.flash = collision.NewFlash(s.store.Touch)
	s.interp = interp.New(s.store, tune, interp.WithLogger(s.log), interp.WithMoveHook(s.onMove))
	s.runScript = s.interp.Run

	first := s.store.Add(sprites.KindCat, sprites.Vec2{})
	s.selected = first.ID
	return s
}

// Run serves re-arm requests until ctx is done, then stops play. Collision
// swaps only resume execution while Run is active.
func (s *Stage) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return ctx.Err()
		case req := <-s.runs:
			s.handleRun(req)
		}
	}
}

func (s *Stage) requestRun(req runRequest) {
	select {
	case s.runs <- req:
	default:
		s.droppedRearms.Add(1)
		s.log.Warn("run queue full, dropping re-arm", zap.Uint64("session", req.session), zap.Strings("sprite_ids", req.ids))
	}
}

func (s *Stage) handleRun(req runRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.playing || s.session != req.session {
		s.log.Debug("stale re-arm dropped", zap.Uint64("session", req.session), zap.Uint64("current", s.session))
		return
	}
	for _, id := range req.ids {
		s.startTaskLocked(id)
	}
}

func (s *Stage) emit(e Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.seq++
	e.Seq = s.seq
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if err := s.sink.WriteEvent(e); err != nil {
		s.sinkErrors.Add(1)
		s.log.Warn("event sink", zap.Error(err), zap.String("kind", string(e.Kind)))
	}
}

func (s *Stage) spawnLocked() sprites.Vec2 {
	h := s.tune.SpawnHalfExtent
	return sprites.Vec2{
		X: float64(s.rng.Intn(2*h) - h),
		Y: float64(s.rng.Intn(2*h) - h),
	}
}

// View is the read model consumed by the UI.
type View struct {
	Version   uint64           `json:"version"`
	Playing   bool             `json:"playing"`
	Collision bool             `json:"collision"`
	Selected  string           `json:"selected_sprite_id,omitempty"`
	Session   uint64           `json:"session"`
	Sprites   []sprites.Sprite `json:"sprites"`
}

func (s *Stage) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{
		Version:   s.store.Version(),
		Playing:   s.playing,
		Collision: s.flash.On(),
		Selected:  s.selected,
		Session:   s.session,
		Sprites:   s.store.List(),
	}
}

// Version changes whenever anything in View may have changed.
func (s *Stage) Version() uint64 { return s.store.Version() }

type Metrics struct {
	Sprites       int    `json:"sprites"`
	Playing       bool   `json:"playing"`
	Session       uint64 `json:"session"`
	RunningTasks  int    `json:"running_tasks"`
	ConsumedPairs int    `json:"consumed_pairs"`
	TasksStarted  uint64 `json:"tasks_started"`
	TasksFailed   uint64 `json:"tasks_failed"`
	Collisions    uint64 `json:"collisions"`
	Resets        uint64 `json:"resets"`
	DroppedRearms uint64 `json:"dropped_rearms"`
	SinkErrors    uint64 `json:"sink_errors"`
}

func (s *Stage) Metrics() Metrics {
	s.mu.Lock()
	running := len(s.tasks)
	playing, session := s.playing, s.session
	s.mu.Unlock()
	return Metrics{
		Sprites:       s.store.Len(),
		Playing:       playing,
		Session:       session,
		RunningTasks:  running,
		ConsumedPairs: len(s.coll.ConsumedKeys()),
		TasksStarted:  s.tasksStarted.Load(),
		TasksFailed:   s.tasksFailed.Load(),
		Collisions:    s.collisions.Load(),
		Resets:        s.resets.Load(),
		DroppedRearms: s.droppedRearms.Load(),
		SinkErrors:    s.sinkErrors.Load(),
	}
}
