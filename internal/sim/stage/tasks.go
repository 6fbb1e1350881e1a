package stage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"blockstage.ai/internal/sim/blocks"
	"blockstage.ai/internal/sim/collision"
	"blockstage.ai/internal/sim/interp"
	"blockstage.ai/internal/sim/sprites"
)

const (
	collisionMoverText = "Collision!"
	collisionOtherText = "Ouch!"
)

// startTaskLocked arms the sprite and runs its current script on a new
// goroutine. Sprites without blocks are left idle.
func (s *Stage) startTaskLocked(id string) bool {
	if old, ok := s.tasks[id]; ok {
		old.cancel()
		delete(s.tasks, id)
	}
	lease, script, err := s.store.Arm(id)
	if err != nil {
		s.log.Debug("arm", zap.String("sprite_id", id), zap.Error(err))
		return false
	}
	if len(script) == 0 {
		s.store.Finish(id, lease)
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{lease: lease, session: s.session, cancel: cancel}
	s.tasks[id] = t
	s.tasksStarted.Add(1)
	s.emit(Event{Session: s.session, Kind: EventTaskStarted, SpriteID: id, Detail: strconv.Itoa(len(script)) + " blocks"})
	go s.runTask(ctx, id, t, script)
	return true
}

func (s *Stage) runTask(ctx context.Context, id string, t *task, script []blocks.Block) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("interpreter task panicked",
				zap.String("sprite_id", id),
				zap.Uint64("session", t.session),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("%w: %v", ErrTaskPanic, r)
		}
		s.finishTask(id, t, err)
	}()
	err = s.runScript(ctx, id, t.lease, script)
}

func (s *Stage) finishTask(id string, t *task, err error) {
	s.mu.Lock()
	if s.tasks[id] == t {
		delete(s.tasks, id)
	}
	s.mu.Unlock()
	t.cancel()

	switch {
	case err == nil:
		if s.store.Finish(id, t.lease) {
			s.emit(Event{Session: t.session, Kind: EventTaskFinished, SpriteID: id})
		}
	case errors.Is(err, interp.ErrStale), errors.Is(err, context.Canceled):
		// Revoked by stop, reset, delete or a collision swap.
	default:
		s.store.Finish(id, t.lease)
		s.tasksFailed.Add(1)
		s.log.Error("interpreter task failed", zap.String("sprite_id", id), zap.Uint64("session", t.session), zap.Error(err))
		s.emit(Event{Session: t.session, Kind: EventTaskFailed, SpriteID: id, Detail: err.Error()})
	}
}

// cancelTaskLocked revokes a sprite's run, if any.
func (s *Stage) cancelTaskLocked(id string) {
	if t, ok := s.tasks[id]; ok {
		t.cancel()
		delete(s.tasks, id)
	}
	s.store.Disarm(id)
}

// stopLocked ends the session's transient state: tasks, executing flags,
// display text, consumed pairs and the collision flag.
func (s *Stage) stopLocked() {
	for id, t := range s.tasks {
		t.cancel()
		delete(s.tasks, id)
	}
	s.store.Quiesce()
	s.coll.Reset()
	s.flash.Clear()
}

// onMove runs after every position written by an interpreter task.
func (s *Stage) onMove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.playing {
		return
	}
	mover, ok := s.store.Get(id)
	if !ok || !mover.Executing {
		return
	}
	for _, p := range s.coll.Check(mover, s.store.List()) {
		s.collideLocked(p)
	}
}

func (s *Stage) collideLocked(p collision.Pair) {
	msg := s.tune.CollisionMessage()
	if err := s.store.SwapScripts(p.Mover, p.Other); err != nil {
		s.log.Warn("collision swap", zap.String("pair", p.Key()), zap.Error(err))
		return
	}
	s.cancelTaskLocked(p.Mover)
	s.cancelTaskLocked(p.Other)
	_ = s.store.Speak(p.Mover, sprites.SpeechSay, collisionMoverText, msg)
	_ = s.store.Speak(p.Other, sprites.SpeechSay, collisionOtherText, msg)
	s.flash.Trigger(s.tune.CollisionFlash())
	s.collisions.Add(1)

	s.log.Info("collision",
		zap.Uint64("session", s.session),
		zap.String("mover", p.Mover),
		zap.String("other", p.Other),
		zap.Float64("distance", p.Distance),
	)
	s.emit(Event{Session: s.session, Kind: EventCollision, SpriteID: p.Mover, OtherID: p.Other, Detail: p.Key()})

	req := runRequest{session: s.session, ids: []string{p.Mover, p.Other}}
	time.AfterFunc(s.tune.CollisionRearm(), func() { s.requestRun(req) })
}
