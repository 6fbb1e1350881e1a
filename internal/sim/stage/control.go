package stage

import (
	"fmt"

	"go.uber.org/zap"

	"blockstage.ai/internal/sim/sprites"
)

// TogglePlay flips between idle and running and reports the new state.
func (s *Stage) TogglePlay() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playing {
		s.stopPlayLocked()
	} else {
		s.startPlayLocked()
	}
	return s.playing
}

// Play starts a new session unless one is already running.
func (s *Stage) Play() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.playing {
		s.startPlayLocked()
	}
}

// Stop ends the running session, if any.
func (s *Stage) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playing {
		s.stopPlayLocked()
	}
}

func (s *Stage) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

func (s *Stage) startPlayLocked() {
	s.playing = true
	s.session++
	s.coll.Reset()
	s.store.Touch()
	s.log.Info("play", zap.Uint64("session", s.session))
	s.emit(Event{Session: s.session, Kind: EventPlay})

	started := 0
	for _, id := range s.store.IDs() {
		if s.startTaskLocked(id) {
			started++
		}
	}
	s.log.Debug("tasks started", zap.Uint64("session", s.session), zap.Int("count", started))
}

func (s *Stage) stopPlayLocked() {
	s.playing = false
	s.stopLocked()
	s.log.Info("stop", zap.Uint64("session", s.session))
	s.emit(Event{Session: s.session, Kind: EventStop})
}

// Reset stops play and returns every sprite to a random spawn point with no
// scripts, rotation 0 and no display text. Sprites are kept.
func (s *Stage) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playing {
		s.stopPlayLocked()
	} else {
		s.stopLocked()
	}
	s.store.ResetAll(s.spawnLocked)
	s.resets.Add(1)
	s.log.Info("reset", zap.Int("sprites", s.store.Len()))
	s.emit(Event{Session: s.session, Kind: EventReset})
}

// AddSprite creates a sprite of the given kind at a random spawn point and
// selects it. The empty kind means cat.
func (s *Stage) AddSprite(kind string) (sprites.Sprite, error) {
	k, ok := sprites.ParseKind(kind)
	if !ok {
		return sprites.Sprite{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sp := s.store.Add(k, s.spawnLocked())
	s.selected = sp.ID
	s.coll.Reset()
	s.emit(Event{Session: s.session, Kind: EventSpriteAdded, SpriteID: sp.ID, Detail: string(k)})
	return sp, nil
}

// DeleteSprite removes a sprite unless it is the last one. Selection falls
// back to the first remaining sprite.
func (s *Stage) DeleteSprite(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Delete(id); err != nil {
		return err
	}
	if t, ok := s.tasks[id]; ok {
		t.cancel()
		delete(s.tasks, id)
	}
	if s.selected == id {
		s.selected = ""
		if ids := s.store.IDs(); len(ids) > 0 {
			s.selected = ids[0]
		}
		s.store.Touch()
	}
	s.emit(Event{Session: s.session, Kind: EventSpriteDeleted, SpriteID: id})
	return nil
}

func (s *Stage) SelectSprite(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.store.Get(id); !ok {
		return fmt.Errorf("%w: %s", sprites.ErrNotFound, id)
	}
	if s.selected != id {
		s.selected = id
		s.store.Touch()
	}
	return nil
}

func (s *Stage) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}
