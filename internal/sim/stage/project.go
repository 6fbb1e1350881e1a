package stage

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"blockstage.ai/internal/sim/sprites"
)

var ErrPlaying = errors.New("stage is playing")

// Project is the saveable part of a stage: sprites with their scripts and
// positions, the selection and the id counter.
type Project struct {
	Selected string
	NextID   uint64
	Sprites  []sprites.Sprite
}

func (s *Stage) Project() Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, next := s.store.Export()
	return Project{Selected: s.selected, NextID: next, Sprites: list}
}

// Restore replaces every sprite with the project's. It is refused while
// playing.
func (s *Stage) Restore(p Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playing {
		return ErrPlaying
	}
	if err := s.store.Restore(p.Sprites, p.NextID); err != nil {
		return err
	}
	s.stopLocked()
	s.selected = p.Selected
	if _, ok := s.store.Get(s.selected); !ok {
		s.selected = p.Sprites[0].ID
	}
	s.log.Info("project restored", zap.Int("sprites", len(p.Sprites)))
	s.emit(Event{Session: s.session, Kind: EventReset, Detail: fmt.Sprintf("restore %d sprites", len(p.Sprites))})
	return nil
}
