package main

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"blockstage.ai/internal/persistence/snapshot"
	"blockstage.ai/internal/sim/stage"
)

// snapshotter saves the stage project whenever its version moved since the
// last save.
type snapshotter struct {
	st      *stage.Stage
	stageID string
	dir     string
	log     *zap.Logger
	now     func() time.Time

	mu          sync.Mutex
	lastVersion uint64
	saved       bool
}

func newSnapshotter(st *stage.Stage, stageID, dir string, logger *zap.Logger) *snapshotter {
	return &snapshotter{st: st, stageID: stageID, dir: dir, log: logger, now: time.Now}
}

// load restores the newest snapshot in dir, if any.
func (s *snapshotter) load(path string) (string, error) {
	if path == "" {
		path = snapshot.Latest(s.dir)
	}
	if path == "" {
		return "", nil
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return path, err
	}
	if snap.Header.StageID != "" && snap.Header.StageID != s.stageID {
		s.log.Warn("snapshot belongs to another stage", zap.String("path", path), zap.String("stage_id", snap.Header.StageID))
	}
	if err := s.st.Restore(snap.Project()); err != nil {
		return path, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastVersion = s.st.Version()
	s.saved = true
	return path, nil
}

// save writes a snapshot unless nothing changed. It reports the file written.
func (s *snapshotter) save() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.st.Version()
	if s.saved && v == s.lastVersion {
		return "", nil
	}
	at := s.now()
	path := snapshot.Path(s.dir, at)
	if err := snapshot.WriteSnapshot(path, snapshot.FromProject(s.stageID, s.st.Project(), at)); err != nil {
		return "", err
	}
	s.lastVersion = v
	s.saved = true
	return path, nil
}

func (s *snapshotter) run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if path, err := s.save(); err != nil {
				s.log.Warn("snapshot save failed", zap.Error(err))
			} else if path != "" {
				s.log.Info("snapshot saved", zap.String("path", path))
			}
		}
	}
}
