// Package sprites is the authoritative sprite collection. Every mutation is
// computed against the latest state under one lock and addressed by sprite id,
// so concurrent interpreter tasks never lose each other's updates.
package sprites

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"blockstage.ai/internal/sim/blocks"
)

var (
	ErrNotFound       = errors.New("sprite not found")
	ErrLastSprite     = errors.New("cannot delete the last sprite")
	ErrIndex          = errors.New("script index out of range")
	ErrDuplicateBlock = errors.New("block id already in script")
	ErrBlockNotFound  = errors.New("block not found")
	ErrStaleLease     = errors.New("run lease revoked")
	ErrInvalidProject = errors.New("invalid project")
)

type Store struct {
	mu      sync.RWMutex
	sprites []*Sprite

	nextNum     uint64
	speechToken uint64

	version atomic.Uint64
}

func NewStore() *Store {
	return &Store{}
}

// Version increases on every mutation; readers use it to skip unchanged
// snapshots.
func (s *Store) Version() uint64 { return s.version.Load() }

// Touch bumps the version for changes held outside the store.
func (s *Store) Touch() { s.version.Add(1) }

func (s *Store) findLocked(id string) *Sprite {
	for _, sp := range s.sprites {
		if sp.ID == id {
			return sp
		}
	}
	return nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sprites)
}

// Add creates a sprite with empty scripts. Ids are S1, S2, ... and are never
// reused.
func (s *Store) Add(kind Kind, pos Vec2) Sprite {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextNum++
	sp := &Sprite{
		ID:      fmt.Sprintf("S%d", s.nextNum),
		Name:    kind.DisplayName(),
		Kind:    kind,
		Pos:     pos,
		Scripts: []blocks.Block{},
	}
	s.sprites = append(s.sprites, sp)
	s.version.Add(1)
	return sp.clone()
}

// Delete removes a sprite unless it is the last one.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := -1
	for i, sp := range s.sprites {
		if sp.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if len(s.sprites) <= 1 {
		return ErrLastSprite
	}
	s.sprites = append(s.sprites[:idx], s.sprites[idx+1:]...)
	s.version.Add(1)
	return nil
}

func (s *Store) Get(id string) (Sprite, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp := s.findLocked(id)
	if sp == nil {
		return Sprite{}, false
	}
	return sp.clone(), true
}

// List returns deep copies in creation order.
func (s *Store) List() []Sprite {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Sprite, 0, len(s.sprites))
	for _, sp := range s.sprites {
		out = append(out, sp.clone())
	}
	return out
}

func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sprites))
	for _, sp := range s.sprites {
		out = append(out, sp.ID)
	}
	return out
}

// Update applies fn to the latest state of one sprite. fn must not retain the
// pointer.
func (s *Store) Update(id string, fn func(sp *Sprite)) (Sprite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp := s.findLocked(id)
	if sp == nil {
		return Sprite{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	fn(sp)
	s.version.Add(1)
	return sp.clone(), nil
}

// UpdateLeased is Update guarded by a run lease: it only applies while the
// sprite's lease still equals lease.
func (s *Store) UpdateLeased(id string, lease uint64, fn func(sp *Sprite)) (Sprite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp := s.findLocked(id)
	if sp == nil {
		return Sprite{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if sp.lease != lease {
		return sp.clone(), ErrStaleLease
	}
	fn(sp)
	s.version.Add(1)
	return sp.clone(), nil
}

// Arm starts a new run for a sprite: it revokes any older lease, marks the
// sprite executing and returns the new lease plus the script to execute.
func (s *Store) Arm(id string) (lease uint64, script []blocks.Block, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp := s.findLocked(id)
	if sp == nil {
		return 0, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	sp.lease++
	sp.Executing = true
	s.version.Add(1)
	return sp.lease, append([]blocks.Block(nil), sp.Scripts...), nil
}

// Disarm revokes the current lease and clears the executing flag.
func (s *Store) Disarm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sp := s.findLocked(id); sp != nil {
		sp.lease++
		sp.Executing = false
		s.version.Add(1)
	}
}

// Finish clears the executing flag if lease is still the sprite's current one.
func (s *Store) Finish(id string, lease uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp := s.findLocked(id)
	if sp == nil || sp.lease != lease {
		return false
	}
	sp.lease++
	sp.Executing = false
	s.version.Add(1)
	return true
}

// Quiesce revokes every lease and clears executing flags and display text.
func (s *Store) Quiesce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sp := range s.sprites {
		sp.lease++
		sp.Executing = false
		sp.Speech = Speech{}
	}
	s.version.Add(1)
}

// ResetAll returns every sprite to a fresh position with rotation 0, empty
// scripts and no display text.
func (s *Store) ResetAll(place func() Vec2) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sp := range s.sprites {
		sp.lease++
		sp.Pos = place()
		sp.Rotation = 0
		sp.Scripts = []blocks.Block{}
		sp.Executing = false
		sp.Speech = Speech{}
	}
	s.version.Add(1)
}

// Speak sets the display text and schedules its removal after d. The removal
// is keyed to this call, so a newer message is never cleared by an older
// timer.
func (s *Store) Speak(id string, mode SpeechMode, text string, d time.Duration) error {
	return s.speak(id, 0, false, mode, text, d)
}

// SpeakLeased is Speak guarded by a run lease.
func (s *Store) SpeakLeased(id string, lease uint64, mode SpeechMode, text string, d time.Duration) error {
	return s.speak(id, lease, true, mode, text, d)
}

func (s *Store) speak(id string, lease uint64, leased bool, mode SpeechMode, text string, d time.Duration) error {
	s.mu.Lock()
	sp := s.findLocked(id)
	if sp == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if leased && sp.lease != lease {
		s.mu.Unlock()
		return ErrStaleLease
	}
	token := s.setSpeechLocked(sp, mode, text, d)
	s.mu.Unlock()

	if d <= 0 {
		s.clearSpeech(id, token)
		return nil
	}
	time.AfterFunc(d, func() { s.clearSpeech(id, token) })
	return nil
}

func (s *Store) setSpeechLocked(sp *Sprite, mode SpeechMode, text string, d time.Duration) uint64 {
	s.speechToken++
	sp.Speech = Speech{Mode: mode, Text: text, UntilMs: time.Now().Add(d).UnixMilli(), token: s.speechToken}
	s.version.Add(1)
	return s.speechToken
}

func (s *Store) clearSpeech(id string, token uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp := s.findLocked(id)
	if sp == nil || sp.Speech.token != token {
		return
	}
	sp.Speech = Speech{}
	s.version.Add(1)
}

// SwapScripts exchanges two sprites' script lists in one step.
func (s *Store) SwapScripts(a, b string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sa, sb := s.findLocked(a), s.findLocked(b)
	if sa == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, a)
	}
	if sb == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, b)
	}
	sa.Scripts, sb.Scripts = sb.Scripts, sa.Scripts
	s.version.Add(1)
	return nil
}

// InsertBlock inserts at index; index == -1 or len(scripts) appends.
func (s *Store) InsertBlock(id string, index int, b blocks.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp := s.findLocked(id)
	if sp == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := insertLocked(sp, index, b); err != nil {
		return err
	}
	s.version.Add(1)
	return nil
}

func insertLocked(sp *Sprite, index int, b blocks.Block) error {
	if sp.indexOfBlock(b.ID) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateBlock, b.ID)
	}
	if index == -1 {
		index = len(sp.Scripts)
	}
	if index < 0 || index > len(sp.Scripts) {
		return fmt.Errorf("%w: %d (len %d)", ErrIndex, index, len(sp.Scripts))
	}
	scripts := make([]blocks.Block, 0, len(sp.Scripts)+1)
	scripts = append(scripts, sp.Scripts[:index]...)
	scripts = append(scripts, b)
	scripts = append(scripts, sp.Scripts[index:]...)
	sp.Scripts = scripts
	return nil
}

func (s *Store) RemoveBlock(id string, index int) (blocks.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp := s.findLocked(id)
	if sp == nil {
		return blocks.Block{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	b, err := removeLocked(sp, index)
	if err != nil {
		return blocks.Block{}, err
	}
	s.version.Add(1)
	return b, nil
}

func removeLocked(sp *Sprite, index int) (blocks.Block, error) {
	if index < 0 || index >= len(sp.Scripts) {
		return blocks.Block{}, fmt.Errorf("%w: %d (len %d)", ErrIndex, index, len(sp.Scripts))
	}
	b := sp.Scripts[index]
	scripts := make([]blocks.Block, 0, len(sp.Scripts)-1)
	scripts = append(scripts, sp.Scripts[:index]...)
	scripts = append(scripts, sp.Scripts[index+1:]...)
	sp.Scripts = scripts
	return b, nil
}

// MoveBlock removes a block and inserts it elsewhere in one step. Crossing
// sprites gives the block a fresh id.
func (s *Store) MoveBlock(srcID string, srcIndex int, dstID string, dstIndex int) (blocks.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, dst := s.findLocked(srcID), s.findLocked(dstID)
	if src == nil {
		return blocks.Block{}, fmt.Errorf("%w: %s", ErrNotFound, srcID)
	}
	if dst == nil {
		return blocks.Block{}, fmt.Errorf("%w: %s", ErrNotFound, dstID)
	}
	if srcIndex < 0 || srcIndex >= len(src.Scripts) {
		return blocks.Block{}, fmt.Errorf("%w: %d (len %d)", ErrIndex, srcIndex, len(src.Scripts))
	}
	limit := len(dst.Scripts)
	if src == dst {
		limit--
	}
	if dstIndex < -1 || dstIndex > limit {
		return blocks.Block{}, fmt.Errorf("%w: %d (len %d)", ErrIndex, dstIndex, limit)
	}

	b, _ := removeLocked(src, srcIndex)
	if src != dst {
		b = b.Clone()
	}
	if err := insertLocked(dst, dstIndex, b); err != nil {
		// Unreachable with the bounds checked above; restore the source anyway.
		_ = insertLocked(src, srcIndex, b)
		return blocks.Block{}, err
	}
	s.version.Add(1)
	return b, nil
}

// UpdateBlock edits one block in place by id.
func (s *Store) UpdateBlock(id, blockID string, fn func(b *blocks.Block) error) (blocks.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp := s.findLocked(id)
	if sp == nil {
		return blocks.Block{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	i := sp.indexOfBlock(blockID)
	if i < 0 {
		return blocks.Block{}, fmt.Errorf("%w: %s", ErrBlockNotFound, blockID)
	}
	b := sp.Scripts[i]
	if err := fn(&b); err != nil {
		return sp.Scripts[i], err
	}
	sp.Scripts[i] = b
	s.version.Add(1)
	return b, nil
}

// Block returns the current version of a block owned by the sprite.
func (s *Store) Block(id, blockID string) (blocks.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp := s.findLocked(id)
	if sp == nil {
		return blocks.Block{}, false
	}
	i := sp.indexOfBlock(blockID)
	if i < 0 {
		return blocks.Block{}, false
	}
	return sp.Scripts[i], true
}

func (s *Store) Scripts(id string) ([]blocks.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp := s.findLocked(id)
	if sp == nil {
		return nil, false
	}
	return append([]blocks.Block(nil), sp.Scripts...), true
}

func (s *Store) ClearScripts(id string) error {
	_, err := s.Update(id, func(sp *Sprite) { sp.Scripts = []blocks.Block{} })
	return err
}

// Export returns deep copies of every sprite and the next id counter, enough
// to rebuild the store without ever reusing an id.
func (s *Store) Export() ([]Sprite, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Sprite, 0, len(s.sprites))
	for _, sp := range s.sprites {
		c := sp.clone()
		c.Executing = false
		c.Speech = Speech{}
		out = append(out, c)
	}
	return out, s.nextNum
}

// Restore replaces the whole collection. Transient fields are dropped and
// every lease is bumped past any the store handed out before.
func (s *Store) Restore(list []Sprite, nextNum uint64) error {
	if len(list) == 0 {
		return fmt.Errorf("%w: no sprites", ErrInvalidProject)
	}
	seen := make(map[string]struct{}, len(list))
	restored := make([]*Sprite, 0, len(list))
	for _, in := range list {
		if in.ID == "" {
			return fmt.Errorf("%w: empty sprite id", ErrInvalidProject)
		}
		if _, dup := seen[in.ID]; dup {
			return fmt.Errorf("%w: duplicate sprite id %s", ErrInvalidProject, in.ID)
		}
		seen[in.ID] = struct{}{}
		kind, ok := ParseKind(string(in.Kind))
		if !ok {
			return fmt.Errorf("%w: sprite %s kind %q", ErrInvalidProject, in.ID, in.Kind)
		}
		blockIDs := make(map[string]struct{}, len(in.Scripts))
		for _, b := range in.Scripts {
			if err := b.Validate(); err != nil {
				return fmt.Errorf("%w: sprite %s: %v", ErrInvalidProject, in.ID, err)
			}
			if _, dup := blockIDs[b.ID]; dup {
				return fmt.Errorf("%w: sprite %s: %v %s", ErrInvalidProject, in.ID, ErrDuplicateBlock, b.ID)
			}
			blockIDs[b.ID] = struct{}{}
		}
		if n, err := strconv.ParseUint(strings.TrimPrefix(in.ID, "S"), 10, 64); err == nil && n > nextNum {
			nextNum = n
		}
		sp := in.clone()
		sp.Kind = kind
		sp.Executing = false
		sp.Speech = Speech{}
		if sp.Name == "" {
			sp.Name = sp.Kind.DisplayName()
		}
		restored = append(restored, &sp)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var lease uint64
	for _, sp := range s.sprites {
		if sp.lease > lease {
			lease = sp.lease
		}
	}
	for _, sp := range restored {
		sp.lease = lease + 1
	}
	s.sprites = restored
	if nextNum > s.nextNum {
		s.nextNum = nextNum
	}
	s.version.Add(1)
	return nil
}
