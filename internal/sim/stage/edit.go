package stage

import (
	"fmt"
	"strings"

	"blockstage.ai/internal/sim/blocks"
	"blockstage.ai/internal/sim/sprites"
)

// Script edits apply immediately. A running task reads each block's
// parameters when it reaches it, so edits reach runs already in progress.

// AddBlock appends a new block to the selected sprite.
func (s *Stage) AddBlock(spec blocks.Spec) (blocks.Block, error) {
	id := s.Selected()
	if id == "" {
		return blocks.Block{}, ErrNoSelection
	}
	return s.InsertBlock(id, -1, spec)
}

// InsertBlock builds a block from spec and inserts it at index; -1 appends.
func (s *Stage) InsertBlock(spriteID string, index int, spec blocks.Spec) (blocks.Block, error) {
	b, err := spec.Build()
	if err != nil {
		return blocks.Block{}, err
	}
	if err := s.store.InsertBlock(spriteID, index, b); err != nil {
		return blocks.Block{}, err
	}
	return b, nil
}

func (s *Stage) DeleteBlock(spriteID string, index int) (blocks.Block, error) {
	return s.store.RemoveBlock(spriteID, index)
}

// EditBlock sets one parameter; a rejected value leaves the block unchanged
// and the current block is returned with the error.
func (s *Stage) EditBlock(spriteID, blockID, field string, value any) (blocks.Block, error) {
	return s.store.UpdateBlock(spriteID, blockID, func(b *blocks.Block) error {
		return b.Set(field, value)
	})
}

// MoveBlock reorders within a sprite or transfers to another; a transferred
// block gets a new id.
func (s *Stage) MoveBlock(srcID string, srcIndex int, dstID string, dstIndex int) (blocks.Block, error) {
	return s.store.MoveBlock(srcID, srcIndex, dstID, dstIndex)
}

func (s *Stage) ClearScripts(spriteID string) error {
	return s.store.ClearScripts(spriteID)
}

// SetCoordinate writes one axis of a sprite's position from user input. On
// bad input the position is untouched and returned alongside the error so
// the caller can show the last good value.
func (s *Stage) SetCoordinate(spriteID, axis string, raw any) (sprites.Vec2, error) {
	cur, ok := s.store.Get(spriteID)
	if !ok {
		return sprites.Vec2{}, fmt.Errorf("%w: %s", sprites.ErrNotFound, spriteID)
	}
	axis = strings.ToLower(strings.TrimSpace(axis))
	if axis != "x" && axis != "y" {
		return cur.Pos, fmt.Errorf("%w: axis %q", ErrBadCoordinate, axis)
	}
	v, err := blocks.Number(raw)
	if err != nil {
		return cur.Pos, fmt.Errorf("%w: %v", ErrBadCoordinate, err)
	}
	sp, err := s.store.Update(spriteID, func(sp *sprites.Sprite) {
		if axis == "x" {
			sp.Pos.X = v
		} else {
			sp.Pos.Y = v
		}
	})
	if err != nil {
		return sprites.Vec2{}, err
	}
	return sp.Pos, nil
}

// Sprite returns a copy of one sprite.
func (s *Stage) Sprite(id string) (sprites.Sprite, bool) {
	return s.store.Get(id)
}
