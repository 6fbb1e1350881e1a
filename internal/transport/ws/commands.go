package ws

import (
	"encoding/json"
	"errors"
	"fmt"

	"blockstage.ai/internal/protocol"
	"blockstage.ai/internal/sim/blocks"
	"blockstage.ai/internal/sim/sprites"
	"blockstage.ai/internal/sim/stage"
)

// Apply executes one command against the stage. Rejected commands leave the
// stage unchanged.
func (s *Server) Apply(cmd protocol.CmdMsg) protocol.AckMsg {
	if cmd.ID == "" {
		return reject("", protocol.ErrBadRequest, "missing id")
	}
	ack := protocol.AckMsg{Type: protocol.TypeAck, ProtocolVersion: protocol.Version, AckFor: cmd.ID, Accepted: true}

	var err error
	switch cmd.Op {
	case protocol.OpPlayToggle:
		playing := s.stage.TogglePlay()
		ack.Playing = &playing

	case protocol.OpReset:
		s.stage.Reset()

	case protocol.OpAddSprite:
		var sp sprites.Sprite
		if sp, err = s.stage.AddSprite(cmd.Kind); err == nil {
			ack.SpriteID = sp.ID
			pos := protocol.Position{X: sp.Pos.X, Y: sp.Pos.Y}
			ack.Position = &pos
		}

	case protocol.OpDeleteSprite:
		err = s.stage.DeleteSprite(cmd.SpriteID)

	case protocol.OpSelectSprite:
		err = s.stage.SelectSprite(cmd.SpriteID)

	case protocol.OpClearScripts:
		err = s.stage.ClearScripts(cmd.SpriteID)

	case protocol.OpAddBlock:
		if cmd.Block == nil {
			return reject(cmd.ID, protocol.ErrBadRequest, "missing block")
		}
		spec := specFromProtocol(*cmd.Block)
		var b blocks.Block
		switch {
		case cmd.SpriteID == "":
			b, err = s.stage.AddBlock(spec)
		default:
			index := -1
			if cmd.Index != nil {
				index = *cmd.Index
			}
			b, err = s.stage.InsertBlock(cmd.SpriteID, index, spec)
		}
		if err == nil {
			bs := BlockState(b)
			ack.Block = &bs
		}

	case protocol.OpDeleteBlock:
		if cmd.Index == nil {
			return reject(cmd.ID, protocol.ErrBadRequest, "missing index")
		}
		_, err = s.stage.DeleteBlock(cmd.SpriteID, *cmd.Index)

	case protocol.OpEditBlock:
		var v any
		if v, err = decodeValue(cmd.Value); err != nil {
			break
		}
		var b blocks.Block
		b, err = s.stage.EditBlock(cmd.SpriteID, cmd.BlockID, cmd.Field, v)
		if b.ID != "" {
			bs := BlockState(b)
			ack.Block = &bs
		}

	case protocol.OpMoveBlock:
		if cmd.Index == nil || cmd.TargetIndex == nil {
			return reject(cmd.ID, protocol.ErrBadRequest, "missing index or target_index")
		}
		var b blocks.Block
		if b, err = s.stage.MoveBlock(cmd.SpriteID, *cmd.Index, cmd.TargetSpriteID, *cmd.TargetIndex); err == nil {
			bs := BlockState(b)
			ack.Block = &bs
		}

	case protocol.OpSetPosition:
		var v any
		if v, err = decodeValue(cmd.Value); err != nil {
			break
		}
		var pos sprites.Vec2
		pos, err = s.stage.SetCoordinate(cmd.SpriteID, cmd.Axis, v)
		if !errors.Is(err, sprites.ErrNotFound) {
			p := protocol.Position{X: pos.X, Y: pos.Y}
			ack.Position = &p
		}

	default:
		return reject(cmd.ID, protocol.ErrBadRequest, fmt.Sprintf("unknown op %q", cmd.Op))
	}

	if err != nil {
		ack.Accepted = false
		ack.Code = codeFor(err)
		ack.Message = err.Error()
	}
	return ack
}

func reject(id, code, msg string) protocol.AckMsg {
	return protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		AckFor:          id,
		Accepted:        false,
		Code:            code,
		Message:         msg,
	}
}

var errBadValue = errors.New("value must be a number or string")

func decodeValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, errBadValue
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errBadValue
	}
	switch v.(type) {
	case float64, string:
		return v, nil
	default:
		return nil, errBadValue
	}
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, sprites.ErrNotFound), errors.Is(err, sprites.ErrBlockNotFound):
		return protocol.ErrNotFound
	case errors.Is(err, sprites.ErrLastSprite), errors.Is(err, sprites.ErrDuplicateBlock):
		return protocol.ErrConflict
	case errors.Is(err, sprites.ErrIndex), errors.Is(err, stage.ErrNoSelection):
		return protocol.ErrInvalidTarget
	case errors.Is(err, errBadValue),
		errors.Is(err, stage.ErrBadCoordinate),
		errors.Is(err, stage.ErrUnknownKind),
		errors.Is(err, blocks.ErrUnknownSubtype),
		errors.Is(err, blocks.ErrCategory),
		errors.Is(err, blocks.ErrUnknownField),
		errors.Is(err, blocks.ErrInvalidValue):
		return protocol.ErrBadRequest
	default:
		return protocol.ErrInternal
	}
}

func specFromProtocol(p protocol.BlockSpec) blocks.Spec {
	return blocks.Spec{
		Category:  blocks.Category(p.Category),
		Subtype:   blocks.Subtype(p.Subtype),
		Steps:     p.Steps,
		Direction: p.Direction,
		Degrees:   p.Degrees,
		X:         p.X,
		Y:         p.Y,
		Message:   p.Message,
		Duration:  p.Duration,
		Times:     p.Times,
	}
}
