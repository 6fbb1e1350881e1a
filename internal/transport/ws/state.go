package ws

import (
	"blockstage.ai/internal/protocol"
	"blockstage.ai/internal/sim/blocks"
	"blockstage.ai/internal/sim/sprites"
	"blockstage.ai/internal/sim/stage"
)

// Welcome describes the stage and block palette to a new client.
func (s *Server) Welcome(connID string) protocol.WelcomeMsg {
	kinds := make([]string, 0, len(sprites.Kinds()))
	for _, k := range sprites.Kinds() {
		kinds = append(kinds, string(k))
	}
	return protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		ConnectionID:    connID,
		StageParams: protocol.StageParams{
			BroadcastHz:        s.tune.BroadcastHz,
			CollisionRadius:    s.tune.Collision.Radius,
			SpawnHalfExtent:    s.tune.SpawnHalfExtent,
			MoveSubsteps:       s.tune.MoveSubsteps,
			GotoGlideThreshold: s.tune.GotoGlideThreshold,
		},
		Palette:     Palette(),
		SpriteKinds: kinds,
	}
}

func Palette() []protocol.PaletteEntry {
	subs := blocks.Subtypes()
	out := make([]protocol.PaletteEntry, 0, len(subs))
	for _, sub := range subs {
		b, err := blocks.Default(sub)
		if err != nil {
			continue
		}
		def := BlockState(b)
		def.ID = ""
		out = append(out, protocol.PaletteEntry{
			Category: string(b.Category),
			Subtype:  string(sub),
			Fields:   blocks.Fields(sub),
			Defaults: def,
		})
	}
	return out
}

func StateFromView(v stage.View) protocol.StateMsg {
	out := protocol.StateMsg{
		Type:             protocol.TypeState,
		ProtocolVersion:  protocol.Version,
		Version:          v.Version,
		Playing:          v.Playing,
		Collision:        v.Collision,
		SelectedSpriteID: v.Selected,
		Session:          v.Session,
		Sprites:          make([]protocol.SpriteState, 0, len(v.Sprites)),
	}
	for _, sp := range v.Sprites {
		st := protocol.SpriteState{
			ID:        sp.ID,
			Name:      sp.Name,
			Kind:      string(sp.Kind),
			Pos:       protocol.Position{X: sp.Pos.X, Y: sp.Pos.Y},
			Rotation:  sp.Rotation,
			Executing: sp.Executing,
			Scripts:   make([]protocol.BlockState, 0, len(sp.Scripts)),
		}
		switch sp.Speech.Mode {
		case sprites.SpeechSay:
			st.Say = sp.Speech.Text
		case sprites.SpeechThink:
			st.Think = sp.Speech.Text
		}
		if !sp.Speech.Empty() {
			st.SpeechUntilMs = sp.Speech.UntilMs
		}
		for _, b := range sp.Scripts {
			st.Scripts = append(st.Scripts, BlockState(b))
		}
		out.Sprites = append(out.Sprites, st)
	}
	return out
}

func BlockState(b blocks.Block) protocol.BlockState {
	return protocol.BlockState{
		ID:        b.ID,
		Category:  string(b.Category),
		Subtype:   string(b.Subtype),
		Steps:     b.Steps,
		Direction: string(b.Direction),
		Degrees:   b.Degrees,
		X:         b.X,
		Y:         b.Y,
		Message:   b.Message,
		Duration:  b.Duration,
		Times:     b.Times,
	}
}
