package protocol

import "encoding/json"

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	ConnectionID    string         `json:"connection_id"`
	StageParams     StageParams    `json:"stage_params"`
	Palette         []PaletteEntry `json:"palette"`
	SpriteKinds     []string       `json:"sprite_kinds"`
}

type StageParams struct {
	BroadcastHz        int     `json:"broadcast_hz"`
	CollisionRadius    float64 `json:"collision_radius"`
	SpawnHalfExtent    int     `json:"spawn_half_extent"`
	MoveSubsteps       int     `json:"move_substeps"`
	GotoGlideThreshold float64 `json:"goto_glide_threshold"`
}

// PaletteEntry describes one block the client may create.
type PaletteEntry struct {
	Category string     `json:"category"`
	Subtype  string     `json:"subtype"`
	Fields   []string   `json:"fields"`
	Defaults BlockState `json:"defaults"`
}

// CMD (client -> server). Which fields are read depends on Op.
type CmdMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id"`
	Op              string `json:"op"`

	SpriteID       string `json:"sprite_id,omitempty"`
	TargetSpriteID string `json:"target_sprite_id,omitempty"`
	Index          *int   `json:"index,omitempty"`
	TargetIndex    *int   `json:"target_index,omitempty"`

	BlockID string          `json:"block_id,omitempty"`
	Field   string          `json:"field,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Axis    string          `json:"axis,omitempty"`
	Kind    string          `json:"kind,omitempty"`

	Block *BlockSpec `json:"block,omitempty"`
}

// BlockSpec is a block-creation payload; omitted parameters take palette
// defaults.
type BlockSpec struct {
	Category  string   `json:"category"`
	Subtype   string   `json:"subtype"`
	Steps     *float64 `json:"steps,omitempty"`
	Direction *string  `json:"direction,omitempty"`
	Degrees   *float64 `json:"degrees,omitempty"`
	X         *float64 `json:"x,omitempty"`
	Y         *float64 `json:"y,omitempty"`
	Message   *string  `json:"message,omitempty"`
	Duration  *float64 `json:"duration,omitempty"`
	Times     *float64 `json:"times,omitempty"`
}

// ACK (server -> client)
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AckFor          string `json:"ack_for"`
	Accepted        bool   `json:"accepted"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`

	SpriteID string      `json:"sprite_id,omitempty"`
	Block    *BlockState `json:"block,omitempty"`
	Position *Position   `json:"position,omitempty"`
	Playing  *bool       `json:"playing,omitempty"`
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// STATE (server -> client)
type StateMsg struct {
	Type             string        `json:"type"`
	ProtocolVersion  string        `json:"protocol_version"`
	Version          uint64        `json:"version"`
	Playing          bool          `json:"playing"`
	Collision        bool          `json:"collision"`
	SelectedSpriteID string        `json:"selected_sprite_id,omitempty"`
	Session          uint64        `json:"session"`
	Sprites          []SpriteState `json:"sprites"`
}

type SpriteState struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Kind          string       `json:"kind"`
	Pos           Position     `json:"pos"`
	Rotation      float64      `json:"rotation"`
	Executing     bool         `json:"executing"`
	Say           string       `json:"say,omitempty"`
	Think         string       `json:"think,omitempty"`
	SpeechUntilMs int64        `json:"speech_until_ms,omitempty"` // unix millis
	Scripts       []BlockState `json:"scripts"`
}

type BlockState struct {
	ID        string  `json:"id,omitempty"`
	Category  string  `json:"category"`
	Subtype   string  `json:"subtype"`
	Steps     float64 `json:"steps,omitempty"`
	Direction string  `json:"direction,omitempty"`
	Degrees   float64 `json:"degrees,omitempty"`
	X         float64 `json:"x,omitempty"`
	Y         float64 `json:"y,omitempty"`
	Message   string  `json:"message,omitempty"`
	Duration  float64 `json:"duration,omitempty"`
	Times     int     `json:"times,omitempty"`
}

// blockFields lists the parameters each subtype carries. They are always
// written for a known subtype, zero values included.
var blockFields = map[string][]string{
	"move_steps":        {"steps"},
	"turn_degrees":      {"direction", "degrees"},
	"goto_xy":           {"x", "y"},
	"say_for_seconds":   {"message", "duration"},
	"think_for_seconds": {"message", "duration"},
	"repeat":            {"times"},
}

func (b BlockState) MarshalJSON() ([]byte, error) {
	type plain BlockState
	fields, ok := blockFields[b.Subtype]
	if !ok {
		return json.Marshal(plain(b))
	}
	out := map[string]any{"category": b.Category, "subtype": b.Subtype}
	if b.ID != "" {
		out["id"] = b.ID
	}
	for _, f := range fields {
		switch f {
		case "steps":
			out[f] = b.Steps
		case "direction":
			if b.Direction != "" {
				out[f] = b.Direction
			}
		case "degrees":
			out[f] = b.Degrees
		case "x":
			out[f] = b.X
		case "y":
			out[f] = b.Y
		case "message":
			out[f] = b.Message
		case "duration":
			out[f] = b.Duration
		case "times":
			out[f] = b.Times
		}
	}
	return json.Marshal(out)
}
