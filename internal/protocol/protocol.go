package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeCmd     = "CMD"
	TypeAck     = "ACK"
	TypeState   = "STATE"
)

// CMD operations.
const (
	OpPlayToggle   = "PLAY_TOGGLE"
	OpReset        = "RESET"
	OpAddSprite    = "ADD_SPRITE"
	OpDeleteSprite = "DELETE_SPRITE"
	OpSelectSprite = "SELECT_SPRITE"
	OpAddBlock     = "ADD_BLOCK"
	OpDeleteBlock  = "DELETE_BLOCK"
	OpEditBlock    = "EDIT_BLOCK"
	OpMoveBlock    = "MOVE_BLOCK"
	OpClearScripts = "CLEAR_SCRIPTS"
	OpSetPosition  = "SET_POSITION"
)

var knownOps = map[string]struct{}{
	OpPlayToggle:   {},
	OpReset:        {},
	OpAddSprite:    {},
	OpDeleteSprite: {},
	OpSelectSprite: {},
	OpAddBlock:     {},
	OpDeleteBlock:  {},
	OpEditBlock:    {},
	OpMoveBlock:    {},
	OpClearScripts: {},
	OpSetPosition:  {},
}

func IsKnownOp(op string) bool {
	_, ok := knownOps[op]
	return ok
}

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
