package stage

import "time"

type EventKind string

const (
	EventPlay          EventKind = "PLAY"
	EventStop          EventKind = "STOP"
	EventReset         EventKind = "RESET"
	EventSpriteAdded   EventKind = "SPRITE_ADDED"
	EventSpriteDeleted EventKind = "SPRITE_DELETED"
	EventTaskStarted   EventKind = "TASK_STARTED"
	EventTaskFinished  EventKind = "TASK_FINISHED"
	EventTaskFailed    EventKind = "TASK_FAILED"
	EventCollision     EventKind = "COLLISION"
)

// Event is one lifecycle change. Seq is strictly increasing for the lifetime
// of a Stage.
type Event struct {
	Seq      uint64    `json:"seq"`
	At       time.Time `json:"at"`
	Session  uint64    `json:"session"`
	Kind     EventKind `json:"kind"`
	SpriteID string    `json:"sprite_id,omitempty"`
	OtherID  string    `json:"other_id,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// EventSink receives every event in Seq order. Implementations must not
// block; the stage logs and ignores their errors.
type EventSink interface {
	WriteEvent(e Event) error
}

type nopSink struct{}

func (nopSink) WriteEvent(Event) error { return nil }
