// Package blocks defines script instructions: a fixed set of subtypes grouped
// into motion, looks and control categories, each with its own parameters.
package blocks

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"
)

type Category string

const (
	CategoryMotion  Category = "motion"
	CategoryLooks   Category = "looks"
	CategoryControl Category = "control"
)

type Subtype string

const (
	MoveSteps       Subtype = "move_steps"
	TurnDegrees     Subtype = "turn_degrees"
	GotoXY          Subtype = "goto_xy"
	SayForSeconds   Subtype = "say_for_seconds"
	ThinkForSeconds Subtype = "think_for_seconds"
	Repeat          Subtype = "repeat"
)

type Direction string

const (
	Left  Direction = "left"
	Right Direction = "right"
)

// Parameter field names, as used by edit requests.
const (
	FieldSteps     = "steps"
	FieldDirection = "direction"
	FieldDegrees   = "degrees"
	FieldX         = "x"
	FieldY         = "y"
	FieldMessage   = "message"
	FieldDuration  = "duration"
	FieldTimes     = "times"
)

var (
	ErrUnknownSubtype = errors.New("unknown block subtype")
	ErrCategory       = errors.New("subtype does not belong to category")
	ErrUnknownField   = errors.New("field not defined for subtype")
	ErrInvalidValue   = errors.New("invalid parameter value")
)

var subtypeCategory = map[Subtype]Category{
	MoveSteps:       CategoryMotion,
	TurnDegrees:     CategoryMotion,
	GotoXY:          CategoryMotion,
	SayForSeconds:   CategoryLooks,
	ThinkForSeconds: CategoryLooks,
	Repeat:          CategoryControl,
}

var subtypeFields = map[Subtype][]string{
	MoveSteps:       {FieldSteps},
	TurnDegrees:     {FieldDirection, FieldDegrees},
	GotoXY:          {FieldX, FieldY},
	SayForSeconds:   {FieldMessage, FieldDuration},
	ThinkForSeconds: {FieldMessage, FieldDuration},
	Repeat:          {FieldTimes},
}

// Subtypes lists every subtype in palette order.
func Subtypes() []Subtype {
	return []Subtype{MoveSteps, TurnDegrees, GotoXY, SayForSeconds, ThinkForSeconds, Repeat}
}

func CategoryOf(s Subtype) (Category, bool) {
	c, ok := subtypeCategory[s]
	return c, ok
}

func Fields(s Subtype) []string {
	return append([]string(nil), subtypeFields[s]...)
}

// Block is one script instruction. Category and Subtype are fixed once the
// block exists; parameters may be edited at any time.
type Block struct {
	ID       string   `json:"id"`
	Category Category `json:"category"`
	Subtype  Subtype  `json:"subtype"`

	Steps     float64   `json:"steps,omitempty"`
	Direction Direction `json:"direction,omitempty"`
	Degrees   float64   `json:"degrees,omitempty"`
	X         float64   `json:"x,omitempty"`
	Y         float64   `json:"y,omitempty"`
	Message   string    `json:"message,omitempty"`
	Duration  float64   `json:"duration,omitempty"` // seconds
	Times     int       `json:"times,omitempty"`
}

// NewID returns a fresh, lexically sortable block id.
func NewID() string { return ulid.Make().String() }

// Default returns a block of the given subtype with the palette's default
// parameters and a fresh id.
func Default(s Subtype) (Block, error) {
	cat, ok := subtypeCategory[s]
	if !ok {
		return Block{}, fmt.Errorf("%w: %q", ErrUnknownSubtype, s)
	}
	b := Block{ID: NewID(), Category: cat, Subtype: s}
	switch s {
	case MoveSteps:
		b.Steps = 10
	case TurnDegrees:
		b.Direction = Right
		b.Degrees = 15
	case GotoXY:
	case SayForSeconds:
		b.Message = "Hello!"
		b.Duration = 2
	case ThinkForSeconds:
		b.Message = "Hmm..."
		b.Duration = 2
	case Repeat:
		b.Times = 10
	}
	return b, nil
}

// Spec is a block-creation request. Nil parameters fall back to the palette
// defaults for the subtype.
type Spec struct {
	Category  Category `json:"category"`
	Subtype   Subtype  `json:"subtype"`
	Steps     *float64 `json:"steps,omitempty"`
	Direction *string  `json:"direction,omitempty"`
	Degrees   *float64 `json:"degrees,omitempty"`
	X         *float64 `json:"x,omitempty"`
	Y         *float64 `json:"y,omitempty"`
	Message   *string  `json:"message,omitempty"`
	Duration  *float64 `json:"duration,omitempty"`
	Times     *float64 `json:"times,omitempty"`
}

// Build validates the spec and returns a new block with a fresh id.
func (s Spec) Build() (Block, error) {
	b, err := Default(s.Subtype)
	if err != nil {
		return Block{}, err
	}
	if s.Category != "" && s.Category != b.Category {
		return Block{}, fmt.Errorf("%w: %s is %s, not %s", ErrCategory, s.Subtype, b.Category, s.Category)
	}
	for _, p := range []struct {
		field string
		ok    bool
		v     func() any
	}{
		{FieldSteps, s.Steps != nil, func() any { return *s.Steps }},
		{FieldDirection, s.Direction != nil, func() any { return *s.Direction }},
		{FieldDegrees, s.Degrees != nil, func() any { return *s.Degrees }},
		{FieldX, s.X != nil, func() any { return *s.X }},
		{FieldY, s.Y != nil, func() any { return *s.Y }},
		{FieldMessage, s.Message != nil, func() any { return *s.Message }},
		{FieldDuration, s.Duration != nil, func() any { return *s.Duration }},
		{FieldTimes, s.Times != nil, func() any { return *s.Times }},
	} {
		if !p.ok {
			continue
		}
		if err := b.Set(p.field, p.v()); err != nil {
			return Block{}, err
		}
	}
	return b, nil
}

// Clone returns a copy of b under a fresh id, used when a block changes owner.
func (b Block) Clone() Block {
	b.ID = NewID()
	return b
}

func (b Block) HasField(field string) bool {
	for _, f := range subtypeFields[b.Subtype] {
		if f == field {
			return true
		}
	}
	return false
}

// Set assigns one parameter. Numbers may arrive as float64, int or a numeric
// string; anything non-finite is rejected and b is left untouched.
func (b *Block) Set(field string, v any) error {
	if !b.HasField(field) {
		return fmt.Errorf("%w: %s has no %q", ErrUnknownField, b.Subtype, field)
	}
	switch field {
	case FieldDirection:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: direction must be a string", ErrInvalidValue)
		}
		d := Direction(strings.ToLower(strings.TrimSpace(s)))
		if d != Left && d != Right {
			return fmt.Errorf("%w: direction %q", ErrInvalidValue, s)
		}
		b.Direction = d
		return nil
	case FieldMessage:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: message must be a string", ErrInvalidValue)
		}
		b.Message = s
		return nil
	}

	f, err := Number(v)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidValue, field, err)
	}
	switch field {
	case FieldSteps:
		b.Steps = f
	case FieldDegrees:
		b.Degrees = f
	case FieldX:
		b.X = f
	case FieldY:
		b.Y = f
	case FieldDuration:
		b.Duration = f
	case FieldTimes:
		if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
			return fmt.Errorf("%w: times must be an integer (got %v)", ErrInvalidValue, f)
		}
		b.Times = int(f)
	}
	return nil
}

// Validate checks the shape of a block received from outside the engine.
func (b Block) Validate() error {
	cat, ok := subtypeCategory[b.Subtype]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSubtype, b.Subtype)
	}
	if b.Category != cat {
		return fmt.Errorf("%w: %s is %s, not %s", ErrCategory, b.Subtype, cat, b.Category)
	}
	if b.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidValue)
	}
	for _, f := range []float64{b.Steps, b.Degrees, b.X, b.Y, b.Duration} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite parameter", ErrInvalidValue)
		}
	}
	if b.Subtype == TurnDegrees && b.Direction != Left && b.Direction != Right {
		return fmt.Errorf("%w: direction %q", ErrInvalidValue, b.Direction)
	}
	return nil
}

// Number converts a decoded JSON value (or user-typed text) to a finite float.
func Number(v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case string:
		p, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", n)
		}
		f = p
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not finite: %v", f)
	}
	return f, nil
}
