// Package collision finds scripted sprites that come within a fixed radius of
// each other and remembers which pairs already collided during the current
// play session.
package collision

import (
	"sort"
	"sync"
	"time"

	"blockstage.ai/internal/sim/sprites"
)

// Key is the canonical unordered identifier of two sprites.
func Key(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// Pair is one collision found by Check. Mover is the sprite whose position
// change triggered the check.
type Pair struct {
	Mover    string  `json:"mover"`
	Other    string  `json:"other"`
	Distance float64 `json:"distance"`
}

func (p Pair) Key() string { return Key(p.Mover, p.Other) }

type Coordinator struct {
	radius float64

	mu       sync.Mutex
	consumed map[string]struct{}
}

func NewCoordinator(radius float64) *Coordinator {
	return &Coordinator{radius: radius, consumed: map[string]struct{}{}}
}

// Check tests mover against every other scripted sprite and returns the pairs
// that are within the radius and have not collided yet this session. The
// returned pairs are marked consumed before Check returns.
func (c *Coordinator) Check(mover sprites.Sprite, all []sprites.Sprite) []Pair {
	if len(mover.Scripts) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Pair
	for _, o := range all {
		if o.ID == mover.ID || len(o.Scripts) == 0 {
			continue
		}
		d := mover.Pos.Dist(o.Pos)
		if d >= c.radius {
			continue
		}
		k := Key(mover.ID, o.ID)
		if _, done := c.consumed[k]; done {
			continue
		}
		c.consumed[k] = struct{}{}
		out = append(out, Pair{Mover: mover.ID, Other: o.ID, Distance: d})
	}
	return out
}

func (c *Coordinator) Consumed(a, b string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.consumed[Key(a, b)]
	return ok
}

// ConsumedKeys lists the consumed pair keys in sorted order.
func (c *Coordinator) ConsumedKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.consumed))
	for k := range c.consumed {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Reset forgets every consumed pair; called when a session ends, a sprite is
// added or the stage is reset.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.consumed)
}

// Flash is the observational "collision just occurred" flag.
type Flash struct {
	mu       sync.Mutex
	on       bool
	gen      uint64
	onChange func()
}

// NewFlash returns a flag that calls onChange (if set) whenever it flips.
func NewFlash(onChange func()) *Flash {
	return &Flash{onChange: onChange}
}

// Trigger turns the flag on for d. A later Trigger extends the window.
func (f *Flash) Trigger(d time.Duration) {
	f.mu.Lock()
	f.on = true
	f.gen++
	gen := f.gen
	f.mu.Unlock()
	f.changed()

	time.AfterFunc(d, func() {
		f.mu.Lock()
		if f.gen != gen || !f.on {
			f.mu.Unlock()
			return
		}
		f.on = false
		f.mu.Unlock()
		f.changed()
	})
}

func (f *Flash) On() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.on
}

func (f *Flash) Clear() {
	f.mu.Lock()
	was := f.on
	f.on = false
	f.gen++
	f.mu.Unlock()
	if was {
		f.changed()
	}
}

func (f *Flash) changed() {
	if f.onChange != nil {
		f.onChange()
	}
}
