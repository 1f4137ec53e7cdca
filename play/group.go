package play

import (
	"sync"
)

// Group fans lifecycle calls out to child Playables. Every child is called
// even when an earlier one fails; the result is the AND of the children.
// A partial failure leaves the group in Error.
type Group struct {
	mu       sync.Mutex
	children []Playable
	state    PlayState
}

// NewGroup creates a group over children
func NewGroup(children ...Playable) *Group {
	return &Group{children: append([]Playable(nil), children...)}
}

// Add appends a child. It does not change the child's state.
func (g *Group) Add(p Playable) {
	g.mu.Lock()
	g.children = append(g.children, p)
	g.mu.Unlock()
}

// Children returns a copy of the child list
func (g *Group) Children() []Playable {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Playable(nil), g.children...)
}

func (g *Group) apply(fn func(Playable) bool, target PlayState) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	ok := true
	for _, c := range g.children {
		if !fn(c) {
			ok = false
		}
	}
	if ok {
		g.state = target
	} else {
		g.state = Error
	}
	return ok
}

// Start starts every child
func (g *Group) Start() bool { return g.apply(Playable.Start, Running) }

// Pause pauses every child
func (g *Group) Pause() bool { return g.apply(Playable.Pause, Paused) }

// Resume resumes every child
func (g *Group) Resume() bool { return g.apply(Playable.Resume, Running) }

// Stop stops every child
func (g *Group) Stop() bool { return g.apply(Playable.Stop, Stopped) }

// PlayState returns the state resulting from the last group call
func (g *Group) PlayState() PlayState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}
