package health

import "sync"

// State is a host's health as seen by its tracker.
type State int

const (
	Unknown State = iota
	Healthy
	Unhealthy
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Transition is an edge crossing between two states.
type Transition struct {
	From State
	To   State
}

// Recovered reports whether the transition moved a host to Healthy.
func (t Transition) Recovered() bool {
	return t.To == Healthy
}

// Tracker keeps one host's health state and reports only changes.
// The zero value starts in Unknown and is ready to use.
type Tracker struct {
	mu    sync.Mutex
	state State
}

// NewTracker creates a tracker in the Unknown state.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Observe records an outcome. It returns the transition and true when the
// verdict differs from the stored state; the first outcome always does.
func (t *Tracker) Observe(o Outcome) (Transition, bool) {
	next := Unhealthy
	if o.Healthy() {
		next = Healthy
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if next == t.state {
		return Transition{}, false
	}
	tr := Transition{From: t.state, To: next}
	t.state = next
	return tr, true
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
