package archival

import "fmt"

// State is a step of the archival command
type State string

const (
	StateInitiated           State = "INITIATED"
	StateReadinessChecked    State = "READINESS_CHECKED"
	StateFingerprintVerified State = "FINGERPRINT_VERIFIED"
	StateRenamed             State = "RENAMED"
	StateEncrypted           State = "ENCRYPTED"
	StateMoved               State = "MOVED"
	StateLocalCommitted      State = "LOCAL_COMMITTED"
	StateEnqueued            State = "ENQUEUED"
	StateCompleted           State = "COMPLETED"
	StateFailed              State = "FAILED"
)

var transitions = map[State][]State{
	StateInitiated:           {StateReadinessChecked},
	StateReadinessChecked:    {StateFingerprintVerified},
	StateFingerprintVerified: {StateRenamed},
	StateRenamed:             {StateEncrypted, StateMoved},
	StateEncrypted:           {StateMoved},
	StateMoved:               {StateLocalCommitted},
	StateLocalCommitted:      {StateEnqueued},
	StateEnqueued:            {StateCompleted},
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransitionTo reports whether next directly follows s. Every
// non-terminal state may fail.
func (s State) CanTransitionTo(next State) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	for _, n := range transitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// run tracks the states one command passed through
type run struct {
	state State
	trace []State
}

func newRun() *run {
	return &run{state: StateInitiated, trace: []State{StateInitiated}}
}

func (r *run) advance(next State) error {
	if !r.state.CanTransitionTo(next) {
		return fmt.Errorf("archival: illegal transition %s -> %s", r.state, next)
	}
	r.state = next
	r.trace = append(r.trace, next)
	return nil
}
