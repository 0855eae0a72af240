package stream

// State is the lifecycle position of a Connection.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateStreaming
	StateClosed
	StateFailed
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateConnecting: "connecting",
	StateOpen:       "open",
	StateStreaming:  "streaming",
	StateClosed:     "closed",
	StateFailed:     "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

var transitions = map[State][]State{
	StateIdle:       {StateConnecting},
	StateConnecting: {StateOpen, StateClosed, StateFailed},
	StateOpen:       {StateStreaming, StateClosed, StateFailed},
	StateStreaming:  {StateClosed, StateFailed},
}

// CanTransition reports whether to is reachable from s in one step.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}
