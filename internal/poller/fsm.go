// Package poller watches a pipeline job from the client side until it
// reaches a terminal status.
package poller

import "time"

// State is the lifecycle of a Poller.
type State int

const (
	StateIdle State = iota
	StatePolling
	StateSettled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// Event drives a State change.
type Event int

const (
	EventStart Event = iota
	EventTick
	EventTerminal
	EventStop
)

// transition returns the state after e. Settled is absorbing: a job that has
// been seen terminal is never polled again.
func transition(s State, e Event) State {
	if s == StateSettled {
		return StateSettled
	}
	switch e {
	case EventStart:
		return StatePolling
	case EventTerminal:
		return StateSettled
	case EventStop:
		return StateIdle
	default:
		return s
	}
}

// Interval is the wait before the next poll after pollCount successful polls.
func Interval(pollCount int) time.Duration {
	switch {
	case pollCount < 10:
		return 3 * time.Second
	case pollCount < 30:
		return 5 * time.Second
	default:
		return 10 * time.Second
	}
}
