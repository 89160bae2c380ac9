package mobileauth

import (
	"github.com/panyam/mobileauth/client"
)

// State is the SDK lifecycle state.
type State int

const (
	StateNotConfigured State = iota
	StateNotInitialized
	StateDidLoad
	StateWillStart
	StateDidStart
	StateWillStop
	StateDidStop
	// StateBeingStopped is entered by EmergencyStop and never left.
	StateBeingStopped
)

func (s State) String() string {
	switch s {
	case StateNotConfigured:
		return "not_configured"
	case StateNotInitialized:
		return "not_initialized"
	case StateDidLoad:
		return "did_load"
	case StateWillStart:
		return "will_start"
	case StateDidStart:
		return "did_start"
	case StateWillStop:
		return "will_stop"
	case StateDidStop:
		return "did_stop"
	case StateBeingStopped:
		return "being_stopped"
	default:
		return "unknown"
	}
}

// CanTransition reports whether the lifecycle may move from one state to
// another. Moves go strictly forward, except that a stopped SDK may start
// again and any state may enter StateBeingStopped.
func CanTransition(from, to State) bool {
	switch {
	case from == StateBeingStopped:
		return false
	case to == StateBeingStopped:
		return true
	case from == StateDidStop && to == StateWillStart:
		return true
	default:
		return to > from && to <= StateDidStop
	}
}

// transition moves to next. The lifecycle event is queued and published by
// unlock, so subscribers may call back into the SDK. Callers hold s.mu.
func (s *SDK) transition(next State) error {
	if !CanTransition(s.state, next) {
		return client.Errorf(client.CodeConfigurationInvalidTransition, "cannot move from %s to %s", s.state, next)
	}
	prev := s.state
	s.state = next
	s.logger.Debug("lifecycle", "from", prev.String(), "to", next.String())
	s.pending = append(s.pending, client.Event{
		Type:  client.EventLifecycle,
		Time:  s.clock.Now(),
		Attrs: map[string]string{"from": prev.String(), "state": next.String()},
	})
	return nil
}

// unlock releases s.mu and publishes the events queued while it was held.
func (s *SDK) unlock() {
	events := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, e := range events {
		s.notifier.Publish(e)
	}
}
