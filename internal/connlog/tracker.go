// Package connlog implements the one-emission-per-transition logging
// contract shared by the broker and store clients (spec.md §4.2, §4.3): the
// four states connecting/connected/connection_lost/reconnected, with
// "reconnected" fired only when the state sampled immediately before a
// connect attempt was connection_lost — sampled before, not after, which is
// the exact bug spec.md §4.3 calls out and requires the core to avoid.
package connlog

import "go.uber.org/zap"

// State is one of the four states in the connection-state logging
// contract. There is no separate "reconnected" state; it is a transition
// (connectionLost -> connected) rather than a state of its own.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	ConnectionLost
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ConnectionLost:
		return "connection_lost"
	default:
		return "disconnected"
	}
}

// Tracker tracks connection state and logs exactly once per transition. It
// holds no mutex of its own: callers already serialize state changes behind
// their own connection-state lock (the broker/store client's mu), so
// Tracker.Transition must be called with that lock held.
//
// "reconnected" is a transition (connection_lost -> ... -> connected), not
// a single state-to-state edge: Connect always passes through Connecting on
// its way back to Connected, which would otherwise clobber the
// connection_lost history the reconnected check depends on (the exact bug
// spec.md §4.3 warns against — sampling the pre-attempt state after, not
// before, the reconnect attempt). recovering survives the Connecting
// transition so that history isn't lost.
type Tracker struct {
	component  string
	logger     *zap.Logger
	state      State
	recovering bool
}

// New creates a Tracker that prefixes its log lines with component (e.g.
// "broker" or "store").
func New(component string, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{component: component, logger: logger}
}

// Transition moves to newState, logging exactly once for each of:
// connecting, connected, connection_lost, and reconnected (a connected
// reached after an intervening connection_lost). Returns the prior state.
func (t *Tracker) Transition(newState State) State {
	prior := t.state
	t.state = newState

	switch newState {
	case Connecting:
		if prior != Connecting {
			t.logger.Info(t.component + " connecting")
		}
	case Connected:
		if t.recovering {
			t.logger.Info(t.component + " reconnected")
			t.recovering = false
		} else if prior != Connected {
			t.logger.Info(t.component + " connected")
		}
	case ConnectionLost:
		t.recovering = true
		if prior != ConnectionLost {
			t.logger.Warn(t.component + " connection_lost")
		}
	}
	return prior
}
