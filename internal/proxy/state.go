package proxy

import (
	"fmt"

	"github.com/triage-ai/palisade-gateway/internal/tracing"
)

// State is a step of the request state machine.
type State string

const (
	StateReceived       State = "RECEIVED"
	StateInputChecked   State = "INPUT_CHECKED"
	StateRateChecked    State = "RATE_CHECKED"
	StateProviderCalled State = "PROVIDER_CALLED"
	StateOutputChecked  State = "OUTPUT_CHECKED"
	StateCompleted      State = "COMPLETED"

	StateBlockedInput   State = "BLOCKED_INPUT"
	StateRateLimited    State = "RATE_LIMITED"
	StateProviderFailed State = "PROVIDER_FAILED"
	StateBlockedOutput  State = "BLOCKED_OUTPUT"
	StateCancelled      State = "CANCELLED"
)

// Every non-terminal state may also move to CANCELLED.
var transitions = map[State][]State{
	StateReceived:       {StateInputChecked},
	StateInputChecked:   {StateRateChecked, StateBlockedInput},
	StateRateChecked:    {StateProviderCalled, StateRateLimited},
	StateProviderCalled: {StateOutputChecked, StateProviderFailed},
	StateOutputChecked:  {StateCompleted, StateBlockedOutput},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// TraceStatus is the trace status recorded for a terminal state.
func (s State) TraceStatus() tracing.Status {
	switch s {
	case StateCompleted:
		return tracing.StatusOK
	case StateBlockedInput, StateBlockedOutput:
		return tracing.StatusBlocked
	case StateRateLimited:
		return tracing.StatusRateLimited
	case StateCancelled:
		return tracing.StatusCancelled
	case StateProviderFailed:
		return tracing.StatusError
	default:
		return tracing.StatusRunning
	}
}

// machine tracks one request's progress and rejects illegal moves.
type machine struct {
	state   State
	history []State
}

func newMachine() *machine {
	return &machine{state: StateReceived, history: []State{StateReceived}}
}

func (m *machine) advance(to State) error {
	if m.state.Terminal() {
		return fmt.Errorf("proxy: transition %s -> %s from terminal state", m.state, to)
	}
	if to == StateCancelled {
		m.set(to)
		return nil
	}
	for _, next := range transitions[m.state] {
		if next == to {
			m.set(to)
			return nil
		}
	}
	return fmt.Errorf("proxy: illegal transition %s -> %s", m.state, to)
}

func (m *machine) set(s State) {
	m.state = s
	m.history = append(m.history, s)
}
