package cohort

import "fmt"

// RegistrationState the local server's registration state in one cohort
type RegistrationState string

// Registration states
const (
	StateNotRegistered RegistrationState = "not_registered"
	StateRegistering   RegistrationState = "registering"
	StateRegistered    RegistrationState = "registered"
	StateRefreshing    RegistrationState = "refreshing"
	StateUnregistering RegistrationState = "unregistering"
)

// allowedTransitions legal moves out of each state
var allowedTransitions = map[RegistrationState][]RegistrationState{
	StateNotRegistered: {StateRegistering},
	// Registering falls back to NotRegistered when the local registration can't be persisted
	StateRegistering:   {StateRegistered, StateNotRegistered, StateUnregistering},
	StateRegistered:    {StateRefreshing, StateUnregistering},
	StateRefreshing:    {StateRegistered, StateUnregistering},
	StateUnregistering: {StateNotRegistered},
}

// registrationStateMachine tracks the registration state, rejecting illegal moves
type registrationStateMachine struct {
	current RegistrationState
}

func newRegistrationStateMachine() registrationStateMachine {
	return registrationStateMachine{current: StateNotRegistered}
}

// Current the current state
func (m *registrationStateMachine) Current() RegistrationState {
	return m.current
}

// Transition move to the next state
func (m *registrationStateMachine) Transition(next RegistrationState) error {
	for _, allowed := range allowedTransitions[m.current] {
		if allowed == next {
			m.current = next
			return nil
		}
	}
	return fmt.Errorf("illegal registration state transition %s -> %s", m.current, next)
}

// Connected whether the local server takes part in the cohort in this state
func (s RegistrationState) Connected() bool {
	switch s {
	case StateRegistering, StateRegistered, StateRefreshing:
		return true
	default:
		return false
	}
}
