package domain

import "fmt"

// UpgradeState is a state of the red/black upgrade state machine.
type UpgradeState string

const (
	UpgradePlanned         UpgradeState = "PLANNED"
	UpgradeDeployingTarget UpgradeState = "DEPLOYING_TARGET"
	UpgradeHealthCheck     UpgradeState = "HEALTH_CHECK"
	UpgradeCommitting      UpgradeState = "COMMITTING"
	UpgradeRollingBack     UpgradeState = "ROLLING_BACK"
	UpgradeDeployed        UpgradeState = "DEPLOYED"
	UpgradeFailed          UpgradeState = "FAILED"
)

// Terminal reports whether no event can leave the state.
func (s UpgradeState) Terminal() bool {
	return s == UpgradeDeployed || s == UpgradeFailed
}

// UpgradeEvent drives the upgrade state machine.
type UpgradeEvent string

const (
	EventStart          UpgradeEvent = "start"
	EventTargetDeployed UpgradeEvent = "target-deployed"
	EventAccept         UpgradeEvent = "accept"
	EventReject         UpgradeEvent = "reject"
	EventCancel         UpgradeEvent = "cancel"
	EventCommitted      UpgradeEvent = "committed"
	EventRolledBack     UpgradeEvent = "rolled-back"
)

// UpgradeActions are the side effects run on entering a state. Each
// returns the event to fire next, or "" to stop and wait for an
// externally fired event.
type UpgradeActions interface {
	DeployTarget() (UpgradeEvent, error)
	CheckHealth() (UpgradeEvent, error)
	Commit() (UpgradeEvent, error)
	Rollback() (UpgradeEvent, error)
}

type transitionKey struct {
	from  UpgradeState
	event UpgradeEvent
}

type transition struct {
	next   UpgradeState
	action func() (UpgradeEvent, error)
}

// UpgradeMachine is the explicit transition table of a red/black
// upgrade:
//
//	PLANNED --start--> DEPLOYING_TARGET --target-deployed--> HEALTH_CHECK
//	HEALTH_CHECK --accept--> COMMITTING --committed--> DEPLOYED
//	DEPLOYING_TARGET|HEALTH_CHECK --reject|cancel--> ROLLING_BACK --rolled-back--> FAILED
//
// Old deployments are only touched by the COMMITTING action, so nothing
// is undeployed before the gate accepted.
type UpgradeMachine struct {
	state   UpgradeState
	table   map[transitionKey]transition
	history []UpgradeState

	// OnTransition, when set, observes every state change.
	OnTransition func(from, to UpgradeState, event UpgradeEvent)
}

// NewUpgradeMachine returns a machine in state PLANNED whose
// transitions run the given actions.
func NewUpgradeMachine(actions UpgradeActions) *UpgradeMachine {
	return &UpgradeMachine{
		state:   UpgradePlanned,
		history: []UpgradeState{UpgradePlanned},
		table: map[transitionKey]transition{
			{UpgradePlanned, EventStart}:                  {UpgradeDeployingTarget, actions.DeployTarget},
			{UpgradeDeployingTarget, EventTargetDeployed}: {UpgradeHealthCheck, actions.CheckHealth},
			{UpgradeDeployingTarget, EventReject}:         {UpgradeRollingBack, actions.Rollback},
			{UpgradeDeployingTarget, EventCancel}:         {UpgradeRollingBack, actions.Rollback},
			{UpgradeHealthCheck, EventAccept}:             {UpgradeCommitting, actions.Commit},
			{UpgradeHealthCheck, EventReject}:             {UpgradeRollingBack, actions.Rollback},
			{UpgradeHealthCheck, EventCancel}:             {UpgradeRollingBack, actions.Rollback},
			{UpgradeCommitting, EventCommitted}:           {UpgradeDeployed, nil},
			{UpgradeRollingBack, EventRolledBack}:         {UpgradeFailed, nil},
		},
	}
}

// State returns the current state.
func (m *UpgradeMachine) State() UpgradeState { return m.state }

// History returns every state entered so far, starting with PLANNED.
func (m *UpgradeMachine) History() []UpgradeState {
	out := make([]UpgradeState, len(m.history))
	copy(out, m.history)
	return out
}

// Fire applies event, runs the entered state's action and keeps firing
// the events actions return until an action returns "" or a terminal
// state is reached. An action error leaves the machine in the state
// whose action failed.
func (m *UpgradeMachine) Fire(event UpgradeEvent) error {
	for event != "" {
		t, ok := m.table[transitionKey{from: m.state, event: event}]
		if !ok {
			return fmt.Errorf("%w: event %q in state %s", ErrInvalidTransition, event, m.state)
		}
		from := m.state
		m.state = t.next
		m.history = append(m.history, t.next)
		if m.OnTransition != nil {
			m.OnTransition(from, t.next, event)
		}
		if t.action == nil {
			return nil
		}
		next, err := t.action()
		if err != nil {
			return fmt.Errorf("%s: %w", m.state, err)
		}
		event = next
	}
	return nil
}
