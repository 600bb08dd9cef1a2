package domain_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/skipper-release/skipper/internal/domain"
)

// scriptedActions returns fixed follow-up events and counts invocations.
type scriptedActions struct {
	deploy, health, commit, rollback domain.UpgradeEvent
	err                              error
	calls                            []string
}

func (s *scriptedActions) DeployTarget() (domain.UpgradeEvent, error) {
	s.calls = append(s.calls, "deploy")
	return s.deploy, s.err
}

func (s *scriptedActions) CheckHealth() (domain.UpgradeEvent, error) {
	s.calls = append(s.calls, "health")
	return s.health, nil
}

func (s *scriptedActions) Commit() (domain.UpgradeEvent, error) {
	s.calls = append(s.calls, "commit")
	return s.commit, nil
}

func (s *scriptedActions) Rollback() (domain.UpgradeEvent, error) {
	s.calls = append(s.calls, "rollback")
	return s.rollback, nil
}

func TestUpgradeMachine_HappyPath(t *testing.T) {
	a := &scriptedActions{
		deploy:   domain.EventTargetDeployed,
		health:   domain.EventAccept,
		commit:   domain.EventCommitted,
		rollback: domain.EventRolledBack,
	}
	m := domain.NewUpgradeMachine(a)

	if err := m.Fire(domain.EventStart); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if m.State() != domain.UpgradeDeployed {
		t.Fatalf("State = %s, want %s", m.State(), domain.UpgradeDeployed)
	}
	want := []domain.UpgradeState{
		domain.UpgradePlanned, domain.UpgradeDeployingTarget, domain.UpgradeHealthCheck,
		domain.UpgradeCommitting, domain.UpgradeDeployed,
	}
	if !reflect.DeepEqual(m.History(), want) {
		t.Errorf("History = %v, want %v", m.History(), want)
	}
	if !reflect.DeepEqual(a.calls, []string{"deploy", "health", "commit"}) {
		t.Errorf("actions = %v", a.calls)
	}
}

func TestUpgradeMachine_RejectedGateRollsBack(t *testing.T) {
	a := &scriptedActions{
		deploy:   domain.EventTargetDeployed,
		health:   domain.EventReject,
		rollback: domain.EventRolledBack,
	}
	m := domain.NewUpgradeMachine(a)

	if err := m.Fire(domain.EventStart); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if m.State() != domain.UpgradeFailed {
		t.Fatalf("State = %s, want %s", m.State(), domain.UpgradeFailed)
	}
	for _, c := range a.calls {
		if c == "commit" {
			t.Fatal("commit ran after a rejected gate")
		}
	}
}

func TestUpgradeMachine_CancelWhileDeploying(t *testing.T) {
	a := &scriptedActions{deploy: domain.EventCancel, rollback: domain.EventRolledBack}
	m := domain.NewUpgradeMachine(a)

	if err := m.Fire(domain.EventStart); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	want := []domain.UpgradeState{
		domain.UpgradePlanned, domain.UpgradeDeployingTarget, domain.UpgradeRollingBack, domain.UpgradeFailed,
	}
	if !reflect.DeepEqual(m.History(), want) {
		t.Errorf("History = %v, want %v", m.History(), want)
	}
}

func TestUpgradeMachine_StopsWhenActionReturnsNoEvent(t *testing.T) {
	a := &scriptedActions{deploy: domain.EventTargetDeployed}
	m := domain.NewUpgradeMachine(a)

	if err := m.Fire(domain.EventStart); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if m.State() != domain.UpgradeHealthCheck {
		t.Fatalf("State = %s, want %s", m.State(), domain.UpgradeHealthCheck)
	}

	a.commit = domain.EventCommitted
	if err := m.Fire(domain.EventAccept); err != nil {
		t.Fatalf("Fire accept: %v", err)
	}
	if m.State() != domain.UpgradeDeployed {
		t.Fatalf("State = %s, want %s", m.State(), domain.UpgradeDeployed)
	}
}

func TestUpgradeMachine_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name   string
		events []domain.UpgradeEvent
	}{
		{"AcceptBeforeStart", []domain.UpgradeEvent{domain.EventAccept}},
		{"CommitFromDeploying", []domain.UpgradeEvent{domain.EventStart, domain.EventCommitted}},
		{"AcceptFromDeploying", []domain.UpgradeEvent{domain.EventStart, domain.EventAccept}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := domain.NewUpgradeMachine(&scriptedActions{})
			var err error
			for _, e := range tt.events {
				if err = m.Fire(e); err != nil {
					break
				}
			}
			if !errors.Is(err, domain.ErrInvalidTransition) {
				t.Fatalf("got %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestUpgradeMachine_TerminalStatesAcceptNoEvents(t *testing.T) {
	a := &scriptedActions{deploy: domain.EventReject, rollback: domain.EventRolledBack}
	m := domain.NewUpgradeMachine(a)
	_ = m.Fire(domain.EventStart)
	if !m.State().Terminal() {
		t.Fatalf("State = %s, want terminal", m.State())
	}
	if err := m.Fire(domain.EventRolledBack); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("Fire on terminal state: got %v, want ErrInvalidTransition", err)
	}
}

func TestUpgradeMachine_ActionErrorKeepsState(t *testing.T) {
	boom := errors.New("boom")
	a := &scriptedActions{err: boom}
	m := domain.NewUpgradeMachine(a)

	err := m.Fire(domain.EventStart)
	if !errors.Is(err, boom) {
		t.Fatalf("Fire: got %v, want boom", err)
	}
	if m.State() != domain.UpgradeDeployingTarget {
		t.Fatalf("State = %s, want %s", m.State(), domain.UpgradeDeployingTarget)
	}
}

func TestUpgradeMachine_OnTransition(t *testing.T) {
	a := &scriptedActions{deploy: domain.EventTargetDeployed, health: domain.EventAccept, commit: domain.EventCommitted}
	m := domain.NewUpgradeMachine(a)
	var events []domain.UpgradeEvent
	m.OnTransition = func(_, _ domain.UpgradeState, e domain.UpgradeEvent) { events = append(events, e) }

	_ = m.Fire(domain.EventStart)
	want := []domain.UpgradeEvent{domain.EventStart, domain.EventTargetDeployed, domain.EventAccept, domain.EventCommitted}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %v, want %v", events, want)
	}
}
