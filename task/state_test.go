package task

import (
	"errors"
	"testing"
)

var allStatuses = []Status{
	StatusPending, StatusAssigned, StatusInProgress,
	StatusCompleted, StatusFailed, StatusCancelled,
}

func TestCanTransition_OnlyAllowedEdges(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusPending, StatusAssigned}:     true,
		{StatusPending, StatusCancelled}:    true,
		{StatusAssigned, StatusInProgress}:  true,
		{StatusAssigned, StatusCancelled}:   true,
		{StatusInProgress, StatusCompleted}: true,
		{StatusInProgress, StatusFailed}:    true,
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			got := CanTransition(from, to)
			want := allowed[[2]Status{from, to}]
			if got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestCheckTransition_RejectsWithInvalidTransition(t *testing.T) {
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			if CanTransition(from, to) {
				continue
			}
			tk := &Task{ID: "t1", Status: from, AssignedAgentID: "a1"}
			err := CheckTransition(tk, to, "a1")
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s -> %s: err = %v, want ErrInvalidTransition", from, to, err)
			}
		}
	}
}

func TestCheckTransition_RequiresOwningAgent(t *testing.T) {
	tk := &Task{ID: "t1", Status: StatusInProgress, AssignedAgentID: "owner"}

	err := CheckTransition(tk, StatusCompleted, "intruder")
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TransitionError", err)
	}
	if te.From != StatusInProgress || te.To != StatusCompleted {
		t.Errorf("TransitionError = %+v", te)
	}
	if err := CheckTransition(tk, StatusCompleted, "owner"); err != nil {
		t.Errorf("owner completing: %v", err)
	}
}

func TestCheckTransition_CancelNeedsNoOwner(t *testing.T) {
	tk := &Task{ID: "t1", Status: StatusAssigned, AssignedAgentID: "owner"}
	if err := CheckTransition(tk, StatusCancelled, ""); err != nil {
		t.Errorf("cancel assigned: %v", err)
	}
}

func TestSourcesOf(t *testing.T) {
	got := SourcesOf(StatusCancelled)
	if len(got) != 2 || got[0] != StatusPending || got[1] != StatusAssigned {
		t.Errorf("SourcesOf(cancelled) = %v", got)
	}
	if got := SourcesOf(StatusPending); len(got) != 0 {
		t.Errorf("SourcesOf(pending) = %v, want none", got)
	}
}

func TestValidate(t *testing.T) {
	tk := &Task{Title: "x", ProjectID: "p"}
	if err := tk.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if tk.Type != TypeFeature {
		t.Errorf("Type = %q, want default %q", tk.Type, TypeFeature)
	}

	bad := []*Task{
		{ProjectID: "p"},
		{Title: "x"},
		{Title: "x", ProjectID: "p", Type: "chore"},
		{Title: "x", ProjectID: "p", DependsOn: []string{"a", "a"}},
		{Title: "x", ProjectID: "p", Input: []byte("{")},
	}
	for i, b := range bad {
		if err := b.Validate(); !errors.Is(err, ErrInvalid) {
			t.Errorf("case %d: err = %v, want ErrInvalid", i, err)
		}
	}

	self := &Task{ID: "t1", Title: "x", ProjectID: "p", DependsOn: []string{"t1"}}
	if err := self.Validate(); !errors.Is(err, ErrCycle) {
		t.Errorf("self dependency: err = %v, want ErrCycle", err)
	}
}
