package escrowfsm

import (
	"context"
	"errors"
	"testing"
)

func TestExecuteTwoPhase(t *testing.T) {
	called := []string{}
	tp := TwoPhase{
		Prepare: func(ctx context.Context) error {
			called = append(called, "prepare")
			return nil
		},
		Commit: func(ctx context.Context) error {
			called = append(called, "commit")
			return nil
		},
		Rollback: func(ctx context.Context) error {
			called = append(called, "rollback")
			return nil
		},
	}
	if err := ExecuteTwoPhase(context.Background(), tp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(called) != 2 || called[0] != "prepare" || called[1] != "commit" {
		t.Fatalf("unexpected call order: %v", called)
	}

	called = []string{}
	tp.Commit = func(ctx context.Context) error {
		called = append(called, "commit")
		return errors.New("fail")
	}
	if err := ExecuteTwoPhase(context.Background(), tp); err == nil {
		t.Fatalf("expected error")
	}
	if len(called) != 3 || called[0] != "prepare" || called[1] != "commit" || called[2] != "rollback" {
		t.Fatalf("unexpected call order on failure: %v", called)
	}
}

func TestExecuteTwoPhaseRequiresCommit(t *testing.T) {
	if err := ExecuteTwoPhase(context.Background(), TwoPhase{}); err == nil {
		t.Fatal("expected commit missing error")
	}
}

func TestExecuteTwoPhaseSkipsPrepareWhenNil(t *testing.T) {
	committed := false
	err := ExecuteTwoPhase(context.Background(), TwoPhase{
		Commit: func(context.Context) error {
			committed = true
			return nil
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !committed {
		t.Fatal("expected commit to run")
	}
}

func TestExecuteTwoPhaseToleratesNilRollback(t *testing.T) {
	err := ExecuteTwoPhase(context.Background(), TwoPhase{
		Commit: func(context.Context) error { return errors.New("boom") },
	})
	if err == nil {
		t.Fatal("expected commit error to propagate")
	}
}
