package escrowfsm

import (
	"context"
	"errors"
)

type TwoPhase struct {
	Prepare  func(ctx context.Context) error
	Commit   func(ctx context.Context) error
	Rollback func(ctx context.Context) error
}

// ExecuteTwoPhase runs prepare/commit with rollback on commit failure.
func ExecuteTwoPhase(ctx context.Context, t TwoPhase) error {
	if t.Prepare != nil {
		if err := t.Prepare(ctx); err != nil {
			return err
		}
	}
	if t.Commit == nil {
		return errors.New("commit missing")
	}
	if err := t.Commit(ctx); err != nil {
		if t.Rollback != nil {
			_ = t.Rollback(ctx)
		}
		return err
	}
	return nil
}
