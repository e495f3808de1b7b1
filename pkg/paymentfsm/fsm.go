// Package paymentfsm is the Payment Session state machine (§3/§4.9),
// adapted from the escrow approval/execution lifecycle's transition-table
// idiom.
package paymentfsm

import (
	"errors"
	"time"

	"rpcgate/pkg/models"
)

type Event string

const (
	EventSubmit      Event = "SUBMIT"
	EventVerifyOK    Event = "VERIFY_OK"
	EventVerifyFail  Event = "VERIFY_FAIL"
	EventConfirmOnce Event = "CONFIRM_ONCE"
	EventFinalize    Event = "FINALIZE"
	EventExpire      Event = "EXPIRE"
)

var ErrInvalidTransition = errors.New("paymentfsm: invalid payment transition")

// CanTransition reports whether the diagram in §4.9 permits from -> to.
// failed/expired are reachable from every non-terminal state, not just
// from the state each forward-progression step happens to land on.
func CanTransition(from, to models.PaymentState) bool {
	if to == models.PaymentFailed || to == models.PaymentExpired {
		return !IsTerminal(from)
	}
	switch from {
	case models.PaymentPending:
		return to == models.PaymentSubmitted
	case models.PaymentSubmitted:
		return to == models.PaymentVerified
	case models.PaymentVerified:
		return to == models.PaymentConfirmedOnce
	case models.PaymentConfirmedOnce:
		return to == models.PaymentFinalized
	default:
		return false
	}
}

func Transition(from, to models.PaymentState) (models.PaymentState, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

// Next resolves an event against the current state.
func Next(from models.PaymentState, event Event) (models.PaymentState, error) {
	switch event {
	case EventSubmit:
		return Transition(from, models.PaymentSubmitted)
	case EventVerifyOK:
		return Transition(from, models.PaymentVerified)
	case EventVerifyFail:
		return Transition(from, models.PaymentFailed)
	case EventConfirmOnce:
		return Transition(from, models.PaymentConfirmedOnce)
	case EventFinalize:
		return Transition(from, models.PaymentFinalized)
	case EventExpire:
		return Transition(from, models.PaymentExpired)
	default:
		return from, ErrInvalidTransition
	}
}

// IsTerminal reports whether state has no further transitions.
func IsTerminal(state models.PaymentState) bool {
	switch state {
	case models.PaymentFinalized, models.PaymentExpired, models.PaymentFailed:
		return true
	default:
		return false
	}
}

// IsExpired mirrors escrowfsm's time-boundary helper.
func IsExpired(now, expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.UTC().After(expiresAt.UTC())
}

// ConfirmationTarget computes the confirmation depth required for the next
// transition out of state, or 0 if state has no confirmation-gated
// transition. minConf is the configured minimum; the first transition
// requires max(1, minConf) and the final one max(2, minConf) per the diagram.
func ConfirmationTarget(state models.PaymentState, minConf int) int {
	switch state {
	case models.PaymentVerified:
		if minConf < 1 {
			return 1
		}
		return minConf
	case models.PaymentConfirmedOnce:
		if minConf > 2 {
			return minConf
		}
		return 2
	default:
		return 0
	}
}
