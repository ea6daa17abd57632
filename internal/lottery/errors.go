package lottery

import (
	"errors"
	"fmt"

	"tokenlottery/internal/models"
)

var (
	ErrInvalidWindow       = errors.New("invalid sale window")
	ErrInvalidPrice        = errors.New("invalid ticket price")
	ErrAlreadyInitialized  = errors.New("lottery already initialized")
	ErrNotConfigured       = errors.New("lottery not configured")
	ErrUnauthorized        = errors.New("caller is not the lottery authority")
	ErrWrongPhase          = errors.New("operation not allowed in current phase")
	ErrSaleClosed          = errors.New("ticket sale closed")
	ErrInsufficientPayment = errors.New("payment below ticket price")
	ErrAlreadyCommitted    = errors.New("randomness already committed")
	ErrUnknownRequest      = errors.New("unknown randomness request")
	ErrStaleRandomness     = errors.New("randomness request is not fresh")
	ErrTooEarly            = errors.New("reveal attempted too early")
	ErrNoTickets           = errors.New("no tickets sold")
	ErrNotWinner           = errors.New("caller does not hold the winning ticket")
	ErrAlreadyClaimed      = errors.New("winnings already claimed")
	ErrOverflow            = errors.New("arithmetic overflow")
	ErrNotFound            = errors.New("lottery not found")
)

// GuardError reports a rejected operation together with the snapshot it was
// evaluated against, so a caller can decide whether retrying later makes sense.
type GuardError struct {
	Op       string
	Err      error
	Phase    models.Phase
	Slot     uint64
	Required string
}

func (e *GuardError) Error() string {
	msg := fmt.Sprintf("%s: %v (phase=%s slot=%d)", e.Op, e.Err, e.Phase, e.Slot)
	if e.Required != "" {
		msg += ": requires " + e.Required
	}
	return msg
}

func (e *GuardError) Unwrap() error {
	return e.Err
}

func (l Lottery) reject(op string, slot uint64, err error, required string, args ...any) error {
	if len(args) > 0 {
		required = fmt.Sprintf(required, args...)
	}
	return &GuardError{
		Op:       op,
		Err:      err,
		Phase:    l.State.Phase,
		Slot:     slot,
		Required: required,
	}
}

var kinds = []struct {
	err  error
	name string
}{
	{ErrInvalidWindow, "invalid_window"},
	{ErrInvalidPrice, "invalid_price"},
	{ErrAlreadyInitialized, "already_initialized"},
	{ErrNotConfigured, "not_configured"},
	{ErrUnauthorized, "unauthorized"},
	{ErrWrongPhase, "wrong_phase"},
	{ErrSaleClosed, "sale_closed"},
	{ErrInsufficientPayment, "insufficient_payment"},
	{ErrAlreadyCommitted, "already_committed"},
	{ErrUnknownRequest, "unknown_request"},
	{ErrStaleRandomness, "stale_randomness"},
	{ErrTooEarly, "too_early"},
	{ErrNoTickets, "no_tickets"},
	{ErrNotWinner, "not_winner"},
	{ErrAlreadyClaimed, "already_claimed"},
	{ErrOverflow, "overflow"},
	{ErrNotFound, "not_found"},
}

// Kind names the lottery error err wraps, or returns "" if it wraps none.
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return ""
}

// Retryable reports whether err is a guard that may pass later without any
// other operation being submitted first.
func Retryable(err error) bool {
	return errors.Is(err, ErrTooEarly)
}
