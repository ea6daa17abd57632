// Package oracle adapts commit-reveal randomness sources for the lottery.
package oracle

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"tokenlottery/internal/models"
)

var (
	ErrUnknownRequest   = errors.New("oracle: unknown request")
	ErrQueueMismatch    = errors.New("oracle: queue mismatch")
	ErrAlreadyCommitted = errors.New("oracle: request already committed")
	ErrNotCommitted     = errors.New("oracle: request not committed")
	ErrAlreadyRevealed  = errors.New("oracle: request already revealed")
	ErrNotMatured       = errors.New("oracle: request not matured")
	ErrBadReveal        = errors.New("oracle: revealed seed does not match commitment")
	ErrUnavailable      = errors.New("oracle: unavailable")
)

// Adapter is the capability the lottery needs from a randomness source: a
// view of a request's commit slot, maturity slot and revealed value.
type Adapter interface {
	Request(ctx context.Context, ref string) (*models.RandomnessRequest, error)
}

// Commitment returns the value an oracle publishes at commit time for seed.
func Commitment(seed []byte) []byte {
	sum := sha256.Sum256(seed)
	return sum[:]
}

// DeriveValue turns a revealed seed into the unsigned value handed to the
// lottery. It hashes the seed under the request ref, so the commitment does
// not disclose the value.
func DeriveValue(ref string, seed []byte) uint64 {
	h := sha256.New()
	h.Write(seed)
	h.Write([]byte(ref))
	return binary.LittleEndian.Uint64(h.Sum(nil))
}

// Verify checks that a revealed request is consistent with its commitment.
// Requests without a seed (external oracles) are accepted as-is.
func Verify(req *models.RandomnessRequest) error {
	if req.RevealedValue == nil || len(req.Seed) == 0 {
		return nil
	}
	if !bytes.Equal(Commitment(req.Seed), req.Commitment) {
		return ErrBadReveal
	}
	if DeriveValue(req.Ref, req.Seed) != *req.RevealedValue {
		return ErrBadReveal
	}
	return nil
}
