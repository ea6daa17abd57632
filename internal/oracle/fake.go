package oracle

import (
	"context"
	"sync"

	"tokenlottery/internal/models"
)

// Fake is an in-memory Adapter whose requests are driven directly by tests.
type Fake struct {
	mu       sync.Mutex
	requests map[string]models.RandomnessRequest
	err      error
}

func NewFake() *Fake {
	return &Fake{requests: make(map[string]models.RandomnessRequest)}
}

// Commit registers ref as committed at slot, maturing at maturesAt.
func (f *Fake) Commit(ref string, slot, maturesAt uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests[ref] = models.RandomnessRequest{
		Ref:           ref,
		QueueRef:      "fake",
		CreatedAt:     slot,
		CommittedAt:   &slot,
		MaturesAtSlot: maturesAt,
	}
}

// Reveal publishes value for a committed ref.
func (f *Fake) Reveal(ref string, value uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[ref]
	if !ok {
		return
	}
	req.RevealedValue = &value
	f.requests[ref] = req
}

// Fail makes every Request call return err until called with nil.
func (f *Fake) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *Fake) Request(ctx context.Context, ref string) (*models.RandomnessRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	req, ok := f.requests[ref]
	if !ok {
		return nil, ErrUnknownRequest
	}
	return &req, nil
}
