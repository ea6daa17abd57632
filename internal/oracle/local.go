package oracle

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/logger"
	"github.com/google/uuid"

	"tokenlottery/internal/clock"
	"tokenlottery/internal/models"
)

const (
	requestPrefix = "request/"
	seedSize      = 32

	DefaultRevealDelay = 2
)

// InstructionKind identifies what an Instruction does when executed.
type InstructionKind string

const (
	InstructionCommit InstructionKind = "commit"
	InstructionReveal InstructionKind = "reveal"
)

// Instruction is an oracle action built by Commit or Reveal and applied by
// Execute. Guards are evaluated again at execution time.
type Instruction struct {
	Kind       InstructionKind `json:"kind"`
	RequestRef string          `json:"requestRef"`
	QueueRef   string          `json:"queueRef,omitempty"`
}

// Options configures a Local oracle.
type Options struct {
	// DataDir holds the request database; empty keeps it in memory.
	DataDir     string
	Clock       clock.Source
	RevealDelay uint64
	Queue       string
	Rand        io.Reader
}

// Local is a commit-reveal oracle whose requests live in badger. A request
// is created, committed (a hidden seed is drawn and its hash published) and,
// once the clock reaches the maturity slot, revealed.
type Local struct {
	db          *badger.DB
	clock       clock.Source
	revealDelay uint64
	queue       string
	rand        io.Reader
}

// NewLocal opens a Local oracle.
func NewLocal(opts Options) (*Local, error) {
	if opts.Clock == nil {
		return nil, errors.New("oracle: clock is required")
	}
	var badgerOpts badger.Options
	if opts.DataDir == "" {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.DataDir, fs.ModePerm); err != nil {
			return nil, fmt.Errorf("failed to create oracle data dir: %w", err)
		}
		badgerOpts = badger.DefaultOptions(opts.DataDir)
	}
	badgerOpts = badgerOpts.
		WithLogger(badgerLogger{}).
		WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open oracle database: %w", err)
	}
	o := &Local{
		db:          db,
		clock:       opts.Clock,
		revealDelay: opts.RevealDelay,
		queue:       opts.Queue,
		rand:        opts.Rand,
	}
	if o.rand == nil {
		o.rand = rand.Reader
	}
	return o, nil
}

// Close releases the request database.
func (o *Local) Close() error {
	return o.db.Close()
}

// Queue returns the default queue requests are created on.
func (o *Local) Queue() string {
	return o.queue
}

func requestKey(ref string) []byte {
	return []byte(requestPrefix + ref)
}

func getRequest(txn *badger.Txn, ref string) (*models.RandomnessRequest, error) {
	item, err := txn.Get(requestKey(ref))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrUnknownRequest
	}
	if err != nil {
		return nil, err
	}
	req := &models.RandomnessRequest{}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, req)
	})
	if err != nil {
		return nil, fmt.Errorf("decoding request %s: %w", ref, err)
	}
	return req, nil
}

func putRequest(txn *badger.Txn, req *models.RandomnessRequest) error {
	buf, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return txn.Set(requestKey(req.Ref), buf)
}

// public strips the seed from a request that has not been revealed yet.
func public(req *models.RandomnessRequest) *models.RandomnessRequest {
	out := *req
	if out.RevealedValue == nil {
		out.Seed = nil
	}
	return &out
}

// CreateRequest registers a new request on queueRef (the default queue when
// empty) and returns its ref.
func (o *Local) CreateRequest(ctx context.Context, queueRef string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if queueRef == "" {
		queueRef = o.queue
	}
	req := &models.RandomnessRequest{
		Ref:       uuid.NewString(),
		QueueRef:  queueRef,
		CreatedAt: o.clock.CurrentSlot(),
	}
	if err := o.db.Update(func(txn *badger.Txn) error {
		return putRequest(txn, req)
	}); err != nil {
		return "", fmt.Errorf("storing request: %w", err)
	}
	logger.Infof("oracle: created request %s on queue %s at slot %d", req.Ref, queueRef, req.CreatedAt)
	return req.Ref, nil
}

// Commit builds the instruction committing ref on queueRef.
func (o *Local) Commit(ctx context.Context, ref, queueRef string) (Instruction, error) {
	req, err := o.Request(ctx, ref)
	if err != nil {
		return Instruction{}, err
	}
	if queueRef == "" {
		queueRef = req.QueueRef
	}
	if queueRef != req.QueueRef {
		return Instruction{}, ErrQueueMismatch
	}
	if req.Committed() {
		return Instruction{}, ErrAlreadyCommitted
	}
	return Instruction{Kind: InstructionCommit, RequestRef: ref, QueueRef: queueRef}, nil
}

// Reveal builds the instruction revealing ref.
func (o *Local) Reveal(ctx context.Context, ref string) (Instruction, error) {
	req, err := o.Request(ctx, ref)
	if err != nil {
		return Instruction{}, err
	}
	if !req.Committed() {
		return Instruction{}, ErrNotCommitted
	}
	if req.Revealed() {
		return Instruction{}, ErrAlreadyRevealed
	}
	return Instruction{Kind: InstructionReveal, RequestRef: ref}, nil
}

// Execute applies an instruction and returns the resulting public request.
func (o *Local) Execute(ctx context.Context, ins Instruction) (*models.RandomnessRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	slot := o.clock.CurrentSlot()
	var out *models.RandomnessRequest
	err := o.db.Update(func(txn *badger.Txn) error {
		req, err := getRequest(txn, ins.RequestRef)
		if err != nil {
			return err
		}
		switch ins.Kind {
		case InstructionCommit:
			if err := o.applyCommit(req, ins.QueueRef, slot); err != nil {
				return err
			}
		case InstructionReveal:
			if err := applyReveal(req, slot); err != nil {
				return err
			}
		default:
			return fmt.Errorf("oracle: unknown instruction %q", ins.Kind)
		}
		out = public(req)
		return putRequest(txn, req)
	})
	if err != nil {
		return nil, err
	}
	logger.Infof("oracle: executed %s for request %s at slot %d", ins.Kind, ins.RequestRef, slot)
	return out, nil
}

func (o *Local) applyCommit(req *models.RandomnessRequest, queueRef string, slot uint64) error {
	if queueRef != "" && queueRef != req.QueueRef {
		return ErrQueueMismatch
	}
	if req.Committed() {
		return ErrAlreadyCommitted
	}
	seed := make([]byte, seedSize)
	if _, err := io.ReadFull(o.rand, seed); err != nil {
		return fmt.Errorf("drawing seed: %w", err)
	}
	req.CommittedAt = &slot
	req.MaturesAtSlot = slot + o.revealDelay
	req.Seed = seed
	req.Commitment = Commitment(seed)
	return nil
}

func applyReveal(req *models.RandomnessRequest, slot uint64) error {
	if !req.Committed() {
		return ErrNotCommitted
	}
	if req.Revealed() {
		return ErrAlreadyRevealed
	}
	if slot < req.MaturesAtSlot {
		return fmt.Errorf("%w: matures at slot %d, current slot %d", ErrNotMatured, req.MaturesAtSlot, slot)
	}
	value := DeriveValue(req.Ref, req.Seed)
	req.RevealedValue = &value
	return nil
}

// Request returns the public view of ref.
func (o *Local) Request(ctx context.Context, ref string) (*models.RandomnessRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *models.RandomnessRequest
	err := o.db.View(func(txn *badger.Txn) error {
		req, err := getRequest(txn, ref)
		if err != nil {
			return err
		}
		out = public(req)
		return nil
	})
	return out, err
}

// PruneStale deletes requests that were never committed and were created
// more than maxAge slots ago. It returns the number of deleted requests.
func (o *Local) PruneStale(ctx context.Context, maxAge uint64) (int, error) {
	slot := o.clock.CurrentSlot()
	var stale [][]byte
	err := o.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(requestPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var req models.RandomnessRequest
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &req)
			}); err != nil {
				return err
			}
			if !req.Committed() && req.CreatedAt+maxAge < slot {
				stale = append(stale, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	err = o.db.Update(func(txn *badger.Txn) error {
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}

// badgerLogger routes badger's log output through the service logger.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any) {
	logger.Errorf("badger: "+format, args...)
}

func (badgerLogger) Warningf(format string, args ...any) {
	logger.Warningf("badger: "+format, args...)
}

func (badgerLogger) Infof(format string, args ...any) {
	logger.V(1).Infof("badger: "+format, args...)
}

func (badgerLogger) Debugf(string, ...any) {}
