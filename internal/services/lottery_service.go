package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/logger"
	"github.com/google/uuid"

	"tokenlottery/internal/clock"
	"tokenlottery/internal/events"
	"tokenlottery/internal/lottery"
	"tokenlottery/internal/metrics"
	"tokenlottery/internal/models"
	"tokenlottery/internal/oracle"
	"tokenlottery/internal/store"
)

var (
	// ErrFaucetDisabled is returned by Fund when the faucet is not enabled.
	ErrFaucetDisabled = errors.New("faucet disabled")
	// ErrTicketsOutOfStep means the stored tickets disagree with the lottery's
	// ticket count, so no winner can be drawn from them.
	ErrTicketsOutOfStep = errors.New("ticket records out of step with lottery state")
)

// Config wires a LotteryService to its collaborators. Events and Metrics are
// optional.
type Config struct {
	Store   *store.Store
	Clock   clock.Source
	Oracle  oracle.Adapter
	Events  *events.EventBus
	Metrics *metrics.Metrics

	// Authority, when set, is the only identity allowed to configure lotteries.
	Authority   string
	TicketURI   string
	AllowFaucet bool
}

// LotteryService executes lottery operations. Each operation runs in one
// store transaction: the snapshot is loaded, the clock and oracle are read,
// the transition is applied, tokens move and the new state is written with a
// version check. Any failure rolls the whole operation back.
type LotteryService struct {
	store       *store.Store
	clock       clock.Source
	oracle      oracle.Adapter
	events      *events.EventBus
	metrics     *metrics.Metrics
	authority   string
	ticketURI   string
	allowFaucet bool
}

// NewLotteryService creates and initializes a new LotteryService.
func NewLotteryService(cfg Config) *LotteryService {
	return &LotteryService{
		store:       cfg.Store,
		clock:       cfg.Clock,
		oracle:      cfg.Oracle,
		events:      cfg.Events,
		metrics:     cfg.Metrics,
		authority:   cfg.Authority,
		ticketURI:   cfg.TicketURI,
		allowFaucet: cfg.AllowFaucet,
	}
}

// CurrentSlot returns the slot operations are currently evaluated at.
func (s *LotteryService) CurrentSlot() uint64 {
	return s.clock.CurrentSlot()
}

// TicketURI returns the metadata URI attached to issued tickets.
func (s *LotteryService) TicketURI() string {
	return s.ticketURI
}

// transition computes the next snapshot of a lottery inside a transaction.
// It may perform additional writes through tx and returns the event to
// publish once the transaction commits.
type transition func(ctx context.Context, tx *store.Store, l lottery.Lottery, slot uint64) (lottery.Lottery, *events.Event, error)

func loadLottery(ctx context.Context, tx *store.Store, id string) (lottery.Lottery, error) {
	cfg, err := tx.Config(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return lottery.New(id), nil
	}
	if err != nil {
		return lottery.Lottery{}, fmt.Errorf("loading lottery %s: %w", id, err)
	}
	state, err := tx.State(ctx, id)
	if err != nil {
		return lottery.Lottery{}, fmt.Errorf("loading lottery %s: %w", id, err)
	}
	return lottery.Lottery{ID: id, Config: cfg, State: *state}, nil
}

func notFound(op string, l lottery.Lottery, slot uint64) error {
	return &lottery.GuardError{Op: op, Err: lottery.ErrNotFound, Phase: l.State.Phase, Slot: slot}
}

// execute runs one operation atomically.
func (s *LotteryService) execute(ctx context.Context, op, id string, fn transition) (lottery.Lottery, error) {
	started := time.Now()
	var (
		result lottery.Lottery
		evt    *events.Event
		slot   uint64
	)
	err := s.store.Transaction(ctx, func(tx *store.Store) error {
		prev, err := loadLottery(ctx, tx, id)
		if err != nil {
			return err
		}
		// guards are evaluated against the slot at execution time
		slot = s.clock.CurrentSlot()
		next, e, err := fn(ctx, tx, prev, slot)
		if err != nil {
			return err
		}
		if prev.Config == nil {
			err = tx.CreateLottery(ctx, next.Config, &next.State)
		} else {
			err = tx.SaveState(ctx, &next.State, prev.State.Version)
		}
		if err != nil {
			return err
		}
		result, evt = next, e
		return nil
	})

	resultLabel := "ok"
	if err != nil {
		resultLabel = lottery.Kind(err)
		switch {
		case resultLabel != "":
			logger.Infof("lottery %s: %s rejected: %v", id, op, err)
		case errors.Is(err, store.ErrInsufficientFunds):
			resultLabel = "insufficient_funds"
			logger.Infof("lottery %s: %s rejected: %v", id, op, err)
		default:
			resultLabel = "error"
			logger.Errorf("lottery %s: %s failed: %v", id, op, err)
		}
		s.metrics.ObserveOperation(op, resultLabel, started)
		return lottery.Lottery{}, err
	}
	s.metrics.ObserveOperation(op, resultLabel, started)
	logger.Infof("lottery %s: %s committed at slot %d (phase=%s tickets=%d vault=%d)",
		id, op, slot, result.State.Phase, result.State.TotalTickets, result.State.VaultBalance)
	// the bus logs and counts events it has to drop
	if evt != nil && s.events != nil {
		s.events.PublishAsync(*evt)
	}
	return result, nil
}

func (s *LotteryService) view(l lottery.Lottery) *models.Lottery {
	return models.NewLottery(*l.Config, l.State, s.ticketURI)
}

func newEvent(t events.EventType, l lottery.Lottery, slot uint64, data any) *events.Event {
	evt := events.NewEvent(t, l.ID, slot, data)
	return &evt
}

// CreateLottery configures a lottery under a freshly generated id.
func (s *LotteryService) CreateLottery(ctx context.Context, caller string, startSlot, endSlot, ticketPrice uint64) (*models.Lottery, error) {
	return s.InitializeConfig(ctx, uuid.NewString(), caller, startSlot, endSlot, ticketPrice)
}

// InitializeConfig creates the configuration of lottery id.
func (s *LotteryService) InitializeConfig(ctx context.Context, id, caller string, startSlot, endSlot, ticketPrice uint64) (*models.Lottery, error) {
	l, err := s.execute(ctx, lottery.OpInitializeConfig, id,
		func(ctx context.Context, tx *store.Store, l lottery.Lottery, slot uint64) (lottery.Lottery, *events.Event, error) {
			next, err := l.InitializeConfig(caller, s.authority, startSlot, endSlot, ticketPrice)
			if err != nil {
				return l, nil, err
			}
			return next, newEvent(events.LotteryConfigured, next, slot, next.Config), nil
		})
	if err != nil {
		return nil, err
	}
	return s.view(l), nil
}

// InitializeLottery opens the ticket sale of lottery id.
func (s *LotteryService) InitializeLottery(ctx context.Context, id, caller string) (*models.Lottery, error) {
	l, err := s.execute(ctx, lottery.OpInitializeLottery, id,
		func(ctx context.Context, tx *store.Store, l lottery.Lottery, slot uint64) (lottery.Lottery, *events.Event, error) {
			next, err := l.InitializeLottery(caller)
			if err != nil {
				return l, nil, err
			}
			return next, newEvent(events.LotteryOpened, next, slot, nil), nil
		})
	if err != nil {
		return nil, err
	}
	return s.view(l), nil
}

// BuyTicket sells one ticket of lottery id to buyer, charging the ticket
// price to buyer's account.
func (s *LotteryService) BuyTicket(ctx context.Context, id, buyer string, payment uint64) (*models.TicketRecord, error) {
	var ticket models.TicketRecord
	_, err := s.execute(ctx, lottery.OpBuyTicket, id,
		func(ctx context.Context, tx *store.Store, l lottery.Lottery, slot uint64) (lottery.Lottery, *events.Event, error) {
			if l.Config == nil {
				return l, nil, notFound(lottery.OpBuyTicket, l, slot)
			}
			next, t, err := l.BuyTicket(buyer, payment, slot)
			if err != nil {
				return l, nil, err
			}
			if err := tx.Transfer(ctx, buyer, models.VaultAccount(id), l.Config.TicketPrice); err != nil {
				return l, nil, fmt.Errorf("%s: %w", lottery.OpBuyTicket, err)
			}
			if err := tx.InsertTicket(ctx, &t); err != nil {
				return l, nil, err
			}
			ticket = t
			return next, newEvent(events.TicketPurchased, next, slot, t), nil
		})
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.TicketsSold.Inc()
	}
	return &ticket, nil
}

// requestView asks the oracle for ref. An unknown request yields nil so the
// state machine reports it; any other failure belongs to the oracle and is
// returned for the caller to retry.
func (s *LotteryService) requestView(ctx context.Context, op, ref string) (*models.RandomnessRequest, error) {
	req, err := s.oracle.Request(ctx, ref)
	if errors.Is(err, oracle.ErrUnknownRequest) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: reading oracle request %s: %w", op, ref, err)
	}
	return req, nil
}

// CommitRandomness binds oracle request ref to lottery id.
func (s *LotteryService) CommitRandomness(ctx context.Context, id, caller, ref string) (*models.Lottery, error) {
	l, err := s.execute(ctx, lottery.OpCommitRandomness, id,
		func(ctx context.Context, tx *store.Store, l lottery.Lottery, slot uint64) (lottery.Lottery, *events.Event, error) {
			if l.Config == nil {
				return l, nil, notFound(lottery.OpCommitRandomness, l, slot)
			}
			var req *models.RandomnessRequest
			if l.State.RandomnessRef == "" && l.State.Phase == models.PhaseSelling && ref != "" {
				var err error
				if req, err = s.requestView(ctx, lottery.OpCommitRandomness, ref); err != nil {
					return l, nil, err
				}
			}
			next, err := l.CommitRandomness(ref, req, slot)
			if err != nil {
				return l, nil, err
			}
			data := map[string]string{"randomnessRef": ref, "committedBy": caller}
			return next, newEvent(events.RandomnessCommitted, next, slot, data), nil
		})
	if err != nil {
		return nil, err
	}
	return s.view(l), nil
}

// RevealWinner draws the winning ticket of lottery id from the revealed
// randomness.
func (s *LotteryService) RevealWinner(ctx context.Context, id, caller string) (*models.Lottery, error) {
	l, err := s.execute(ctx, lottery.OpRevealWinner, id,
		func(ctx context.Context, tx *store.Store, l lottery.Lottery, slot uint64) (lottery.Lottery, *events.Event, error) {
			if l.Config == nil {
				return l, nil, notFound(lottery.OpRevealWinner, l, slot)
			}
			var req *models.RandomnessRequest
			if l.State.Phase == models.PhaseRandomnessCommitted && slot >= l.Config.EndSlot {
				var err error
				if req, err = s.requestView(ctx, lottery.OpRevealWinner, l.State.RandomnessRef); err != nil {
					return l, nil, err
				}
				if req != nil {
					if err := oracle.Verify(req); err != nil {
						return l, nil, fmt.Errorf("%s: %w", lottery.OpRevealWinner, err)
					}
				}
			}
			next, err := l.RevealWinner(req, slot)
			if err != nil {
				return l, nil, err
			}
			sold, err := tx.CountTickets(ctx, id)
			if err != nil {
				return l, nil, fmt.Errorf("%s: counting tickets: %w", lottery.OpRevealWinner, err)
			}
			if sold != l.State.TotalTickets {
				return l, nil, fmt.Errorf("%s: %d ticket records for %d tickets sold: %w",
					lottery.OpRevealWinner, sold, l.State.TotalTickets, ErrTicketsOutOfStep)
			}
			winner, err := tx.Ticket(ctx, id, *next.State.WinningIndex)
			if err != nil {
				return l, nil, fmt.Errorf("%s: resolving ticket %d: %w", lottery.OpRevealWinner, *next.State.WinningIndex, err)
			}
			next = next.RecordWinner(winner.Owner)
			data := map[string]any{
				"winningIndex": *next.State.WinningIndex,
				"winner":       winner.Owner,
				"revealedBy":   caller,
			}
			return next, newEvent(events.WinnerRevealed, next, slot, data), nil
		})
	if err != nil {
		return nil, err
	}
	return s.view(l), nil
}

// ClaimWinnings pays the prize of lottery id to claimant, who must own the
// winning ticket. It returns the amount paid.
func (s *LotteryService) ClaimWinnings(ctx context.Context, id, claimant string) (uint64, error) {
	var paid uint64
	_, err := s.execute(ctx, lottery.OpClaimWinnings, id,
		func(ctx context.Context, tx *store.Store, l lottery.Lottery, slot uint64) (lottery.Lottery, *events.Event, error) {
			if l.Config == nil {
				return l, nil, notFound(lottery.OpClaimWinnings, l, slot)
			}
			var winning *models.TicketRecord
			if l.State.Phase == models.PhaseWinnerRevealed && l.State.HasWinner() {
				t, err := tx.Ticket(ctx, id, *l.State.WinningIndex)
				if err != nil && !errors.Is(err, store.ErrNotFound) {
					return l, nil, err
				}
				winning = t
			}
			next, payout, err := l.ClaimWinnings(claimant, winning)
			if err != nil {
				return l, nil, err
			}
			if err := tx.Transfer(ctx, models.VaultAccount(id), claimant, payout); err != nil {
				return l, nil, fmt.Errorf("%s: paying out: %w", lottery.OpClaimWinnings, err)
			}
			paid = payout
			data := map[string]any{"winner": claimant, "payout": payout}
			return next, newEvent(events.WinningsClaimed, next, slot, data), nil
		})
	if err != nil {
		return 0, err
	}
	if s.metrics != nil {
		s.metrics.PaidOut.Add(float64(paid))
	}
	return paid, nil
}

// GetLottery returns the configuration and state of lottery id.
func (s *LotteryService) GetLottery(ctx context.Context, id string) (*models.Lottery, error) {
	cfg, err := s.store.Config(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("get_lottery", lottery.New(id), s.clock.CurrentSlot())
	}
	if err != nil {
		return nil, err
	}
	state, err := s.store.State(ctx, id)
	if err != nil {
		return nil, err
	}
	return models.NewLottery(*cfg, *state, s.ticketURI), nil
}

// GetLotteries returns the state of every lottery.
func (s *LotteryService) GetLotteries(ctx context.Context) ([]models.LotteryState, error) {
	return s.store.Lotteries(ctx)
}

// GetTickets returns the tickets of lottery id in index order.
func (s *LotteryService) GetTickets(ctx context.Context, id string, offset, limit int) ([]models.TicketRecord, error) {
	if _, err := s.GetLottery(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Tickets(ctx, id, offset, limit)
}

// GetTicket returns one ticket of lottery id.
func (s *LotteryService) GetTicket(ctx context.Context, id string, index uint64) (*models.TicketRecord, error) {
	ticket, err := s.store.Ticket(ctx, id, index)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("get_ticket", lottery.New(id), s.clock.CurrentSlot())
	}
	return ticket, err
}

// Balance returns the balance of an account.
func (s *LotteryService) Balance(ctx context.Context, account string) (uint64, error) {
	return s.store.Balance(ctx, account)
}

// Fund credits an account from the faucet.
func (s *LotteryService) Fund(ctx context.Context, account string, amount uint64) (uint64, error) {
	if !s.allowFaucet {
		return 0, ErrFaucetDisabled
	}
	var balance uint64
	err := s.store.Transaction(ctx, func(tx *store.Store) error {
		if err := tx.Credit(ctx, account, amount); err != nil {
			return err
		}
		var err error
		balance, err = tx.Balance(ctx, account)
		return err
	})
	if err != nil {
		return 0, err
	}
	logger.Infof("faucet: credited %d to %s", amount, account)
	return balance, nil
}
