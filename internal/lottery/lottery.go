// Package lottery implements the lottery state machine.
//
// Every transition is a method on a Lottery value that returns the next
// value. A rejected transition returns the receiver's snapshot untouched, so
// the executing layer can discard it without any cleanup.
package lottery

import (
	"math/bits"

	"tokenlottery/internal/models"
)

const (
	OpInitializeConfig  = "initialize_config"
	OpInitializeLottery = "initialize_lottery"
	OpBuyTicket         = "buy_ticket"
	OpCommitRandomness  = "commit_randomness"
	OpRevealWinner      = "reveal_winner"
	OpClaimWinnings     = "claim_winnings"
)

// Lottery is a snapshot of one lottery instance. Config is nil until the
// lottery has been configured.
type Lottery struct {
	ID     string
	Config *models.LotteryConfig
	State  models.LotteryState
}

// New returns the snapshot of a lottery that does not exist yet.
func New(id string) Lottery {
	return Lottery{
		ID:    id,
		State: models.LotteryState{LotteryID: id, Phase: models.PhaseUninitialized},
	}
}

// clone copies the pointer fields so the returned value shares nothing
// mutable with the receiver.
func (l Lottery) clone() Lottery {
	next := l
	if l.Config != nil {
		cfg := *l.Config
		next.Config = &cfg
	}
	if l.State.WinningIndex != nil {
		idx := *l.State.WinningIndex
		next.State.WinningIndex = &idx
	}
	return next
}

func (l Lottery) advance() Lottery {
	next := l.clone()
	next.State.Version++
	return next
}

// InitializeConfig creates the configuration. authority is the identity that
// is allowed to configure; an empty authority makes the caller the authority.
func (l Lottery) InitializeConfig(caller, authority string, startSlot, endSlot, ticketPrice uint64) (Lottery, error) {
	const op = OpInitializeConfig
	if authority != "" && caller != authority {
		return l, l.reject(op, 0, ErrUnauthorized, "caller %s", authority)
	}
	if l.Config != nil {
		return l, l.reject(op, 0, ErrAlreadyInitialized, "")
	}
	if startSlot >= endSlot || endSlot > models.MaxStored {
		return l, l.reject(op, 0, ErrInvalidWindow,
			"start slot %d before end slot %d, end slot at most %d", startSlot, endSlot, models.MaxStored)
	}
	if ticketPrice == 0 || ticketPrice > models.MaxStored {
		return l, l.reject(op, 0, ErrInvalidPrice, "ticket price in [1, %d]", models.MaxStored)
	}
	if authority == "" {
		authority = caller
	}

	next := l.advance()
	next.Config = &models.LotteryConfig{
		LotteryID:   l.ID,
		Authority:   authority,
		StartSlot:   startSlot,
		EndSlot:     endSlot,
		TicketPrice: ticketPrice,
	}
	next.State = models.LotteryState{
		LotteryID: l.ID,
		Phase:     models.PhaseUninitialized,
		Version:   next.State.Version,
	}
	return next, nil
}

// InitializeLottery opens the sale.
func (l Lottery) InitializeLottery(caller string) (Lottery, error) {
	const op = OpInitializeLottery
	if l.Config == nil {
		return l, l.reject(op, 0, ErrNotConfigured, "configuration")
	}
	if caller != l.Config.Authority {
		return l, l.reject(op, 0, ErrUnauthorized, "caller %s", l.Config.Authority)
	}
	if l.State.Phase != models.PhaseUninitialized {
		return l, l.reject(op, 0, ErrAlreadyInitialized, "")
	}

	next := l.advance()
	next.State.Phase = models.PhaseSelling
	next.State.Collection = models.CollectionID(l.ID)
	next.State.TotalTickets = 0
	next.State.VaultBalance = 0
	return next, nil
}

// BuyTicket issues the next ticket to buyer. The returned record's index is
// the ticket count before the purchase. Only the ticket price is charged;
// the caller moves exactly TicketPrice into the vault. Service-owned
// identities cannot buy, so every ticket is backed by a real payment.
func (l Lottery) BuyTicket(buyer string, payment, slot uint64) (Lottery, models.TicketRecord, error) {
	const op = OpBuyTicket
	if l.Config == nil {
		return l, models.TicketRecord{}, l.reject(op, slot, ErrNotConfigured, "configuration")
	}
	if models.Reserved(buyer) {
		return l, models.TicketRecord{}, l.reject(op, slot, ErrUnauthorized, "a buyer other than a service account")
	}
	if l.State.Phase != models.PhaseSelling {
		return l, models.TicketRecord{}, l.reject(op, slot, ErrWrongPhase, "phase %s", models.PhaseSelling)
	}
	if slot < l.Config.StartSlot || slot >= l.Config.EndSlot {
		return l, models.TicketRecord{}, l.reject(op, slot, ErrSaleClosed,
			"slot in [%d, %d)", l.Config.StartSlot, l.Config.EndSlot)
	}
	if payment < l.Config.TicketPrice {
		return l, models.TicketRecord{}, l.reject(op, slot, ErrInsufficientPayment,
			"payment of %d", l.Config.TicketPrice)
	}
	total, carry := bits.Add64(l.State.TotalTickets, 1, 0)
	if carry != 0 || total > models.MaxStored {
		return l, models.TicketRecord{}, l.reject(op, slot, ErrOverflow, "ticket counter below max")
	}
	balance, carry := bits.Add64(l.State.VaultBalance, l.Config.TicketPrice, 0)
	if carry != 0 || balance > models.MaxStored {
		return l, models.TicketRecord{}, l.reject(op, slot, ErrOverflow, "vault balance below max")
	}

	ticket := models.TicketRecord{
		LotteryID:     l.ID,
		Index:         l.State.TotalTickets,
		Owner:         buyer,
		PurchasedSlot: slot,
	}
	next := l.advance()
	next.State.TotalTickets = total
	next.State.VaultBalance = balance
	return next, ticket, nil
}

// CommitRandomness binds the oracle request to the lottery. req is nil when
// the oracle could not attest the request.
func (l Lottery) CommitRandomness(requestRef string, req *models.RandomnessRequest, slot uint64) (Lottery, error) {
	const op = OpCommitRandomness
	if l.State.RandomnessRef != "" {
		return l, l.reject(op, slot, ErrAlreadyCommitted, "")
	}
	if l.State.Phase != models.PhaseSelling {
		return l, l.reject(op, slot, ErrWrongPhase, "phase %s", models.PhaseSelling)
	}
	if requestRef == "" || req == nil || req.Ref != requestRef {
		return l, l.reject(op, slot, ErrUnknownRequest, "request %q known to the oracle", requestRef)
	}
	if !req.Committed() {
		return l, l.reject(op, slot, ErrStaleRandomness, "request committed at the oracle")
	}
	if req.Revealed() {
		return l, l.reject(op, slot, ErrStaleRandomness, "request not yet revealed")
	}

	next := l.advance()
	next.State.RandomnessRef = requestRef
	next.State.Phase = models.PhaseRandomnessCommitted
	return next, nil
}

// RevealWinner draws the winning index from the revealed value of the bound
// request. req must be the oracle's current view of State.RandomnessRef.
func (l Lottery) RevealWinner(req *models.RandomnessRequest, slot uint64) (Lottery, error) {
	const op = OpRevealWinner
	if l.State.Phase != models.PhaseRandomnessCommitted {
		return l, l.reject(op, slot, ErrWrongPhase, "phase %s", models.PhaseRandomnessCommitted)
	}
	if slot < l.Config.EndSlot {
		return l, l.reject(op, slot, ErrTooEarly, "slot >= %d", l.Config.EndSlot)
	}
	if req == nil || req.Ref != l.State.RandomnessRef {
		return l, l.reject(op, slot, ErrUnknownRequest, "request %q known to the oracle", l.State.RandomnessRef)
	}
	if slot < req.MaturesAtSlot || !req.Revealed() {
		return l, l.reject(op, slot, ErrTooEarly, "oracle reveal at or after slot %d", req.MaturesAtSlot)
	}
	if l.State.TotalTickets == 0 {
		return l, l.reject(op, slot, ErrNoTickets, "at least one ticket")
	}

	idx := WinningIndex(*req.RevealedValue, l.State.TotalTickets)
	next := l.advance()
	next.State.WinningIndex = &idx
	next.State.Phase = models.PhaseWinnerRevealed
	return next, nil
}

// RecordWinner notes the owner of the winning ticket on a revealed lottery.
func (l Lottery) RecordWinner(owner string) Lottery {
	next := l.clone()
	next.State.Winner = owner
	return next
}

// WinningIndex maps a revealed value onto [0, totalTickets). totalTickets
// must be positive.
func WinningIndex(revealed, totalTickets uint64) uint64 {
	return revealed % totalTickets
}

// ClaimWinnings pays the vault to claimant. winning is the ticket record at
// the winning index, or nil if it could not be resolved. The returned payout
// is the amount the caller must move from the vault to the claimant.
func (l Lottery) ClaimWinnings(claimant string, winning *models.TicketRecord) (Lottery, uint64, error) {
	const op = OpClaimWinnings
	switch l.State.Phase {
	case models.PhaseClaimed:
		return l, 0, l.reject(op, 0, ErrAlreadyClaimed, "")
	case models.PhaseWinnerRevealed:
		if l.State.WinningIndex == nil {
			return l, 0, l.reject(op, 0, ErrWrongPhase, "a drawn winning index")
		}
	default:
		return l, 0, l.reject(op, 0, ErrWrongPhase, "phase %s", models.PhaseWinnerRevealed)
	}
	if winning == nil || winning.Index != *l.State.WinningIndex || winning.Owner != claimant {
		return l, 0, l.reject(op, 0, ErrNotWinner, "owner of ticket %d", *l.State.WinningIndex)
	}

	payout := l.State.VaultBalance
	next := l.advance()
	next.State.VaultBalance = 0
	next.State.Payout = payout
	next.State.Winner = claimant
	next.State.Phase = models.PhaseClaimed
	return next, payout, nil
}
