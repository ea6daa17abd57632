package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Ticket metadata carried over to every issued ticket.
const (
	TicketNamePrefix = "Token Lottery Ticket #"
	TicketSymbol     = "TLT"
)

// MaxStored is the largest slot, price, count or balance a record can hold.
// SQLite integers are signed 64-bit.
const MaxStored uint64 = math.MaxInt64

// Identities reserved for accounts the service owns.
const (
	vaultPrefix      = "vault:"
	collectionPrefix = "collection:"
)

// Phase is the position of a lottery in its fixed lifecycle.
type Phase uint8

const (
	PhaseUninitialized Phase = iota
	PhaseSelling
	PhaseRandomnessCommitted
	PhaseWinnerRevealed
	PhaseClaimed
)

var phaseNames = map[Phase]string{
	PhaseUninitialized:       "uninitialized",
	PhaseSelling:             "selling",
	PhaseRandomnessCommitted: "randomness_committed",
	PhaseWinnerRevealed:      "winner_revealed",
	PhaseClaimed:             "claimed",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// MarshalText renders the phase by name in JSON responses.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses a phase name.
func (p *Phase) UnmarshalText(text []byte) error {
	for phase, name := range phaseNames {
		if name == string(text) {
			*p = phase
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", text)
}

// LotteryConfig holds the parameters fixed when a lottery is configured.
// The sale window is half-open: [StartSlot, EndSlot).
type LotteryConfig struct {
	LotteryID   string    `gorm:"primaryKey"         json:"lotteryId"`
	Authority   string    `gorm:"not null"           json:"authority"`
	StartSlot   uint64    `gorm:"not null"           json:"startSlot"`
	EndSlot     uint64    `gorm:"not null"           json:"endSlot"`
	TicketPrice uint64    `gorm:"not null"           json:"ticketPrice"`
	CreatedAt   time.Time `json:"createdAt"`
}

// LotteryState is the mutable part of a lottery.
// WinningIndex is set if and only if Phase is WinnerRevealed or Claimed.
type LotteryState struct {
	LotteryID     string    `gorm:"primaryKey"    json:"lotteryId"`
	Phase         Phase     `gorm:"not null"      json:"phase"`
	TotalTickets  uint64    `gorm:"not null"      json:"totalTickets"`
	Collection    string    `json:"collection,omitempty"`
	RandomnessRef string    `json:"randomnessRef,omitempty"`
	WinningIndex  *uint64   `json:"winningIndex,omitempty"`
	Winner        string    `json:"winner,omitempty"`
	VaultBalance  uint64    `gorm:"not null"      json:"vaultBalance"`
	Payout        uint64    `json:"payout,omitempty"`
	Version       uint64    `gorm:"not null"      json:"version"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// HasWinner reports whether a winning index has been drawn.
func (s *LotteryState) HasWinner() bool {
	return s.WinningIndex != nil
}

// TicketRecord is one purchased ticket. Index is dense and 0-based per lottery.
type TicketRecord struct {
	LotteryID     string    `gorm:"primaryKey"                              json:"lotteryId"`
	Index         uint64    `gorm:"primaryKey;column:ticket_index;autoIncrement:false" json:"index"`
	Owner         string    `gorm:"index;not null"                          json:"owner"`
	PurchasedSlot uint64    `json:"purchasedSlot"`
	CreatedAt     time.Time `json:"createdAt"`
}

// TicketMetadata describes a ticket the way the ticket collection presents it.
type TicketMetadata struct {
	Name       string `json:"name"`
	Symbol     string `json:"symbol"`
	URI        string `json:"uri,omitempty"`
	Collection string `json:"collection,omitempty"`
}

// Metadata returns the display metadata for the ticket.
func (t *TicketRecord) Metadata(uri string) TicketMetadata {
	return TicketMetadata{
		Name:       fmt.Sprintf("%s%d", TicketNamePrefix, t.Index),
		Symbol:     TicketSymbol,
		URI:        uri,
		Collection: CollectionID(t.LotteryID),
	}
}

// CollectionMetadata describes the collection every ticket of a lottery
// belongs to.
func CollectionMetadata(lotteryID, uri string) TicketMetadata {
	return TicketMetadata{
		Name:       TicketNamePrefix,
		Symbol:     TicketSymbol,
		URI:        uri,
		Collection: CollectionID(lotteryID),
	}
}

// Account is a balance holder in the payment asset.
type Account struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Balance   uint64    `gorm:"not null"   json:"balance"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// VaultAccount returns the account id holding a lottery's prize pool.
func VaultAccount(lotteryID string) string {
	return vaultPrefix + lotteryID
}

// CollectionID returns the id of the ticket collection of a lottery.
func CollectionID(lotteryID string) string {
	return collectionPrefix + lotteryID
}

// Reserved reports whether id names an account owned by the service, which
// no caller may act as.
func Reserved(id string) bool {
	return strings.HasPrefix(id, vaultPrefix) || strings.HasPrefix(id, collectionPrefix)
}

// RandomnessRequest is an oracle request as seen by the lottery.
// CommittedAt is nil until the oracle commits it; RevealedValue is nil until it matures and is revealed.
type RandomnessRequest struct {
	Ref           string  `json:"ref"`
	QueueRef      string  `json:"queueRef"`
	CreatedAt     uint64  `json:"createdAt"`
	CommittedAt   *uint64 `json:"committedAt,omitempty"`
	MaturesAtSlot uint64  `json:"maturesAtSlot"`
	Commitment    []byte  `json:"commitment,omitempty"`
	Seed          []byte  `json:"seed,omitempty"`
	RevealedValue *uint64 `json:"revealedValue,omitempty"`
}

// Committed reports whether the oracle has committed the request.
func (r *RandomnessRequest) Committed() bool {
	return r.CommittedAt != nil
}

// Revealed reports whether the request's value has been disclosed.
func (r *RandomnessRequest) Revealed() bool {
	return r.RevealedValue != nil
}

// Lottery is the combined read view of one lottery instance.
// Collection is set once the lottery has been initialized.
type Lottery struct {
	Config     LotteryConfig   `json:"config"`
	State      LotteryState    `json:"state"`
	Collection *TicketMetadata `json:"collection,omitempty"`
}

// NewLottery builds the read view of a lottery. uri is the ticket metadata
// URI.
func NewLottery(cfg LotteryConfig, state LotteryState, uri string) *Lottery {
	l := &Lottery{Config: cfg, State: state}
	if state.Collection != "" {
		meta := CollectionMetadata(cfg.LotteryID, uri)
		l.Collection = &meta
	}
	return l
}
