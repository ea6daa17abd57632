// Package store persists lotteries, tickets and account balances in SQLite.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/bits"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"tokenlottery/internal/models"
)

var (
	ErrNotFound          = errors.New("store: record not found")
	ErrConflict          = errors.New("store: concurrent update")
	ErrInsufficientFunds = errors.New("store: insufficient funds")
	ErrOverflow          = errors.New("store: balance overflow")
	ErrSelfTransfer      = errors.New("store: transfer to the same account")
)

// Store is a handle on the database, or on one transaction within it.
type Store struct {
	db *gorm.DB
}

// Open opens the database at path, creating it if needed. An empty path
// opens a private in-memory database.
func Open(path string) (*Store, error) {
	var dsn string
	if path == "" {
		dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	} else {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, fs.ModePerm); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection serializes every transaction against the lottery tables.
	sqlDB.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&models.LotteryConfig{},
		&models.LotteryState{},
		&models.TicketRecord{},
		&models.Account{},
	)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction runs fn in a database transaction. Returning an error from fn
// rolls back every write made through tx.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// Config returns the configuration of a lottery.
func (s *Store) Config(ctx context.Context, lotteryID string) (*models.LotteryConfig, error) {
	var cfg models.LotteryConfig
	err := s.db.WithContext(ctx).Where("lottery_id = ?", lotteryID).Take(&cfg).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &cfg, nil
}

// State returns the state of a lottery.
func (s *Store) State(ctx context.Context, lotteryID string) (*models.LotteryState, error) {
	var state models.LotteryState
	err := s.db.WithContext(ctx).Where("lottery_id = ?", lotteryID).Take(&state).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &state, nil
}

// CreateLottery inserts the configuration and initial state of a new lottery.
func (s *Store) CreateLottery(ctx context.Context, cfg *models.LotteryConfig, state *models.LotteryState) error {
	db := s.db.WithContext(ctx)
	if err := db.Create(cfg).Error; err != nil {
		return fmt.Errorf("creating lottery config: %w", err)
	}
	if err := db.Create(state).Error; err != nil {
		return fmt.Errorf("creating lottery state: %w", err)
	}
	return nil
}

// SaveState writes state if the stored version is still prevVersion, and
// fails with ErrConflict otherwise.
func (s *Store) SaveState(ctx context.Context, state *models.LotteryState, prevVersion uint64) error {
	res := s.db.WithContext(ctx).
		Model(&models.LotteryState{}).
		Where("lottery_id = ? AND version = ?", state.LotteryID, prevVersion).
		Select("*").
		Updates(state)
	if res.Error != nil {
		return fmt.Errorf("saving lottery state: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// Lotteries lists lottery states ordered by id.
func (s *Store) Lotteries(ctx context.Context) ([]models.LotteryState, error) {
	var states []models.LotteryState
	err := s.db.WithContext(ctx).Order("lottery_id").Find(&states).Error
	return states, err
}

// InsertTicket appends a ticket record. The (lottery, index) key is unique.
func (s *Store) InsertTicket(ctx context.Context, ticket *models.TicketRecord) error {
	if err := s.db.WithContext(ctx).Create(ticket).Error; err != nil {
		return fmt.Errorf("inserting ticket %d: %w", ticket.Index, err)
	}
	return nil
}

// Ticket returns one ticket of a lottery.
func (s *Store) Ticket(ctx context.Context, lotteryID string, index uint64) (*models.TicketRecord, error) {
	var ticket models.TicketRecord
	err := s.db.WithContext(ctx).
		Where("lottery_id = ? AND ticket_index = ?", lotteryID, index).
		Take(&ticket).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &ticket, nil
}

// Tickets lists the tickets of a lottery in index order. A negative limit
// returns all tickets from offset.
func (s *Store) Tickets(ctx context.Context, lotteryID string, offset, limit int) ([]models.TicketRecord, error) {
	var tickets []models.TicketRecord
	err := s.db.WithContext(ctx).
		Where("lottery_id = ?", lotteryID).
		Order("ticket_index").
		Offset(offset).
		Limit(limit).
		Find(&tickets).Error
	return tickets, err
}

// CountTickets returns the number of ticket records of a lottery.
func (s *Store) CountTickets(ctx context.Context, lotteryID string) (uint64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.TicketRecord{}).Where("lottery_id = ?", lotteryID).Count(&n).Error
	return uint64(n), err
}

func (s *Store) account(ctx context.Context, id string) (models.Account, error) {
	acct := models.Account{ID: id}
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return acct, nil
	}
	return acct, err
}

func (s *Store) putAccount(ctx context.Context, acct *models.Account) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(acct).Error
}

// Balance returns the balance of an account; unknown accounts hold zero.
func (s *Store) Balance(ctx context.Context, id string) (uint64, error) {
	acct, err := s.account(ctx, id)
	return acct.Balance, err
}

// Credit adds amount to an account.
func (s *Store) Credit(ctx context.Context, id string, amount uint64) error {
	acct, err := s.account(ctx, id)
	if err != nil {
		return err
	}
	balance, carry := bits.Add64(acct.Balance, amount, 0)
	if carry != 0 || balance > models.MaxStored {
		return ErrOverflow
	}
	acct.Balance = balance
	return s.putAccount(ctx, &acct)
}

// Transfer moves amount from one account to another. The accounts must
// differ.
func (s *Store) Transfer(ctx context.Context, from, to string, amount uint64) error {
	if from == to {
		return fmt.Errorf("%w: %s", ErrSelfTransfer, from)
	}
	if amount == 0 {
		return nil
	}
	return s.Transaction(ctx, func(tx *Store) error {
		src, err := tx.account(ctx, from)
		if err != nil {
			return err
		}
		if src.Balance < amount {
			return fmt.Errorf("%w: %s holds %d, needs %d", ErrInsufficientFunds, from, src.Balance, amount)
		}
		dst, err := tx.account(ctx, to)
		if err != nil {
			return err
		}
		balance, carry := bits.Add64(dst.Balance, amount, 0)
		if carry != 0 || balance > models.MaxStored {
			return ErrOverflow
		}
		src.Balance -= amount
		dst.Balance = balance
		if err := tx.putAccount(ctx, &src); err != nil {
			return err
		}
		return tx.putAccount(ctx, &dst)
	})
}
