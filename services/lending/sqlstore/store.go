// Package sqlstore persists lending engine state in a SQL database through
// gorm. SQLite serves development and tests; Postgres serves production.
package sqlstore

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"nhblend/crypto"
	"nhblend/native/lending"
)

const metaRowID = 1

// Balance is one account's free collateral.
type Balance struct {
	Account   string `gorm:"primaryKey;size:128"`
	Free      string `gorm:"not null"`
	UpdatedAt int64  `gorm:"autoUpdateTime"`
}

// TableName pins the table name.
func (Balance) TableName() string { return "lending_balances" }

// Loan mirrors lending.Loan with amounts stored as base-10 strings.
type Loan struct {
	ID              uint64 `gorm:"primaryKey;autoIncrement:false"`
	Borrower        string `gorm:"size:128;index"`
	Principal       string `gorm:"not null"`
	Collateral      string `gorm:"not null"`
	InterestAccrued string `gorm:"not null"`
	LastSettled     int64
	State           string `gorm:"size:16;index"`
	OpenedAt        int64
	ClosedAt        int64
}

// TableName pins the table name.
func (Loan) TableName() string { return "lending_loans" }

// Meta holds the pool liquidity and loan id allocator.
type Meta struct {
	ID         uint   `gorm:"primaryKey"`
	Liquidity  string `gorm:"not null"`
	NextLoanID uint64 `gorm:"not null"`
}

// TableName pins the table name.
func (Meta) TableName() string { return "lending_meta" }

// AutoMigrate creates or updates the lending tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Balance{},
		&Loan{},
		&Meta{},
	)
}

// Open connects to the database named by driver ("sqlite" or "postgres").
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}
	return db, nil
}

// Store implements lending.Store over gorm.
type Store struct {
	db *gorm.DB
}

// New wraps db and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("sqlstore: database not configured")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Load implements lending.Store.
func (s *Store) Load() (*lending.State, error) {
	state := &lending.State{Liquidity: big.NewInt(0), NextLoanID: 1}

	var meta Meta
	err := s.db.First(&meta, "id = ?", metaRowID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return state, nil
	case err != nil:
		return nil, fmt.Errorf("sqlstore: load meta: %w", err)
	}
	liquidity, err := parseAmount(meta.Liquidity)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: liquidity: %w", err)
	}
	state.Liquidity = liquidity
	state.NextLoanID = meta.NextLoanID

	var balances []Balance
	if err := s.db.Order("account").Find(&balances).Error; err != nil {
		return nil, fmt.Errorf("sqlstore: load balances: %w", err)
	}
	for _, row := range balances {
		addr, err := crypto.DecodeAddress(row.Account)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: balance account %q: %w", row.Account, err)
		}
		free, err := parseAmount(row.Free)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: balance %s: %w", row.Account, err)
		}
		state.Balances = append(state.Balances, lending.AccountBalance{Account: addr, Free: free})
	}

	var loans []Loan
	if err := s.db.Order("id").Find(&loans).Error; err != nil {
		return nil, fmt.Errorf("sqlstore: load loans: %w", err)
	}
	for _, row := range loans {
		loan, err := row.toLoan()
		if err != nil {
			return nil, fmt.Errorf("sqlstore: loan %d: %w", row.ID, err)
		}
		state.Loans = append(state.Loans, loan)
	}
	return state, nil
}

// Apply implements lending.Store. The change set is written in a single
// transaction.
func (s *Store) Apply(cs *lending.ChangeSet) error {
	if cs == nil {
		return nil
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, bal := range cs.Balances {
			row := Balance{Account: bal.Account.String(), Free: amountString(bal.Free)}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "account"}},
				DoUpdates: clause.AssignmentColumns([]string{"free", "updated_at"}),
			}).Create(&row).Error; err != nil {
				return fmt.Errorf("sqlstore: save balance %s: %w", row.Account, err)
			}
		}
		for _, loan := range cs.Loans {
			row := fromLoan(loan)
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				UpdateAll: true,
			}).Create(&row).Error; err != nil {
				return fmt.Errorf("sqlstore: save loan %d: %w", row.ID, err)
			}
		}
		meta := Meta{ID: metaRowID, Liquidity: amountString(cs.Liquidity), NextLoanID: cs.NextLoanID}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(&meta).Error; err != nil {
			return fmt.Errorf("sqlstore: save meta: %w", err)
		}
		return nil
	})
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func fromLoan(loan *lending.Loan) Loan {
	return Loan{
		ID:              loan.ID,
		Borrower:        loan.Borrower.String(),
		Principal:       amountString(loan.Principal),
		Collateral:      amountString(loan.Collateral),
		InterestAccrued: amountString(loan.InterestAccrued),
		LastSettled:     loan.LastSettled,
		State:           loan.State.String(),
		OpenedAt:        loan.OpenedAt,
		ClosedAt:        loan.ClosedAt,
	}
}

func (row Loan) toLoan() (*lending.Loan, error) {
	borrower, err := crypto.DecodeAddress(row.Borrower)
	if err != nil {
		return nil, err
	}
	state, err := lending.ParseLoanState(row.State)
	if err != nil {
		return nil, err
	}
	principal, err := parseAmount(row.Principal)
	if err != nil {
		return nil, err
	}
	collateral, err := parseAmount(row.Collateral)
	if err != nil {
		return nil, err
	}
	interest, err := parseAmount(row.InterestAccrued)
	if err != nil {
		return nil, err
	}
	return &lending.Loan{
		ID:              row.ID,
		Borrower:        borrower,
		Principal:       principal,
		Collateral:      collateral,
		InterestAccrued: interest,
		LastSettled:     row.LastSettled,
		State:           state,
		OpenedAt:        row.OpenedAt,
		ClosedAt:        row.ClosedAt,
	}, nil
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

var _ lending.Store = (*Store)(nil)
