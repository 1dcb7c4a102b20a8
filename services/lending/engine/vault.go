package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"nhblend/crypto"
	"nhblend/native/lending"
	"nhblend/observability"
	"nhblend/storage"
)

var (
	// ErrVaultHalted is returned while payouts are suspended.
	ErrVaultHalted = errors.New("lending vault: payouts halted")
	// ErrPayoutTooLarge is returned when a single payout exceeds the ceiling.
	ErrPayoutTooLarge = errors.New("lending vault: payout exceeds ceiling")
)

const (
	vaultPayoutPrefix  = "lending/vault/payout/"
	vaultAccountPrefix = "lending/vault/account/"
)

// Payout is the durable record of one outbound transfer.
type Payout struct {
	Receipt   string `json:"receipt"`
	Account   string `json:"account"`
	Amount    string `json:"amount"`
	Timestamp int64  `json:"timestamp"`
}

type vaultAccount struct {
	Total    string   `json:"total"`
	Receipts []string `json:"receipts"`
}

// VaultConfig tunes payout limits.
type VaultConfig struct {
	// MaxPayout caps a single transfer. Nil or zero disables the cap.
	MaxPayout *big.Int
	// Halted starts the vault with payouts suspended.
	Halted bool
}

// Vault is the lending.Transferer used by lendingd. Every payout is written
// to the backing database with a receipt before Send returns, so a failed
// write fails the transfer and the engine unwinds the operation.
type Vault struct {
	mu        sync.Mutex
	db        storage.Database
	maxPayout *big.Int
	halted    bool
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger
	metrics   *observability.LendingMetrics
}

// NewVault constructs a vault over db. A nil db keeps records in memory.
func NewVault(db storage.Database, cfg VaultConfig) *Vault {
	if db == nil {
		db = storage.NewMemDB()
	}
	v := &Vault{
		db:      db,
		halted:  cfg.Halted,
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
		logger:  slog.Default().With(slog.String("component", "lending-vault")),
		metrics: observability.Lending(),
	}
	if cfg.MaxPayout != nil && cfg.MaxPayout.Sign() > 0 {
		v.maxPayout = new(big.Int).Set(cfg.MaxPayout)
	}
	return v
}

// Send implements lending.Transferer.
func (v *Vault) Send(to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.halted {
		v.metrics.RecordPayout("halted")
		return ErrVaultHalted
	}
	if v.maxPayout != nil && amount.Cmp(v.maxPayout) > 0 {
		v.metrics.RecordPayout("rejected")
		return fmt.Errorf("%w: %s > %s", ErrPayoutTooLarge, amount, v.maxPayout)
	}
	account := to.String()
	acct, err := v.loadAccount(account)
	if err != nil {
		v.metrics.RecordPayout("error")
		return err
	}
	total, ok := new(big.Int).SetString(acct.Total, 10)
	if !ok {
		total = big.NewInt(0)
	}
	payout := Payout{
		Receipt:   v.newID(),
		Account:   account,
		Amount:    amount.String(),
		Timestamp: v.now().Unix(),
	}
	acct.Total = total.Add(total, amount).String()
	acct.Receipts = append(acct.Receipts, payout.Receipt)

	encodedPayout, err := json.Marshal(payout)
	if err != nil {
		return err
	}
	encodedAccount, err := json.Marshal(acct)
	if err != nil {
		return err
	}
	batch := v.db.NewBatch()
	batch.Put([]byte(vaultPayoutPrefix+payout.Receipt), encodedPayout)
	batch.Put([]byte(vaultAccountPrefix+account), encodedAccount)
	if err := batch.Write(); err != nil {
		v.metrics.RecordPayout("error")
		return fmt.Errorf("lending vault: record payout: %w", err)
	}
	v.metrics.RecordPayout("success")
	v.logger.Info("lending payout recorded",
		slog.String("account", account),
		slog.String("amount", payout.Amount),
		slog.String("receipt", payout.Receipt))
	return nil
}

// Halt suspends payouts.
func (v *Vault) Halt() {
	v.mu.Lock()
	v.halted = true
	v.mu.Unlock()
}

// Resume re-enables payouts.
func (v *Vault) Resume() {
	v.mu.Lock()
	v.halted = false
	v.mu.Unlock()
}

// Halted reports whether payouts are suspended.
func (v *Vault) Halted() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.halted
}

// TotalPaid returns the cumulative amount paid to account.
func (v *Vault) TotalPaid(account crypto.Address) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	acct, err := v.loadAccount(account.String())
	if err != nil {
		return nil, err
	}
	total, ok := new(big.Int).SetString(acct.Total, 10)
	if !ok {
		return big.NewInt(0), nil
	}
	return total, nil
}

// Payouts returns the account's payout history in the order it was written.
func (v *Vault) Payouts(account crypto.Address) ([]Payout, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	acct, err := v.loadAccount(account.String())
	if err != nil {
		return nil, err
	}
	out := make([]Payout, 0, len(acct.Receipts))
	for _, receipt := range acct.Receipts {
		raw, err := v.db.Get([]byte(vaultPayoutPrefix + receipt))
		if err != nil {
			return nil, fmt.Errorf("lending vault: load receipt %s: %w", receipt, err)
		}
		var payout Payout
		if err := json.Unmarshal(raw, &payout); err != nil {
			return nil, fmt.Errorf("lending vault: decode receipt %s: %w", receipt, err)
		}
		out = append(out, payout)
	}
	return out, nil
}

func (v *Vault) loadAccount(account string) (vaultAccount, error) {
	raw, err := v.db.Get([]byte(vaultAccountPrefix + account))
	if errors.Is(err, storage.ErrNotFound) {
		return vaultAccount{Total: "0"}, nil
	}
	if err != nil {
		return vaultAccount{}, fmt.Errorf("lending vault: load account: %w", err)
	}
	var acct vaultAccount
	if err := json.Unmarshal(raw, &acct); err != nil {
		return vaultAccount{}, fmt.Errorf("lending vault: decode account: %w", err)
	}
	return acct, nil
}

var _ lending.Transferer = (*Vault)(nil)
