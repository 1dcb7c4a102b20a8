package lending

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"nhblend/crypto"
	"nhblend/storage"
)

// State is the full persisted image of an engine.
type State struct {
	Balances   []AccountBalance
	Loans      []*Loan
	Liquidity  *big.Int
	NextLoanID uint64
}

// Empty reports whether the state carries nothing worth restoring.
func (s *State) Empty() bool {
	if s == nil {
		return true
	}
	return len(s.Balances) == 0 && len(s.Loans) == 0 && s.NextLoanID <= 1 &&
		(s.Liquidity == nil || s.Liquidity.Sign() == 0)
}

// ChangeSet carries the records touched since the last successful flush.
// Liquidity and NextLoanID are always populated.
type ChangeSet struct {
	Balances   []AccountBalance
	Loans      []*Loan
	Liquidity  *big.Int
	NextLoanID uint64
}

// Store persists engine state. Apply must be atomic: either every record in
// the change set is written or none is.
type Store interface {
	Load() (*State, error)
	Apply(cs *ChangeSet) error
}

var (
	metaKey         = ethcrypto.Keccak256([]byte("lending/meta"))
	accountIndexKey = ethcrypto.Keccak256([]byte("lending/accounts"))
	balancePrefix   = []byte("lending/collateral:")
	loanPrefix      = []byte("lending/loan:")
)

func balanceKey(addr []byte) []byte {
	buf := make([]byte, len(balancePrefix)+len(addr))
	copy(buf, balancePrefix)
	copy(buf[len(balancePrefix):], addr)
	return ethcrypto.Keccak256(buf)
}

func loanKey(id uint64) []byte {
	buf := make([]byte, len(loanPrefix)+8)
	copy(buf, loanPrefix)
	binary.BigEndian.PutUint64(buf[len(loanPrefix):], id)
	return ethcrypto.Keccak256(buf)
}

type storedMeta struct {
	Liquidity  *big.Int
	NextLoanID uint64
}

type storedAccount struct {
	Prefix string
	Addr   []byte
}

type storedBalance struct {
	Prefix string
	Addr   []byte
	Free   *big.Int
}

type storedLoan struct {
	ID              uint64
	Prefix          string
	Borrower        []byte
	Principal       *big.Int
	Collateral      *big.Int
	InterestAccrued *big.Int
	LastSettled     uint64
	State           uint8
	OpenedAt        uint64
	ClosedAt        uint64
}

// KVStore persists engine state into a storage.Database using RLP-encoded
// records under Keccak-256 derived keys. Loans are addressed by id, so the
// loan set is recovered by walking 1..NextLoanID-1; accounts are tracked in an
// index record.
type KVStore struct {
	db storage.Database
}

// NewKVStore wraps db.
func NewKVStore(db storage.Database) *KVStore {
	return &KVStore{db: db}
}

// Load implements Store.
func (s *KVStore) Load() (*State, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("lending store: database not configured")
	}
	state := &State{Liquidity: big.NewInt(0), NextLoanID: 1}

	raw, err := s.db.Get(metaKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return state, nil
	case err != nil:
		return nil, err
	}
	var meta storedMeta
	if err := rlp.DecodeBytes(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	state.Liquidity = cloneBigInt(meta.Liquidity)
	state.NextLoanID = meta.NextLoanID

	index, err := s.accountIndex()
	if err != nil {
		return nil, err
	}
	for _, acct := range index {
		raw, err := s.db.Get(balanceKey(acct.Addr))
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var bal storedBalance
		if err := rlp.DecodeBytes(raw, &bal); err != nil {
			return nil, fmt.Errorf("decode balance: %w", err)
		}
		addr, err := crypto.NewAddress(crypto.AddressPrefix(bal.Prefix), bal.Addr)
		if err != nil {
			return nil, fmt.Errorf("decode balance: %w", err)
		}
		state.Balances = append(state.Balances, AccountBalance{Account: addr, Free: cloneBigInt(bal.Free)})
	}

	for id := uint64(1); id < state.NextLoanID; id++ {
		raw, err := s.db.Get(loanKey(id))
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		loan, err := decodeLoan(raw)
		if err != nil {
			return nil, fmt.Errorf("decode loan %d: %w", id, err)
		}
		state.Loans = append(state.Loans, loan)
	}
	return state, nil
}

// Apply implements Store. All records are written in a single batch.
func (s *KVStore) Apply(cs *ChangeSet) error {
	if s == nil || s.db == nil {
		return errors.New("lending store: database not configured")
	}
	if cs == nil {
		return nil
	}
	batch := s.db.NewBatch()

	index, err := s.accountIndex()
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(index))
	for _, acct := range index {
		known[string(acct.Addr)] = struct{}{}
	}
	indexChanged := false
	for _, bal := range cs.Balances {
		encoded, err := rlp.EncodeToBytes(storedBalance{
			Prefix: string(bal.Account.Prefix()),
			Addr:   bal.Account.Bytes(),
			Free:   cloneBigInt(bal.Free),
		})
		if err != nil {
			return err
		}
		batch.Put(balanceKey(bal.Account.Bytes()), encoded)
		if _, ok := known[string(bal.Account.Bytes())]; !ok {
			known[string(bal.Account.Bytes())] = struct{}{}
			index = append(index, storedAccount{Prefix: string(bal.Account.Prefix()), Addr: bal.Account.Bytes()})
			indexChanged = true
		}
	}
	if indexChanged {
		encoded, err := rlp.EncodeToBytes(index)
		if err != nil {
			return err
		}
		batch.Put(accountIndexKey, encoded)
	}

	for _, loan := range cs.Loans {
		encoded, err := encodeLoan(loan)
		if err != nil {
			return err
		}
		batch.Put(loanKey(loan.ID), encoded)
	}

	meta, err := rlp.EncodeToBytes(storedMeta{Liquidity: cloneBigInt(cs.Liquidity), NextLoanID: cs.NextLoanID})
	if err != nil {
		return err
	}
	batch.Put(metaKey, meta)
	return batch.Write()
}

func (s *KVStore) accountIndex() ([]storedAccount, error) {
	raw, err := s.db.Get(accountIndexKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var index []storedAccount
	if err := rlp.DecodeBytes(raw, &index); err != nil {
		return nil, fmt.Errorf("decode account index: %w", err)
	}
	return index, nil
}

func encodeLoan(loan *Loan) ([]byte, error) {
	return rlp.EncodeToBytes(storedLoan{
		ID:              loan.ID,
		Prefix:          string(loan.Borrower.Prefix()),
		Borrower:        loan.Borrower.Bytes(),
		Principal:       cloneBigInt(loan.Principal),
		Collateral:      cloneBigInt(loan.Collateral),
		InterestAccrued: cloneBigInt(loan.InterestAccrued),
		LastSettled:     unixToUint(loan.LastSettled),
		State:           uint8(loan.State),
		OpenedAt:        unixToUint(loan.OpenedAt),
		ClosedAt:        unixToUint(loan.ClosedAt),
	})
}

func decodeLoan(raw []byte) (*Loan, error) {
	var stored storedLoan
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, err
	}
	borrower, err := crypto.NewAddress(crypto.AddressPrefix(stored.Prefix), stored.Borrower)
	if err != nil {
		return nil, err
	}
	return &Loan{
		ID:              stored.ID,
		Borrower:        borrower,
		Principal:       cloneBigInt(stored.Principal),
		Collateral:      cloneBigInt(stored.Collateral),
		InterestAccrued: cloneBigInt(stored.InterestAccrued),
		LastSettled:     int64(stored.LastSettled),
		State:           LoanState(stored.State),
		OpenedAt:        int64(stored.OpenedAt),
		ClosedAt:        int64(stored.ClosedAt),
	}, nil
}

func unixToUint(ts int64) uint64 {
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}
