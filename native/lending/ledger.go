package lending

import (
	"fmt"
	"math/big"
	"sort"

	"nhblend/crypto"
)

type accountEntry struct {
	addr crypto.Address
	free *big.Int
}

// Ledger owns the free collateral of every account and the pool liquidity
// counter. Balances never go negative: a reservation that does not fit fails
// instead of clamping.
type Ledger struct {
	accounts  map[[20]byte]*accountEntry
	liquidity *big.Int
	journal   *journal
}

func newLedger(j *journal) *Ledger {
	return &Ledger{
		accounts:  make(map[[20]byte]*accountEntry),
		liquidity: big.NewInt(0),
		journal:   j,
	}
}

// Deposit credits free collateral and returns the new balance.
func (l *Ledger) Deposit(account crypto.Address, amount *big.Int) (*big.Int, error) {
	if !positive(amount) {
		return nil, fmt.Errorf("%w: deposit must be positive", ErrValidation)
	}
	if account.IsZero() {
		return nil, fmt.Errorf("%w: account required", ErrValidation)
	}
	next := new(big.Int).Add(l.Balance(account), amount)
	l.setBalance(account, next)
	return new(big.Int).Set(next), nil
}

// Balance returns the account's free collateral. Unknown accounts hold zero.
func (l *Ledger) Balance(account crypto.Address) *big.Int {
	entry, ok := l.accounts[account.Key()]
	if !ok || entry.free == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(entry.free)
}

// reserve moves amount out of the free balance so it can be locked in a loan.
func (l *Ledger) reserve(account crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: reservation must not be negative", ErrValidation)
	}
	free := l.Balance(account)
	if free.Cmp(amount) < 0 {
		return fmt.Errorf("%w: free %s, need %s", ErrInsufficientCollateral, free, amount)
	}
	l.setBalance(account, free.Sub(free, amount))
	return nil
}

// release returns locked collateral to the free balance.
func (l *Ledger) release(account crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: release must not be negative", ErrValidation)
	}
	l.setBalance(account, new(big.Int).Add(l.Balance(account), amount))
	return nil
}

// Liquidity returns the amount the pool can still lend.
func (l *Ledger) Liquidity() *big.Int {
	return new(big.Int).Set(l.liquidity)
}

func (l *Ledger) fund(amount *big.Int) error {
	if !positive(amount) {
		return fmt.Errorf("%w: funding must be positive", ErrValidation)
	}
	l.setLiquidity(new(big.Int).Add(l.liquidity, amount))
	return nil
}

func (l *Ledger) draw(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: draw must not be negative", ErrValidation)
	}
	if l.liquidity.Cmp(amount) < 0 {
		return fmt.Errorf("%w: available %s, requested %s", ErrInsufficientLiquidity, l.liquidity, amount)
	}
	l.setLiquidity(new(big.Int).Sub(l.liquidity, amount))
	return nil
}

func (l *Ledger) replenish(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: replenish must not be negative", ErrValidation)
	}
	l.setLiquidity(new(big.Int).Add(l.liquidity, amount))
	return nil
}

func (l *Ledger) setBalance(account crypto.Address, value *big.Int) {
	key := account.Key()
	prev, existed := l.accounts[key]
	change := balanceChange{ledger: l, key: key}
	if existed {
		change.prev = prev
	}
	l.journal.append(change)
	l.accounts[key] = &accountEntry{addr: account, free: value}
	l.journal.markAccount(key)
}

func (l *Ledger) setLiquidity(value *big.Int) {
	l.journal.append(liquidityChange{ledger: l, prev: l.liquidity})
	l.liquidity = value
	l.journal.markMeta()
}

// balances returns every account with an entry, ordered by address bytes.
func (l *Ledger) balances() []AccountBalance {
	keys := make([][20]byte, 0, len(l.accounts))
	for key := range l.accounts {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return string(keys[i][:]) < string(keys[j][:])
	})
	out := make([]AccountBalance, 0, len(keys))
	for _, key := range keys {
		entry := l.accounts[key]
		out = append(out, AccountBalance{Account: entry.addr, Free: cloneBigInt(entry.free)})
	}
	return out
}

// load installs persisted balances without journaling them.
func (l *Ledger) load(balances []AccountBalance, liquidity *big.Int) {
	l.accounts = make(map[[20]byte]*accountEntry, len(balances))
	for _, bal := range balances {
		if bal.Account.IsZero() {
			continue
		}
		l.accounts[bal.Account.Key()] = &accountEntry{addr: bal.Account, free: cloneBigInt(bal.Free)}
	}
	l.liquidity = cloneBigInt(liquidity)
}
