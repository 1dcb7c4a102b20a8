package lending

import (
	"math/big"

	"nhblend/core/types"
)

// journalEntry is a modification entry in the state change journal that can
// be reverted on demand.
type journalEntry interface {
	revert()
}

// journal records every ledger and registry mutation performed inside an
// operation envelope so that a failed operation can be unwound as a unit. It
// also buffers the events raised by those mutations and the set of records
// that must be written to the store once the outermost operation completes.
type journal struct {
	entries []journalEntry
	events  []*types.Event

	dirtyAccounts map[[20]byte]struct{}
	dirtyLoans    map[uint64]struct{}
	dirtyMeta     bool

	// onAppend is consulted before every mutation; it panics if the active
	// operation has already started transferring value.
	onAppend func()
}

type journalMark struct {
	entries int
	events  int
}

func newJournal() *journal {
	return &journal{
		dirtyAccounts: make(map[[20]byte]struct{}),
		dirtyLoans:    make(map[uint64]struct{}),
	}
}

func (j *journal) append(entry journalEntry) {
	if j.onAppend != nil {
		j.onAppend()
	}
	j.entries = append(j.entries, entry)
}

func (j *journal) snapshot() journalMark {
	return journalMark{entries: len(j.entries), events: len(j.events)}
}

// revertTo undoes every entry recorded after mark, newest first.
func (j *journal) revertTo(mark journalMark) {
	for i := len(j.entries) - 1; i >= mark.entries; i-- {
		j.entries[i].revert()
		j.entries[i] = nil
	}
	j.entries = j.entries[:mark.entries]
	for i := mark.events; i < len(j.events); i++ {
		j.events[i] = nil
	}
	j.events = j.events[:mark.events]
}

func (j *journal) record(evt *types.Event) {
	if evt != nil {
		j.events = append(j.events, evt)
	}
}

// reset drops the undo log and the buffered events once the outermost
// operation has completed. Dirty markers survive until a flush succeeds.
func (j *journal) reset() []*types.Event {
	events := j.events
	j.entries = nil
	j.events = nil
	return events
}

func (j *journal) markAccount(key [20]byte) { j.dirtyAccounts[key] = struct{}{} }
func (j *journal) markLoan(id uint64)       { j.dirtyLoans[id] = struct{}{} }
func (j *journal) markMeta()                { j.dirtyMeta = true }

func (j *journal) dirty() bool {
	return j.dirtyMeta || len(j.dirtyAccounts) > 0 || len(j.dirtyLoans) > 0
}

func (j *journal) clearDirty() {
	j.dirtyAccounts = make(map[[20]byte]struct{})
	j.dirtyLoans = make(map[uint64]struct{})
	j.dirtyMeta = false
}

type (
	// balanceChange restores an account's free collateral. A nil prev means
	// the account had no entry.
	balanceChange struct {
		ledger *Ledger
		key    [20]byte
		prev   *accountEntry
	}
	liquidityChange struct {
		ledger *Ledger
		prev   *big.Int
	}
	// loanChange restores a loan record. A nil prev removes the record.
	loanChange struct {
		registry *LoanRegistry
		id       uint64
		prev     *Loan
	}
	nextIDChange struct {
		registry *LoanRegistry
		prev     uint64
	}
)

func (ch balanceChange) revert() {
	if ch.prev == nil {
		delete(ch.ledger.accounts, ch.key)
		return
	}
	ch.ledger.accounts[ch.key] = ch.prev
}

func (ch liquidityChange) revert() {
	ch.ledger.liquidity = ch.prev
}

func (ch loanChange) revert() {
	if ch.prev == nil {
		delete(ch.registry.loans, ch.id)
		return
	}
	ch.registry.loans[ch.id] = ch.prev
}

func (ch nextIDChange) revert() {
	ch.registry.nextID = ch.prev
}
