package lending

import (
	"math/big"
	"sort"

	"nhblend/crypto"
)

// LoanRegistry is the only writer of loan records. Identifiers are allocated
// from a counter starting at 1; zero is reserved as the "no loan" sentinel.
// Records are never removed, so Repaid loans stay queryable.
type LoanRegistry struct {
	loans   map[uint64]*Loan
	nextID  uint64
	journal *journal
}

func newLoanRegistry(j *journal) *LoanRegistry {
	return &LoanRegistry{
		loans:   make(map[uint64]*Loan),
		nextID:  1,
		journal: j,
	}
}

// open allocates an identifier and stores a new Active loan.
func (r *LoanRegistry) open(borrower crypto.Address, principal, collateral *big.Int, now int64) *Loan {
	id := r.nextID
	r.journal.append(nextIDChange{registry: r, prev: r.nextID})
	r.nextID++
	r.journal.markMeta()

	loan := &Loan{
		ID:              id,
		Borrower:        borrower,
		Principal:       cloneBigInt(principal),
		Collateral:      cloneBigInt(collateral),
		InterestAccrued: big.NewInt(0),
		LastSettled:     now,
		State:           LoanStateActive,
		OpenedAt:        now,
	}
	r.put(loan)
	return loan.Clone()
}

// get returns a copy of the loan or false when the id was never issued.
func (r *LoanRegistry) get(id uint64) (*Loan, bool) {
	loan, ok := r.loans[id]
	if !ok {
		return nil, false
	}
	return loan.Clone(), true
}

// put replaces the stored record with a copy of loan.
func (r *LoanRegistry) put(loan *Loan) {
	prev, existed := r.loans[loan.ID]
	change := loanChange{registry: r, id: loan.ID}
	if existed {
		change.prev = prev
	}
	r.journal.append(change)
	r.loans[loan.ID] = loan.Clone()
	r.journal.markLoan(loan.ID)
}

// byBorrower lists the borrower's loans in id order.
func (r *LoanRegistry) byBorrower(borrower crypto.Address) []*Loan {
	out := make([]*Loan, 0)
	for _, loan := range r.loans {
		if loan.Borrower.Equal(borrower) {
			out = append(out, loan.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// all lists every loan in id order.
func (r *LoanRegistry) all() []*Loan {
	out := make([]*Loan, 0, len(r.loans))
	for _, loan := range r.loans {
		out = append(out, loan.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *LoanRegistry) load(loans []*Loan, nextID uint64) {
	r.loans = make(map[uint64]*Loan, len(loans))
	maxID := uint64(0)
	for _, loan := range loans {
		if loan == nil || loan.ID == 0 {
			continue
		}
		r.loans[loan.ID] = loan.Clone()
		if loan.ID > maxID {
			maxID = loan.ID
		}
	}
	if nextID <= maxID {
		nextID = maxID + 1
	}
	if nextID == 0 {
		nextID = 1
	}
	r.nextID = nextID
}
