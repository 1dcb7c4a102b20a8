package lending

import (
	"math/big"
	"strconv"

	"nhblend/core/types"
	"nhblend/crypto"
)

const (
	EventTypeCollateralDeposited = "lending.collateral.deposited"
	EventTypeLoanCreated         = "lending.loan.created"
	EventTypeLoanRepaid          = "lending.loan.repaid"
	EventTypeCollateralWithdrawn = "lending.collateral.withdrawn"
	EventTypeCollateralReleased  = "lending.collateral.released"
	EventTypePoolFunded          = "lending.pool.funded"
)

type lendingEvent struct {
	evt *types.Event
}

func (e lendingEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

// Event exposes the structured payload to subscribers.
func (e lendingEvent) Event() *types.Event { return e.evt }

// NewCollateralDepositedEvent is raised when free collateral is credited.
func NewCollateralDepositedEvent(account crypto.Address, amount, balance *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeCollateralDeposited,
		Attributes: map[string]string{
			"account": account.String(),
			"amount":  formatAmount(amount),
			"balance": formatAmount(balance),
		},
	}
}

// NewLoanCreatedEvent is raised when a loan becomes Active.
func NewLoanCreatedEvent(loan *Loan) *types.Event {
	return newLoanEvent(EventTypeLoanCreated, loan, map[string]string{
		"principal":  formatAmount(loan.Principal),
		"collateral": formatAmount(loan.Collateral),
	})
}

// NewLoanRepaidEvent is raised when a loan is settled in full. The amounts
// are the figures settled, since the repaid record itself is zeroed.
func NewLoanRepaidEvent(loan *Loan, principal, interest, released, refund *big.Int) *types.Event {
	owed := new(big.Int).Add(cloneBigInt(principal), cloneBigInt(interest))
	return newLoanEvent(EventTypeLoanRepaid, loan, map[string]string{
		"principal": formatAmount(principal),
		"owed":      formatAmount(owed),
		"interest":  formatAmount(interest),
		"released":  formatAmount(released),
		"refund":    formatAmount(refund),
	})
}

// NewCollateralWithdrawnEvent is raised when excess collateral leaves a loan.
func NewCollateralWithdrawnEvent(loan *Loan, amount *big.Int) *types.Event {
	return newLoanEvent(EventTypeCollateralWithdrawn, loan, map[string]string{
		"amount":     formatAmount(amount),
		"collateral": formatAmount(loan.Collateral),
	})
}

// NewCollateralReleasedEvent is raised when free collateral is paid out.
func NewCollateralReleasedEvent(account crypto.Address, amount, balance *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeCollateralReleased,
		Attributes: map[string]string{
			"account": account.String(),
			"amount":  formatAmount(amount),
			"balance": formatAmount(balance),
		},
	}
}

// NewPoolFundedEvent is raised when liquidity is added to the pool.
func NewPoolFundedEvent(amount, liquidity *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypePoolFunded,
		Attributes: map[string]string{
			"amount":    formatAmount(amount),
			"liquidity": formatAmount(liquidity),
		},
	}
}

func newLoanEvent(eventType string, loan *Loan, extra map[string]string) *types.Event {
	attrs := map[string]string{
		"loanId":   strconv.FormatUint(loan.ID, 10),
		"borrower": loan.Borrower.String(),
		"state":    loan.State.String(),
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
