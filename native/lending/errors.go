package lending

import "errors"

var (
	// ErrValidation reports a non-positive or malformed amount, or a tender
	// that does not cover the owed balance.
	ErrValidation = errors.New("lending engine: invalid amount")
	// ErrInsufficientCollateral reports that a reservation or withdrawal would
	// break the collateral ratio or exceed the free balance.
	ErrInsufficientCollateral = errors.New("lending engine: insufficient collateral")
	// ErrInsufficientLiquidity reports that the pool cannot fund the request.
	ErrInsufficientLiquidity = errors.New("lending engine: insufficient pool liquidity")
	// ErrLoanNotActive reports an unknown loan id or a loan that is not Active.
	ErrLoanNotActive = errors.New("lending engine: loan not active")
	// ErrUnauthorized reports a caller that is not the loan's borrower.
	ErrUnauthorized = errors.New("lending engine: caller is not the borrower")
	// ErrTransferFailure wraps a failed external value movement.
	ErrTransferFailure = errors.New("lending engine: value transfer failed")
	// ErrReentrancyRejected reports a nested call into an operation that is
	// already in flight.
	ErrReentrancyRejected = errors.New("lending engine: reentrant call rejected")
	// ErrShutdown reports that the access controller has halted new exposure.
	ErrShutdown = errors.New("lending engine: shut down")
	// ErrArithmeticOverflow reports a result that does not fit in 256 bits.
	ErrArithmeticOverflow = errors.New("lending engine: arithmetic overflow")
	// ErrPersistence wraps failures reported by the configured Store.
	ErrPersistence = errors.New("lending engine: persistence failed")

	errNilEngine     = errors.New("lending engine: not initialised")
	errInvalidConfig = errors.New("lending engine: invalid configuration")
)
