package engine

import "errors"

var (
	ErrNotFound               = errors.New("lending: not found")
	ErrInsufficientCollateral = errors.New("lending: insufficient collateral")
	ErrInsufficientLiquidity  = errors.New("lending: insufficient liquidity")
	ErrLoanNotActive          = errors.New("lending: loan not active")
	ErrPaused                 = errors.New("lending: operation paused")
	ErrInvalidAmount          = errors.New("lending: invalid amount")
	ErrUnauthorized           = errors.New("lending: unauthorized")
	ErrTransferFailed         = errors.New("lending: transfer failed")
	ErrConflict               = errors.New("lending: operation in progress")
	ErrQuotaExceeded          = errors.New("lending: quota exceeded")
	ErrInternal               = errors.New("lending: internal error")
)
