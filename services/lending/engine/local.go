package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nhblend/crypto"
	"nhblend/native/common"
	"nhblend/native/lending"
	"nhblend/observability"
	telemetry "nhblend/observability/otel"
)

// LocalOption customises a Local adapter.
type LocalOption func(*Local)

// WithBorrowQuota limits how often and how much each account may borrow per
// epoch.
func WithBorrowQuota(q common.Quota) LocalOption {
	return func(l *Local) {
		l.quota = common.NewQuotaTracker(q)
	}
}

// WithLogger overrides the adapter logger.
func WithLogger(logger *slog.Logger) LocalOption {
	return func(l *Local) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides the clock used for quota epochs.
func WithClock(now func() time.Time) LocalOption {
	return func(l *Local) {
		if now != nil {
			l.now = now
		}
	}
}

// WithMetrics overrides the metrics sink. Passing nil disables metrics.
func WithMetrics(metrics *observability.LendingMetrics) LocalOption {
	return func(l *Local) {
		l.metrics = metrics
	}
}

// Local adapts an in-process lending.Engine to the string-based Engine
// interface. Calls are serialised because the core engine is single-threaded.
type Local struct {
	mu      sync.Mutex
	engine  *lending.Engine
	quota   *common.QuotaTracker
	metrics *observability.LendingMetrics
	tracer  trace.Tracer
	logger  *slog.Logger
	now     func() time.Time
}

// NewLocal wraps core.
func NewLocal(core *lending.Engine, opts ...LocalOption) (*Local, error) {
	if core == nil {
		return nil, fmt.Errorf("lending: engine required")
	}
	l := &Local{
		engine:  core,
		metrics: observability.Lending(),
		tracer:  telemetry.Tracer("nhblend/services/lending"),
		logger:  slog.Default().With(slog.String("component", "lending-engine")),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

// Core exposes the wrapped engine for callers that need the native types.
// Callers must not use it concurrently with the adapter.
func (l *Local) Core() *lending.Engine { return l.engine }

// Do runs fn with exclusive access to the core engine.
func (l *Local) Do(fn func(core *lending.Engine) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(l.engine)
}

func (l *Local) DepositCollateral(ctx context.Context, account, amount string) (Balance, error) {
	var out Balance
	err := l.mutate(ctx, "deposit", func() error {
		addr, err := parseAddress(account)
		if err != nil {
			return err
		}
		value, err := parseAmount(amount)
		if err != nil {
			return err
		}
		balance, err := l.engine.DepositCollateral(addr, value)
		if err != nil {
			return translateEngineError(err)
		}
		out = Balance{Account: addr.String(), Free: balance.String()}
		return nil
	})
	return out, err
}

func (l *Local) WithdrawFreeCollateral(ctx context.Context, account, amount string) (Balance, error) {
	var out Balance
	err := l.mutate(ctx, "withdraw_free", func() error {
		addr, err := parseAddress(account)
		if err != nil {
			return err
		}
		value, err := parseAmount(amount)
		if err != nil {
			return err
		}
		remaining, err := l.engine.WithdrawFreeCollateral(addr, value)
		if err != nil {
			return translateEngineError(err)
		}
		out = Balance{Account: addr.String(), Free: remaining.String()}
		return nil
	})
	return out, err
}

func (l *Local) Borrow(ctx context.Context, account, amount string) (Loan, error) {
	var out Loan
	err := l.mutate(ctx, "borrow", func() error {
		addr, err := parseAddress(account)
		if err != nil {
			return err
		}
		value, err := parseAmount(amount)
		if err != nil {
			return err
		}
		key := addr.String()
		now := l.now().Unix()
		if err := l.quota.Peek(key, now, quotaAmount(value)); err != nil {
			return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
		}
		id, err := l.engine.Borrow(addr, value)
		if err != nil {
			return translateEngineError(err)
		}
		if err := l.quota.Consume(key, now, quotaAmount(value)); err != nil {
			l.logger.Warn("borrow quota drifted", slog.String("account", key), slog.Any("error", err))
		}
		snap, ok := l.engine.LoanDetails(id)
		if !ok {
			return fmt.Errorf("%w: loan %d missing after borrow", ErrInternal, id)
		}
		out = loanFromSnapshot(snap)
		return nil
	})
	return out, err
}

func (l *Local) RepayLoan(ctx context.Context, account string, loanID uint64, tendered string) (Repayment, error) {
	var out Repayment
	err := l.mutate(ctx, "repay", func() error {
		addr, err := parseAddress(account)
		if err != nil {
			return err
		}
		value, err := parseAmount(tendered)
		if err != nil {
			return err
		}
		released, err := l.engine.RepayLoan(addr, loanID, value)
		if err != nil {
			return translateEngineError(err)
		}
		snap, ok := l.engine.LoanDetails(loanID)
		if !ok {
			return fmt.Errorf("%w: loan %d missing after repay", ErrInternal, loanID)
		}
		out = Repayment{Loan: loanFromSnapshot(snap), Released: released.String()}
		return nil
	})
	return out, err
}

func (l *Local) WithdrawCollateral(ctx context.Context, account string, loanID uint64, amount string) (Loan, error) {
	var out Loan
	err := l.mutate(ctx, "withdraw", func() error {
		addr, err := parseAddress(account)
		if err != nil {
			return err
		}
		value, err := parseAmount(amount)
		if err != nil {
			return err
		}
		if _, err := l.engine.WithdrawCollateral(addr, loanID, value); err != nil {
			return translateEngineError(err)
		}
		snap, ok := l.engine.LoanDetails(loanID)
		if !ok {
			return fmt.Errorf("%w: loan %d missing after withdraw", ErrInternal, loanID)
		}
		out = loanFromSnapshot(snap)
		return nil
	})
	return out, err
}

func (l *Local) FundPool(ctx context.Context, amount string) (Pool, error) {
	var out Pool
	err := l.mutate(ctx, "fund_pool", func() error {
		value, err := parseAmount(amount)
		if err != nil {
			return err
		}
		if _, err := l.engine.FundPool(value); err != nil {
			return translateEngineError(err)
		}
		out = poolFromStats(l.engine.Stats())
		return nil
	})
	return out, err
}

func (l *Local) GetCollateralBalance(ctx context.Context, account string) (Balance, error) {
	var out Balance
	err := l.read(ctx, "get_balance", func() error {
		addr, err := parseAddress(account)
		if err != nil {
			return err
		}
		out = Balance{Account: addr.String(), Free: l.engine.CollateralBalance(addr).String()}
		return nil
	})
	return out, err
}

func (l *Local) GetLoan(ctx context.Context, loanID uint64) (Loan, error) {
	var out Loan
	err := l.read(ctx, "get_loan", func() error {
		snap, ok := l.engine.LoanDetails(loanID)
		if !ok {
			return fmt.Errorf("%w: loan %d", ErrNotFound, loanID)
		}
		out = loanFromSnapshot(snap)
		return nil
	})
	return out, err
}

func (l *Local) ListLoans(ctx context.Context, account string) ([]Loan, error) {
	var out []Loan
	err := l.read(ctx, "list_loans", func() error {
		var snaps []lending.LoanSnapshot
		if strings.TrimSpace(account) == "" {
			snaps = l.engine.Loans()
		} else {
			addr, err := parseAddress(account)
			if err != nil {
				return err
			}
			snaps = l.engine.LoansByBorrower(addr)
		}
		out = make([]Loan, 0, len(snaps))
		for _, snap := range snaps {
			out = append(out, loanFromSnapshot(snap))
		}
		return nil
	})
	return out, err
}

func (l *Local) GetPool(ctx context.Context) (Pool, error) {
	var out Pool
	err := l.read(ctx, "get_pool", func() error {
		out = poolFromStats(l.engine.Stats())
		return nil
	})
	return out, err
}

// Flush retries persisting any state a previous operation failed to write.
func (l *Local) Flush(ctx context.Context) error {
	return l.read(ctx, "flush", func() error {
		if err := l.engine.Flush(); err != nil {
			l.metrics.RecordFlushFailure()
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}
		return nil
	})
}

func (l *Local) mutate(ctx context.Context, operation string, fn func() error) error {
	return l.call(ctx, operation, func() error {
		if err := fn(); err != nil {
			return err
		}
		if err := l.engine.PendingFlushError(); err != nil {
			l.metrics.RecordFlushFailure()
			l.logger.Warn("lending state not persisted",
				slog.String("operation", operation),
				slog.Any("error", err))
		}
		stats := l.engine.Stats()
		l.metrics.SetPool(stats.PoolLiquidity, stats.ActiveLoans, stats.UnhealthyLoans)
		return nil
	})
}

func (l *Local) read(ctx context.Context, operation string, fn func() error) error {
	return l.call(ctx, operation, fn)
}

func (l *Local) call(ctx context.Context, operation string, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, span := l.tracer.Start(ctx, "lending."+operation)
	defer span.End()

	start := time.Now()
	l.mu.Lock()
	err := fn()
	l.mu.Unlock()

	l.metrics.RecordOperation(operation, outcomeLabel(err), time.Since(start))
	span.SetAttributes(attribute.String("lending.operation", operation))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrInternal) {
			l.logger.Error("lending operation failed", slog.String("operation", operation), slog.Any("error", err))
		} else {
			l.logger.Debug("lending operation rejected", slog.String("operation", operation), slog.Any("error", err))
		}
	}
	return err
}

func parseAddress(value string) (crypto.Address, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return crypto.Address{}, fmt.Errorf("%w: account required", ErrInvalidAmount)
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: invalid account: %v", ErrInvalidAmount, err)
	}
	return addr, nil
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: amount required", ErrInvalidAmount)
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%w: invalid amount %q", ErrInvalidAmount, value)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	return amount, nil
}

func quotaAmount(v *big.Int) uint64 {
	if v == nil || v.Sign() <= 0 {
		return 0
	}
	if !v.IsUint64() {
		return math.MaxUint64
	}
	return v.Uint64()
}

func translateEngineError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, lending.ErrValidation), errors.Is(err, lending.ErrArithmeticOverflow):
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	case errors.Is(err, lending.ErrInsufficientCollateral):
		return fmt.Errorf("%w: %v", ErrInsufficientCollateral, err)
	case errors.Is(err, lending.ErrInsufficientLiquidity):
		return fmt.Errorf("%w: %v", ErrInsufficientLiquidity, err)
	case errors.Is(err, lending.ErrLoanNotActive):
		return fmt.Errorf("%w: %v", ErrLoanNotActive, err)
	case errors.Is(err, lending.ErrUnauthorized):
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	case errors.Is(err, lending.ErrShutdown):
		return fmt.Errorf("%w: %v", ErrPaused, err)
	case errors.Is(err, lending.ErrTransferFailure):
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	case errors.Is(err, lending.ErrReentrancyRejected):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	default:
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid"
	case errors.Is(err, ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, ErrInsufficientLiquidity):
		return "insufficient_liquidity"
	case errors.Is(err, ErrLoanNotActive):
		return "loan_not_active"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrPaused):
		return "paused"
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "internal"
	}
}

func loanFromSnapshot(snap lending.LoanSnapshot) Loan {
	return Loan{
		ID:                 snap.ID,
		Borrower:           snap.Borrower.String(),
		State:              snap.State.String(),
		Principal:          amountString(snap.Principal),
		Collateral:         amountString(snap.Collateral),
		InterestAccrued:    amountString(snap.InterestAccrued),
		PendingInterest:    amountString(snap.PendingInterest),
		Owed:               amountString(snap.Owed),
		RequiredCollateral: amountString(snap.RequiredCollateral),
		Healthy:            snap.Healthy,
		LastSettled:        snap.LastSettled,
		OpenedAt:           snap.OpenedAt,
		ClosedAt:           snap.ClosedAt,
	}
}

func poolFromStats(stats lending.Stats) Pool {
	return Pool{
		Liquidity:       amountString(stats.PoolLiquidity),
		TotalFree:       amountString(stats.TotalFree),
		TotalLocked:     amountString(stats.TotalLocked),
		OutstandingDebt: amountString(stats.OutstandingDebt),
		ActiveLoans:     stats.ActiveLoans,
		RepaidLoans:     stats.RepaidLoans,
		UnhealthyLoans:  stats.UnhealthyLoans,
	}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

var _ Engine = (*Local)(nil)
