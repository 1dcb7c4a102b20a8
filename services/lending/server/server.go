package server

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	lendingv1 "nhblend/proto/lending/v1"
	"nhblend/services/lending/engine"
)

// Service implements the lending.v1 gRPC interface and proxies requests into
// the lending engine.
type Service struct {
	lendingv1.UnimplementedLendingServiceServer

	engine engine.Engine
	logger *slog.Logger
	auth   Authorizer
}

// Authorizer evaluates whether an incoming request is permitted.
type Authorizer interface {
	Authorize(context.Context) error
}

type interceptorAuthorizer struct{}

// NewInterceptorAuthorizer constructs an Authorizer that trusts the
// authentication context installed by the gRPC interceptors.
func NewInterceptorAuthorizer() Authorizer {
	return interceptorAuthorizer{}
}

func (interceptorAuthorizer) Authorize(ctx context.Context) error {
	if _, ok := CallerFromContext(ctx); ok {
		return nil
	}
	return status.Error(codes.Unauthenticated, "authentication required")
}

// New constructs a new lending service instance.
func New(engine engine.Engine, logger *slog.Logger, auth Authorizer) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{engine: engine, logger: logger, auth: auth}
}

// RegisterService registers svc on s.
func RegisterService(s grpc.ServiceRegistrar, svc *Service) {
	lendingv1.RegisterLendingServiceServer(s, svc)
}

// DepositCollateral credits free collateral to the account.
func (s *Service) DepositCollateral(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in lendingv1.AccountAmountRequest
	if err := s.prepareMsg(ctx, req, &in); err != nil {
		return nil, err
	}
	account, amount, err := validateAccountAmount(in.Account, in.Amount)
	if err != nil {
		return nil, err
	}
	balance, err := s.engine.DepositCollateral(ctx, account, amount)
	if err != nil {
		return nil, s.translateEngineError("deposit_collateral", err)
	}
	return encode(balance)
}

// Borrow opens a loan against the account's free collateral.
func (s *Service) Borrow(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in lendingv1.AccountAmountRequest
	if err := s.prepareMsg(ctx, req, &in); err != nil {
		return nil, err
	}
	account, amount, err := validateAccountAmount(in.Account, in.Amount)
	if err != nil {
		return nil, err
	}
	loan, err := s.engine.Borrow(ctx, account, amount)
	if err != nil {
		return nil, s.translateEngineError("borrow", err)
	}
	return encode(loan)
}

// RepayLoan settles a loan in full.
func (s *Service) RepayLoan(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in lendingv1.LoanAmountRequest
	if err := s.prepareMsg(ctx, req, &in); err != nil {
		return nil, err
	}
	account, amount, err := validateAccountAmount(in.Account, in.Amount)
	if err != nil {
		return nil, err
	}
	if in.LoanID == 0 {
		return nil, status.Error(codes.InvalidArgument, "loanId required")
	}
	repayment, err := s.engine.RepayLoan(ctx, account, uint64(in.LoanID), amount)
	if err != nil {
		return nil, s.translateEngineError("repay_loan", err)
	}
	return encode(repayment)
}

// WithdrawCollateral releases excess collateral from an active loan.
func (s *Service) WithdrawCollateral(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in lendingv1.LoanAmountRequest
	if err := s.prepareMsg(ctx, req, &in); err != nil {
		return nil, err
	}
	account, amount, err := validateAccountAmount(in.Account, in.Amount)
	if err != nil {
		return nil, err
	}
	if in.LoanID == 0 {
		return nil, status.Error(codes.InvalidArgument, "loanId required")
	}
	loan, err := s.engine.WithdrawCollateral(ctx, account, uint64(in.LoanID), amount)
	if err != nil {
		return nil, s.translateEngineError("withdraw_collateral", err)
	}
	return encode(loan)
}

// WithdrawFreeCollateral pays out unlocked collateral.
func (s *Service) WithdrawFreeCollateral(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in lendingv1.AccountAmountRequest
	if err := s.prepareMsg(ctx, req, &in); err != nil {
		return nil, err
	}
	account, amount, err := validateAccountAmount(in.Account, in.Amount)
	if err != nil {
		return nil, err
	}
	balance, err := s.engine.WithdrawFreeCollateral(ctx, account, amount)
	if err != nil {
		return nil, s.translateEngineError("withdraw_free_collateral", err)
	}
	return encode(balance)
}

// FundPool adds lendable liquidity.
func (s *Service) FundPool(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in lendingv1.AmountRequest
	if err := s.prepareMsg(ctx, req, &in); err != nil {
		return nil, err
	}
	amount := strings.TrimSpace(in.Amount)
	if amount == "" {
		return nil, status.Error(codes.InvalidArgument, "amount required")
	}
	pool, err := s.engine.FundPool(ctx, amount)
	if err != nil {
		return nil, s.translateEngineError("fund_pool", err)
	}
	return encode(pool)
}

// GetCollateralBalance returns an account's free collateral.
func (s *Service) GetCollateralBalance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in lendingv1.AccountRequest
	if err := s.prepareQuery(req, &in); err != nil {
		return nil, err
	}
	account := strings.TrimSpace(in.Account)
	if account == "" {
		return nil, status.Error(codes.InvalidArgument, "account required")
	}
	balance, err := s.engine.GetCollateralBalance(ctx, account)
	if err != nil {
		return nil, s.translateEngineError("get_collateral_balance", err)
	}
	return encode(balance)
}

// GetLoan returns a loan snapshot.
func (s *Service) GetLoan(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in lendingv1.LoanRequest
	if err := s.prepareQuery(req, &in); err != nil {
		return nil, err
	}
	if in.LoanID == 0 {
		return nil, status.Error(codes.InvalidArgument, "loanId required")
	}
	loan, err := s.engine.GetLoan(ctx, uint64(in.LoanID))
	if err != nil {
		return nil, s.translateEngineError("get_loan", err)
	}
	return encode(loan)
}

// ListLoans returns the account's loans, or every loan when no account is
// given.
func (s *Service) ListLoans(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in lendingv1.AccountRequest
	if err := s.prepareQuery(req, &in); err != nil {
		return nil, err
	}
	loans, err := s.engine.ListLoans(ctx, strings.TrimSpace(in.Account))
	if err != nil {
		return nil, s.translateEngineError("list_loans", err)
	}
	if loans == nil {
		loans = []engine.Loan{}
	}
	return encode(struct {
		Loans []engine.Loan `json:"loans"`
	}{Loans: loans})
}

// GetPool returns engine-wide totals.
func (s *Service) GetPool(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureEngine(); err != nil {
		return nil, err
	}
	pool, err := s.engine.GetPool(ctx)
	if err != nil {
		return nil, s.translateEngineError("get_pool", err)
	}
	return encode(pool)
}

func (s *Service) prepareMsg(ctx context.Context, req *structpb.Struct, into interface{}) error {
	if err := s.ensureEngine(); err != nil {
		return err
	}
	if err := s.authorize(ctx); err != nil {
		return err
	}
	if caller, ok := CallerFromContext(ctx); ok {
		s.log().Debug("lending write", "caller", caller)
	}
	if req == nil {
		return status.Error(codes.InvalidArgument, "request required")
	}
	if err := lendingv1.Decode(req, into); err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	return nil
}

func (s *Service) prepareQuery(req *structpb.Struct, into interface{}) error {
	if err := s.ensureEngine(); err != nil {
		return err
	}
	if err := lendingv1.Decode(req, into); err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	return nil
}

func (s *Service) authorize(ctx context.Context) error {
	if s == nil {
		return status.Error(codes.Internal, "service not initialised")
	}
	if s.auth == nil {
		return nil
	}
	return s.auth.Authorize(ctx)
}

func (s *Service) ensureEngine() error {
	if s == nil || s.engine == nil {
		return status.Error(codes.FailedPrecondition, "lending engine unavailable")
	}
	return nil
}

func (s *Service) translateEngineError(action string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	stErr := toStatus(err)
	if status.Code(stErr) == codes.Internal {
		s.log().Error("lending engine error", "action", action, "error", err)
	}
	return stErr
}

func (s *Service) log() *slog.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

func validateAccountAmount(account, amount string) (string, string, error) {
	trimmedAccount := strings.TrimSpace(account)
	if trimmedAccount == "" {
		return "", "", status.Error(codes.InvalidArgument, "account required")
	}
	trimmedAmount := strings.TrimSpace(amount)
	if trimmedAmount == "" {
		return "", "", status.Error(codes.InvalidArgument, "amount required")
	}
	return trimmedAccount, trimmedAmount, nil
}

func encode(v interface{}) (*structpb.Struct, error) {
	out, err := lendingv1.Encode(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}
