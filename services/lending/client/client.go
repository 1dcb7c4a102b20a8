package client

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	lendingv1 "nhblend/proto/lending/v1"
	"nhblend/services/lending/engine"
)

// Client provides a thin wrapper around the lending service gRPC API. It
// satisfies engine.Engine so callers such as the HTTP gateway can treat a
// remote lendingd like an in-process engine.
type Client struct {
	conn *grpc.ClientConn
	api  lendingv1.LendingServiceClient
}

// Dial initialises a client connection to the lending service endpoint.
func Dial(ctx context.Context, target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.DialContext(ctx, target, opts...)
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}

// New wraps an existing connection. The caller keeps ownership of conn unless
// Close is called.
func New(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn, api: lendingv1.NewLendingServiceClient(conn)}
}

// WithAPIToken attaches a bearer token to every RPC.
func WithAPIToken(token string) grpc.DialOption {
	return grpc.WithPerRPCCredentials(tokenCredentials{token: strings.TrimSpace(token)})
}

type tokenCredentials struct {
	token string
}

func (c tokenCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	if c.token == "" {
		return nil, nil
	}
	return map[string]string{"authorization": "Bearer " + c.token}, nil
}

func (tokenCredentials) RequireTransportSecurity() bool { return false }

// Close tears down the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Raw exposes the service client for advanced usage.
func (c *Client) Raw() lendingv1.LendingServiceClient {
	if c == nil {
		return nil
	}
	return c.api
}

func (c *Client) DepositCollateral(ctx context.Context, account, amount string) (engine.Balance, error) {
	var out engine.Balance
	err := c.call(ctx, lendingv1.LendingService_DepositCollateral_FullMethodName,
		lendingv1.AccountAmountRequest{Account: account, Amount: amount}, &out)
	return out, err
}

func (c *Client) WithdrawFreeCollateral(ctx context.Context, account, amount string) (engine.Balance, error) {
	var out engine.Balance
	err := c.call(ctx, lendingv1.LendingService_WithdrawFreeCollateral_FullMethodName,
		lendingv1.AccountAmountRequest{Account: account, Amount: amount}, &out)
	return out, err
}

func (c *Client) Borrow(ctx context.Context, account, amount string) (engine.Loan, error) {
	var out engine.Loan
	err := c.call(ctx, lendingv1.LendingService_Borrow_FullMethodName,
		lendingv1.AccountAmountRequest{Account: account, Amount: amount}, &out)
	return out, err
}

func (c *Client) RepayLoan(ctx context.Context, account string, loanID uint64, tendered string) (engine.Repayment, error) {
	var out engine.Repayment
	err := c.call(ctx, lendingv1.LendingService_RepayLoan_FullMethodName,
		lendingv1.LoanAmountRequest{Account: account, LoanID: lendingv1.LoanID(loanID), Amount: tendered}, &out)
	return out, err
}

func (c *Client) WithdrawCollateral(ctx context.Context, account string, loanID uint64, amount string) (engine.Loan, error) {
	var out engine.Loan
	err := c.call(ctx, lendingv1.LendingService_WithdrawCollateral_FullMethodName,
		lendingv1.LoanAmountRequest{Account: account, LoanID: lendingv1.LoanID(loanID), Amount: amount}, &out)
	return out, err
}

func (c *Client) FundPool(ctx context.Context, amount string) (engine.Pool, error) {
	var out engine.Pool
	err := c.call(ctx, lendingv1.LendingService_FundPool_FullMethodName,
		lendingv1.AmountRequest{Amount: amount}, &out)
	return out, err
}

func (c *Client) GetCollateralBalance(ctx context.Context, account string) (engine.Balance, error) {
	var out engine.Balance
	err := c.call(ctx, lendingv1.LendingService_GetCollateralBalance_FullMethodName,
		lendingv1.AccountRequest{Account: account}, &out)
	return out, err
}

func (c *Client) GetLoan(ctx context.Context, loanID uint64) (engine.Loan, error) {
	var out engine.Loan
	err := c.call(ctx, lendingv1.LendingService_GetLoan_FullMethodName,
		lendingv1.LoanRequest{LoanID: lendingv1.LoanID(loanID)}, &out)
	return out, err
}

func (c *Client) ListLoans(ctx context.Context, account string) ([]engine.Loan, error) {
	var out struct {
		Loans []engine.Loan `json:"loans"`
	}
	err := c.call(ctx, lendingv1.LendingService_ListLoans_FullMethodName,
		lendingv1.AccountRequest{Account: account}, &out)
	return out.Loans, err
}

func (c *Client) GetPool(ctx context.Context) (engine.Pool, error) {
	var out engine.Pool
	err := c.call(ctx, lendingv1.LendingService_GetPool_FullMethodName, struct{}{}, &out)
	return out, err
}

func (c *Client) call(ctx context.Context, method string, req, resp interface{}) error {
	if c == nil || c.api == nil {
		return fmt.Errorf("%w: lending client not connected", engine.ErrInternal)
	}
	in, err := lendingv1.Encode(req)
	if err != nil {
		return fmt.Errorf("%w: encode request: %v", engine.ErrInternal, err)
	}
	out, err := c.api.Call(ctx, method, in)
	if err != nil {
		return fromStatus(err)
	}
	if err := lendingv1.Decode(out, resp); err != nil {
		return fmt.Errorf("%w: decode response: %v", engine.ErrInternal, err)
	}
	return nil
}

// fromStatus maps a gRPC status back onto the engine sentinels so callers can
// match errors with errors.Is regardless of transport.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %v", engine.ErrInternal, err)
	}
	msg := st.Message()
	var sentinel error
	switch st.Code() {
	case codes.NotFound:
		sentinel = engine.ErrNotFound
	case codes.Unavailable:
		sentinel = engine.ErrPaused
	case codes.PermissionDenied, codes.Unauthenticated:
		sentinel = engine.ErrUnauthorized
	case codes.InvalidArgument:
		sentinel = engine.ErrInvalidAmount
	case codes.ResourceExhausted:
		switch {
		case strings.Contains(msg, "liquidity"):
			sentinel = engine.ErrInsufficientLiquidity
		case strings.Contains(msg, "collateral"):
			sentinel = engine.ErrInsufficientCollateral
		default:
			sentinel = engine.ErrQuotaExceeded
		}
	case codes.FailedPrecondition:
		if strings.Contains(msg, "loan") {
			sentinel = engine.ErrLoanNotActive
		} else {
			sentinel = engine.ErrInternal
		}
	case codes.Aborted:
		if strings.Contains(msg, "transfer") {
			sentinel = engine.ErrTransferFailed
		} else {
			sentinel = engine.ErrConflict
		}
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	default:
		sentinel = engine.ErrInternal
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}

var _ engine.Engine = (*Client)(nil)
