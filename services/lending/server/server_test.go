package server

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"nhblend/services/lending/engine"
)

var sentinelErrorCases = []struct {
	name string
	err  error
	code codes.Code
	msg  string
}{
	{name: "not found", err: engine.ErrNotFound, code: codes.NotFound, msg: "resource not found"},
	{name: "paused", err: engine.ErrPaused, code: codes.Unavailable, msg: "operation paused"},
	{name: "unauthorized", err: engine.ErrUnauthorized, code: codes.PermissionDenied, msg: "unauthorized"},
	{name: "invalid amount", err: engine.ErrInvalidAmount, code: codes.InvalidArgument, msg: "invalid amount"},
	{name: "insufficient collateral", err: engine.ErrInsufficientCollateral, code: codes.ResourceExhausted, msg: "insufficient collateral"},
	{name: "insufficient liquidity", err: engine.ErrInsufficientLiquidity, code: codes.ResourceExhausted, msg: "insufficient liquidity"},
	{name: "loan not active", err: engine.ErrLoanNotActive, code: codes.FailedPrecondition, msg: "loan not active"},
	{name: "internal", err: engine.ErrInternal, code: codes.Internal, msg: "internal error"},
}

func wrapError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("wrap: %w", err)
}

func mustStruct(t *testing.T, fields map[string]interface{}) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatalf("build struct: %v", err)
	}
	return s
}

func stringField(t *testing.T, s *structpb.Struct, key string) string {
	t.Helper()
	v, ok := s.GetFields()[key]
	if !ok {
		t.Fatalf("missing field %q in %v", key, s)
	}
	return v.GetStringValue()
}

func TestService_DepositCollateral(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	req := mustStruct(t, map[string]interface{}{"account": "  alice  ", "amount": "  1000  "})

	t.Run("success", func(t *testing.T) {
		t.Parallel()

		auth := &fakeAuthorizer{}
		eng := &fakeEngine{
			depositFn: func(_ context.Context, account, amount string) (engine.Balance, error) {
				if account != "alice" {
					t.Fatalf("unexpected account: %q", account)
				}
				if amount != "1000" {
					t.Fatalf("unexpected amount: %q", amount)
				}
				return engine.Balance{Account: account, Free: "1000"}, nil
			},
		}
		svc := &Service{engine: eng, auth: auth}

		resp, err := svc.DepositCollateral(ctx, req)
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
		if got := stringField(t, resp, "free"); got != "1000" {
			t.Fatalf("unexpected free balance: %q", got)
		}
		if !auth.called {
			t.Fatalf("expected authorizer to be called")
		}
	})

	for _, tc := range sentinelErrorCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			auth := &fakeAuthorizer{}
			eng := &fakeEngine{
				depositFn: func(context.Context, string, string) (engine.Balance, error) {
					return engine.Balance{}, wrapError(tc.err)
				},
			}
			svc := &Service{engine: eng, auth: auth}

			_, err := svc.DepositCollateral(ctx, req)
			if err == nil {
				t.Fatalf("expected error")
			}
			st, ok := status.FromError(err)
			if !ok {
				t.Fatalf("expected gRPC status error")
			}
			if st.Code() != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, st.Code())
			}
			if st.Message() != tc.msg {
				t.Fatalf("expected message %q, got %q", tc.msg, st.Message())
			}
		})
	}

	t.Run("authorization error", func(t *testing.T) {
		t.Parallel()

		auth := &fakeAuthorizer{err: status.Error(codes.PermissionDenied, "nope")}
		called := false
		svc := &Service{engine: &fakeEngine{
			depositFn: func(context.Context, string, string) (engine.Balance, error) {
				called = true
				return engine.Balance{}, nil
			},
		}, auth: auth}
		_, err := svc.DepositCollateral(ctx, req)
		if !errors.Is(err, auth.err) {
			t.Fatalf("expected authorization error, got %v", err)
		}
		if called {
			t.Fatalf("engine must not be reached without authorization")
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		t.Parallel()

		svc := &Service{engine: &fakeEngine{}}
		for _, fields := range []map[string]interface{}{
			{"amount": "10"},
			{"account": "alice"},
			{"account": "   ", "amount": "10"},
		} {
			_, err := svc.DepositCollateral(ctx, mustStruct(t, fields))
			if status.Code(err) != codes.InvalidArgument {
				t.Fatalf("expected invalid argument for %v, got %v", fields, err)
			}
		}
		_, err := svc.DepositCollateral(ctx, nil)
		if status.Code(err) != codes.InvalidArgument {
			t.Fatalf("expected invalid argument for nil request, got %v", err)
		}
	})
}

func TestService_Borrow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	auth := &fakeAuthorizer{}
	eng := &fakeEngine{
		borrowFn: func(_ context.Context, account, amount string) (engine.Loan, error) {
			if account != "dave" || amount != "75" {
				t.Fatalf("unexpected borrow %q %q", account, amount)
			}
			return engine.Loan{ID: 7, Borrower: account, State: "active", Principal: amount, Collateral: "113", Healthy: true}, nil
		},
	}
	svc := New(eng, nil, auth)

	resp, err := svc.Borrow(ctx, mustStruct(t, map[string]interface{}{"account": "dave", "amount": " 75 "}))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if id := resp.GetFields()["id"].GetNumberValue(); id != 7 {
		t.Fatalf("unexpected loan id: %v", id)
	}
	if got := stringField(t, resp, "collateral"); got != "113" {
		t.Fatalf("unexpected collateral: %q", got)
	}
	if !resp.GetFields()["healthy"].GetBoolValue() {
		t.Fatalf("expected healthy loan")
	}
	if !auth.called {
		t.Fatalf("expected authorizer to be called")
	}
}

func TestService_RepayLoan(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	eng := &fakeEngine{
		repayFn: func(_ context.Context, account string, loanID uint64, amount string) (engine.Repayment, error) {
			if account != "erin" || loanID != 3 || amount != "125" {
				t.Fatalf("unexpected repay %q %d %q", account, loanID, amount)
			}
			return engine.Repayment{Loan: engine.Loan{ID: loanID, State: "repaid"}, Released: "150"}, nil
		},
	}
	svc := &Service{engine: eng}

	t.Run("numeric loan id", func(t *testing.T) {
		resp, err := svc.RepayLoan(ctx, mustStruct(t, map[string]interface{}{"account": "erin", "loanId": 3, "amount": "125"}))
		if err != nil {
			t.Fatalf("repay: %v", err)
		}
		if got := stringField(t, resp, "released"); got != "150" {
			t.Fatalf("unexpected release: %q", got)
		}
		loan := resp.GetFields()["loan"].GetStructValue()
		if got := stringField(t, loan, "state"); got != "repaid" {
			t.Fatalf("unexpected state: %q", got)
		}
	})

	t.Run("string loan id", func(t *testing.T) {
		_, err := svc.RepayLoan(ctx, mustStruct(t, map[string]interface{}{"account": "erin", "loanId": "3", "amount": "125"}))
		if err != nil {
			t.Fatalf("repay: %v", err)
		}
	})

	t.Run("missing loan id", func(t *testing.T) {
		_, err := svc.RepayLoan(ctx, mustStruct(t, map[string]interface{}{"account": "erin", "amount": "125"}))
		if status.Code(err) != codes.InvalidArgument {
			t.Fatalf("expected invalid argument, got %v", err)
		}
	})

	t.Run("malformed loan id", func(t *testing.T) {
		_, err := svc.RepayLoan(ctx, mustStruct(t, map[string]interface{}{"account": "erin", "loanId": "x", "amount": "125"}))
		if status.Code(err) != codes.InvalidArgument {
			t.Fatalf("expected invalid argument, got %v", err)
		}
	})
}

func TestService_QueriesSkipAuthorization(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	auth := &fakeAuthorizer{err: status.Error(codes.Unauthenticated, "no")}
	eng := &fakeEngine{
		getLoanFn: func(_ context.Context, loanID uint64) (engine.Loan, error) {
			if loanID != 9 {
				return engine.Loan{}, engine.ErrNotFound
			}
			return engine.Loan{ID: 9, State: "active"}, nil
		},
		listLoansFn: func(_ context.Context, account string) ([]engine.Loan, error) {
			if account != "" {
				t.Fatalf("expected empty account filter, got %q", account)
			}
			return nil, nil
		},
		getPoolFn: func(context.Context) (engine.Pool, error) {
			return engine.Pool{Liquidity: "500", ActiveLoans: 2}, nil
		},
	}
	svc := &Service{engine: eng, auth: auth}

	if _, err := svc.GetLoan(ctx, mustStruct(t, map[string]interface{}{"loanId": 9})); err != nil {
		t.Fatalf("get loan: %v", err)
	}
	if _, err := svc.GetLoan(ctx, mustStruct(t, map[string]interface{}{"loanId": 10})); status.Code(err) != codes.NotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	resp, err := svc.ListLoans(ctx, &structpb.Struct{})
	if err != nil {
		t.Fatalf("list loans: %v", err)
	}
	if loans := resp.GetFields()["loans"].GetListValue(); loans == nil || len(loans.GetValues()) != 0 {
		t.Fatalf("expected empty loan list, got %v", resp)
	}
	pool, err := svc.GetPool(ctx, nil)
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if got := stringField(t, pool, "liquidity"); got != "500" {
		t.Fatalf("unexpected liquidity: %q", got)
	}
	if _, err := svc.GetCollateralBalance(ctx, &structpb.Struct{}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument for missing account, got %v", err)
	}
	if auth.called {
		t.Fatalf("queries must not consult the authorizer")
	}
}

func TestService_ContextErrors(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{
		getPoolFn: func(ctx context.Context) (engine.Pool, error) {
			return engine.Pool{}, context.DeadlineExceeded
		},
	}
	svc := &Service{engine: eng}
	_, err := svc.GetPool(context.Background(), nil)
	if status.Code(err) != codes.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestService_EnsureEngine(t *testing.T) {
	t.Parallel()

	var svc *Service
	if _, err := svc.GetPool(context.Background(), nil); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected failed precondition for nil service, got %v", err)
	}
	svc = &Service{}
	if _, err := svc.Borrow(context.Background(), &structpb.Struct{}); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected failed precondition without engine, got %v", err)
	}
}
