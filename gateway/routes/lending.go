package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"nhblend/gateway/middleware"
	"nhblend/services/lending/engine"
)

const lendingRequestLimit = 1 << 16 // 64 KiB

// lendingRoutes wires HTTP handlers to a lending engine, local or remote.
type lendingRoutes struct {
	engine  engine.Engine
	timeout time.Duration
	logger  *log.Logger
}

type accountAmountBody struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type loanAmountBody struct {
	Account string `json:"account"`
	LoanID  uint64 `json:"loanId"`
	Amount  string `json:"amount"`
}

type amountBody struct {
	Amount string `json:"amount"`
}

func newLendingRoutes(eng engine.Engine, timeout time.Duration, logger *log.Logger) *lendingRoutes {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &lendingRoutes{engine: eng, timeout: timeout, logger: logger}
}

func (lr *lendingRoutes) mountReads(r chi.Router) {
	r.Get("/collateral/{account}", lr.getCollateral)
	r.Get("/loans/{id}", lr.getLoan)
	r.Get("/accounts/{account}/loans", lr.listLoans)
	r.Get("/pool", lr.getPool)
}

func (lr *lendingRoutes) mountWrites(r chi.Router) {
	r.Post("/collateral/deposit", lr.depositCollateral)
	r.Post("/collateral/withdraw", lr.withdrawFreeCollateral)
	r.Post("/borrow", lr.borrow)
	r.Post("/repay", lr.repay)
	r.Post("/loans/withdraw", lr.withdrawCollateral)
}

func (lr *lendingRoutes) mountAdmin(r chi.Router) {
	r.Post("/pool/fund", lr.fundPool)
}

func (lr *lendingRoutes) context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, lr.timeout)
}

func (lr *lendingRoutes) depositCollateral(w http.ResponseWriter, r *http.Request) {
	var body accountAmountBody
	if !lr.decodeAccountRequest(w, r, &body, &body.Account) {
		return
	}
	ctx, cancel := lr.context(r.Context())
	defer cancel()
	balance, err := lr.engine.DepositCollateral(ctx, body.Account, body.Amount)
	if err != nil {
		lr.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (lr *lendingRoutes) withdrawFreeCollateral(w http.ResponseWriter, r *http.Request) {
	var body accountAmountBody
	if !lr.decodeAccountRequest(w, r, &body, &body.Account) {
		return
	}
	ctx, cancel := lr.context(r.Context())
	defer cancel()
	balance, err := lr.engine.WithdrawFreeCollateral(ctx, body.Account, body.Amount)
	if err != nil {
		lr.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (lr *lendingRoutes) borrow(w http.ResponseWriter, r *http.Request) {
	var body accountAmountBody
	if !lr.decodeAccountRequest(w, r, &body, &body.Account) {
		return
	}
	ctx, cancel := lr.context(r.Context())
	defer cancel()
	loan, err := lr.engine.Borrow(ctx, body.Account, body.Amount)
	if err != nil {
		lr.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (lr *lendingRoutes) repay(w http.ResponseWriter, r *http.Request) {
	var body loanAmountBody
	if !lr.decodeAccountRequest(w, r, &body, &body.Account) {
		return
	}
	if body.LoanID == 0 {
		writeBadRequest(w, errors.New("loanId required"))
		return
	}
	ctx, cancel := lr.context(r.Context())
	defer cancel()
	repayment, err := lr.engine.RepayLoan(ctx, body.Account, body.LoanID, body.Amount)
	if err != nil {
		lr.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, repayment)
}

func (lr *lendingRoutes) withdrawCollateral(w http.ResponseWriter, r *http.Request) {
	var body loanAmountBody
	if !lr.decodeAccountRequest(w, r, &body, &body.Account) {
		return
	}
	if body.LoanID == 0 {
		writeBadRequest(w, errors.New("loanId required"))
		return
	}
	ctx, cancel := lr.context(r.Context())
	defer cancel()
	loan, err := lr.engine.WithdrawCollateral(ctx, body.Account, body.LoanID, body.Amount)
	if err != nil {
		lr.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (lr *lendingRoutes) fundPool(w http.ResponseWriter, r *http.Request) {
	var body amountBody
	if err := decodeBody(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}
	if strings.TrimSpace(body.Amount) == "" {
		writeBadRequest(w, errors.New("amount required"))
		return
	}
	ctx, cancel := lr.context(r.Context())
	defer cancel()
	pool, err := lr.engine.FundPool(ctx, strings.TrimSpace(body.Amount))
	if err != nil {
		lr.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

func (lr *lendingRoutes) getCollateral(w http.ResponseWriter, r *http.Request) {
	account := strings.TrimSpace(chi.URLParam(r, "account"))
	if err := middleware.AuthorizeAccount(r.Context(), account); err != nil {
		writeJSONError(w, http.StatusForbidden, err)
		return
	}
	ctx, cancel := lr.context(r.Context())
	defer cancel()
	balance, err := lr.engine.GetCollateralBalance(ctx, account)
	if err != nil {
		lr.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (lr *lendingRoutes) getLoan(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeBadRequest(w, fmt.Errorf("invalid loan id %q", chi.URLParam(r, "id")))
		return
	}
	ctx, cancel := lr.context(r.Context())
	defer cancel()
	loan, err := lr.engine.GetLoan(ctx, id)
	if err != nil {
		lr.writeEngineError(w, r, err)
		return
	}
	if err := middleware.AuthorizeAccount(r.Context(), loan.Borrower); err != nil {
		writeJSONError(w, http.StatusForbidden, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (lr *lendingRoutes) listLoans(w http.ResponseWriter, r *http.Request) {
	account := strings.TrimSpace(chi.URLParam(r, "account"))
	if err := middleware.AuthorizeAccount(r.Context(), account); err != nil {
		writeJSONError(w, http.StatusForbidden, err)
		return
	}
	ctx, cancel := lr.context(r.Context())
	defer cancel()
	loans, err := lr.engine.ListLoans(ctx, account)
	if err != nil {
		lr.writeEngineError(w, r, err)
		return
	}
	if loans == nil {
		loans = []engine.Loan{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"loans": loans})
}

func (lr *lendingRoutes) getPool(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := lr.context(r.Context())
	defer cancel()
	pool, err := lr.engine.GetPool(ctx)
	if err != nil {
		lr.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// decodeAccountRequest decodes the body and checks the acting account against
// the caller's token. It writes the error response itself.
func (lr *lendingRoutes) decodeAccountRequest(w http.ResponseWriter, r *http.Request, into interface{}, account *string) bool {
	if err := decodeBody(r, into); err != nil {
		writeBadRequest(w, err)
		return false
	}
	*account = strings.TrimSpace(*account)
	if *account == "" {
		writeBadRequest(w, errors.New("account required"))
		return false
	}
	if err := middleware.AuthorizeAccount(r.Context(), *account); err != nil {
		writeJSONError(w, http.StatusForbidden, err)
		return false
	}
	return true
}

func (lr *lendingRoutes) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := engineStatus(err)
	if status == http.StatusInternalServerError {
		lr.logger.Printf("lending %s %s failed: %v request_id=%s", r.Method, r.URL.Path, err, middleware.RequestIDFromContext(r.Context()))
		writeJSONError(w, status, errors.New("internal error"))
		return
	}
	writeJSONError(w, status, err)
}

func decodeBody(r *http.Request, into interface{}) error {
	if r.Body == nil {
		return errors.New("missing request body")
	}
	defer r.Body.Close()

	data, err := io.ReadAll(io.LimitReader(r.Body, lendingRequestLimit))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(data) == 0 {
		return errors.New("request body is empty")
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func engineStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrLoanNotActive), errors.Is(err, engine.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInsufficientCollateral), errors.Is(err, engine.ErrInsufficientLiquidity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, engine.ErrTransferFailed):
		return http.StatusBadGateway
	case errors.Is(err, engine.ErrPaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		writeInternalError(w, fmt.Errorf("marshal response: %w", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusBadRequest, err)
}

func writeInternalError(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusInternalServerError, err)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = http.StatusText(status)
	}
	payload, marshalErr := json.Marshal(map[string]string{"error": message})
	if marshalErr != nil {
		replacer := strings.NewReplacer(
			"\\", "\\\\",
			"\"", "\\\"",
			"\n", "\\n",
			"\r", "\\r",
			"\t", "\\t",
		)
		payload = []byte(fmt.Sprintf("{\"error\":\"%s\"}", replacer.Replace(message)))
	}
	_, _ = w.Write(payload)
}
