package lendingv1

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// AccountAmountRequest is the payload of DepositCollateral, Borrow and
// WithdrawFreeCollateral.
type AccountAmountRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

// LoanAmountRequest is the payload of RepayLoan and WithdrawCollateral.
type LoanAmountRequest struct {
	Account string `json:"account"`
	LoanID  LoanID `json:"loanId"`
	Amount  string `json:"amount"`
}

// AmountRequest is the payload of FundPool.
type AmountRequest struct {
	Amount string `json:"amount"`
}

// AccountRequest is the payload of GetCollateralBalance and ListLoans.
type AccountRequest struct {
	Account string `json:"account"`
}

// LoanRequest is the payload of GetLoan.
type LoanRequest struct {
	LoanID LoanID `json:"loanId"`
}

// LoanID accepts either a JSON number or a decimal string.
type LoanID uint64

func (id *LoanID) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(bytes.Trim(data, `"`)))
	if raw == "" || raw == "null" {
		*id = 0
		return nil
	}
	parsed, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("loanId: %w", err)
	}
	*id = LoanID(parsed)
	return nil
}

func (id LoanID) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatUint(uint64(id), 10)), nil
}

// Encode converts a JSON-tagged value into a Struct.
func Encode(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Decode fills v from a Struct. A nil Struct leaves v untouched.
func Decode(in *structpb.Struct, v interface{}) error {
	if in == nil {
		return nil
	}
	raw, err := protojson.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
