package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// LoanBookJSONL builds a JSON Lines export of the loan book and returns the
// serialised payload alongside a checksum.
func LoanBookJSONL(rows []LoanRow) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, row := range rows {
		payload := map[string]interface{}{
			"loan_id":             row.ID,
			"borrower":            row.Borrower,
			"state":               row.State,
			"principal":           row.Principal,
			"collateral":          row.Collateral,
			"interest_accrued":    row.InterestAccrued,
			"owed":                row.Owed,
			"required_collateral": row.RequiredCollateral,
			"healthy":             row.Healthy,
			"opened_at":           formatTime(row.OpenedAt),
			"closed_at":           formatTime(row.ClosedAt),
			"last_settled":        formatTime(row.LastSettled),
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
