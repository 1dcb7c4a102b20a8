package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"strconv"
)

var csvHeader = []string{
	"loan_id", "borrower", "state", "principal", "collateral", "interest_accrued", "owed",
	"required_collateral", "healthy", "opened_at", "closed_at", "last_settled",
}

// LoanBookCSV builds a CSV export of the loan book and returns the serialised
// data alongside a SHA-256 checksum of the payload.
func LoanBookCSV(rows []LoanRow) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	if err := writer.Write(csvHeader); err != nil {
		return nil, "", err
	}
	for _, row := range rows {
		record := []string{
			strconv.FormatUint(row.ID, 10),
			row.Borrower,
			row.State,
			row.Principal,
			row.Collateral,
			row.InterestAccrued,
			row.Owed,
			row.RequiredCollateral,
			strconv.FormatBool(row.Healthy),
			formatTime(row.OpenedAt),
			formatTime(row.ClosedAt),
			formatTime(row.LastSettled),
		}
		if err := writer.Write(record); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
