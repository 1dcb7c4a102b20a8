package exports

import (
	"fmt"
	"io"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// Amounts stay strings so 256-bit values survive the trip.
type parquetLoan struct {
	ID                 int64  `parquet:"name=loan_id, type=INT64"`
	Borrower           string `parquet:"name=borrower, type=BYTE_ARRAY, convertedtype=UTF8"`
	State              string `parquet:"name=state, type=BYTE_ARRAY, convertedtype=UTF8"`
	Principal          string `parquet:"name=principal, type=BYTE_ARRAY, convertedtype=UTF8"`
	Collateral         string `parquet:"name=collateral, type=BYTE_ARRAY, convertedtype=UTF8"`
	InterestAccrued    string `parquet:"name=interest_accrued, type=BYTE_ARRAY, convertedtype=UTF8"`
	Owed               string `parquet:"name=owed, type=BYTE_ARRAY, convertedtype=UTF8"`
	RequiredCollateral string `parquet:"name=required_collateral, type=BYTE_ARRAY, convertedtype=UTF8"`
	Healthy            bool   `parquet:"name=healthy, type=BOOLEAN"`
	OpenedAt           string `parquet:"name=opened_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	ClosedAt           string `parquet:"name=closed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	LastSettled        string `parquet:"name=last_settled, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// WriteLoanBookParquet writes the loan book to w as a snappy-compressed
// parquet file.
func WriteLoanBookParquet(w io.Writer, rows []LoanRow) error {
	fw := writerfile.NewWriterFile(w)
	pw, err := writer.NewParquetWriter(fw, new(parquetLoan), 1)
	if err != nil {
		return fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		record := &parquetLoan{
			ID:                 int64(row.ID),
			Borrower:           row.Borrower,
			State:              row.State,
			Principal:          row.Principal,
			Collateral:         row.Collateral,
			InterestAccrued:    row.InterestAccrued,
			Owed:               row.Owed,
			RequiredCollateral: row.RequiredCollateral,
			Healthy:            row.Healthy,
			OpenedAt:           formatTime(row.OpenedAt),
			ClosedAt:           formatTime(row.ClosedAt),
			LastSettled:        formatTime(row.LastSettled),
		}
		if err := pw.Write(record); err != nil {
			_ = pw.WriteStop()
			return fmt.Errorf("exports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("exports: parquet flush: %w", err)
	}
	return nil
}
