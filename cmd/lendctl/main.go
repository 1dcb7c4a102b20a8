package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	rootconfig "nhblend/config"
	"nhblend/integrations/exports"
	"nhblend/native/lending"
	lendingengine "nhblend/services/lending/engine"
	"nhblend/services/lending/stores"
)

const (
	exportCommand = "export"
	loanCommand   = "loan"
	poolCommand   = "pool"
	paramsCommand = "params"

	storeDSNEnv = "LENDINGD_STORE_DSN"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case exportCommand:
		err = runExport(os.Args[2:], os.Stdout)
	case loanCommand:
		err = runLoan(os.Args[2:], os.Stdout)
	case poolCommand:
		err = runPool(os.Args[2:], os.Stdout)
	case paramsCommand:
		err = runParams(os.Args[2:], os.Stdout)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: lendctl <command> [flags]

Commands:
  %s   write the loan book as csv, jsonl or parquet
  %s     print one loan
  %s     print pool totals
  %s   print the effective engine parameters
`, exportCommand, loanCommand, poolCommand, paramsCommand)
}

// stateFlags selects the persisted state lendctl reads.
type stateFlags struct {
	kind         string
	path         string
	dsn          string
	engineConfig string
	at           int64
}

func (s *stateFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&s.kind, "store", stores.KindLevelDB, "Store backend (leveldb|bolt|sqlite|postgres)")
	fs.StringVar(&s.path, "path", "./lendingd-data", "Path of a leveldb directory or bolt file")
	fs.StringVar(&s.dsn, "dsn", "", "SQL DSN (defaults to $"+storeDSNEnv+")")
	fs.StringVar(&s.engineConfig, "engine-config", "", "Engine TOML used for interest and collateral valuation (defaults built in)")
	fs.Int64Var(&s.at, "at", 0, "Unix time to value loans at (defaults to now)")
}

// open restores an engine from the persisted state. The returned engine is
// read only: nothing it does is flushed back.
func (s *stateFlags) open() (*lendingengine.Local, func() error, error) {
	if s.kind == stores.KindMemory {
		return nil, nil, errors.New("memory store has no persisted state")
	}
	dsn := strings.TrimSpace(s.dsn)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv(storeDSNEnv))
	}
	params, err := s.params()
	if err != nil {
		return nil, nil, err
	}
	handle, err := stores.Open(strings.ToLower(strings.TrimSpace(s.kind)), s.path, dsn)
	if err != nil {
		return nil, nil, err
	}
	core, err := lending.NewEngine(params)
	if err != nil {
		handle.Close()
		return nil, nil, err
	}
	core.SetStore(handle.Store)
	if s.at > 0 {
		at := s.at
		core.SetNowFunc(func() int64 { return at })
	}
	if _, err := core.Restore(); err != nil {
		handle.Close()
		return nil, nil, fmt.Errorf("restore state: %w", err)
	}
	local, err := lendingengine.NewLocal(core, lendingengine.WithMetrics(nil))
	if err != nil {
		handle.Close()
		return nil, nil, err
	}
	return local, handle.Close, nil
}

func (s *stateFlags) params() (lending.Params, error) {
	if strings.TrimSpace(s.engineConfig) == "" {
		return lending.DefaultConfig().Params()
	}
	if _, err := os.Stat(s.engineConfig); err != nil {
		return lending.Params{}, fmt.Errorf("engine config: %w", err)
	}
	return rootconfig.LoadLending(s.engineConfig)
}

func runExport(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet(exportCommand, flag.ContinueOnError)
	var state stateFlags
	state.register(fs)
	format := fs.String("format", "csv", "Output format (csv|jsonl|parquet)")
	out := fs.String("out", "-", "Output file, - for stdout (not allowed for parquet)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	local, closeStore, err := state.open()
	if err != nil {
		return err
	}
	defer closeStore()

	var rows []exports.LoanRow
	if err := local.Do(func(core *lending.Engine) error {
		rows = exports.Rows(core.Loans())
		return nil
	}); err != nil {
		return err
	}

	switch strings.ToLower(*format) {
	case "csv", "jsonl":
		var data []byte
		var checksum string
		if strings.EqualFold(*format, "csv") {
			data, checksum, err = exports.LoanBookCSV(rows)
		} else {
			data, checksum, err = exports.LoanBookJSONL(rows)
		}
		if err != nil {
			return err
		}
		if *out == "-" {
			_, err = stdout.Write(data)
			return err
		}
		if err := os.WriteFile(*out, data, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "wrote %d loans to %s (sha256 %s)\n", len(rows), *out, checksum)
		return nil
	case "parquet":
		if *out == "-" {
			return errors.New("parquet export requires -out")
		}
		file, err := os.Create(*out)
		if err != nil {
			return err
		}
		if err := exports.WriteLoanBookParquet(file, rows); err != nil {
			file.Close()
			return err
		}
		if err := file.Close(); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "wrote %d loans to %s\n", len(rows), *out)
		return nil
	default:
		return fmt.Errorf("unknown format %q", *format)
	}
}

func runLoan(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet(loanCommand, flag.ContinueOnError)
	var state stateFlags
	state.register(fs)
	id := fs.Uint64("id", 0, "Loan id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == 0 {
		return errors.New("-id is required")
	}
	local, closeStore, err := state.open()
	if err != nil {
		return err
	}
	defer closeStore()

	loan, err := local.GetLoan(context.Background(), *id)
	if err != nil {
		return err
	}
	return printJSON(stdout, loan)
}

func runPool(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet(poolCommand, flag.ContinueOnError)
	var state stateFlags
	state.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	local, closeStore, err := state.open()
	if err != nil {
		return err
	}
	defer closeStore()

	pool, err := local.GetPool(context.Background())
	if err != nil {
		return err
	}
	return printJSON(stdout, pool)
}

type paramsReport struct {
	Ratio             uint64 `json:"ratio"`
	RatioDenominator  uint64 `json:"ratioDenominator"`
	MinCollateral     string `json:"minCollateral"`
	Rounding          string `json:"rounding"`
	AnnualRatePercent uint64 `json:"annualRatePercent"`
	InitialLiquidity  string `json:"initialLiquidity"`
	GeneratedAt       string `json:"generatedAt"`
}

func reportParams(params lending.Params) paramsReport {
	report := paramsReport{
		Ratio:             params.Policy.Ratio,
		RatioDenominator:  params.Policy.Denominator,
		MinCollateral:     "0",
		Rounding:          params.Policy.Rounding.String(),
		AnnualRatePercent: params.AnnualRatePercent,
		InitialLiquidity:  "0",
		GeneratedAt:       time.Now().UTC().Format(time.RFC3339),
	}
	if params.Policy.MinCollateral != nil {
		report.MinCollateral = params.Policy.MinCollateral.String()
	}
	if params.InitialLiquidity != nil {
		report.InitialLiquidity = params.InitialLiquidity.String()
	}
	return report
}

func runParams(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet(paramsCommand, flag.ContinueOnError)
	var state stateFlags
	state.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	params, err := state.params()
	if err != nil {
		return err
	}
	return printJSON(stdout, reportParams(params))
}

func printJSON(w io.Writer, v interface{}) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	_, err = fmt.Fprintln(w, string(output))
	return err
}
