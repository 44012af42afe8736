// Command rollup aggregates a local admissions CSV and prints the stepped
// table, optionally writing XLSX and JSON exports.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"admissions/internal/cli"
	"admissions/internal/config"
	"admissions/internal/core"
	"admissions/internal/dataset"
	"admissions/internal/export"
	applog "admissions/internal/log"
	"admissions/internal/rollup"
	"admissions/internal/sources/local"
)

func main() {
	cli.LoadEnvFile()
	cfg := config.Load()

	input := flag.String("input", "", "dataset CSV (default DATA_DIR/DATA_FILE)")
	keys := flag.String("keys", "", `key chain, e.g. "sex | year"`)
	sortOn := flag.String("sort", string(core.Admission), "measure to sort on")
	maxTop := flag.Int("max-top", cfg.RollupMaxTop, "categories kept per level before Others")
	xlsxOut := flag.String("xlsx", "", "write the rollup to this XLSX file")
	jsonOut := flag.String("json", "", "write the rollup to this JSON file")
	quiet := flag.Bool("quiet", false, "do not print the table")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Parse()

	logger := cli.SetupLogger(*logLevel, applog.ComponentRollup)

	fetcher := local.New(cfg.DataDir, cfg.DataFile)
	if *input != "" {
		fetcher = local.NewFromPath(*input)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	data, err := fetcher.Fetch(ctx)
	if err != nil {
		cli.Fatal(logger, "Failed to read dataset", err)
	}
	ds, warnings, err := dataset.Parse(fetcher.Source(), data)
	if err != nil {
		cli.Fatal(logger, "Failed to parse dataset", err)
	}
	if len(warnings) > 0 {
		logger.Warn("Dataset cells ignored", applog.FieldWarnings, len(warnings), "first", warnings[0].String())
	}

	policy := rollup.DefaultPolicy()
	policy.MaxTopCategories = *maxTop
	policy.ExemptFields = cfg.ExemptFields

	r, err := rollup.New(policy).Aggregate(ds, core.ParseKeyChain(*keys), core.Measure(*sortOn))
	if err != nil {
		if core.IsValidationError(err) {
			fmt.Fprintf(os.Stderr, "rollup: %v\navailable fields: %s\n", err, core.JoinKeyChain(ds.Dimensions))
			os.Exit(2)
		}
		cli.Fatal(logger, "Rollup failed", err)
	}
	table := rollup.Stepped(r)

	if !*quiet {
		export.WriteText(os.Stdout, table)
	}
	if *xlsxOut != "" {
		if err := writeFile(*xlsxOut, func(f *os.File) error { return export.WriteXLSX(f, r) }); err != nil {
			cli.Fatal(logger, "Failed to write XLSX export", err)
		}
		logger.Info("XLSX export written", "path", *xlsxOut, applog.FieldRows, len(r.Rows))
	}
	if *jsonOut != "" {
		if err := writeFile(*jsonOut, func(f *os.File) error { return export.WriteJSON(f, r, table, 0) }); err != nil {
			cli.Fatal(logger, "Failed to write JSON export", err)
		}
		logger.Info("JSON export written", "path", *jsonOut, applog.FieldRows, len(r.Rows))
	}
}

func writeFile(path string, write func(*os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
