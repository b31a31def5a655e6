package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/calsol/telemetry/internal/ingest"
	"github.com/calsol/telemetry/internal/relay"
	"github.com/calsol/telemetry/internal/storage/sqlite"
	"github.com/calsol/telemetry/internal/ui"
	"github.com/calsol/telemetry/internal/xsp"
)

var importCmd = &cobra.Command{
	Use:   "import <capture>...",
	Short: "Decode recorded capture files into the database",
	Long: `Decode relay capture files as if they were arriving live.

Each file is recorded as its own interval, named after the file unless
--interval is given. Compressed captures (.zst, .lz4) are decompressed
on the fly. Messages are timestamped as they are decoded, not with the
time they were originally received.`,
	Example: `  # Import one capture
  telemetryd import run.xsp

  # Import several compressed captures under one name
  telemetryd import day1.xsp.zst day2.xsp.lz4 --interval "battery test"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runImport,
}

func init() {
	importCmd.Flags().StringVar(&intervalName, "interval", "", "Interval name (default is the file name)")
	importCmd.Flags().StringVar(&escapePolicy, "escape-errors", "strict", "Escape error policy (strict, ignore, replace)")

	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	policy, err := xsp.ParseErrorPolicy(escapePolicy)
	if err != nil {
		return err
	}
	table, err := loadDescriptors()
	if err != nil {
		return err
	}
	store, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = store.Close() }()

	ctx, stop := signalContext()
	defer stop()

	printer := ui.NewPrinter(os.Stdout)
	printer.PrintHeader("Import", "telemetryd import", map[string]string{
		"Database": cfg.Storage.Path,
		"Files":    fmt.Sprint(len(args)),
	})

	for _, path := range args {
		settings := cfg.IngestSettings()
		settings.IntervalName = intervalName
		if settings.IntervalName == "" {
			settings.IntervalName = filepath.Base(path)
		}
		// A fresh handler per file, so one file's partial packet never
		// joins the next file's first.
		in := ingest.New(xsp.NewHandler(table, xsp.WithErrorPolicy(policy)), store, settings)

		if err := importFile(ctx, in, path); err != nil {
			printer.PrintError("Import failed", err, []string{
				"Check that the file is a relay capture",
				"Compressed captures must end in .zst or .lz4",
			})
			return err
		}
		printer.PrintSuccess(filepath.Base(path), map[string]string{
			"Stored":   fmt.Sprint(in.Stats().Stored),
			"Interval": settings.IntervalName,
		})
	}
	return nil
}

func importFile(ctx context.Context, in *ingest.Ingester, path string) error {
	r, err := relay.OpenCapture(path)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	// Progress is only meaningful against the raw size of an uncompressed file.
	var bar *ui.ByteProgress
	if relay.CompressionFor(path) == relay.CompressionNone && ui.IsTerminal() {
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			bar = ui.NewByteProgress(filepath.Base(path), info.Size())
		}
	}

	var progress func(int64)
	if bar != nil {
		progress = func(read int64) {
			fmt.Printf("\r%s", bar.Render(read))
		}
		defer fmt.Println()
	}
	return in.Import(ctx, r, progress)
}
