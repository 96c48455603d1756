package cli

// This file contains the ledger list command for displaying the artifact
// ledgers of previous runs.

import (
	"fmt"

	"github.com/perfgo/testpipe/ledger"
	"github.com/urfave/cli/v2"
)

func (a *App) ledgerList(ctx *cli.Context) error {
	limit := ctx.Int("limit")
	onlyPending := ctx.Bool("pending")

	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}

	infos, err := ledger.Discover(a.logger, cfg.Artifacts.LedgerDir)
	if err != nil {
		return err
	}

	var filtered []ledger.Info
	for _, info := range infos {
		if !onlyPending || info.Pending > 0 {
			filtered = append(filtered, info)
		}
	}

	if len(filtered) == 0 {
		fmt.Fprintf(a.out, "No ledgers found in %s\n", cfg.Artifacts.LedgerDir)
		return nil
	}

	display := filtered
	if limit > 0 && limit < len(display) {
		display = display[:limit]
	}

	fmt.Fprintf(a.out, "\n=== Ledgers (%d total) ===\n\n", len(filtered))

	for _, info := range display {
		timestamp := info.Modified.Format("2006-01-02 15:04:05")

		status := "✓"
		if info.Pending > 0 {
			status = "✗"
		}

		fmt.Fprintf(a.out, "%s  %s  run=%s  uploaded=%d  pending=%d\n", status, timestamp, info.RunID, info.Uploaded, info.Pending)
		fmt.Fprintf(a.out, "   %s\n", info.Path)
		fmt.Fprintln(a.out)
	}

	fmt.Fprintf(a.out, "Upload pending artifacts: %s upload-artifacts --run-id <ID>\n", AppName)
	return nil
}
