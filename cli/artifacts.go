package cli

// This file contains the upload-artifacts command, which uploads the
// artifacts a run recorded in its ledger but could not upload itself.

import (
	"errors"
	"fmt"
	"sort"

	"github.com/perfgo/testpipe/pipe/remote"
	"github.com/urfave/cli/v2"
)

func (a *App) uploadArtifacts(ctx *cli.Context) error {
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}
	runID := cfg.Reporter.RunID
	if runID == "" {
		return errNoRunID
	}
	if cfg.Artifacts.Disabled {
		return errors.New("artifact uploads are disabled by TESTPIPE_DISABLE_ARTIFACTS")
	}

	up, err := a.newUploader(cfg)
	if err != nil {
		return err
	}
	if !up.HasStorage() {
		return errNoStorage
	}

	result, err := up.Replay(ctx.Context, runID, ctx.Bool("force"))
	if err != nil {
		return err
	}
	if result.Stale {
		fmt.Fprintf(a.out, "Ledger of run %s is older than %s, nothing uploaded\n", runID, cfg.Artifacts.LedgerMaxAge)
		return nil
	}

	fmt.Fprintf(a.out, "Uploaded %d of %d artifacts for run %s\n", result.Uploaded(), result.Attempted, runID)
	if result.Uploaded() == 0 {
		return nil
	}
	return a.attachArtifacts(ctx, result.URLs)
}

// attachArtifacts resubmits every test that gained artifact URLs to the
// remote API. The run already exists, so no run is created and records
// are sent one by one.
func (a *App) attachArtifacts(ctx *cli.Context, urls map[string][]string) error {
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}
	cfg.Reporter.DisableBatch = true
	cfg.Artifacts.Disabled = true

	client, err := a.newClient(cfg, []string{remote.Name})
	if err != nil {
		return err
	}

	rids := make([]string, 0, len(urls))
	for rid := range urls {
		rids = append(rids, rid)
	}
	sort.Strings(rids)
	for _, rid := range rids {
		client.AttachArtifacts(ctx.Context, rid, urls[rid])
	}
	if err := client.Close(ctx.Context); err != nil {
		return err
	}

	if failures := client.Summary().PipeFailures; failures > 0 {
		a.logger.Warn().Int("failures", failures).Msg("Some tests could not be updated with their artifacts")
	}
	return nil
}
