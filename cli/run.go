package cli

// This file contains the run lifecycle commands: start, finish and
// replay of a recorded debug log.

import (
	"errors"
	"fmt"

	"github.com/perfgo/testpipe/dispatch"
	"github.com/perfgo/testpipe/model"
	"github.com/perfgo/testpipe/pipe/csvexport"
	"github.com/perfgo/testpipe/pipe/debug"
	"github.com/perfgo/testpipe/pipe/github"
	"github.com/urfave/cli/v2"
)

var errNoRunID = errors.New("run id is required, pass --run-id or set TESTPIPE_RUN_ID")

func (a *App) start(ctx *cli.Context) error {
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}
	client, err := a.newClient(cfg, pipeNames(cfg))
	if err != nil {
		return err
	}

	runID, err := client.CreateRun(ctx.Context).Wait(ctx.Context)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	if err := client.Close(ctx.Context); err != nil {
		return err
	}

	for key, url := range client.Store().Links() {
		a.logger.Info().Str(key, url).Msg("Run link")
	}
	fmt.Fprintln(a.out, runID)
	return nil
}

// finish only talks to destinations that keep state outside this
// process; aggregating pipes have nothing to report here. Destination
// failures are logged, only usage errors fail the command.
func (a *App) finish(ctx *cli.Context) error {
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}
	if cfg.Reporter.RunID == "" {
		return errNoRunID
	}

	client, err := a.newClient(cfg, pipeNames(cfg, github.Name, csvexport.Name, debug.Name))
	if err != nil {
		return err
	}
	status := model.ParseRunStatus(ctx.String("status"))
	if _, err := client.UpdateRunStatus(ctx.Context, status, ctx.Bool("parallel")).Wait(ctx.Context); err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if err := client.Close(ctx.Context); err != nil {
		return err
	}

	if failures := client.Summary().PipeFailures; failures > 0 {
		a.logger.Warn().
			Str("run_id", cfg.Reporter.RunID).
			Int("failures", failures).
			Msg("Run could not be finished on every destination")
		return nil
	}
	a.logger.Info().Str("run_id", cfg.Reporter.RunID).Str("status", string(status)).Msg("Run finished")
	return nil
}

// replay feeds the lifecycle calls of a debug log through a new client,
// in the order they were recorded. The debug pipe itself is left out so
// the log is not extended while it is read.
func (a *App) replay(ctx *cli.Context) error {
	path := ctx.Args().First()
	if path == "" {
		return errors.New("debug file argument is required")
	}

	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}
	entries, err := debug.ReadFile(a.logger, path)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("no lifecycle calls found in %s", path)
	}

	client, err := a.newClient(cfg, pipeNames(cfg, debug.Name))
	if err != nil {
		return err
	}

	var tests int
	for _, e := range entries {
		switch e.Action {
		case debug.ActionCreateRun:
			client.CreateRun(ctx.Context)
		case debug.ActionAddTest:
			record, err := e.Record()
			if err != nil {
				a.logger.Warn().Err(err).Time("recorded", e.Time()).Msg("Skipping unreadable test")
				continue
			}
			client.AddTestRun(ctx.Context, record.Status, record)
			tests++
		case debug.ActionFinishRun:
			params, err := e.Params()
			if err != nil {
				a.logger.Warn().Err(err).Msg("Finishing run with default status")
				params = model.RunParams{Status: model.RunStatusFinished}
			}
			client.UpdateRunStatus(ctx.Context, params.Status, params.Parallel)
		default:
			a.logger.Warn().Str("action", e.Action).Msg("Skipping unknown action")
		}
	}

	if err := client.Close(ctx.Context); err != nil {
		return err
	}
	a.logger.Info().Int("tests", tests).Str("file", path).Msg("Replayed debug log")
	a.writeSummary(client.Summary())
	return nil
}

func (a *App) writeSummary(s dispatch.Summary) {
	s.Write(a.out)
}
