package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

const AppName = "testpipe"

type App struct {
	logger zerolog.Logger
	out    io.Writer
	cli    *cli.App
}

func New() *App {

	// Set default log level to info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logger :=
		log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339Nano,
		})

	app := &App{
		logger: logger,
		out:    os.Stdout,
		cli: &cli.App{
			Name:  AppName,
			Usage: "Deliver test results to reporting destinations and upload their artifacts",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "verbose",
					Usage: "Enable verbose (debug) logging",
				},
				&cli.StringFlag{
					Name:  "env-file",
					Usage: "Read configuration from this .env file if it exists",
					Value: ".env",
				},
			},
			Before: func(ctx *cli.Context) error {
				if ctx.Bool("verbose") {
					zerolog.SetGlobalLevel(zerolog.DebugLevel)
				}
				return nil
			},
		},
	}

	runIDFlag := &cli.StringFlag{
		Name:  "run-id",
		Usage: "Run to operate on (defaults to TESTPIPE_RUN_ID)",
	}

	app.cli.Commands = []*cli.Command{
		{
			Name:   "start",
			Usage:  "Create a run on every configured destination and print its id",
			Action: app.start,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "title",
					Usage: "Title of the run (defaults to TESTPIPE_TITLE)",
				},
				runIDFlag,
			},
		},
		{
			Name:   "finish",
			Usage:  "Set the final status of a run",
			Action: app.finish,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "status",
					Usage: "Final status: passed, failed or finished",
					Value: "finished",
				},
				&cli.BoolFlag{
					Name:  "parallel",
					Usage: "Mark the run as reported by parallel workers",
				},
				runIDFlag,
			},
		},
		{
			Name:      "replay",
			Usage:     "Deliver a recorded debug log to the configured destinations",
			ArgsUsage: "<debug-file>",
			Action:    app.replay,
		},
		{
			Name:   "upload-artifacts",
			Usage:  "Upload artifacts recorded in a run ledger that were not uploaded yet",
			Action: app.uploadArtifacts,
			Flags: []cli.Flag{
				runIDFlag,
				&cli.BoolFlag{
					Name:  "force",
					Usage: "Upload every recorded artifact, including already uploaded ones",
				},
			},
		},
		{
			Name:  "ledger",
			Usage: "Inspect artifact ledgers",
			Subcommands: []*cli.Command{
				{
					Name:   "list",
					Usage:  "List ledgers of previous runs",
					Action: app.ledgerList,
					Flags: []cli.Flag{
						&cli.IntFlag{
							Name:    "limit",
							Aliases: []string{"n"},
							Usage:   "Maximum number of ledgers to show (0 = all)",
							Value:   10,
						},
						&cli.BoolFlag{
							Name:  "pending",
							Usage: "Only show ledgers with artifacts left to upload",
						},
					},
				},
			},
		},
	}

	return app
}

func (a *App) Run(args []string) error {
	return a.cli.Run(args)
}

// SetVersion sets the version information for the CLI application
func (a *App) SetVersion(version, commit, date string) {
	a.cli.Version = version
	if commit != "none" && len(commit) >= 8 {
		a.cli.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit[:8], date)
	}
}
