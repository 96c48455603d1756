package cli

// This file wires configuration into the pipes, the uploader and the
// dispatch client used by every command.

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/perfgo/testpipe/config"
	"github.com/perfgo/testpipe/dispatch"
	"github.com/perfgo/testpipe/pipe"
	"github.com/perfgo/testpipe/pipe/csvexport"
	"github.com/perfgo/testpipe/pipe/debug"
	"github.com/perfgo/testpipe/pipe/github"
	"github.com/perfgo/testpipe/pipe/remote"
	"github.com/perfgo/testpipe/uploader"
	"github.com/urfave/cli/v2"
)

const httpTimeout = 30 * time.Second

var errNoStorage = errors.New("no artifact storage configured, set S3_BUCKET or TESTPIPE_ARTIFACTS_DIR")

// builtinPipes are always considered; the pipes decide from configuration
// whether they are enabled.
var builtinPipes = []string{remote.Name, github.Name, csvexport.Name, debug.Name}

func newRegistry() *pipe.Registry {
	r := pipe.NewRegistry()
	r.Register(remote.Name, remote.Factory)
	r.Register(github.Name, github.Factory)
	r.Register(csvexport.Name, csvexport.Factory)
	r.Register(debug.Name, debug.Factory)
	return r
}

// loadConfig reads the configuration and applies command line overrides.
func (a *App) loadConfig(ctx *cli.Context) (config.Config, error) {
	cfg, err := config.Load(ctx.String("env-file"))
	if err != nil {
		return cfg, err
	}
	if ctx.IsSet("run-id") {
		cfg.Reporter.RunID = ctx.String("run-id")
	}
	if ctx.IsSet("title") {
		cfg.Reporter.Title = ctx.String("title")
	}
	a.detectGitHub(&cfg.GitHub)
	return cfg, nil
}

// buildPipes constructs the built-in pipes and any extra pipes named in
// the configuration.
func (a *App) buildPipes(cfg config.Config, names []string, store *pipe.Store) *pipe.Set {
	params := pipe.Params{
		Logger:     a.logger,
		Config:     cfg,
		HTTPClient: &http.Client{Timeout: httpTimeout},
	}
	return pipe.NewSet(a.logger, newRegistry().Build(names, params, store)...)
}

// newUploader builds the uploader. Storage is S3 when a bucket is
// configured, a local directory when one is set, and otherwise left open
// for credentials handed out by the remote API.
func (a *App) newUploader(cfg config.Config) (*uploader.Uploader, error) {
	if cfg.Artifacts.Disabled {
		return uploader.New(a.logger, uploader.Disabled()), nil
	}

	opts := []uploader.Option{
		uploader.WithMaxSize(cfg.Artifacts.MaxSizeBytes()),
		uploader.WithRetry(cfg.Artifacts.Attempts, time.Second),
		uploader.WithLedgerDir(cfg.Artifacts.LedgerDir),
		uploader.WithLedgerMaxAge(cfg.Artifacts.LedgerMaxAge),
	}

	switch {
	case cfg.S3.Enabled():
		storage, err := uploader.NewS3Storage(uploader.S3Options{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			SessionToken:    cfg.S3.SessionToken,
			PublicURL:       cfg.S3.PublicURL,
			Insecure:        cfg.S3.Insecure,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure S3 storage: %w", err)
		}
		opts = append(opts, uploader.WithStorage(storage))
	case cfg.Artifacts.Dir != "":
		storage, err := uploader.NewDirStorage(cfg.Artifacts.Dir, cfg.Artifacts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to configure artifact directory: %w", err)
		}
		opts = append(opts, uploader.WithStorage(storage))
	}

	return uploader.New(a.logger, opts...), nil
}

// newClient builds a dispatch client delivering to the named pipes.
func (a *App) newClient(cfg config.Config, names []string) (*dispatch.Client, error) {
	up, err := a.newUploader(cfg)
	if err != nil {
		return nil, err
	}
	store := pipe.NewStore()
	pipes := a.buildPipes(cfg, names, store)
	a.logger.Debug().Strs("pipes", pipes.Names()).Msg("Pipes enabled")

	var opts []dispatch.Option
	if cfg.Reporter.RunID != "" {
		opts = append(opts, dispatch.WithRunID(cfg.Reporter.RunID))
	}
	return dispatch.New(a.logger, pipes, store, up, opts...), nil
}

func pipeNames(cfg config.Config, exclude ...string) []string {
	names := slices.Concat(builtinPipes, cfg.Pipes)
	return slices.DeleteFunc(names, func(n string) bool {
		return slices.Contains(exclude, n)
	})
}
