package dispatch

// This file contains the dispatch client: the entry point producers call
// to report a run. Every lifecycle operation goes through one serial
// queue, so each pipe observes createRun, then every addTestRun in call
// order, then finishRun, no matter how many goroutines report at once.

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/perfgo/testpipe/model"
	"github.com/perfgo/testpipe/pipe"
	"github.com/perfgo/testpipe/uploader"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// uploadConcurrency bounds parallel artifact uploads of a single record.
const uploadConcurrency = 4

// StorageFactory turns credentials published by a pipe into blob storage.
type StorageFactory func(creds pipe.StorageCredentials) (uploader.Storage, error)

// Option configures a Client.
type Option func(*Client)

// WithRunID resumes an existing run instead of letting the destinations
// assign a new id. Parallel workers reporting into one run use it.
func WithRunID(id string) Option {
	return func(c *Client) {
		c.runID = id
	}
}

// WithQueueOptions configures the underlying queue.
func WithQueueOptions(opts ...QueueOption) Option {
	return func(c *Client) {
		c.queueOpts = append(c.queueOpts, opts...)
	}
}

// WithStorageFactory overrides how published storage credentials are
// turned into blob storage.
func WithStorageFactory(f StorageFactory) Option {
	return func(c *Client) {
		c.storageFactory = f
	}
}

// Client owns one run session.
type Client struct {
	logger         zerolog.Logger
	queue          *Queue
	queueOpts      []QueueOption
	pipes          *pipe.Set
	store          *pipe.Store
	uploader       *uploader.Uploader
	storageFactory StorageFactory

	mu           sync.Mutex
	runID        string
	created      bool
	counts       model.RunCounts
	pipeFailures int
}

// New creates a client delivering to pipes. up may be nil, in which case
// artifacts are not uploaded.
func New(logger zerolog.Logger, pipes *pipe.Set, store *pipe.Store, up *uploader.Uploader, opts ...Option) *Client {
	c := &Client{
		logger:   logger.With().Str("component", "dispatch").Logger(),
		pipes:    pipes,
		store:    store,
		uploader: up,
		storageFactory: func(creds pipe.StorageCredentials) (uploader.Storage, error) {
			return uploader.NewS3Storage(uploader.S3Options{
				Bucket:          creds.Bucket,
				Region:          creds.Region,
				Endpoint:        creds.Endpoint,
				AccessKeyID:     creds.AccessKeyID,
				SecretAccessKey: creds.SecretAccessKey,
				SessionToken:    creds.SessionToken,
				PublicURL:       creds.PublicURL,
			})
		},
	}
	if store == nil {
		c.store = pipe.NewStore()
	}
	if up == nil {
		c.uploader = uploader.New(logger, uploader.Disabled())
	}
	for _, opt := range opts {
		opt(c)
	}
	c.queue = NewQueue(c.logger, c.queueOpts...)
	if c.runID != "" {
		c.store.Set(pipe.KeyRunID, c.runID)
	}
	return c
}

// RunID returns the id of the run, empty until CreateRun completed.
func (c *Client) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

// Store returns the store shared by the pipes.
func (c *Client) Store() *pipe.Store {
	return c.store
}

// CreateRun starts the run on every pipe. Only the first call has an
// effect; later calls resolve with the id of the existing run.
func (c *Client) CreateRun(ctx context.Context) *Future[string] {
	return Enqueue(ctx, c.queue, func(ctx context.Context) (string, error) {
		return c.createRun(ctx), nil
	})
}

func (c *Client) createRun(ctx context.Context) string {
	c.mu.Lock()
	if c.created {
		id := c.runID
		c.mu.Unlock()
		return id
	}
	c.created = true
	c.mu.Unlock()

	failures := c.pipes.CreateRun(ctx)

	runID := c.store.String(pipe.KeyRunID)
	if runID == "" {
		runID = uuid.NewString()
		c.store.Set(pipe.KeyRunID, runID)
	}

	c.mu.Lock()
	c.runID = runID
	c.pipeFailures += len(failures)
	c.mu.Unlock()

	c.uploader.SetRunID(runID)
	c.applyStorageCredentials()

	event := c.logger.Info().Str("run_id", runID).Strs("pipes", c.pipes.Names())
	if url := c.store.String(pipe.KeyRunURL); url != "" {
		event = event.Str("url", url)
	}
	event.Msg("Run created")
	return runID
}

// applyStorageCredentials switches the uploader to blob storage handed
// out by a destination, unless storage was configured up front.
func (c *Client) applyStorageCredentials() {
	if !c.uploader.Enabled() || c.uploader.HasStorage() {
		return
	}
	v, ok := c.store.Get(pipe.KeyArtifactStorage)
	if !ok {
		return
	}
	creds, ok := v.(pipe.StorageCredentials)
	if !ok || creds.Bucket == "" {
		return
	}
	storage, err := c.storageFactory(creds)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to configure artifact storage, artifacts will be deferred")
		return
	}
	c.uploader.SetStorage(storage)
	c.logger.Debug().Str("bucket", creds.Bucket).Msg("Configured artifact storage from run credentials")
}

// AddTestRun reports one test. Artifacts referenced by the record are
// uploaded before the record is handed to the pipes, inside the queue
// slot of the call, so a slow upload never lets a later record overtake
// this one. The future resolves once every pipe settled.
func (c *Client) AddTestRun(ctx context.Context, status model.Status, record model.TestRecord) *Future[struct{}] {
	return Enqueue(ctx, c.queue, func(ctx context.Context) (struct{}, error) {
		c.mu.Lock()
		created := c.created
		c.mu.Unlock()
		if !created {
			c.logger.Warn().Str("title", record.Title).Msg("Test reported before the run was created, creating it now")
			c.createRun(ctx)
		}

		rec := normalizeRecord(status, record)
		rec = c.resolveArtifacts(ctx, rec)

		failures := c.pipes.AddTest(ctx, rec)

		c.mu.Lock()
		c.counts.Add(rec.Status)
		c.pipeFailures += len(failures)
		c.mu.Unlock()

		c.logger.Debug().
			Str("rid", rec.RID).
			Str("title", rec.Title).
			Str("status", string(rec.Status)).
			Int("artifacts", len(rec.Artifacts)).
			Msg("Test delivered")
		return struct{}{}, nil
	})
}

// resolveArtifacts uploads files and buffers of rec and appends the
// resulting URLs in reference order. Raw buffers are dropped from the
// payload afterwards.
func (c *Client) resolveArtifacts(ctx context.Context, rec model.TestRecord) model.TestRecord {
	if !rec.HasArtifacts() || !c.uploader.Enabled() {
		rec.FilesBuffers = nil
		return rec
	}

	urls := make([]string, len(rec.Files)+len(rec.FilesBuffers))
	var g errgroup.Group
	g.SetLimit(uploadConcurrency)
	for i, f := range rec.Files {
		g.Go(func() error {
			urls[i] = c.uploader.UploadFile(ctx, rec.RID, f.Path, f.Name, f.Type)
			return nil
		})
	}
	for i, b := range rec.FilesBuffers {
		g.Go(func() error {
			urls[len(rec.Files)+i] = c.uploader.UploadBuffer(ctx, rec.RID, b.Data, b.Name, b.Type)
			return nil
		})
	}
	_ = g.Wait()

	for _, url := range urls {
		if url != "" {
			rec.Artifacts = append(rec.Artifacts, url)
		}
	}
	rec.FilesBuffers = nil
	return rec
}

// AttachArtifacts re-submits the test identified by rid with artifact
// URLs that became available later, for example after a ledger replay.
func (c *Client) AttachArtifacts(ctx context.Context, rid string, urls []string) *Future[struct{}] {
	return Enqueue(ctx, c.queue, func(ctx context.Context) (struct{}, error) {
		failures := c.pipes.AddTest(ctx, model.TestRecord{RID: rid, Artifacts: urls})
		c.mu.Lock()
		c.pipeFailures += len(failures)
		c.mu.Unlock()
		return struct{}{}, nil
	})
}

// UpdateRunStatus finishes the run. It is queued behind every earlier
// AddTestRun and runs only after all of them completed.
func (c *Client) UpdateRunStatus(ctx context.Context, status model.RunStatus, parallel bool) *Future[struct{}] {
	return Enqueue(ctx, c.queue, func(ctx context.Context) (struct{}, error) {
		c.mu.Lock()
		params := model.RunParams{
			Status:   status,
			Parallel: parallel,
			Tests:    c.counts,
			RunID:    c.runID,
		}
		c.mu.Unlock()

		failures := c.pipes.FinishRun(ctx, params)

		c.mu.Lock()
		c.pipeFailures += len(failures)
		c.mu.Unlock()

		c.logger.Info().
			Str("run_id", params.RunID).
			Str("status", string(status)).
			Int("tests", params.Tests.Total()).
			Msg("Run finished")
		return struct{}{}, nil
	})
}

// Close waits until every queued operation ran.
func (c *Client) Close(ctx context.Context) error {
	return c.queue.Close(ctx)
}
