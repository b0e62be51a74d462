package transfer

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"time"

	"gridxfer/pkg/metrics"
	"gridxfer/pkg/qos"
	"gridxfer/pkg/transport"
	"gridxfer/pkg/types"
	"gridxfer/pkg/workpool"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Options struct {
	Catalogue Catalogue
	Transport transport.Client
	// Shared by every upload; a pool of DefaultWorkers is created when nil
	Pool       *workpool.Pool
	DefaultQoS qos.Spec

	PollInterval        time.Duration
	HeartbeatInterval   time.Duration
	DownloadParallelism int
	MirrorAttempts      int

	Logger  *zap.Logger
	Metrics *metrics.TransferMetrics
}

const DefaultWorkers = 8

type PutOptions struct {
	// QoS request; the default spec applies when it asks for nothing
	QoS        string
	WaitForAll bool
	Repair     bool
	Move       bool
	// Register the replicas as booked instead of committed
	NoCommit  bool
	Heartbeat func(Progress)
}

type GetOptions struct {
	Include     []string
	Exclude     []string
	Parallelism int
}

// Client is the entry point for transfers: it checks preconditions, then
// drives the uploader and downloader against one catalogue.
type Client struct {
	cat        Catalogue
	defaultQoS qos.Spec
	ownsPool   bool
	pool       *workpool.Pool

	selector   *Selector
	committer  *Committer
	uploader   *Uploader
	downloader *Downloader
	background *Background
	mirror     *MirrorExecutor

	mirrorAttempts int
	logger         *zap.Logger
}

func NewClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pool := opts.Pool
	ownsPool := false
	if pool == nil {
		pool = workpool.New(DefaultWorkers, workpool.DefaultIdleTimeout, logger.Named("pool"))
		ownsPool = true
	}
	attempts := opts.MirrorAttempts
	if attempts <= 0 {
		attempts = 1
	}

	selector := NewSelector(opts.Catalogue, logger.Named("selector"), opts.Metrics)
	committer := NewCommitter(opts.Catalogue, attempts, logger.Named("commit"), opts.Metrics)
	background := NewBackground(logger.Named("background"), opts.Metrics)

	return &Client{
		cat:        opts.Catalogue,
		defaultQoS: opts.DefaultQoS,
		ownsPool:   ownsPool,
		pool:       pool,
		selector:   selector,
		committer:  committer,
		uploader: NewUploader(UploaderConfig{
			Selector:          selector,
			Committer:         committer,
			Transport:         opts.Transport,
			Pool:              pool,
			Background:        background,
			PollInterval:      opts.PollInterval,
			HeartbeatInterval: opts.HeartbeatInterval,
			Logger:            logger.Named("upload"),
			Metrics:           opts.Metrics,
		}),
		downloader:     NewDownloader(opts.Catalogue, opts.Transport, opts.DownloadParallelism, logger.Named("download"), opts.Metrics),
		background:     background,
		mirror:         NewMirrorExecutor(opts.Catalogue, opts.Transport, committer, logger.Named("mirror"), opts.Metrics),
		mirrorAttempts: attempts,
		logger:         logger,
	}
}

// MirrorExecutor performs the catalogue's queued mirror jobs with this
// client's transport.
func (c *Client) MirrorExecutor() *MirrorExecutor { return c.mirror }

func (c *Client) Background() *Background { return c.background }

// Put uploads the local file to lfn. Preconditions are checked before any
// ticket is requested.
func (c *Client) Put(ctx context.Context, local, lfn string, opts PutOptions) (*Outcome, error) {
	spec, err := qos.Parse(opts.QoS)
	if err != nil {
		return nil, types.NewError(types.CodeInvalidArgument, "put", opts.QoS, err)
	}
	spec = spec.WithDefault(c.defaultQoS)
	if spec.IsEmpty() {
		return nil, types.Errorf(types.CodeInvalidArgument, "put", "no replicas requested for %s", lfn)
	}

	info, err := os.Stat(local)
	if os.IsNotExist(err) {
		return nil, types.NewError(types.CodeNameNotFound, "put", local, err)
	}
	if err != nil {
		return nil, types.NewError(types.CodeInternal, "put", local, err)
	}
	if !info.Mode().IsRegular() {
		return nil, types.Errorf(types.CodeTypeMismatch, "put", "%s is not a regular file", local)
	}

	target, err := c.resolveTarget(ctx, local, lfn)
	if err != nil {
		return nil, err
	}

	size, sum, err := fileChecksum(local)
	if err != nil {
		return nil, types.NewError(types.CodeInternal, "put", local, err)
	}

	return c.uploader.Upload(ctx, UploadRequest{
		FileRef: FileRef{
			LFN:       target,
			ContentID: types.ContentID(uuid.New().String()),
			Size:      size,
			Checksum:  sum,
		},
		Local:      local,
		Spec:       spec,
		WaitForAll: opts.WaitForAll,
		Durable:    !opts.NoCommit,
		Repair:     opts.Repair,
		Move:       opts.Move,
		Heartbeat:  opts.Heartbeat,
	})
}

// resolveTarget maps lfn onto an existing directory and refuses to overwrite.
func (c *Client) resolveTarget(ctx context.Context, local, lfn string) (string, error) {
	entry, err := c.cat.Resolve(ctx, lfn)
	switch {
	case types.IsCode(err, types.CodeNameNotFound):
		return lfn, nil
	case err != nil:
		return "", err
	case !entry.IsDirectory():
		return "", types.NewError(types.CodeAlreadyExists, "put", entry.Path, nil)
	}

	target := path.Join(entry.Path, filepath.Base(local))
	if _, err := c.cat.Resolve(ctx, target); err == nil {
		return "", types.NewError(types.CodeAlreadyExists, "put", target, nil)
	} else if !types.IsCode(err, types.CodeNameNotFound) {
		return "", err
	}
	return target, nil
}

func (c *Client) Get(ctx context.Context, source, dest string, opts GetOptions) (*DownloadResult, error) {
	return c.downloader.Download(ctx, DownloadRequest{
		Source:      source,
		Destination: dest,
		Include:     opts.Include,
		Exclude:     opts.Exclude,
		Parallelism: opts.Parallelism,
	})
}

// Mirror schedules copies of an existing file until spec is met.
func (c *Client) Mirror(ctx context.Context, lfn, spec string, attempts int) (map[string]types.MirrorResult, error) {
	parsed, err := qos.Parse(spec)
	if err != nil {
		return nil, types.NewError(types.CodeInvalidArgument, "mirror", spec, err)
	}
	if len(parsed.Include) == 0 && len(parsed.Counts) == 0 {
		return nil, types.Errorf(types.CodeInvalidArgument, "mirror", "no mirror targets in %q", spec)
	}
	if attempts <= 0 {
		attempts = c.mirrorAttempts
	}

	results, err := c.cat.ScheduleMirror(ctx, lfn, parsed.Include, parsed.Counts, attempts)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Scheduled mirror", zap.String("lfn", lfn), zap.String("qos", parsed.String()), zap.Int("transfers", len(results)))
	return results, nil
}

// Close waits for background uploads to finish and releases the pool when
// the client created it.
func (c *Client) Close() error {
	if n := c.background.Pending(); n > 0 {
		c.logger.Info("Waiting for background uploads", zap.Int("pending", n))
	}
	c.background.Wait()
	if c.ownsPool {
		c.pool.Close()
	}
	return nil
}
