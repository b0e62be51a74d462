package transfer

import (
	"context"
	"os"
	"time"

	"gridxfer/pkg/metrics"
	"gridxfer/pkg/qos"
	"gridxfer/pkg/transport"
	"gridxfer/pkg/types"
	"gridxfer/pkg/workpool"

	"go.uber.org/zap"
)

const (
	DefaultPollInterval      = 100 * time.Millisecond
	DefaultHeartbeatInterval = 500 * time.Millisecond
)

// Progress is reported through UploadRequest.Heartbeat while an upload
// waits on its attempts.
type Progress struct {
	LFN         string
	Elapsed     time.Duration
	Confirmed   int
	Outstanding int
}

type UploadRequest struct {
	FileRef
	Local string
	Spec  qos.Spec

	// Return after the first confirmed replica is committed and finish the
	// rest in the background
	WaitForAll bool
	Durable    bool
	Repair     bool
	// Delete Local once every confirmed replica is committed
	Move      bool
	Heartbeat func(Progress)
}

type UploaderConfig struct {
	Selector          *Selector
	Committer         *Committer
	Transport         transport.Client
	Pool              *workpool.Pool
	Background        *Background
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
	Metrics           *metrics.TransferMetrics
}

// Uploader runs one attempt per booked replica on the worker pool and
// collects their confirmations.
type Uploader struct {
	selector          *Selector
	committer         *Committer
	transport         transport.Client
	pool              *workpool.Pool
	background        *Background
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	logger            *zap.Logger
	metrics           *metrics.TransferMetrics
}

func NewUploader(cfg UploaderConfig) *Uploader {
	u := &Uploader{
		selector:          cfg.Selector,
		committer:         cfg.Committer,
		transport:         cfg.Transport,
		pool:              cfg.Pool,
		background:        cfg.Background,
		pollInterval:      cfg.PollInterval,
		heartbeatInterval: cfg.HeartbeatInterval,
		logger:            cfg.Logger,
		metrics:           cfg.Metrics,
	}
	if u.pollInterval <= 0 {
		u.pollInterval = DefaultPollInterval
	}
	if u.heartbeatInterval <= 0 {
		u.heartbeatInterval = DefaultHeartbeatInterval
	}
	if u.logger == nil {
		u.logger = zap.NewNop()
	}
	if u.background == nil {
		u.background = NewBackground(u.logger, u.metrics)
	}
	return u
}

type attemptResult struct {
	// The confirmed replica, nil when every try failed
	replica  *types.PhysicalReplica
	target   *types.PhysicalReplica
	failures []error
}

// upload is the state of one file. Only the polling goroutine, or the
// background job after a handoff, touches it; workers report through results.
type upload struct {
	u     *Uploader
	req   UploadRequest
	tried *ExclusionSet

	results     chan attemptResult
	outstanding int

	confirmed  []*types.PhysicalReplica
	earlier    []*types.PhysicalReplica
	failures   []error
	warnings   []Warning
	earlyTried bool
	started    time.Time
}

// Upload books targets for req.Spec and uploads req.Local to each of them.
// The returned error covers failures before any transfer started; everything
// after is described by the outcome.
func (u *Uploader) Upload(ctx context.Context, req UploadRequest) (*Outcome, error) {
	if req.Spec.IsEmpty() {
		return nil, types.Errorf(types.CodeInvalidArgument, "upload", "no replicas requested for %s", req.LFN)
	}

	candidates, err := u.selector.SelectWriteTargets(ctx, req.FileRef, req.Spec)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, types.Errorf(types.CodeNoTicketsGranted, "upload", "no write tickets granted for %s", req.LFN)
	}

	names := append([]string(nil), req.Spec.Exclude...)
	for _, c := range candidates {
		names = append(names, string(c.Element.Name))
	}

	up := &upload{
		u:       u,
		req:     req,
		tried:   NewExclusionSet(names...),
		results: make(chan attemptResult, len(candidates)),
		started: time.Now(),
	}

	u.logger.Info("Starting upload",
		zap.String("lfn", req.LFN),
		zap.String("content_id", string(req.ContentID)),
		zap.String("qos", req.Spec.String()),
		zap.Int("candidates", len(candidates)))

	// Attempts outlive the caller's context
	attemptCtx := context.WithoutCancel(ctx)
	for _, c := range candidates {
		up.launch(attemptCtx, c)
	}

	ticker := time.NewTicker(u.pollInterval)
	defer ticker.Stop()
	lastBeat := up.started

	for up.outstanding > 0 {
		select {
		case <-ctx.Done():
			u.logger.Warn("Upload interrupted, continuing in background",
				zap.String("lfn", req.LFN),
				zap.Int("outstanding", up.outstanding))
			return up.handOff(types.CodeInterrupted), nil
		case <-ticker.C:
		}

		up.drain()

		if now := time.Now(); now.Sub(lastBeat) >= u.heartbeatInterval {
			lastBeat = now
			up.heartbeat()
		}

		if up.outstanding > 0 && up.canCommitEarly() && up.commitEarly(ctx) {
			return up.handOff(types.CodeOK), nil
		}
	}

	return up.finish(ctx), nil
}

func (up *upload) launch(ctx context.Context, target *types.PhysicalReplica) {
	up.outstanding++
	err := up.u.pool.Submit(func() {
		up.results <- up.attempt(ctx, target)
	})
	if err != nil {
		up.u.committer.Reject(ctx, up.req.ContentID, target)
		up.results <- attemptResult{
			target:   target,
			failures: []error{types.NewError(types.CodeInternal, "upload", target.String(), err)},
		}
	}
}

// attempt uploads to target, failing over to substitutes of the same QoS
// class until one succeeds or none is left. Explicit targets are never
// substituted.
func (up *upload) attempt(ctx context.Context, target *types.PhysicalReplica) attemptResult {
	res := attemptResult{target: target}
	current := target

	for {
		up.u.metrics.Attempt()
		token, err := up.u.transport.Put(ctx, current, up.req.Local)
		if err == nil {
			if cerr := current.Ticket.Confirm(token); cerr != nil {
				err = types.NewError(types.CodeInternal, "confirm", current.String(), cerr)
			} else {
				up.u.metrics.Confirmed(up.req.Size)
				up.u.logger.Debug("Replica uploaded",
					zap.String("lfn", up.req.LFN),
					zap.String("element", string(current.Element.Name)))
				res.replica = current
				return res
			}
		}

		res.failures = append(res.failures, err)
		up.u.logger.Warn("Upload attempt failed",
			zap.String("lfn", up.req.LFN),
			zap.String("element", string(current.Element.Name)),
			zap.Error(err))
		up.u.committer.Reject(ctx, up.req.ContentID, current)

		if types.IsCode(err, types.CodePermissionDenied) || current.Explicit {
			return res
		}

		sub, serr := up.u.selector.SelectSubstitute(ctx, up.req.FileRef, up.req.Spec, up.tried, current)
		if serr != nil {
			up.u.logger.Warn("Failed to select substitute",
				zap.String("lfn", up.req.LFN),
				zap.String("failed", string(current.Element.Name)),
				zap.Error(serr))
			return res
		}
		if sub == nil {
			return res
		}
		up.u.metrics.Failover()
		current = sub
	}
}

func (up *upload) record(r attemptResult) {
	up.outstanding--
	if r.replica != nil {
		up.confirmed = append(up.confirmed, r.replica)
	}
	up.failures = append(up.failures, r.failures...)
}

func (up *upload) drain() {
	for {
		select {
		case r := <-up.results:
			up.record(r)
		default:
			return
		}
	}
}

func (up *upload) heartbeat() {
	p := Progress{
		LFN:         up.req.LFN,
		Elapsed:     time.Since(up.started),
		Confirmed:   len(up.earlier) + len(up.confirmed),
		Outstanding: up.outstanding,
	}
	up.u.logger.Debug("Upload in progress",
		zap.String("lfn", p.LFN),
		zap.Duration("elapsed", p.Elapsed),
		zap.Int("confirmed", p.Confirmed),
		zap.Int("outstanding", p.Outstanding))
	if up.req.Heartbeat != nil {
		up.req.Heartbeat(p)
	}
}

// canCommitEarly holds once per upload, for durable uploads that do not wait
// for every attempt.
func (up *upload) canCommitEarly() bool {
	return !up.req.WaitForAll && up.req.Durable && !up.earlyTried && len(up.confirmed) > 0
}

// commitEarly commits the confirmations collected so far against a desired
// count of one.
func (up *upload) commitEarly(ctx context.Context) bool {
	up.earlyTried = true
	batch := up.confirmed

	out := up.u.committer.Commit(ctx, CommitRequest{
		File:     up.req.FileRef,
		Spec:     up.req.Spec,
		Desired:  1,
		Replicas: batch,
		Durable:  true,
	})
	up.warnings = append(up.warnings, out.Warnings...)
	if out.Committed == 0 {
		return false
	}

	up.confirmed = nil
	for _, r := range batch {
		if r.Ticket.State() == types.TicketCommitted {
			up.earlier = append(up.earlier, r)
		}
	}
	return true
}

// handOff returns the caller's view of the upload now and lets a background
// job drain the remaining attempts and commit them.
func (up *upload) handOff(code types.Code) *Outcome {
	out := &Outcome{
		LFN:       up.req.LFN,
		ContentID: up.req.ContentID,
		Code:      code,
		Desired:   up.req.Spec.DesiredTotal(),
		Confirmed: len(up.earlier) + len(up.confirmed),
		Committed: len(up.earlier),
		Warnings:  append([]Warning(nil), up.warnings...),
		Pending:   up.outstanding,
		Elapsed:   time.Since(up.started),
	}
	for _, r := range up.earlier {
		out.Replicas = append(out.Replicas, r.Element.Name)
	}

	up.u.background.Go(up.req.LFN, func() *Outcome {
		for up.outstanding > 0 {
			up.record(<-up.results)
		}
		return up.finish(context.Background())
	})
	return out
}

// finish performs the terminal commit with every confirmation not yet
// committed and applies move semantics.
func (up *upload) finish(ctx context.Context) *Outcome {
	out := up.u.committer.Commit(ctx, CommitRequest{
		File:     up.req.FileRef,
		Spec:     up.req.Spec,
		Desired:  up.req.Spec.DesiredTotal(),
		Replicas: up.confirmed,
		Earlier:  up.earlier,
		Durable:  up.req.Durable,
		Repair:   up.req.Repair,
		Failures: up.failures,
	})
	out.Warnings = append(up.warnings, out.Warnings...)
	out.Elapsed = time.Since(up.started)

	if up.req.Move && up.req.Durable && out.OK() && out.Committed == out.Confirmed {
		if err := os.Remove(up.req.Local); err != nil {
			up.u.logger.Warn("Failed to remove source after move",
				zap.String("local", up.req.Local),
				zap.Error(err))
		} else {
			up.u.logger.Info("Removed source after move", zap.String("local", up.req.Local))
		}
	}

	up.u.metrics.UploadFinished(outcomeLabel(out.Code), out.Elapsed.Seconds())
	up.u.logger.Info("Upload finished",
		zap.String("lfn", out.LFN),
		zap.String("outcome", out.Code.String()),
		zap.Int("confirmed", out.Confirmed),
		zap.Int("committed", out.Committed),
		zap.Int("desired", out.Desired),
		zap.Duration("elapsed", out.Elapsed))
	return out
}

func outcomeLabel(code types.Code) string {
	switch code {
	case types.CodeOK:
		return "success"
	case types.CodePartial:
		return "partial"
	default:
		return "failure"
	}
}
