package catalogue

import (
	"context"
	"sync"
	"time"

	"gridxfer/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type MirrorState int

const (
	MirrorQueued MirrorState = iota
	MirrorRunning
	MirrorDone
	MirrorFailed
)

func (s MirrorState) String() string {
	switch s {
	case MirrorQueued:
		return "queued"
	case MirrorRunning:
		return "running"
	case MirrorDone:
		return "done"
	case MirrorFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MirrorJob copies an existing file to one more storage element.
type MirrorJob struct {
	TransferID string
	LFN        string
	Element    types.ElementName
	QoSClass   string
	Attempts   int // maximum tries
	Tries      int
	State      MirrorState
	LastError  string
	Enqueued   time.Time
}

// MirrorExecutor performs one mirror transfer.
type MirrorExecutor interface {
	ExecuteMirror(ctx context.Context, job MirrorJob) error
}

const (
	defaultMirrorConcurrency = 4
	mirrorDrainInterval      = 5 * time.Second
	mirrorFinalDrainTimeout  = 30 * time.Second
)

// MirrorQueue runs mirror jobs in the background with bounded concurrency,
// retrying failed jobs until their attempts are used up.
type MirrorQueue struct {
	pending sync.Map // transfer id -> *MirrorJob
	signal  chan struct{}

	jobs   map[string]*MirrorJob
	jobsMu sync.RWMutex

	executor      MirrorExecutor
	executorMu    sync.RWMutex
	maxConcurrent int

	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMirrorQueue(maxConcurrent int, logger *zap.Logger) *MirrorQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMirrorConcurrency
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MirrorQueue{
		signal:        make(chan struct{}, 1),
		jobs:          make(map[string]*MirrorJob),
		maxConcurrent: maxConcurrent,
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
	}
}

func (q *MirrorQueue) SetExecutor(exec MirrorExecutor) {
	q.executorMu.Lock()
	defer q.executorMu.Unlock()
	q.executor = exec
}

func (q *MirrorQueue) hasExecutor() bool {
	q.executorMu.RLock()
	defer q.executorMu.RUnlock()
	return q.executor != nil
}

func (q *MirrorQueue) Start() {
	q.wg.Add(1)
	go q.run()
}

// Stop ends the worker after a final bounded drain of what is still queued.
func (q *MirrorQueue) Stop() {
	q.cancel()
	q.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), mirrorFinalDrainTimeout)
	defer cancel()
	q.drain(ctx)
}

// Enqueue queues a job and returns its transfer id.
func (q *MirrorQueue) Enqueue(job MirrorJob) string {
	job.TransferID = uuid.New().String()
	job.State = MirrorQueued
	job.Enqueued = time.Now()
	if job.Attempts <= 0 {
		job.Attempts = 1
	}

	q.jobsMu.Lock()
	stored := job
	q.jobs[job.TransferID] = &stored
	q.jobsMu.Unlock()

	q.pending.Store(job.TransferID, &stored)
	q.wake()

	q.logger.Info("Mirror job queued",
		zap.String("transfer_id", job.TransferID),
		zap.String("lfn", job.LFN),
		zap.String("element", string(job.Element)))
	return job.TransferID
}

// Status returns a snapshot of a job.
func (q *MirrorQueue) Status(id string) (MirrorJob, bool) {
	q.jobsMu.RLock()
	defer q.jobsMu.RUnlock()

	job, ok := q.jobs[id]
	if !ok {
		return MirrorJob{}, false
	}
	return *job, true
}

// Jobs returns snapshots of every job seen by the queue.
func (q *MirrorQueue) Jobs() []MirrorJob {
	q.jobsMu.RLock()
	defer q.jobsMu.RUnlock()

	out := make([]MirrorJob, 0, len(q.jobs))
	for _, job := range q.jobs {
		out = append(out, *job)
	}
	return out
}

func (q *MirrorQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *MirrorQueue) run() {
	defer q.wg.Done()

	ticker := time.NewTicker(mirrorDrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.signal:
			q.drain(q.ctx)
		case <-ticker.C:
			q.drain(q.ctx)
		}
	}
}

// drain snapshots the pending jobs, clears them and runs them.
func (q *MirrorQueue) drain(ctx context.Context) {
	if !q.hasExecutor() {
		return
	}

	var batch []*MirrorJob
	q.pending.Range(func(key, value any) bool {
		batch = append(batch, value.(*MirrorJob))
		q.pending.Delete(key)
		return true
	})
	if len(batch) == 0 {
		return
	}

	q.logger.Debug("Draining mirror queue", zap.Int("jobs", len(batch)))

	sem := make(chan struct{}, q.maxConcurrent)
	var wg sync.WaitGroup
	for _, job := range batch {
		select {
		case <-ctx.Done():
			// Put it back for the final drain
			q.pending.Store(job.TransferID, job)
			continue
		default:
		}

		wg.Add(1)
		go func(j *MirrorJob) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				q.pending.Store(j.TransferID, j)
				return
			}

			q.process(ctx, j)
		}(job)
	}
	wg.Wait()
}

func (q *MirrorQueue) process(ctx context.Context, job *MirrorJob) {
	q.executorMu.RLock()
	exec := q.executor
	q.executorMu.RUnlock()

	q.jobsMu.Lock()
	job.State = MirrorRunning
	job.Tries++
	snapshot := *job
	q.jobsMu.Unlock()

	err := exec.ExecuteMirror(context.WithoutCancel(ctx), snapshot)

	q.jobsMu.Lock()
	defer q.jobsMu.Unlock()

	if err == nil {
		job.State = MirrorDone
		job.LastError = ""
		q.logger.Info("Mirror job completed",
			zap.String("transfer_id", job.TransferID),
			zap.String("lfn", job.LFN),
			zap.String("element", string(job.Element)))
		return
	}

	job.LastError = err.Error()
	if job.Tries >= job.Attempts {
		job.State = MirrorFailed
		q.logger.Warn("Mirror job failed after max attempts, dropping",
			zap.String("transfer_id", job.TransferID),
			zap.String("lfn", job.LFN),
			zap.Int("tries", job.Tries),
			zap.Error(err))
		return
	}

	job.State = MirrorQueued
	q.logger.Warn("Mirror job failed, re-enqueueing",
		zap.String("transfer_id", job.TransferID),
		zap.Int("tries", job.Tries),
		zap.Error(err))
	q.pending.Store(job.TransferID, job)
	q.wake()
}
