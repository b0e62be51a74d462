package transfer

import (
	"fmt"
	"sync"

	"gridxfer/pkg/metrics"
	"gridxfer/pkg/types"

	"go.uber.org/zap"
)

// Background runs the tail of uploads that returned to their caller early.
// Each job drains its remaining attempts and performs its own terminal
// commit.
type Background struct {
	logger  *zap.Logger
	metrics *metrics.TransferMetrics

	mu         sync.Mutex
	pending    int
	onComplete func(*Outcome)

	wg sync.WaitGroup
}

func NewBackground(logger *zap.Logger, m *metrics.TransferMetrics) *Background {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Background{logger: logger, metrics: m}
}

// OnComplete installs a callback receiving every finished job's outcome.
func (b *Background) OnComplete(fn func(*Outcome)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onComplete = fn
}

// Go starts a supervised job.
func (b *Background) Go(lfn string, job func() *Outcome) {
	b.mu.Lock()
	b.pending++
	b.mu.Unlock()
	b.wg.Add(1)
	b.metrics.BackgroundStarted()

	go func() {
		defer b.wg.Done()
		out := b.run(lfn, job)

		b.mu.Lock()
		b.pending--
		fn := b.onComplete
		b.mu.Unlock()
		b.metrics.BackgroundFinished()

		if out.OK() {
			b.logger.Info("Background upload finished",
				zap.String("lfn", out.LFN),
				zap.String("outcome", out.Code.String()),
				zap.Int("committed", out.Committed),
				zap.Int("desired", out.Desired))
		} else {
			b.logger.Warn("Background upload failed",
				zap.String("lfn", out.LFN),
				zap.String("outcome", out.Code.String()),
				zap.Strings("errors", out.Errors))
		}
		if fn != nil {
			fn(out)
		}
	}()
}

func (b *Background) run(lfn string, job func() *Outcome) (out *Outcome) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Background job panicked", zap.String("lfn", lfn), zap.Any("panic", r))
			out = &Outcome{LFN: lfn, Code: types.CodeInternal, Errors: []string{fmt.Sprint(r)}}
		}
	}()
	return job()
}

// Pending returns the number of jobs still running.
func (b *Background) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Wait blocks until every job has finished.
func (b *Background) Wait() {
	b.wg.Wait()
}
