package transfer

import (
	"sync"
	"testing"

	"gridxfer/pkg/metrics"
	"gridxfer/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestBackgroundRunsJobs(t *testing.T) {
	m := metrics.NewTransferMetrics(prometheus.NewRegistry())
	b := NewBackground(zaptest.NewLogger(t), m)

	var mu sync.Mutex
	var outcomes []*Outcome
	b.OnComplete(func(o *Outcome) {
		mu.Lock()
		outcomes = append(outcomes, o)
		mu.Unlock()
	})

	gate := make(chan struct{})
	b.Go("/a", func() *Outcome {
		<-gate
		return &Outcome{LFN: "/a", Code: types.CodeOK}
	})
	b.Go("/b", func() *Outcome {
		<-gate
		return &Outcome{LFN: "/b", Code: types.CodePartial}
	})
	assert.Equal(t, 2, b.Pending())
	assert.Equal(t, float64(2), testutil.ToFloat64(m.BackgroundJobs))

	close(gate)
	b.Wait()

	assert.Zero(t, b.Pending())
	assert.Zero(t, testutil.ToFloat64(m.BackgroundJobs))
	assert.Len(t, outcomes, 2)
}

func TestBackgroundRecoversPanic(t *testing.T) {
	b := NewBackground(zaptest.NewLogger(t), nil)

	done := make(chan *Outcome, 1)
	b.OnComplete(func(o *Outcome) { done <- o })
	b.Go("/boom", func() *Outcome { panic("lost connection state") })
	b.Wait()

	out := <-done
	assert.Equal(t, "/boom", out.LFN)
	assert.Equal(t, types.CodeInternal, out.Code)
	assert.Equal(t, []string{"lost connection state"}, out.Errors)
}
