package transfer

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"gridxfer/pkg/catalogue"
	"gridxfer/pkg/qos"
	"gridxfer/pkg/types"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadPerfectNetwork(t *testing.T) {
	h := newHarness(t)
	c := h.client(1)

	out := h.put(c, "/data/f.dat", "perfect network", "disk:2,tape:1")

	assert.Equal(t, 3, out.Desired)
	assert.Equal(t, 3, out.Confirmed)
	assert.Equal(t, 3, out.Committed)
	assert.Zero(t, out.Shortfall)
	assert.Empty(t, out.Warnings)
	assert.ElementsMatch(t, []string{"SE-A", "SE-B", "SE-T"}, elementNames(out.Replicas))
	assert.ElementsMatch(t, []string{"SE-A", "SE-B", "SE-T"}, h.replicaElements("/data/f.dat"))
	assert.Zero(t, h.cat.PendingBookings())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Uploads.WithLabelValues("success")))
}

func TestUploadDocScenario(t *testing.T) {
	h := newHarness(t)
	c := h.client(1)
	h.transport.failPut("SE-A")

	out := h.put(c, "/doc.pdf", "%PDF-1.4", "disk:2")

	assert.Equal(t, 2, out.Committed)
	assert.ElementsMatch(t, []string{"SE-C", "SE-B"}, elementNames(out.Replicas))
	assert.Equal(t, 1, h.transport.putCount("SE-A"), "failed endpoint is never retried")
	assert.Equal(t, 1, h.transport.putCount("SE-B"))
	assert.Equal(t, 1, h.transport.putCount("SE-C"))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Failovers))
	assert.Zero(t, h.cat.PendingBookings())
}

type recordingExecutor struct {
	mu   sync.Mutex
	jobs []catalogue.MirrorJob
}

func (e *recordingExecutor) ExecuteMirror(ctx context.Context, job catalogue.MirrorJob) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, job)
	return nil
}

func (e *recordingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}

func TestUploadPartialSchedulesRepair(t *testing.T) {
	h := newHarness(t)
	exec := &recordingExecutor{}
	h.cat.SetMirrorExecutor(exec)
	c := h.client(1)
	h.transport.failPut("SE-B")

	out, err := c.Put(context.Background(), writeFile(t, "p.dat", "partial"), "/p.dat",
		PutOptions{QoS: "disk:3", WaitForAll: true, Repair: true})
	require.NoError(t, err)

	assert.Equal(t, types.CodePartial, out.Code)
	assert.True(t, out.OK())
	assert.NoError(t, out.Err())
	assert.Equal(t, 2, out.Confirmed)
	assert.Equal(t, 2, out.Committed)
	assert.Equal(t, 1, out.Shortfall)
	require.Contains(t, out.Mirrors, "SE-B")
	assert.Equal(t, types.CodeOK, out.Mirrors["SE-B"].Code)
	assert.NotEmpty(t, out.Mirrors["SE-B"].TransferID)
	assert.Contains(t, out.Message(), "2/3")
	assert.Contains(t, out.Message(), "SE-B="+out.Mirrors["SE-B"].TransferID)

	assert.Eventually(t, func() bool { return exec.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Uploads.WithLabelValues("partial")))
}

func TestUploadPartialRepairsExplicitTarget(t *testing.T) {
	h := newHarness(t)
	h.cat.SetMirrorExecutor(&recordingExecutor{})
	c := h.client(1)
	h.transport.failPut("SE-T")

	out, err := c.Put(context.Background(), writeFile(t, "e.dat", "explicit"), "/e.dat",
		PutOptions{QoS: "SE-A,SE-T", WaitForAll: true, Repair: true})
	require.NoError(t, err)

	assert.Equal(t, types.CodePartial, out.Code)
	assert.Equal(t, 1, out.Shortfall)
	require.Contains(t, out.Mirrors, "SE-T")
	assert.NotEmpty(t, out.Mirrors["SE-T"].TransferID)
	assert.Equal(t, 0, h.transport.putCount("SE-B"), "explicit targets are not substituted")
}

func TestUploadPartialWithoutRepair(t *testing.T) {
	h := newHarness(t)
	c := h.client(1)
	h.transport.failPut("SE-B")

	out, err := c.Put(context.Background(), writeFile(t, "p.dat", "partial"), "/p.dat",
		PutOptions{QoS: "disk:3", WaitForAll: true})
	require.NoError(t, err)

	assert.Equal(t, types.CodePartial, out.Code)
	assert.Empty(t, out.Mirrors)
	assert.NotContains(t, out.Message(), "repair")
}

func TestUploadTotalFailure(t *testing.T) {
	h := newHarness(t)
	c := h.client(1)
	for _, name := range []types.ElementName{"SE-A", "SE-B", "SE-C"} {
		h.transport.failPut(name)
	}

	out, err := c.Put(context.Background(), writeFile(t, "f.dat", "nothing works"), "/f.dat", PutOptions{QoS: "disk:2"})
	require.NoError(t, err)

	assert.Equal(t, types.CodeTransportFailure, out.Code)
	assert.False(t, out.OK())
	assert.True(t, types.IsCode(out.Err(), types.CodeTransportFailure))
	assert.Zero(t, out.Committed)
	assert.Len(t, out.Errors, 3)
	assert.Contains(t, out.Message(), "unreachable")

	_, err = h.cat.Resolve(context.Background(), "/f.dat")
	assert.True(t, types.IsCode(err, types.CodeNameNotFound), "nothing is registered")
	assert.Zero(t, h.cat.PendingBookings(), "every booking is released")
	for _, name := range []types.ElementName{"SE-A", "SE-B", "SE-C"} {
		assert.Equal(t, 1, h.transport.putCount(name), name)
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Uploads.WithLabelValues("failure")))
}

func TestUploadPermissionDeniedStopsAttempt(t *testing.T) {
	h := newHarness(t)
	c := h.client(1)
	h.transport.denyPut("SE-A")

	out, err := c.Put(context.Background(), writeFile(t, "f.dat", "denied"), "/f.dat", PutOptions{QoS: "disk:1"})
	require.NoError(t, err)

	assert.Equal(t, types.CodePermissionDenied, out.Code)
	assert.Zero(t, h.transport.putCount("SE-B"))
	assert.Zero(t, h.transport.putCount("SE-C"))
	assert.Zero(t, h.cat.PendingBookings())
}

func TestExplicitFailureNotSubstituted(t *testing.T) {
	h := newHarness(t)
	c := h.client(1)
	h.transport.failPut("SE-A")

	out, err := c.Put(context.Background(), writeFile(t, "f.dat", "explicit"), "/f.dat", PutOptions{QoS: "SE-A"})
	require.NoError(t, err)

	assert.Equal(t, types.CodeTransportFailure, out.Code)
	assert.Equal(t, 1, h.transport.totalPuts())
}

func TestSubstituteNeverReusesFailedEndpoint(t *testing.T) {
	h := newHarness(t)
	c := h.client(2)
	h.transport.failPut("SE-A")
	h.transport.failPut("SE-C")

	out, err := c.Put(context.Background(), writeFile(t, "f.dat", "failover"), "/f.dat",
		PutOptions{QoS: "disk:2", WaitForAll: true})
	require.NoError(t, err)

	assert.Equal(t, types.CodePartial, out.Code)
	assert.Equal(t, []string{"SE-B"}, elementNames(out.Replicas))
	for _, name := range []types.ElementName{"SE-A", "SE-B", "SE-C", "SE-T"} {
		assert.LessOrEqual(t, h.transport.putCount(name), 1, name)
	}
	assert.Zero(t, h.transport.putCount("SE-T"), "tape is not a disk substitute")
}

func TestUploadReturnsEarly(t *testing.T) {
	h := newHarness(t)
	c := h.client(2)
	release := h.transport.stall("SE-B")
	defer release()

	done := make(chan *Outcome, 1)
	c.Background().OnComplete(func(o *Outcome) { done <- o })

	out, err := c.Put(context.Background(), writeFile(t, "early.dat", "early"), "/early.dat", PutOptions{QoS: "disk:2"})
	require.NoError(t, err)

	assert.Equal(t, types.CodeOK, out.Code)
	assert.Equal(t, 1, out.Committed)
	assert.Equal(t, 1, out.Pending)
	assert.Equal(t, []string{"SE-A"}, elementNames(out.Replicas))
	assert.Equal(t, []string{"SE-A"}, h.replicaElements("/early.dat"))
	assert.Equal(t, 1, c.Background().Pending())

	release()
	c.Background().Wait()

	final := <-done
	assert.Equal(t, types.CodeOK, final.Code)
	assert.Equal(t, 2, final.Committed)
	assert.ElementsMatch(t, []string{"SE-A", "SE-B"}, h.replicaElements("/early.dat"))
	assert.Zero(t, h.cat.PendingBookings())
}

func TestUploadInterrupted(t *testing.T) {
	h := newHarness(t)
	c := h.client(2)
	release := h.transport.stall("SE-A")
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, err := c.Put(ctx, writeFile(t, "i.dat", "interrupted"), "/i.dat", PutOptions{
		QoS:        "disk:2",
		WaitForAll: true,
		Heartbeat:  func(Progress) { cancel() },
	})
	require.NoError(t, err)

	assert.Equal(t, types.CodeInterrupted, out.Code)
	assert.GreaterOrEqual(t, out.Pending, 1)
	assert.Contains(t, out.Message(), "interrupted")

	release()
	c.Background().Wait()
	assert.ElementsMatch(t, []string{"SE-A", "SE-B"}, h.replicaElements("/i.dat"))
}

func TestUploadHeartbeat(t *testing.T) {
	h := newHarness(t)
	c := h.client(2)
	release := h.transport.stall("SE-A")
	defer release()

	var beats []Progress
	out, err := c.Put(context.Background(), writeFile(t, "hb.dat", "heartbeat"), "/hb.dat", PutOptions{
		QoS:        "disk:2",
		WaitForAll: true,
		Heartbeat: func(p Progress) {
			beats = append(beats, p)
			release()
		},
	})
	require.NoError(t, err)

	assert.Equal(t, types.CodeOK, out.Code)
	require.NotEmpty(t, beats)
	assert.Equal(t, "/hb.dat", beats[0].LFN)
	assert.Positive(t, beats[0].Outstanding)
}

func TestUploadMove(t *testing.T) {
	h := newHarness(t)
	c := h.client(1)

	local := writeFile(t, "m.dat", "moved")
	out, err := c.Put(context.Background(), local, "/m.dat", PutOptions{QoS: "disk:2", WaitForAll: true, Move: true})
	require.NoError(t, err)
	assert.Equal(t, types.CodeOK, out.Code)
	assert.NoFileExists(t, local)

	h.transport.failPut("SE-A")
	h.transport.failPut("SE-B")
	h.transport.failPut("SE-C")
	kept := writeFile(t, "k.dat", "kept")
	out, err = c.Put(context.Background(), kept, "/k.dat", PutOptions{QoS: "disk:2", WaitForAll: true, Move: true})
	require.NoError(t, err)
	assert.False(t, out.OK())
	assert.FileExists(t, kept)
}

func TestUploadNoCommitBooksOnly(t *testing.T) {
	h := newHarness(t)
	c := h.client(1)

	local := writeFile(t, "b.dat", "booked")
	out, err := c.Put(context.Background(), local, "/b.dat", PutOptions{QoS: "disk:2", NoCommit: true, Move: true})
	require.NoError(t, err)

	assert.Equal(t, types.CodeOK, out.Code)
	assert.Equal(t, 2, out.Committed)
	_, err = h.cat.Resolve(context.Background(), "/b.dat")
	assert.True(t, types.IsCode(err, types.CodeNameNotFound))
	assert.Equal(t, 2, h.cat.PendingBookings())
	assert.FileExists(t, local, "move needs committed replicas")
}

// droppingCatalogue accepts fewer committed envelopes than it is given.
type droppingCatalogue struct {
	*catalogue.Catalogue
	drop int
}

func (d *droppingCatalogue) RegisterEnvelopes(ctx context.Context, envelopes []string, state types.RegistrationState) ([]string, error) {
	if state == types.RegistrationCommitted {
		n := d.drop
		if n > len(envelopes) {
			n = len(envelopes)
		}
		envelopes = envelopes[n:]
	}
	return d.Catalogue.RegisterEnvelopes(ctx, envelopes, state)
}

func TestUploadRegistrationMismatch(t *testing.T) {
	t.Run("some accepted", func(t *testing.T) {
		h := newHarness(t)
		c := h.clientFor(&droppingCatalogue{Catalogue: h.cat, drop: 1}, 1)

		out, err := c.Put(context.Background(), writeFile(t, "r.dat", "mismatch"), "/r.dat", PutOptions{QoS: "disk:2", WaitForAll: true})
		require.NoError(t, err)

		assert.Equal(t, types.CodeOK, out.Code)
		assert.Equal(t, 2, out.Confirmed)
		assert.Equal(t, 1, out.Committed)
		require.Len(t, out.Warnings, 1)
		assert.Equal(t, types.CodeRegistrationMismatch, out.Warnings[0].Code)
		assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.CommitWarnings))
	})

	t.Run("none accepted", func(t *testing.T) {
		h := newHarness(t)
		c := h.clientFor(&droppingCatalogue{Catalogue: h.cat, drop: 2}, 1)

		out, err := c.Put(context.Background(), writeFile(t, "r.dat", "mismatch"), "/r.dat", PutOptions{QoS: "disk:2", WaitForAll: true})
		require.NoError(t, err)

		assert.Equal(t, types.CodeRegistrationMismatch, out.Code)
		assert.Zero(t, out.Committed)
	})
}

func TestUploadBoundedByPool(t *testing.T) {
	h := newHarness(t)
	c := h.client(1)

	h.put(c, "/bounded.dat", "one at a time", "disk:2,tape:1")

	h.transport.mu.Lock()
	defer h.transport.mu.Unlock()
	assert.Equal(t, 1, h.transport.maxPuts)
}

func TestUploadRequiresSpec(t *testing.T) {
	h := newHarness(t)
	c := h.client(1)

	_, err := c.uploader.Upload(context.Background(), UploadRequest{FileRef: FileRef{LFN: "/x", ContentID: "cid"}, Spec: qos.Spec{}})
	assert.True(t, types.IsCode(err, types.CodeInvalidArgument))
	assert.Zero(t, h.transport.totalPuts())
}

func TestClientPutPreconditions(t *testing.T) {
	h := newHarness(t)
	c := h.client(1)
	h.put(c, "/exists.dat", "present", "disk:1")
	before := h.transport.totalPuts()

	local := writeFile(t, "src.dat", "payload")
	tests := []struct {
		name  string
		local string
		lfn   string
		qos   string
		code  types.Code
	}{
		{"zero count", local, "/new.dat", "disk:0", types.CodeInvalidArgument},
		{"bad token", local, "/new.dat", "disk:x", types.CodeInvalidArgument},
		{"included and excluded", local, "/new.dat", "SE-A,!SE-A", types.CodeInvalidArgument},
		{"missing source", local + ".missing", "/new.dat", "disk:1", types.CodeNameNotFound},
		{"source is a directory", t.TempDir(), "/new.dat", "disk:1", types.CodeTypeMismatch},
		{"target exists", local, "/exists.dat", "disk:1", types.CodeAlreadyExists},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Put(context.Background(), tt.local, tt.lfn, PutOptions{QoS: tt.qos})
			assert.True(t, types.IsCode(err, tt.code), "got %v", err)
		})
	}
	assert.Equal(t, before, h.transport.totalPuts(), "no transfer starts when a precondition fails")
}

func TestClientPutIntoDirectory(t *testing.T) {
	h := newHarness(t)
	c := h.client(1)
	require.NoError(t, h.cat.MakeDirectory(context.Background(), "/dir", true))

	out, err := c.Put(context.Background(), writeFile(t, "report.txt", "report"), "/dir", PutOptions{WaitForAll: true})
	require.NoError(t, err)
	assert.Equal(t, "/dir/report.txt", out.LFN)
	assert.Len(t, h.replicaElements("/dir/report.txt"), 2)

	_, err = c.Put(context.Background(), writeFile(t, "report.txt", "again"), "/dir", PutOptions{})
	assert.True(t, types.IsCode(err, types.CodeAlreadyExists))
}

func TestClientDefaultQoS(t *testing.T) {
	h := newHarness(t)
	c := h.client(1)

	out := h.put(c, "/default.dat", "default", "")
	assert.ElementsMatch(t, []string{"SE-A", "SE-B"}, elementNames(out.Replicas))

	out = h.put(c, "/excluded.dat", "default minus one", "!SE-A")
	assert.ElementsMatch(t, []string{"SE-B", "SE-C"}, elementNames(out.Replicas))
}

func TestUploadStoresUnderHashedLocation(t *testing.T) {
	h := newHarness(t)
	c := h.client(1)
	h.put(c, "/clean.dat", "clean", "disk:1")

	entries, err := os.ReadDir(h.roots["SE-A"])
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the hashed location directory remains")
}
