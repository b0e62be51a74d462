package transfer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"gridxfer/pkg/catalogue"
	"gridxfer/pkg/types"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForMirror(t *testing.T, h *harness, id string, state catalogue.MirrorState) catalogue.MirrorJob {
	t.Helper()
	var job catalogue.MirrorJob
	require.Eventually(t, func() bool {
		var ok bool
		job, ok = h.cat.MirrorStatus(id)
		return ok && job.State == state
	}, 10*time.Second, 10*time.Millisecond)
	return job
}

func TestMirrorToExplicitElement(t *testing.T) {
	h := newHarness(t)
	c := h.client(1)
	h.cat.SetMirrorExecutor(c.MirrorExecutor())
	ctx := context.Background()

	h.put(c, "/mirror.dat", "mirror me", "SE-A")

	results, err := c.Mirror(ctx, "/mirror.dat", "SE-C", 0)
	require.NoError(t, err)
	require.Contains(t, results, "SE-C")
	require.Equal(t, types.CodeOK, results["SE-C"].Code)

	waitForMirror(t, h, results["SE-C"].TransferID, catalogue.MirrorDone)
	assert.ElementsMatch(t, []string{"SE-A", "SE-C"}, h.replicaElements("/mirror.dat"))
	assert.Zero(t, h.cat.PendingBookings())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.MirrorJobs.WithLabelValues("success")))

	dest := filepath.Join(t.TempDir(), "from-c.dat")
	res, err := c.Get(ctx, "/mirror.dat", dest, GetOptions{Include: []string{"SE-C"}, Exclude: []string{"SE-A"}})
	require.NoError(t, err)
	assert.Equal(t, types.CodeOK, res.Files[0].Code)
	assert.Equal(t, "mirror me", readFile(t, dest))
}

func TestMirrorByClass(t *testing.T) {
	h := newHarness(t)
	c := h.client(1)
	h.cat.SetMirrorExecutor(c.MirrorExecutor())

	h.put(c, "/class.dat", "by class", "SE-A,SE-C")

	results, err := c.Mirror(context.Background(), "/class.dat", "disk:1", 1)
	require.NoError(t, err)
	require.Contains(t, results, "SE-B")

	waitForMirror(t, h, results["SE-B"].TransferID, catalogue.MirrorDone)
	assert.ElementsMatch(t, []string{"SE-A", "SE-B", "SE-C"}, h.replicaElements("/class.dat"))
}

func TestMirrorFailsWithoutReadableSource(t *testing.T) {
	h := newHarness(t)
	c := h.client(1)
	h.cat.SetMirrorExecutor(c.MirrorExecutor())

	h.put(c, "/stuck.dat", "stuck", "SE-A")
	h.transport.failGet("SE-A")

	results, err := c.Mirror(context.Background(), "/stuck.dat", "SE-B", 2)
	require.NoError(t, err)

	job := waitForMirror(t, h, results["SE-B"].TransferID, catalogue.MirrorFailed)
	assert.Equal(t, 2, job.Tries)
	assert.Contains(t, job.LastError, "SE-A unreachable")
	assert.Equal(t, []string{"SE-A"}, h.replicaElements("/stuck.dat"))
	assert.Zero(t, h.cat.PendingBookings())
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.MirrorJobs.WithLabelValues("failure")))
}

func TestMirrorRejectsBookingOnFailedPut(t *testing.T) {
	h := newHarness(t)
	c := h.client(1)
	h.put(c, "/f.dat", "rejected", "SE-A")
	h.transport.failPut("SE-B")

	err := c.MirrorExecutor().ExecuteMirror(context.Background(), catalogue.MirrorJob{LFN: "/f.dat", Element: "SE-B", Attempts: 1})
	assert.True(t, types.IsCode(err, types.CodeTransportFailure))
	assert.Zero(t, h.cat.PendingBookings())
	assert.Equal(t, []string{"SE-A"}, h.replicaElements("/f.dat"))
}

func TestMirrorRequestValidation(t *testing.T) {
	h := newHarness(t)
	c := h.client(1)

	_, err := c.Mirror(context.Background(), "/f.dat", "disk:0", 1)
	assert.True(t, types.IsCode(err, types.CodeInvalidArgument))

	_, err = c.Mirror(context.Background(), "/f.dat", "!SE-A", 1)
	assert.True(t, types.IsCode(err, types.CodeInvalidArgument))

	_, err = c.Mirror(context.Background(), "/missing.dat", "SE-B", 1)
	assert.True(t, types.IsCode(err, types.CodeNameNotFound))
}
