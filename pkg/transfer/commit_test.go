package transfer

import (
	"context"
	"errors"
	"testing"

	"gridxfer/pkg/qos"
	"gridxfer/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestFailureCode(t *testing.T) {
	denied := types.NewError(types.CodePermissionDenied, "put", "", nil)
	broken := types.NewError(types.CodeTransportFailure, "put", "", nil)

	tests := []struct {
		name string
		errs []error
		want types.Code
	}{
		{"no attempts", nil, types.CodeNoTicketsGranted},
		{"only denied", []error{denied, denied}, types.CodePermissionDenied},
		{"mixed", []error{denied, broken}, types.CodeTransportFailure},
		{"uncoded", []error{errors.New("boom")}, types.CodeTransportFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, failureCode(tt.errs))
		})
	}
}

func TestOutcomeMessage(t *testing.T) {
	full := &Outcome{LFN: "/f", Code: types.CodeOK, Desired: 2, Committed: 2}
	assert.Equal(t, "/f: 2/2 replicas committed", full.Message())

	early := &Outcome{LFN: "/f", Code: types.CodeOK, Desired: 3, Committed: 1, Pending: 2}
	assert.Contains(t, early.Message(), "2 still uploading")

	partial := &Outcome{
		LFN: "/f", Code: types.CodePartial, Desired: 3, Confirmed: 1,
		Mirrors: map[string]types.MirrorResult{
			"SE-C": {TransferID: "t-2", Code: types.CodeOK},
			"SE-B": {TransferID: "t-1", Code: types.CodeOK},
			"tape": {Code: types.CodeNoTicketsGranted},
		},
	}
	assert.Equal(t, "/f: partial upload, 1/3 replicas, repair: SE-B=t-1 SE-C=t-2 tape=no tickets granted", partial.Message())

	failed := &Outcome{LFN: "/f", Code: types.CodeTransportFailure, Errors: []string{"a", "b"}}
	assert.Equal(t, "/f: transport failure: a; b", failed.Message())
	assert.True(t, types.IsCode(failed.Err(), types.CodeTransportFailure))
}

func TestCommitterRejectIsIdempotent(t *testing.T) {
	h := newHarness(t)
	committer := NewCommitter(h.cat, 1, zaptest.NewLogger(t), nil)
	ctx := context.Background()

	booked, err := h.cat.BookReplicasForWrite(ctx, types.WriteRequest{
		LFN: "/r.dat", ContentID: "cid-r", Size: 1, Checksum: "c", Counts: map[string]int{"disk": 2},
	})
	require.NoError(t, err)
	require.Len(t, booked, 2)
	assert.Equal(t, 2, h.cat.PendingBookings())

	committer.Reject(ctx, "cid-r", &booked[0])
	committer.Reject(ctx, "cid-r", &booked[0])
	assert.Equal(t, 1, h.cat.PendingBookings())
	assert.Equal(t, types.TicketRejected, booked[0].Ticket.State())
}

func TestCommitterDurableCommit(t *testing.T) {
	h := newHarness(t)
	committer := NewCommitter(h.cat, 1, zaptest.NewLogger(t), h.metrics)
	ctx := context.Background()

	file := FileRef{LFN: "/d.dat", ContentID: "cid-d", Size: 1, Checksum: "c"}
	booked, err := h.cat.BookReplicasForWrite(ctx, types.WriteRequest{
		LFN: file.LFN, ContentID: file.ContentID, Size: 1, Checksum: "c", Counts: map[string]int{"disk": 2},
	})
	require.NoError(t, err)

	var replicas []*types.PhysicalReplica
	for i := range booked {
		require.NoError(t, booked[i].Ticket.Confirm(""))
		replicas = append(replicas, &booked[i])
	}

	out := committer.Commit(ctx, CommitRequest{
		File:     file,
		Spec:     qos.MustParse("disk:2"),
		Desired:  2,
		Replicas: replicas,
		Durable:  true,
	})
	assert.Equal(t, types.CodeOK, out.Code)
	assert.Equal(t, 2, out.Committed)
	for _, r := range replicas {
		assert.Equal(t, types.TicketCommitted, r.Ticket.State())
	}
	assert.Zero(t, h.cat.PendingBookings())

	// A second commit of the same envelopes is not accepted again
	again := committer.Commit(ctx, CommitRequest{File: file, Desired: 2, Replicas: replicas, Durable: true})
	assert.Equal(t, types.CodeRegistrationMismatch, again.Code)
}

func TestCommitterRepairNeedsExecutor(t *testing.T) {
	h := newHarness(t)
	c := h.client(1)
	h.transport.failPut("SE-B")

	out, err := c.Put(context.Background(), writeFile(t, "n.dat", "no executor"), "/n.dat",
		PutOptions{QoS: "disk:3", WaitForAll: true, Repair: true})
	require.NoError(t, err)

	assert.Equal(t, types.CodePartial, out.Code)
	assert.Empty(t, out.Mirrors)
	require.Len(t, out.Warnings, 1)
	assert.Equal(t, types.CodeInternal, out.Warnings[0].Code)
}
