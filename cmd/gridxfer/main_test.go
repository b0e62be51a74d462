package main

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"gridxfer/pkg/transfer"
	"gridxfer/pkg/types"

	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"plain error", errors.New("boom"), 1},
		{"coded", types.NewError(types.CodeNameNotFound, "get", "/x", nil), 2},
		{"wrapped", fmt.Errorf("upload: %w", types.NewError(types.CodePartial, "put", "/x", nil)), 100},
		{"internal", types.NewError(types.CodeInternal, "put", "", nil), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestFirstFailure(t *testing.T) {
	res := &transfer.DownloadResult{Files: []transfer.FileResult{
		{LFN: "/a", Code: types.CodeOK},
		{LFN: "/b", Code: types.CodeAlreadyExists},
		{LFN: "/c", Code: types.CodeChecksumMismatch},
	}}
	assert.Equal(t, types.CodeChecksumMismatch, firstFailure(res))

	assert.Equal(t, types.CodeTransportFailure, firstFailure(&transfer.DownloadResult{}))
}

func TestOutcomeTrackerKeepsWorst(t *testing.T) {
	var tracker outcomeTracker
	assert.NoError(t, tracker.err())

	tracker.record(&transfer.Outcome{LFN: "/a", Code: types.CodeOK, Pending: 1})
	assert.NoError(t, tracker.err())

	tracker.record(&transfer.Outcome{LFN: "/a", Code: types.CodePartial})
	assert.NoError(t, tracker.err())

	tracker.record(&transfer.Outcome{LFN: "/a", Code: types.CodeRegistrationMismatch, Errors: []string{"content id differs"}})
	err := tracker.err()
	assert.Error(t, err)
	assert.Equal(t, int(types.CodeRegistrationMismatch), exitCode(err))

	tracker.record(&transfer.Outcome{LFN: "/a", Code: types.CodeOK})
	assert.Equal(t, int(types.CodeRegistrationMismatch), exitCode(tracker.err()))
}

func TestRenderOutcome(t *testing.T) {
	out := &transfer.Outcome{
		LFN:       "/data/doc.pdf",
		Code:      types.CodePartial,
		Desired:   3,
		Committed: 2,
		Replicas:  []types.ElementName{"SE-A", "SE-B"},
		Mirrors: map[string]types.MirrorResult{
			"SE-C": {TransferID: "t-1", Code: types.CodeOK},
		},
	}

	text := renderOutcome(out, 1500*time.Millisecond)
	assert.Contains(t, text, "/data/doc.pdf")
	assert.Contains(t, text, "partial success")
	assert.Contains(t, text, "2/3 committed")
	assert.Contains(t, text, "SE-A, SE-B")
	assert.Contains(t, text, "t-1")
}

func TestRenderDownload(t *testing.T) {
	res := &transfer.DownloadResult{Files: []transfer.FileResult{
		{LFN: "/a", Local: "out/a", Code: types.CodeOK, Bytes: 2048, Replica: "SE-A"},
		{LFN: "/b", Local: "out/b", Code: types.CodeTransportFailure, Err: errors.New("all replicas failed")},
	}}

	text := renderDownload(res)
	assert.Contains(t, text, "out/a")
	assert.Contains(t, text, "all replicas failed")
	assert.Contains(t, text, "2 files")
	assert.Contains(t, text, "1 failed")
}
