// Package transfer moves file content between local disk and storage
// elements: replica selection and failover, concurrent uploads with partial
// success, downloads with replica fallback, and commit of the result to the
// catalogue.
package transfer

import (
	"context"

	"gridxfer/pkg/types"
)

// Catalogue is the part of the file catalogue the transfer layer consumes.
// *catalogue.Catalogue implements it.
type Catalogue interface {
	Resolve(ctx context.Context, lfn string) (*types.LogicalEntry, error)
	List(ctx context.Context, dir string) ([]*types.LogicalEntry, error)
	CollectionMembers(ctx context.Context, lfn string) ([]string, error)
	ListReplicasForRead(ctx context.Context, lfn string, include, exclude []string) ([]types.PhysicalReplica, error)
	BookReplicasForWrite(ctx context.Context, req types.WriteRequest) ([]types.PhysicalReplica, error)
	RegisterEnvelopes(ctx context.Context, envelopes []string, state types.RegistrationState) ([]string, error)
	ScheduleMirror(ctx context.Context, lfn string, targets []string, counts map[string]int, attempts int) (map[string]types.MirrorResult, error)
}

// FileRef identifies the content being written to a logical name.
type FileRef struct {
	LFN       string
	ContentID types.ContentID
	Size      int64
	Checksum  string
}
