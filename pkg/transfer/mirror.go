package transfer

import (
	"context"
	"fmt"
	"os"

	"gridxfer/pkg/catalogue"
	"gridxfer/pkg/metrics"
	"gridxfer/pkg/transport"
	"gridxfer/pkg/types"

	"go.uber.org/zap"
)

// MirrorExecutor copies a committed file onto one more storage element for
// the catalogue's mirror queue.
type MirrorExecutor struct {
	cat       Catalogue
	transport transport.Client
	committer *Committer
	logger    *zap.Logger
	metrics   *metrics.TransferMetrics
}

var _ catalogue.MirrorExecutor = (*MirrorExecutor)(nil)

func NewMirrorExecutor(cat Catalogue, tc transport.Client, committer *Committer, logger *zap.Logger, m *metrics.TransferMetrics) *MirrorExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MirrorExecutor{cat: cat, transport: tc, committer: committer, logger: logger, metrics: m}
}

func (e *MirrorExecutor) ExecuteMirror(ctx context.Context, job catalogue.MirrorJob) error {
	err := e.execute(ctx, job)
	if err != nil {
		e.metrics.MirrorJob("failure")
		e.logger.Warn("Mirror transfer failed",
			zap.String("transfer_id", job.TransferID),
			zap.String("lfn", job.LFN),
			zap.String("element", string(job.Element)),
			zap.Int("try", job.Tries),
			zap.Error(err))
		return err
	}
	e.metrics.MirrorJob("success")
	e.logger.Info("Mirror transfer finished",
		zap.String("transfer_id", job.TransferID),
		zap.String("lfn", job.LFN),
		zap.String("element", string(job.Element)))
	return nil
}

func (e *MirrorExecutor) execute(ctx context.Context, job catalogue.MirrorJob) error {
	entry, err := e.cat.Resolve(ctx, job.LFN)
	if err != nil {
		return err
	}
	if !entry.IsFile() {
		return types.Errorf(types.CodeTypeMismatch, "mirror", "%s is a %s", entry.Path, entry.Type)
	}

	local, err := e.fetchSource(ctx, entry, job.Element)
	if err != nil {
		return err
	}
	defer os.Remove(local)

	file := FileRef{LFN: entry.Path, ContentID: entry.ContentID, Size: entry.Size, Checksum: entry.Checksum}
	booked, err := e.cat.BookReplicasForWrite(ctx, types.WriteRequest{
		LFN:       file.LFN,
		ContentID: file.ContentID,
		Size:      file.Size,
		Checksum:  file.Checksum,
		Include:   []string{string(job.Element)},
	})
	if err != nil {
		return err
	}
	if len(booked) == 0 {
		return types.Errorf(types.CodeNoTicketsGranted, "mirror", "no write ticket for %s on %s", file.LFN, job.Element)
	}
	target := &booked[0]
	target.QoSClass = job.QoSClass

	token, err := e.transport.Put(ctx, target, local)
	if err == nil {
		err = target.Ticket.Confirm(token)
	}
	if err != nil {
		e.committer.Reject(ctx, file.ContentID, target)
		return err
	}

	out := e.committer.Commit(ctx, CommitRequest{
		File:     file,
		Desired:  1,
		Replicas: []*types.PhysicalReplica{target},
		Durable:  true,
	})
	if out.Committed == 0 {
		return types.Errorf(types.CodeRegistrationMismatch, "mirror", "catalogue did not register %s on %s", file.LFN, job.Element)
	}
	return nil
}

// fetchSource downloads a verified copy of entry from any replica other than
// the target.
func (e *MirrorExecutor) fetchSource(ctx context.Context, entry *types.LogicalEntry, target types.ElementName) (string, error) {
	replicas, err := e.cat.ListReplicasForRead(ctx, entry.Path, nil, []string{string(target)})
	if err != nil {
		return "", err
	}

	var lastErr error
	for i := range replicas {
		r := &replicas[i]
		if r.IsArchiveMember() {
			return "", types.Errorf(types.CodeTypeMismatch, "mirror", "%s is stored inside an archive", entry.Path)
		}
		local, err := e.transport.Get(ctx, r, "")
		if err != nil {
			lastErr = err
			continue
		}
		_, sum, err := fileChecksum(local)
		if err == nil && entry.Checksum != "" && sum != entry.Checksum {
			err = types.Errorf(types.CodeChecksumMismatch, "mirror", "%s: expected %s, got %s", r, entry.Checksum, sum)
		}
		if err != nil {
			os.Remove(local)
			lastErr = err
			continue
		}
		return local, nil
	}
	return "", fmt.Errorf("failed to read a source replica of %s: %w", entry.Path, lastErr)
}
