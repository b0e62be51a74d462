package transfer

import (
	"context"
	"sort"
	"sync"

	"gridxfer/pkg/metrics"
	"gridxfer/pkg/qos"
	"gridxfer/pkg/types"

	"go.uber.org/zap"
)

// ExclusionSet holds the storage elements already approached for one file.
// Workers of the same upload share it.
type ExclusionSet struct {
	mu    sync.Mutex
	names map[types.ElementName]bool
}

func NewExclusionSet(names ...string) *ExclusionSet {
	s := &ExclusionSet{names: make(map[types.ElementName]bool)}
	for _, n := range names {
		s.names[types.ElementName(n)] = true
	}
	return s
}

func (s *ExclusionSet) Add(name types.ElementName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[name] = true
}

func (s *ExclusionSet) Contains(name types.ElementName) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.names[name]
}

// Names returns the set in sorted order.
func (s *ExclusionSet) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

func (s *ExclusionSet) sortedLocked() []string {
	out := make([]string, 0, len(s.names))
	for n := range s.names {
		out = append(out, string(n))
	}
	sort.Strings(out)
	return out
}

// Selector asks the catalogue where replicas should go.
type Selector struct {
	cat     Catalogue
	logger  *zap.Logger
	metrics *metrics.TransferMetrics
}

func NewSelector(cat Catalogue, logger *zap.Logger, m *metrics.TransferMetrics) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{cat: cat, logger: logger, metrics: m}
}

// SelectWriteTargets books one write ticket per wanted replica. The catalogue
// may grant fewer than spec.DesiredTotal().
func (s *Selector) SelectWriteTargets(ctx context.Context, file FileRef, spec qos.Spec) ([]*types.PhysicalReplica, error) {
	granted, err := s.cat.BookReplicasForWrite(ctx, types.WriteRequest{
		LFN:       file.LFN,
		ContentID: file.ContentID,
		Size:      file.Size,
		Checksum:  file.Checksum,
		Include:   spec.Include,
		Exclude:   spec.Exclude,
		Counts:    spec.Counts,
	})
	if err != nil {
		return nil, err
	}

	replicas := make([]*types.PhysicalReplica, len(granted))
	for i := range granted {
		replicas[i] = &granted[i]
	}

	if len(replicas) < spec.DesiredTotal() {
		s.logger.Warn("Catalogue granted fewer replicas than requested",
			zap.String("lfn", file.LFN),
			zap.Int("granted", len(replicas)),
			zap.Int("desired", spec.DesiredTotal()))
	}
	return replicas, nil
}

// SelectSubstitute books one replica to replace failed, drawn from elements
// not in tried. The exclusion set stays locked until the new element is
// recorded in it, so concurrent failures never get the same substitute. A nil
// replica with a nil error means no substitute exists.
func (s *Selector) SelectSubstitute(ctx context.Context, file FileRef, spec qos.Spec, tried *ExclusionSet, failed *types.PhysicalReplica) (*types.PhysicalReplica, error) {
	if failed.Explicit {
		return nil, nil
	}

	tried.mu.Lock()
	defer tried.mu.Unlock()
	tried.names[failed.Element.Name] = true

	for _, class := range substituteClasses(spec, failed) {
		granted, err := s.cat.BookReplicasForWrite(ctx, types.WriteRequest{
			LFN:       file.LFN,
			ContentID: file.ContentID,
			Size:      file.Size,
			Checksum:  file.Checksum,
			Exclude:   tried.sortedLocked(),
			Counts:    map[string]int{class: 1},
		})
		if types.IsCode(err, types.CodeNoTicketsGranted) || (err == nil && len(granted) == 0) {
			continue
		}
		if err != nil {
			return nil, err
		}

		sub := granted[0]
		sub.QoSClass = class
		tried.names[sub.Element.Name] = true

		s.logger.Info("Selected substitute replica",
			zap.String("lfn", file.LFN),
			zap.String("failed", string(failed.Element.Name)),
			zap.String("substitute", string(sub.Element.Name)),
			zap.String("qos_class", class))
		return &sub, nil
	}

	s.logger.Debug("No substitute available",
		zap.String("lfn", file.LFN),
		zap.String("failed", string(failed.Element.Name)),
		zap.String("qos_class", failed.QoSClass))
	return nil, nil
}

// substituteClasses lists the QoS classes a replacement may come from. A
// replica placed for a class is only replaced from that class. Otherwise
// classes the failed element offers that were also requested come first,
// then its other classes.
func substituteClasses(spec qos.Spec, failed *types.PhysicalReplica) []string {
	if failed.QoSClass != "" {
		return []string{failed.QoSClass}
	}

	var preferred, rest []string
	for _, class := range failed.Element.QoS {
		if spec.Requests(class) {
			preferred = append(preferred, class)
		} else {
			rest = append(rest, class)
		}
	}
	return append(preferred, rest...)
}
