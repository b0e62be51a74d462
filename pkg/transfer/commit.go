package transfer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gridxfer/pkg/metrics"
	"gridxfer/pkg/qos"
	"gridxfer/pkg/types"

	"go.uber.org/zap"
)

// Warning is a non-fatal condition attached to an outcome.
type Warning struct {
	Code    types.Code
	Message string
}

// Outcome is the terminal result of one upload or commit.
type Outcome struct {
	LFN       string
	ContentID types.ContentID
	Code      types.Code
	Desired   int
	Confirmed int
	Committed int

	// Elements holding a committed replica
	Replicas  []types.ElementName
	Shortfall int

	// Repair transfers keyed by target element, or by QoS class when no
	// element could be found
	Mirrors  map[string]types.MirrorResult
	Warnings []Warning
	Errors   []string

	// Attempts still running in the background
	Pending int
	Elapsed time.Duration
}

// OK reports full or partial success.
func (o *Outcome) OK() bool {
	return o.Code == types.CodeOK || o.Code == types.CodePartial
}

// Err is nil on full or partial success.
func (o *Outcome) Err() error {
	if o.OK() {
		return nil
	}
	if len(o.Errors) > 0 {
		return types.Errorf(o.Code, "upload", "%s: %s", o.LFN, strings.Join(o.Errors, "; "))
	}
	return types.NewError(o.Code, "upload", o.LFN, nil)
}

func (o *Outcome) Message() string {
	switch o.Code {
	case types.CodeOK:
		if o.Pending > 0 {
			return fmt.Sprintf("%s: %d/%d replicas committed, %d still uploading", o.LFN, o.Committed, o.Desired, o.Pending)
		}
		return fmt.Sprintf("%s: %d/%d replicas committed", o.LFN, o.Committed, o.Desired)
	case types.CodePartial:
		msg := fmt.Sprintf("%s: partial upload, %d/%d replicas", o.LFN, o.Confirmed, o.Desired)
		if len(o.Mirrors) > 0 {
			var ids []string
			for _, target := range sortedKeys(o.Mirrors) {
				r := o.Mirrors[target]
				if r.TransferID != "" {
					ids = append(ids, fmt.Sprintf("%s=%s", target, r.TransferID))
				} else {
					ids = append(ids, fmt.Sprintf("%s=%s", target, r.Code))
				}
			}
			msg += ", repair: " + strings.Join(ids, " ")
		}
		return msg
	case types.CodeInterrupted:
		return fmt.Sprintf("%s: interrupted, %d attempts continue in the background", o.LFN, o.Pending)
	default:
		if len(o.Errors) > 0 {
			return fmt.Sprintf("%s: %s: %s", o.LFN, o.Code, strings.Join(o.Errors, "; "))
		}
		return fmt.Sprintf("%s: %s", o.LFN, o.Code)
	}
}

func (o *Outcome) warn(code types.Code, format string, args ...interface{}) {
	o.Warnings = append(o.Warnings, Warning{Code: code, Message: fmt.Sprintf(format, args...)})
}

// CommitRequest registers confirmed replicas of one content id.
type CommitRequest struct {
	File    FileRef
	Spec    qos.Spec
	Desired int

	// Confirmed replicas to register now
	Replicas []*types.PhysicalReplica
	// Replicas committed by an earlier call for the same upload
	Earlier []*types.PhysicalReplica

	// Register as committed; otherwise the bookings are only extended
	Durable bool
	Repair  bool

	// Transport and authorization failures of the attempts
	Failures []error
}

// Committer turns confirmed envelopes into catalogue registrations. Calls for
// one content id never overlap.
type Committer struct {
	cat            Catalogue
	mirrorAttempts int
	logger         *zap.Logger
	metrics        *metrics.TransferMetrics

	mu    sync.Mutex
	locks map[types.ContentID]*contentLock
}

type contentLock struct {
	mu   sync.Mutex
	refs int
}

func NewCommitter(cat Catalogue, mirrorAttempts int, logger *zap.Logger, m *metrics.TransferMetrics) *Committer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mirrorAttempts <= 0 {
		mirrorAttempts = 1
	}
	return &Committer{
		cat:            cat,
		mirrorAttempts: mirrorAttempts,
		logger:         logger,
		metrics:        m,
		locks:          make(map[types.ContentID]*contentLock),
	}
}

func (c *Committer) lock(id types.ContentID) func() {
	c.mu.Lock()
	l, ok := c.locks[id]
	if !ok {
		l = &contentLock{}
		c.locks[id] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, id)
		}
		c.mu.Unlock()
	}
}

// Reject releases the bookings of failed replicas.
func (c *Committer) Reject(ctx context.Context, id types.ContentID, replicas ...*types.PhysicalReplica) {
	var envelopes []string
	for _, r := range replicas {
		if r.Ticket == nil {
			continue
		}
		if err := r.Ticket.Reject(); err != nil {
			c.logger.Warn("Ticket already consumed", zap.String("ticket_id", r.Ticket.ID), zap.Error(err))
			continue
		}
		envelopes = append(envelopes, r.Ticket.Envelope)
	}
	if len(envelopes) == 0 {
		return
	}

	unlock := c.lock(id)
	defer unlock()

	accepted, err := c.cat.RegisterEnvelopes(ctx, envelopes, types.RegistrationRejected)
	if err != nil {
		c.logger.Warn("Failed to release bookings", zap.String("content_id", string(id)), zap.Error(err))
		return
	}
	if len(accepted) != len(envelopes) {
		c.logger.Warn("Catalogue released fewer bookings than rejected",
			zap.String("content_id", string(id)),
			zap.Int("rejected", len(envelopes)),
			zap.Int("released", len(accepted)))
	}
}

// Commit registers req.Replicas and classifies the upload as full, partial or
// failed against req.Desired.
func (c *Committer) Commit(ctx context.Context, req CommitRequest) *Outcome {
	out := &Outcome{
		LFN:       req.File.LFN,
		ContentID: req.File.ContentID,
		Desired:   req.Desired,
		Confirmed: len(req.Earlier) + len(req.Replicas),
		Committed: len(req.Earlier),
	}
	for _, err := range req.Failures {
		out.Errors = append(out.Errors, err.Error())
	}
	for _, r := range req.Earlier {
		out.Replicas = append(out.Replicas, r.Element.Name)
	}

	if out.Confirmed == 0 {
		out.Code = failureCode(req.Failures)
		return out
	}

	if len(req.Replicas) > 0 {
		c.register(ctx, req, out)
	}

	switch {
	case out.Committed == 0:
		out.Code = types.CodeRegistrationMismatch
		return out
	case out.Confirmed >= req.Desired:
		out.Code = types.CodeOK
	default:
		out.Code = types.CodePartial
		out.Shortfall = req.Desired - out.Confirmed
	}

	if out.Code == types.CodePartial && req.Repair {
		c.scheduleRepair(ctx, req, out)
	}
	return out
}

func (c *Committer) register(ctx context.Context, req CommitRequest, out *Outcome) {
	state := types.RegistrationCommitted
	if !req.Durable {
		state = types.RegistrationBooked
	}

	byEnvelope := make(map[string]*types.PhysicalReplica, len(req.Replicas))
	envelopes := make([]string, 0, len(req.Replicas))
	for _, r := range req.Replicas {
		env := r.Ticket.ConfirmedEnvelope()
		byEnvelope[env] = r
		envelopes = append(envelopes, env)
	}

	unlock := c.lock(req.File.ContentID)
	accepted, err := c.cat.RegisterEnvelopes(ctx, envelopes, state)
	unlock()

	if err != nil {
		c.logger.Warn("Registration failed",
			zap.String("lfn", req.File.LFN),
			zap.String("state", state.String()),
			zap.Error(err))
		out.warn(types.CodeRegistrationMismatch, "registration failed: %v", err)
		c.metrics.CommitWarning()
		return
	}

	for _, env := range accepted {
		r, ok := byEnvelope[env]
		if !ok {
			continue
		}
		if state == types.RegistrationCommitted {
			if err := r.Ticket.Commit(); err != nil {
				c.logger.Warn("Ticket state out of step", zap.String("ticket_id", r.Ticket.ID), zap.Error(err))
			}
		}
		out.Committed++
		out.Replicas = append(out.Replicas, r.Element.Name)
	}

	if len(accepted) != len(envelopes) {
		c.logger.Warn("Catalogue accepted fewer envelopes than submitted",
			zap.String("lfn", req.File.LFN),
			zap.Int("submitted", len(envelopes)),
			zap.Int("accepted", len(accepted)))
		out.warn(types.CodeRegistrationMismatch, "catalogue accepted %d of %d envelopes", len(accepted), len(envelopes))
		c.metrics.CommitWarning()
	}

	c.logger.Info("Registered replicas",
		zap.String("lfn", req.File.LFN),
		zap.String("state", state.String()),
		zap.Int("accepted", len(accepted)))
}

// scheduleRepair asks for mirrors of whatever the spec wanted and did not
// get: explicit elements without a replica and per-class shortfalls.
func (c *Committer) scheduleRepair(ctx context.Context, req CommitRequest, out *Outcome) {
	have := make(map[types.ElementName]bool)
	perClass := make(map[string]int)
	for _, r := range append(append([]*types.PhysicalReplica(nil), req.Earlier...), req.Replicas...) {
		have[r.Element.Name] = true
		if r.QoSClass != "" {
			perClass[r.QoSClass]++
		}
	}

	var targets []string
	for _, name := range req.Spec.Include {
		if !have[types.ElementName(name)] {
			targets = append(targets, name)
		}
	}
	counts := make(map[string]int)
	for class, want := range req.Spec.Counts {
		if missing := want - perClass[class]; missing > 0 {
			counts[class] = missing
		}
	}
	if len(targets) == 0 && len(counts) == 0 {
		return
	}

	mirrors, err := c.cat.ScheduleMirror(ctx, req.File.LFN, targets, counts, c.mirrorAttempts)
	if err != nil {
		c.logger.Warn("Failed to schedule repair", zap.String("lfn", req.File.LFN), zap.Error(err))
		out.warn(types.CodeOf(err), "repair not scheduled: %v", err)
		return
	}
	out.Mirrors = mirrors

	c.logger.Info("Scheduled repair",
		zap.String("lfn", req.File.LFN),
		zap.Strings("targets", targets),
		zap.Int("transfers", len(mirrors)))
}

// failureCode is permission denied when nothing but authorization failed.
func failureCode(errs []error) types.Code {
	if len(errs) == 0 {
		return types.CodeNoTicketsGranted
	}
	for _, err := range errs {
		if !types.IsCode(err, types.CodePermissionDenied) {
			return types.CodeTransportFailure
		}
	}
	return types.CodePermissionDenied
}

func sortedKeys(m map[string]types.MirrorResult) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
