// Package catalogue is an in-process reference implementation of the grid
// file catalogue: logical names, content identifiers, replica bookkeeping,
// ticket issuance and mirror scheduling.
package catalogue

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"gridxfer/pkg/metrics"
	"gridxfer/pkg/placement"
	"gridxfer/pkg/ticket"
	"gridxfer/pkg/types"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
)

const (
	BackendTree    = "tree"
	BackendIndexed = "indexed"
)

// Booking is a write ticket that was issued but not yet committed or
// rejected.
type Booking struct {
	TicketID  string
	LFN       string
	ContentID types.ContentID
	Element   types.ElementName
	Location  string
	Size      int64
	Checksum  string
	QoSClass  string
	Booked    time.Time
}

type Options struct {
	Namespace     Namespace
	Authority     *ticket.Authority
	Elements      []types.StorageElement
	Owner         string
	MirrorWorkers int
	Logger        *zap.Logger
	Metrics       *metrics.TransferMetrics
}

type Catalogue struct {
	ns        Namespace
	engine    *placement.Engine
	authority *ticket.Authority
	mirror    *MirrorQueue
	owner     string
	logger    *zap.Logger
	metrics   *metrics.TransferMetrics

	// Booked write tickets by ticket id; expiry releases the booking
	bookings *ttlcache.Cache[string, *Booking]

	// Serializes namespace mutations and envelope consumption
	writeMu sync.Mutex

	now func() time.Time
}

// OpenNamespace builds the namespace selected by backend.
func OpenNamespace(backend, dataDir string, logger *zap.Logger) (Namespace, error) {
	switch backend {
	case "", BackendTree:
		return NewTreeNamespace(), nil
	case BackendIndexed:
		return OpenIndexedNamespace(dataDir, logger)
	default:
		return nil, fmt.Errorf("unknown catalogue backend %q", backend)
	}
}

func New(opts Options) (*Catalogue, error) {
	if opts.Authority == nil {
		return nil, fmt.Errorf("catalogue requires a ticket authority")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ns := opts.Namespace
	if ns == nil {
		ns = NewTreeNamespace()
	}

	c := &Catalogue{
		ns:        ns,
		engine:    placement.NewEngine(),
		authority: opts.Authority,
		mirror:    NewMirrorQueue(opts.MirrorWorkers, logger.Named("mirror")),
		owner:     opts.Owner,
		logger:    logger,
		metrics:   opts.Metrics,
		now:       time.Now,
	}

	for _, se := range opts.Elements {
		c.engine.RegisterElement(se)
	}

	if _, err := ns.Get("/"); types.IsCode(err, types.CodeNameNotFound) {
		root := &types.LogicalEntry{Path: "/", Type: types.EntryDirectory, Created: c.now(), Owner: c.owner}
		if err := ns.Put(root); err != nil {
			return nil, fmt.Errorf("failed to create root directory: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read root directory: %w", err)
	}

	c.bookings = ttlcache.New[string, *Booking](
		ttlcache.WithTTL[string, *Booking](opts.Authority.TTL()),
		ttlcache.WithDisableTouchOnHit[string, *Booking](),
	)
	c.bookings.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Booking]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		b := item.Value()
		c.logger.Warn("Write booking expired, releasing",
			zap.String("ticket_id", b.TicketID),
			zap.String("lfn", b.LFN),
			zap.String("element", string(b.Element)))
		c.metrics.BookingExpired()
	})
	go c.bookings.Start()

	c.mirror.Start()

	return c, nil
}

func (c *Catalogue) Close() error {
	c.mirror.Stop()
	c.bookings.Stop()
	return c.ns.Close()
}

// SetMirrorExecutor installs what performs scheduled mirror jobs.
func (c *Catalogue) SetMirrorExecutor(exec MirrorExecutor) {
	c.mirror.SetExecutor(exec)
}

func (c *Catalogue) Engine() *placement.Engine { return c.engine }

func (c *Catalogue) MirrorStatus(transferID string) (MirrorJob, bool) {
	return c.mirror.Status(transferID)
}

func (c *Catalogue) MirrorJobs() []MirrorJob { return c.mirror.Jobs() }

// PendingBookings returns the number of write tickets neither committed nor
// rejected yet.
func (c *Catalogue) PendingBookings() int {
	return c.bookings.Len()
}

// Resolve returns the entry at a logical path.
func (c *Catalogue) Resolve(ctx context.Context, lfn string) (*types.LogicalEntry, error) {
	p, err := normalizePath(lfn)
	if err != nil {
		return nil, err
	}
	return c.ns.Get(p)
}

// List returns the direct children of a directory.
func (c *Catalogue) List(ctx context.Context, dir string) ([]*types.LogicalEntry, error) {
	p, err := normalizePath(dir)
	if err != nil {
		return nil, err
	}
	return c.ns.Children(p)
}

// CollectionMembers returns the logical paths grouped by a collection.
func (c *Catalogue) CollectionMembers(ctx context.Context, lfn string) ([]string, error) {
	entry, err := c.Resolve(ctx, lfn)
	if err != nil {
		return nil, err
	}
	if !entry.IsCollection() {
		return nil, types.Errorf(types.CodeTypeMismatch, "collection members", "%s is a %s, not a collection", entry.Path, entry.Type)
	}
	return entry.Members, nil
}

// MakeDirectory creates a directory, and its missing parents when parents is
// set.
func (c *Catalogue) MakeDirectory(ctx context.Context, dir string, parents bool) error {
	p, err := normalizePath(dir)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if parents {
		return c.ensureDirectory(p)
	}
	if _, err := c.ns.Get(p); err == nil {
		return types.NewError(types.CodeAlreadyExists, "mkdir", p, nil)
	}
	return c.ns.Put(&types.LogicalEntry{Path: p, Type: types.EntryDirectory, Created: c.now(), Owner: c.owner})
}

// ensureDirectory creates p and every missing ancestor. Caller holds writeMu.
func (c *Catalogue) ensureDirectory(p string) error {
	entry, err := c.ns.Get(p)
	if err == nil {
		if !entry.IsDirectory() {
			return types.Errorf(types.CodeTypeMismatch, "mkdir", "%s exists and is not a directory", p)
		}
		return nil
	}
	if !types.IsCode(err, types.CodeNameNotFound) {
		return err
	}

	if parent := getParentPath(p); parent != "" {
		if err := c.ensureDirectory(parent); err != nil {
			return err
		}
	}
	return c.ns.Put(&types.LogicalEntry{Path: p, Type: types.EntryDirectory, Created: c.now(), Owner: c.owner})
}

// CreateCollection creates a collection grouping existing files.
func (c *Catalogue) CreateCollection(ctx context.Context, lfn string, members []string) error {
	p, err := normalizePath(lfn)
	if err != nil {
		return err
	}

	normalized := make([]string, 0, len(members))
	for _, m := range members {
		mp, err := normalizePath(m)
		if err != nil {
			return err
		}
		entry, err := c.ns.Get(mp)
		if err != nil {
			return err
		}
		if !entry.IsFile() {
			return types.Errorf(types.CodeTypeMismatch, "create collection", "member %s is not a file", mp)
		}
		normalized = append(normalized, mp)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.ns.Get(p); err == nil {
		return types.NewError(types.CodeAlreadyExists, "create collection", p, nil)
	}
	if err := c.ensureDirectory(getParentPath(p)); err != nil {
		return err
	}
	return c.ns.Put(&types.LogicalEntry{
		Path:    p,
		Type:    types.EntryCollection,
		Created: c.now(),
		Owner:   c.owner,
		Members: normalized,
	})
}

// RegisterArchiveMember creates a file entry whose bytes are stored as member
// inside the committed archive at containerLFN.
func (c *Catalogue) RegisterArchiveMember(ctx context.Context, lfn, containerLFN, member string, size int64, checksum string) error {
	p, err := normalizePath(lfn)
	if err != nil {
		return err
	}
	container, err := c.Resolve(ctx, containerLFN)
	if err != nil {
		return err
	}
	if !container.IsFile() || container.ContentID == "" {
		return types.Errorf(types.CodeTypeMismatch, "register archive member", "%s is not a committed file", container.Path)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.ns.Get(p); err == nil {
		return types.NewError(types.CodeAlreadyExists, "register archive member", p, nil)
	}
	if err := c.ensureDirectory(getParentPath(p)); err != nil {
		return err
	}

	id := types.ContentID(fmt.Sprintf("%s#%s", container.ContentID, member))
	content := &types.ContentIdentifier{
		ID:        id,
		Size:      size,
		Checksum:  checksum,
		Container: container.ContentID,
		Member:    member,
	}
	content.AddEntry(p)
	if err := c.ns.PutContent(content); err != nil {
		return fmt.Errorf("failed to store content %s: %w", id, err)
	}

	return c.ns.Put(&types.LogicalEntry{
		Path:      p,
		Type:      types.EntryFile,
		Size:      size,
		Checksum:  checksum,
		ContentID: id,
		Created:   c.now(),
		Owner:     c.owner,
	})
}

// ListReplicasForRead returns the committed replicas of a file with read
// tickets, best first. include names elements to prefer, exclude elements to
// skip.
func (c *Catalogue) ListReplicasForRead(ctx context.Context, lfn string, include, exclude []string) ([]types.PhysicalReplica, error) {
	entry, err := c.Resolve(ctx, lfn)
	if err != nil {
		return nil, err
	}
	if !entry.IsFile() {
		return nil, types.Errorf(types.CodeTypeMismatch, "list replicas", "%s is a %s", entry.Path, entry.Type)
	}

	content, err := c.ns.GetContent(entry.ContentID)
	if err != nil {
		return nil, err
	}

	// Archive members are read through their container
	storedID := content.ID
	var archiveContainer string
	if content.Container != "" {
		storedID = content.Container
		archiveContainer = string(content.Container)
		if outer, err := c.ns.GetContent(content.Container); err == nil && len(outer.Entries) > 0 {
			archiveContainer = outer.Entries[0]
		}
	}

	records, err := c.ns.Replicas(storedID)
	if err != nil {
		return nil, fmt.Errorf("failed to list replicas of %s: %w", storedID, err)
	}

	var replicas []types.PhysicalReplica
	for _, rec := range records {
		se, ok := c.engine.Element(rec.Element)
		if !ok {
			c.logger.Debug("Skipping replica on unknown element",
				zap.String("lfn", entry.Path),
				zap.String("element", string(rec.Element)))
			continue
		}
		r := types.PhysicalReplica{
			ContentID: storedID,
			Location:  rec.Location,
			Element:   se,
		}
		if archiveContainer != "" {
			r.ArchiveContainer = archiveContainer
			r.ArchiveMember = content.Member
		}
		replicas = append(replicas, r)
	}

	replicas = c.engine.RankForRead(replicas, include, exclude)
	if len(replicas) == 0 {
		return nil, types.Errorf(types.CodeNoTicketsGranted, "list replicas", "no readable replica of %s", entry.Path)
	}

	for i := range replicas {
		tk, err := c.authority.Issue(ticket.Grant{
			Mode:      types.AccessRead,
			LFN:       entry.Path,
			ContentID: replicas[i].ContentID,
			Element:   replicas[i].Element.Name,
			Location:  replicas[i].Location,
			Size:      entry.Size,
			Checksum:  entry.Checksum,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to issue read ticket: %w", err)
		}
		c.metrics.TicketIssued(string(types.AccessRead))
		replicas[i].Ticket = tk
	}

	return replicas, nil
}

// BookReplicasForWrite picks storage elements for req and books one write
// ticket on each. The path must not exist, or must already hold the same
// content, in which case elements holding it are skipped.
func (c *Catalogue) BookReplicasForWrite(ctx context.Context, req types.WriteRequest) ([]types.PhysicalReplica, error) {
	p, err := normalizePath(req.LFN)
	if err != nil {
		return nil, err
	}
	if req.ContentID == "" {
		return nil, types.Errorf(types.CodeInvalidArgument, "book write", "missing content id for %s", p)
	}

	exclude := append([]string(nil), req.Exclude...)
	entry, err := c.ns.Get(p)
	switch {
	case err == nil:
		if !entry.IsFile() {
			return nil, types.Errorf(types.CodeTypeMismatch, "book write", "%s is a %s", p, entry.Type)
		}
		if entry.ContentID != req.ContentID {
			return nil, types.NewError(types.CodeAlreadyExists, "book write", p, nil)
		}
		records, err := c.ns.Replicas(entry.ContentID)
		if err != nil {
			return nil, fmt.Errorf("failed to list replicas of %s: %w", entry.ContentID, err)
		}
		for _, rec := range records {
			exclude = append(exclude, string(rec.Element))
		}
	case types.IsCode(err, types.CodeNameNotFound):
	default:
		return nil, err
	}

	targets, err := c.engine.SelectWriteTargets(placement.WriteRequest{
		Include: req.Include,
		Exclude: exclude,
		Counts:  req.Counts,
	})
	if err != nil {
		return nil, types.NewError(types.CodeNoTicketsGranted, "book write", p, err)
	}

	replicas := make([]types.PhysicalReplica, 0, len(targets))
	for _, target := range targets {
		location := physicalLocation(req.ContentID)
		tk, err := c.authority.Issue(ticket.Grant{
			Mode:      types.AccessWrite,
			LFN:       p,
			ContentID: req.ContentID,
			Element:   target.Element.Name,
			Location:  location,
			Size:      req.Size,
			Checksum:  req.Checksum,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to issue write ticket: %w", err)
		}
		c.metrics.TicketIssued(string(types.AccessWrite))

		c.bookings.Set(tk.ID, &Booking{
			TicketID:  tk.ID,
			LFN:       p,
			ContentID: req.ContentID,
			Element:   target.Element.Name,
			Location:  location,
			Size:      req.Size,
			Checksum:  req.Checksum,
			QoSClass:  target.QoSClass,
			Booked:    c.now(),
		}, ttlcache.DefaultTTL)

		replicas = append(replicas, types.PhysicalReplica{
			ContentID: req.ContentID,
			Location:  location,
			Element:   target.Element,
			Ticket:    tk,
			QoSClass:  target.QoSClass,
			Explicit:  target.Explicit,
		})
	}

	c.logger.Debug("Booked write replicas",
		zap.String("lfn", p),
		zap.String("content_id", string(req.ContentID)),
		zap.Int("count", len(replicas)))

	return replicas, nil
}

// RegisterEnvelopes consumes write envelopes and returns the ones accepted.
// Committed envelopes become registered replicas, rejected ones release their
// booking and booked ones keep it alive for another ticket lifetime. Each
// booking is consumed by exactly one commit or reject.
func (c *Catalogue) RegisterEnvelopes(ctx context.Context, envelopes []string, state types.RegistrationState) ([]string, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var accepted []string
	for _, envelope := range envelopes {
		claims, err := c.authority.Parse(envelope)
		if err != nil {
			c.logger.Warn("Ignoring invalid envelope", zap.String("state", state.String()), zap.Error(err))
			continue
		}
		if claims.Mode != types.AccessWrite {
			c.logger.Warn("Ignoring non-write envelope", zap.String("ticket_id", claims.ID))
			continue
		}

		item := c.bookings.Get(claims.ID)
		if item == nil {
			c.logger.Warn("No booking for envelope",
				zap.String("ticket_id", claims.ID),
				zap.String("lfn", claims.LFN),
				zap.String("state", state.String()))
			continue
		}
		b := item.Value()

		switch state {
		case types.RegistrationBooked:
			c.bookings.Set(claims.ID, b, ttlcache.DefaultTTL)

		case types.RegistrationRejected:
			c.bookings.Delete(claims.ID)
			c.logger.Debug("Released write booking",
				zap.String("ticket_id", claims.ID),
				zap.String("element", string(b.Element)))

		case types.RegistrationCommitted:
			if claims.Confirmed && (claims.Size != b.Size || (b.Checksum != "" && claims.Checksum != b.Checksum)) {
				c.logger.Warn("Stored replica does not match booking",
					zap.String("ticket_id", claims.ID),
					zap.String("element", string(b.Element)),
					zap.Int64("booked_size", b.Size),
					zap.Int64("stored_size", claims.Size))
				continue
			}
			if err := c.commitReplica(b); err != nil {
				c.logger.Warn("Failed to commit replica",
					zap.String("ticket_id", claims.ID),
					zap.String("lfn", b.LFN),
					zap.Error(err))
				continue
			}
			c.bookings.Delete(claims.ID)

		default:
			return accepted, types.Errorf(types.CodeInvalidArgument, "register", "unknown registration state %d", state)
		}

		accepted = append(accepted, envelope)
	}

	return accepted, nil
}

// commitReplica registers a booked replica and creates or updates its entry.
// Caller holds writeMu.
func (c *Catalogue) commitReplica(b *Booking) error {
	entry, err := c.ns.Get(b.LFN)
	switch {
	case err == nil:
		if !entry.IsFile() {
			return types.Errorf(types.CodeTypeMismatch, "commit", "%s is a %s", b.LFN, entry.Type)
		}
		if entry.ContentID != b.ContentID {
			return types.NewError(types.CodeAlreadyExists, "commit", b.LFN, nil)
		}
	case types.IsCode(err, types.CodeNameNotFound):
		if err := c.ensureDirectory(getParentPath(b.LFN)); err != nil {
			return err
		}
		entry = &types.LogicalEntry{
			Path:      b.LFN,
			Type:      types.EntryFile,
			Size:      b.Size,
			Checksum:  b.Checksum,
			ContentID: b.ContentID,
			Created:   c.now(),
			Owner:     c.owner,
		}
		if err := c.ns.Put(entry); err != nil {
			return fmt.Errorf("failed to create %s: %w", b.LFN, err)
		}
	default:
		return err
	}

	content, err := c.ns.GetContent(b.ContentID)
	if err != nil {
		content = &types.ContentIdentifier{ID: b.ContentID, Size: b.Size, Checksum: b.Checksum}
	}
	content.AddEntry(b.LFN)
	if err := c.ns.PutContent(content); err != nil {
		return fmt.Errorf("failed to store content %s: %w", b.ContentID, err)
	}

	if err := c.ns.AddReplica(Replica{
		ContentID:  b.ContentID,
		Element:    b.Element,
		Location:   b.Location,
		Registered: c.now(),
	}); err != nil {
		return fmt.Errorf("failed to register replica on %s: %w", b.Element, err)
	}

	c.logger.Info("Replica committed",
		zap.String("lfn", b.LFN),
		zap.String("element", string(b.Element)),
		zap.String("content_id", string(b.ContentID)))
	return nil
}

// ScheduleMirror queues background copies of an existing file onto the named
// targets and onto elements chosen for counts. Each target maps to a transfer
// id or to the code that kept it from being scheduled.
func (c *Catalogue) ScheduleMirror(ctx context.Context, lfn string, targets []string, counts map[string]int, attempts int) (map[string]types.MirrorResult, error) {
	entry, err := c.Resolve(ctx, lfn)
	if err != nil {
		return nil, err
	}
	if !entry.IsFile() || entry.ContentID == "" {
		return nil, types.Errorf(types.CodeTypeMismatch, "schedule mirror", "%s is not a committed file", entry.Path)
	}
	if !c.mirror.hasExecutor() {
		return nil, types.Errorf(types.CodeInternal, "schedule mirror", "no mirror executor configured")
	}

	records, err := c.ns.Replicas(entry.ContentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list replicas of %s: %w", entry.ContentID, err)
	}
	holders := make(map[string]bool)
	for _, rec := range records {
		holders[string(rec.Element)] = true
	}

	results := make(map[string]types.MirrorResult)
	enqueue := func(element types.ElementName, class string) string {
		holders[string(element)] = true
		return c.mirror.Enqueue(MirrorJob{
			LFN:      entry.Path,
			Element:  element,
			QoSClass: class,
			Attempts: attempts,
		})
	}

	for _, target := range targets {
		if _, ok := c.engine.Element(types.ElementName(target)); !ok {
			results[target] = types.MirrorResult{Code: types.CodeNameNotFound}
			continue
		}
		if holders[target] {
			results[target] = types.MirrorResult{Code: types.CodeAlreadyExists}
			continue
		}
		results[target] = types.MirrorResult{TransferID: enqueue(types.ElementName(target), ""), Code: types.CodeOK}
	}

	if len(counts) > 0 {
		exclude := make([]string, 0, len(holders))
		for name := range holders {
			exclude = append(exclude, name)
		}
		picked, err := c.engine.SelectWriteTargets(placement.WriteRequest{Exclude: exclude, Counts: counts})
		if err != nil {
			picked = nil
		}

		perClass := make(map[string]int)
		for _, t := range picked {
			perClass[t.QoSClass]++
			results[string(t.Element.Name)] = types.MirrorResult{
				TransferID: enqueue(t.Element.Name, t.QoSClass),
				Code:       types.CodeOK,
			}
		}
		for class, want := range counts {
			if perClass[class] < want {
				results[class] = types.MirrorResult{Code: types.CodeNoTicketsGranted}
			}
		}
	}

	return results, nil
}

// physicalLocation spreads content over a hundred top-level directories.
func physicalLocation(id types.ContentID) string {
	h := fnv.New32a()
	h.Write([]byte(id))
	return fmt.Sprintf("/%02d/%s", h.Sum32()%100, id)
}
