package types

import (
	"fmt"
	"sync"
	"time"
)

type ContentID string
type ElementName string

type EntryType int

const (
	EntryFile EntryType = iota
	EntryDirectory
	EntryCollection
)

func (t EntryType) String() string {
	switch t {
	case EntryFile:
		return "file"
	case EntryDirectory:
		return "directory"
	case EntryCollection:
		return "collection"
	default:
		return "unknown"
	}
}

// LogicalEntry is a catalogue path. Size, Checksum and ContentID only change
// when a replica of new content is committed.
type LogicalEntry struct {
	Path      string    `json:"path"`
	Type      EntryType `json:"type"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum,omitempty"`
	ContentID ContentID `json:"content_id,omitempty"`
	Created   time.Time `json:"created"`
	Owner     string    `json:"owner,omitempty"`
	Members   []string  `json:"members,omitempty"` // collection members
}

func (e *LogicalEntry) IsFile() bool       { return e.Type == EntryFile }
func (e *LogicalEntry) IsDirectory() bool  { return e.Type == EntryDirectory }
func (e *LogicalEntry) IsCollection() bool { return e.Type == EntryCollection }

// ContentIdentifier is one version of file bytes. Several logical entries may
// point at the same content (archive members, links).
type ContentIdentifier struct {
	ID       ContentID `json:"id"`
	Size     int64     `json:"size"`
	Checksum string    `json:"checksum"`
	Entries  []string  `json:"entries"`

	// Set for archive members: the bytes live inside Container under Member.
	Container ContentID `json:"container,omitempty"`
	Member    string    `json:"member,omitempty"`
}

// AddEntry records a back-reference and reports whether it was new.
func (c *ContentIdentifier) AddEntry(path string) bool {
	for _, p := range c.Entries {
		if p == path {
			return false
		}
	}
	c.Entries = append(c.Entries, path)
	return true
}

type StorageElement struct {
	Name      ElementName       `json:"name" yaml:"name"`
	ID        int               `json:"id" yaml:"id"`
	QoS       []string          `json:"qos" yaml:"qos"`
	ReadCost  float64           `json:"read_cost" yaml:"read_cost"`
	WriteCost float64           `json:"write_cost" yaml:"write_cost"`
	Protocols []string          `json:"protocols" yaml:"protocols"`
	Endpoints map[string]string `json:"endpoints" yaml:"endpoints"`
}

// Offers reports whether the element is tagged with the given QoS class.
func (se *StorageElement) Offers(class string) bool {
	for _, q := range se.QoS {
		if q == class {
			return true
		}
	}
	return false
}

// PhysicalReplica is one stored copy of a content identifier. Without a ticket
// it is metadata only.
type PhysicalReplica struct {
	ContentID ContentID      `json:"content_id"`
	Location  string         `json:"location"`
	Element   StorageElement `json:"element"`
	Ticket    *AccessTicket  `json:"-"`

	QoSClass string `json:"qos_class,omitempty"`
	Explicit bool   `json:"explicit,omitempty"`

	// Archive members point into a container file instead of a direct location.
	ArchiveContainer string `json:"archive_container,omitempty"`
	ArchiveMember    string `json:"archive_member,omitempty"`
}

func (r *PhysicalReplica) Actionable() bool {
	return r.Ticket != nil
}

func (r *PhysicalReplica) IsArchiveMember() bool {
	return r.ArchiveContainer != "" && r.ArchiveMember != ""
}

func (r *PhysicalReplica) String() string {
	return fmt.Sprintf("%s:%s", r.Element.Name, r.Location)
}

type AccessMode string

const (
	AccessRead   AccessMode = "read"
	AccessWrite  AccessMode = "write"
	AccessDelete AccessMode = "delete"
)

type TicketState int

const (
	TicketIssued TicketState = iota
	TicketBooked
	TicketConfirmed
	TicketCommitted
	TicketRejected
)

func (s TicketState) String() string {
	switch s {
	case TicketIssued:
		return "issued"
	case TicketBooked:
		return "booked"
	case TicketConfirmed:
		return "confirmed"
	case TicketCommitted:
		return "committed"
	case TicketRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// AccessTicket authorizes one operation on one replica. It leaves the issued
// state exactly once and is consumed by exactly one commit or reject.
type AccessTicket struct {
	ID       string
	Mode     AccessMode
	Envelope string
	Expires  time.Time

	mu           sync.Mutex
	state        TicketState
	confirmation string
}

func NewAccessTicket(id string, mode AccessMode, envelope string, expires time.Time) *AccessTicket {
	return &AccessTicket{
		ID:       id,
		Mode:     mode,
		Envelope: envelope,
		Expires:  expires,
		state:    TicketIssued,
	}
}

func (t *AccessTicket) State() TicketState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Confirm records the transport confirmation token. An empty token keeps the
// original envelope.
func (t *AccessTicket) Confirm(token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TicketIssued {
		return fmt.Errorf("ticket %s cannot be confirmed from state %s", t.ID, t.state)
	}
	t.state = TicketConfirmed
	t.confirmation = token
	return nil
}

// ConfirmedEnvelope is the envelope to present at commit time.
func (t *AccessTicket) ConfirmedEnvelope() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.confirmation != "" {
		return t.confirmation
	}
	return t.Envelope
}

func (t *AccessTicket) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TicketConfirmed {
		return fmt.Errorf("ticket %s cannot be committed from state %s", t.ID, t.state)
	}
	t.state = TicketCommitted
	return nil
}

func (t *AccessTicket) Reject() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TicketCommitted || t.state == TicketRejected {
		return fmt.Errorf("ticket %s already %s", t.ID, t.state)
	}
	t.state = TicketRejected
	return nil
}

func (t *AccessTicket) Expired(now time.Time) bool {
	return !t.Expires.IsZero() && now.After(t.Expires)
}
