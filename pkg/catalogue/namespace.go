package catalogue

import (
	"path"
	"strings"
	"time"

	"gridxfer/pkg/types"
)

// Replica is a registered physical copy of a content identifier.
type Replica struct {
	ContentID  types.ContentID   `json:"content_id"`
	Element    types.ElementName `json:"element"`
	Location   string            `json:"location"`
	Registered time.Time         `json:"registered"`
}

// Namespace is the storage capability behind a Catalogue. Implementations
// return copies; callers may modify what they get back.
type Namespace interface {
	// Get returns the entry at path or a NameNotFound error.
	Get(path string) (*types.LogicalEntry, error)
	// Put creates or replaces an entry. The parent must exist and be a
	// directory.
	Put(entry *types.LogicalEntry) error
	// Children lists the direct children of a directory, ordered by path.
	Children(path string) ([]*types.LogicalEntry, error)

	GetContent(id types.ContentID) (*types.ContentIdentifier, error)
	PutContent(c *types.ContentIdentifier) error

	Replicas(id types.ContentID) ([]Replica, error)
	// AddReplica registers r, replacing an existing replica of the same
	// content on the same element.
	AddReplica(r Replica) error

	Close() error
}

// normalizePath cleans an absolute catalogue path.
func normalizePath(p string) (string, error) {
	if p == "" || !strings.HasPrefix(p, "/") {
		return "", types.Errorf(types.CodeInvalidArgument, "normalize", "catalogue path must be absolute: %q", p)
	}
	return path.Clean(p), nil
}

// getParentPath returns the parent of a cleaned path, "" for the root
func getParentPath(p string) string {
	if p == "/" || p == "" {
		return ""
	}

	lastSlash := strings.LastIndex(p, "/")
	if lastSlash == 0 {
		return "/"
	}
	if lastSlash == -1 {
		return ""
	}

	return p[:lastSlash]
}

func getBaseName(p string) string {
	if p == "/" {
		return "/"
	}
	return p[strings.LastIndex(p, "/")+1:]
}

func copyEntry(e *types.LogicalEntry) *types.LogicalEntry {
	out := *e
	out.Members = append([]string(nil), e.Members...)
	return &out
}

func copyContent(c *types.ContentIdentifier) *types.ContentIdentifier {
	out := *c
	out.Entries = append([]string(nil), c.Entries...)
	return &out
}
