package catalogue

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gridxfer/pkg/types"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

const (
	lfnPrefix  = "lfn:"
	guidPrefix = "guid:"
	pfnPrefix  = "pfn:"
)

// IndexedNamespace keeps the catalogue as flat key/value tables in badger:
// lfn:<path>, guid:<content id> and pfn:<content id>:<element>.
type IndexedNamespace struct {
	db     *badger.DB
	logger *zap.Logger
}

var _ Namespace = (*IndexedNamespace)(nil)

// OpenIndexedNamespace opens (or creates) the index under dir. An empty dir
// keeps the index in memory.
func OpenIndexedNamespace(dir string, logger *zap.Logger) (*IndexedNamespace, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := badger.DefaultOptions(dir).
		WithLogger(&badgerLogger{sugar: logger.Named("badger").Sugar()}).
		WithLoggingLevel(badger.WARNING)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalogue index: %w", err)
	}

	return &IndexedNamespace{db: db, logger: logger}, nil
}

func (n *IndexedNamespace) Get(p string) (*types.LogicalEntry, error) {
	var entry types.LogicalEntry
	err := n.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, lfnPrefix+p, &entry)
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, types.NewError(types.CodeNameNotFound, "lookup", p, nil)
		}
		return nil, err
	}
	return &entry, nil
}

func (n *IndexedNamespace) Put(entry *types.LogicalEntry) error {
	return n.db.Update(func(txn *badger.Txn) error {
		if parent := getParentPath(entry.Path); parent != "" {
			var parentEntry types.LogicalEntry
			if err := getJSON(txn, lfnPrefix+parent, &parentEntry); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return types.NewError(types.CodeNameNotFound, "create", parent, nil)
				}
				return err
			}
			if !parentEntry.IsDirectory() {
				return types.Errorf(types.CodeTypeMismatch, "create", "parent %s is not a directory", parent)
			}
		}
		return setJSON(txn, lfnPrefix+entry.Path, entry)
	})
}

func (n *IndexedNamespace) Children(p string) ([]*types.LogicalEntry, error) {
	dir, err := n.Get(p)
	if err != nil {
		return nil, err
	}
	if !dir.IsDirectory() {
		return nil, types.Errorf(types.CodeTypeMismatch, "list", "%s is not a directory", p)
	}

	prefix := lfnPrefix + strings.TrimSuffix(p, "/") + "/"
	var out []*types.LogicalEntry
	err = n.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefixBytes := []byte(prefix)
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			item := it.Item()
			rel := strings.TrimPrefix(string(item.Key()), prefix)
			// Direct children only
			if rel == "" || strings.Contains(rel, "/") {
				continue
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", item.Key(), err)
			}
			var entry types.LogicalEntry
			if err := json.Unmarshal(value, &entry); err != nil {
				return fmt.Errorf("failed to decode %s: %w", item.Key(), err)
			}
			out = append(out, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (n *IndexedNamespace) GetContent(id types.ContentID) (*types.ContentIdentifier, error) {
	var c types.ContentIdentifier
	err := n.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, guidPrefix+string(id), &c)
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, types.NewError(types.CodeNameNotFound, "lookup content", string(id), nil)
		}
		return nil, err
	}
	return &c, nil
}

func (n *IndexedNamespace) PutContent(c *types.ContentIdentifier) error {
	return n.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, guidPrefix+string(c.ID), c)
	})
}

func (n *IndexedNamespace) Replicas(id types.ContentID) ([]Replica, error) {
	prefix := []byte(pfnPrefix + string(id) + ":")
	var out []Replica
	err := n.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var r Replica
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			})
			if err != nil {
				return fmt.Errorf("failed to decode replica %s: %w", it.Item().Key(), err)
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (n *IndexedNamespace) AddReplica(r Replica) error {
	return n.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, pfnPrefix+string(r.ContentID)+":"+string(r.Element), r)
	})
}

func (n *IndexedNamespace) Close() error {
	if err := n.db.Close(); err != nil {
		return fmt.Errorf("failed to close catalogue index: %w", err)
	}
	return nil
}

// getJSON decodes the value at key. A missing key is badger.ErrKeyNotFound.
func getJSON(txn *badger.Txn, key string, v interface{}) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return txn.Set([]byte(key), data)
}

// badgerLogger adapts zap to badger.Logger
type badgerLogger struct {
	sugar *zap.SugaredLogger
}

func (b *badgerLogger) Errorf(format string, args ...interface{})   { b.sugar.Errorf(format, args...) }
func (b *badgerLogger) Warningf(format string, args ...interface{}) { b.sugar.Warnf(format, args...) }
func (b *badgerLogger) Infof(format string, args ...interface{})    { b.sugar.Infof(format, args...) }
func (b *badgerLogger) Debugf(format string, args ...interface{})   { b.sugar.Debugf(format, args...) }
