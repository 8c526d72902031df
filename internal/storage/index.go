// internal/storage/index.go
package storage

import (
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// Index is a secondary index over string keys: composite key parts map to
// a single string value. Used for the repository root pointer and the
// per-repository branch-creation ordering.
type Index struct {
	db     *badger.DB
	prefix string
}

func NewIndex(db *badger.DB, prefix string) *Index {
	return &Index{db: db, prefix: prefix}
}

func (ix *Index) key(parts ...string) []byte {
	return []byte(ix.prefix + ":" + strings.Join(parts, ":"))
}

func (ix *Index) PutTxn(txn *badger.Txn, value string, parts ...string) error {
	return txn.Set(ix.key(parts...), []byte(value))
}

// GetTxn returns the value under the exact composite key, and whether it
// was present.
func (ix *Index) GetTxn(txn *badger.Txn, parts ...string) (string, bool, error) {
	item, err := txn.Get(ix.key(parts...))
	if err == badger.ErrKeyNotFound {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}

	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", false, err
	}
	return string(val), true, nil
}

func (ix *Index) Get(parts ...string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := ix.db.View(func(txn *badger.Txn) error {
		v, ok, err := ix.GetTxn(txn, parts...)
		value, found = v, ok
		return err
	})
	return value, found, err
}

// Scan returns all values whose composite key starts with the given
// parts, in key order; reverse walks newest-first when keys embed a
// sortable timestamp.
func (ix *Index) Scan(reverse bool, parts ...string) ([]string, error) {
	prefix := ix.key(parts...)
	prefix = append(prefix, ':')

	var values []string
	err := ix.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = reverse

		it := txn.NewIterator(opts)
		defer it.Close()

		seek := prefix
		if reverse {
			seek = append(append([]byte(nil), prefix...), 0xFF)
		}

		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			values = append(values, string(val))
		}
		return nil
	})
	return values, err
}
