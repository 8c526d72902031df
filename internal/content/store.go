// internal/content/store.go
package content

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
)

func bodyKey(hash string) []byte {
	return []byte("content:body:" + hash)
}

func metaKey(hash string) []byte {
	return []byte("content:meta:" + hash)
}

// HashBody returns the content address for a body.
func HashBody(body []byte) string {
	h := sha256.Sum256(body)
	return hex.EncodeToString(h[:])
}

func NewBadgerStore(db *badger.DB, opts Options) (*BadgerStore, error) {
	if opts.CacheSize == 0 {
		opts.CacheSize = 1024
	}
	if opts.CompressMin == 0 {
		opts.CompressMin = 1024
	}

	cache, err := lru.New[string, []byte](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &BadgerStore{
		db:          db,
		cache:       cache,
		compressMin: opts.CompressMin,
		encoder:     encoder,
		decoder:     decoder,
	}, nil
}

// Store saves a body and returns its hash. Storing an existing body is a
// no-op; bodies are write-once.
func (s *BadgerStore) Store(body []byte) (string, error) {
	if body == nil {
		body = []byte{} // empty bodies are valid
	}

	hash := HashBody(body)

	exists, err := s.Exists(hash)
	if err != nil {
		return "", fmt.Errorf("checking existence: %w", err)
	}
	if exists {
		return hash, nil
	}

	stored := body
	compressed := false
	if len(body) >= s.compressMin {
		stored = s.encoder.EncodeAll(body, nil)
		compressed = true
	}

	meta := Meta{
		Hash:       hash,
		Size:       int64(len(body)),
		Compressed: compressed,
		CreatedAt:  time.Now().UTC(),
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshaling metadata: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(bodyKey(hash), stored); err != nil {
			return err
		}
		return txn.Set(metaKey(hash), metaData)
	})
	if err != nil {
		return "", fmt.Errorf("writing content: %w", err)
	}

	s.cache.Add(hash, append([]byte(nil), body...))
	return hash, nil
}

func (s *BadgerStore) Get(hash string) ([]byte, error) {
	if len(hash) != 64 {
		return nil, ErrInvalidHash
	}

	if body, ok := s.cache.Get(hash); ok {
		return append([]byte(nil), body...), nil
	}

	var (
		stored []byte
		meta   Meta
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(bodyKey(hash))
		if err == badger.ErrKeyNotFound {
			return ErrContentNotFound
		} else if err != nil {
			return err
		}
		if stored, err = item.ValueCopy(nil); err != nil {
			return err
		}

		metaItem, err := txn.Get(metaKey(hash))
		if err != nil {
			return err
		}
		return metaItem.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		})
	})
	if err != nil {
		return nil, err
	}

	body := stored
	if meta.Compressed {
		if body, err = s.decoder.DecodeAll(stored, nil); err != nil {
			return nil, fmt.Errorf("decompressing content: %w", err)
		}
	}

	s.cache.Add(hash, append([]byte(nil), body...))
	return body, nil
}

func (s *BadgerStore) Exists(hash string) (bool, error) {
	if hash == "" {
		return false, nil
	}

	if _, ok := s.cache.Get(hash); ok {
		return true, nil
	}

	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(bodyKey(hash))
		if err == badger.ErrKeyNotFound {
			return nil
		} else if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}
