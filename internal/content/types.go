package content

import (
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
)

var (
	ErrContentNotFound = errors.New("content not found")
	ErrInvalidHash     = errors.New("invalid content hash")
)

// Meta stores metadata about a stored body.
type Meta struct {
	Hash       string    `json:"hash"`
	Size       int64     `json:"size"`
	Compressed bool      `json:"compressed"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is durable, deduplicated, content-addressed storage for immutable
// file bodies. Bodies are keyed by their sha256 and never rewritten.
type Store interface {
	Store(body []byte) (string, error)
	Get(hash string) ([]byte, error)
	Exists(hash string) (bool, error)
}

// Options configures BadgerStore behavior.
type Options struct {
	CacheSize   int // number of bodies held in the LRU
	CompressMin int // bodies below this many bytes stay raw
}

// BadgerStore implements Store on top of BadgerDB with an in-process LRU
// and transparent zstd compression for larger bodies.
type BadgerStore struct {
	db          *badger.DB
	cache       *lru.Cache[string, []byte]
	compressMin int
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
}
