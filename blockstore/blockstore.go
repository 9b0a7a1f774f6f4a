// Package blockstore provides the paged persistence layer shared by all
// trees in a volume. Blocks are fixed size, allocation is strictly
// sequential, and committed blocks are immutable. Old blocks may be evicted
// to reclaim space; readers must treat a missing block as a hard error
// while writers never need one.
package blockstore

import (
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogicAddr is an opaque handle to a block in a store. Addresses are
// allocated monotonically and are content independent.
type LogicAddr uint64

// EmptyAddr is the sentinel for "no block", used to terminate backward
// chains.
const EmptyAddr = LogicAddr(^uint64(0))

var (
	// ErrNotFound is returned by ReadBlock for addresses that were never
	// allocated or whose blocks have been evicted.
	ErrNotFound = errors.New("blockstore: block not found")
	// ErrBadBlockSize is returned by AppendBlock when the data does not
	// match the store's block size.
	ErrBadBlockSize = errors.New("blockstore: bad block size")
	// ErrReadOnly is returned by AppendBlock on a store that can no longer
	// accept writes.
	ErrReadOnly = errors.New("blockstore: store is read only")
)

// AppendCallback observes the address of every block the moment it has been
// appended (written, not necessarily synced to stable storage). It runs on the writer's goroutine; implementations must
// be re-entrant safe with respect to the caller's stack.
type AppendCallback func(LogicAddr)

// Store is the consumer-side view of a block store. A store is shared by
// many trees; implementations synchronise internally.
type Store interface {
	// BlockSize returns the fixed size of every block in the store.
	BlockSize() int
	// AppendBlock allocates the next address and persists data under it.
	AppendBlock(data []byte) (LogicAddr, error)
	// ReadBlock returns the block stored at addr, or ErrNotFound when the
	// address was never written or the block has been evicted.
	ReadBlock(addr LogicAddr) ([]byte, error)
	// VolumeID identifies the store instance. Persisted address lists are
	// only meaningful against the volume that produced them.
	VolumeID() uuid.UUID
}

type config struct {
	blockSize int
	onAppend  AppendCallback
	cacheSize int64
	log       *zap.SugaredLogger
}

// Option configures a store implementation.
type Option func(*config)

// WithBlockSize overrides the default block size.
func WithBlockSize(size int) Option {
	return func(c *config) {
		c.blockSize = size
	}
}

// WithAppendCallback registers a post-write observer. The tree host uses it
// to capture crash-time root snapshots.
func WithAppendCallback(cb AppendCallback) Option {
	return func(c *config) {
		c.onAppend = cb
	}
}

// WithCacheSize sets the read cache budget in bytes for stores that cache.
func WithCacheSize(size int64) Option {
	return func(c *config) {
		c.cacheSize = size
	}
}
