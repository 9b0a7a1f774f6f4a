package blockstore

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultBlockSize is the page size stores use unless configured otherwise.
const DefaultBlockSize = 8192

// MemStore is an in-memory Store. It is the reference implementation used
// by the test suites and supports explicit eviction so the eviction
// tolerance of readers and writers can be exercised.
type MemStore struct {
	mu       sync.RWMutex
	volume   uuid.UUID
	blockSz  int
	onAppend AppendCallback

	// blocks[i] holds the block at address firstAddr+i. Evicted blocks are
	// nil.
	blocks    [][]byte
	firstAddr LogicAddr
}

// NewMemStore returns an empty in-memory store.
func NewMemStore(opts ...Option) *MemStore {
	cfg := config{blockSize: DefaultBlockSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &MemStore{
		volume:   uuid.New(),
		blockSz:  cfg.blockSize,
		onAppend: cfg.onAppend,
	}
}

func (s *MemStore) BlockSize() int { return s.blockSz }

func (s *MemStore) VolumeID() uuid.UUID { return s.volume }

func (s *MemStore) AppendBlock(data []byte) (LogicAddr, error) {
	if len(data) != s.blockSz {
		return EmptyAddr, ErrBadBlockSize
	}
	s.mu.Lock()
	block := make([]byte, len(data))
	copy(block, data)
	addr := s.firstAddr + LogicAddr(len(s.blocks))
	s.blocks = append(s.blocks, block)
	cb := s.onAppend
	s.mu.Unlock()

	if cb != nil {
		cb(addr)
	}
	return addr, nil
}

func (s *MemStore) ReadBlock(addr LogicAddr) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if addr < s.firstAddr || addr >= s.firstAddr+LogicAddr(len(s.blocks)) {
		return nil, ErrNotFound
	}
	block := s.blocks[addr-s.firstAddr]
	if block == nil {
		return nil, ErrNotFound
	}
	out := make([]byte, len(block))
	copy(out, block)
	return out, nil
}

// Evict discards every block with an address strictly below before.
// Evicted addresses read as ErrNotFound from then on.
func (s *MemStore) Evict(before LogicAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for a := s.firstAddr; a < before && a < s.firstAddr+LogicAddr(len(s.blocks)); a++ {
		s.blocks[a-s.firstAddr] = nil
	}
}

// Len returns the number of allocated addresses, evicted ones included.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks)
}
