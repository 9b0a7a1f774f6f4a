package blockstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FileStore persists blocks in a single page file. The file starts with one
// metadata page carrying the volume identity and block size; block address
// a lives at byte offset (a+1)*blockSize. Reads go through a ristretto
// cache keyed by address.
type FileStore struct {
	mu       sync.Mutex
	f        *os.File
	volume   uuid.UUID
	blockSz  int
	next     LogicAddr
	onAppend AppendCallback
	cache    *ristretto.Cache[uint64, []byte]
	log      *zap.SugaredLogger
	readOnly bool
}

const (
	fileMagic       = 0x434f5256 // "CORV"
	fileFormatVer   = 1
	metaMagicOff    = 0
	metaVersionOff  = 4
	metaBlockSzOff  = 8
	metaVolumeOff   = 16
	metaVolumeBytes = 16
)

// WithFileLogger attaches a logger to a FileStore.
func WithFileLogger(log *zap.SugaredLogger) Option {
	return func(c *config) {
		c.log = log
	}
}

// OpenFileStore opens or creates the page file at path.
func OpenFileStore(path string, opts ...Option) (*FileStore, error) {
	cfg := config{blockSize: DefaultBlockSize, cacheSize: 32 << 20}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = zap.NewNop().Sugar()
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockstore: open %s: %w", path, err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	s := &FileStore{
		f:        f,
		blockSz:  cfg.blockSize,
		onAppend: cfg.onAppend,
		log:      cfg.log,
	}

	if st.Size() == 0 {
		s.volume = uuid.New()
		if err := s.writeMeta(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		if err := s.readMeta(); err != nil {
			f.Close()
			return nil, err
		}
		if st.Size()%int64(s.blockSz) != 0 {
			s.log.Warnw("page file has a torn tail page, truncating",
				"path", path, "size", st.Size())
			if err := f.Truncate(st.Size() - st.Size()%int64(s.blockSz)); err != nil {
				f.Close()
				return nil, err
			}
			st, err = f.Stat()
			if err != nil {
				f.Close()
				return nil, err
			}
		}
		s.next = LogicAddr(st.Size()/int64(s.blockSz)) - 1
	}

	cache, err := ristretto.NewCache(&ristretto.Config[uint64, []byte]{
		NumCounters: cfg.cacheSize / int64(s.blockSz) * 10,
		MaxCost:     cfg.cacheSize,
		BufferItems: 64,
	})
	if err != nil {
		f.Close()
		return nil, err
	}
	s.cache = cache

	s.log.Infow("page file opened",
		"path", path, "volume", s.volume, "blocks", s.next)
	return s, nil
}

func (s *FileStore) writeMeta() error {
	meta := make([]byte, s.blockSz)
	binary.BigEndian.PutUint32(meta[metaMagicOff:], fileMagic)
	binary.BigEndian.PutUint32(meta[metaVersionOff:], fileFormatVer)
	binary.BigEndian.PutUint64(meta[metaBlockSzOff:], uint64(s.blockSz))
	copy(meta[metaVolumeOff:metaVolumeOff+metaVolumeBytes], s.volume[:])
	_, err := s.f.WriteAt(meta, 0)
	return err
}

func (s *FileStore) readMeta() error {
	meta := make([]byte, metaVolumeOff+metaVolumeBytes)
	if _, err := io.ReadFull(io.NewSectionReader(s.f, 0, int64(len(meta))), meta); err != nil {
		return fmt.Errorf("blockstore: short meta page: %w", err)
	}
	if binary.BigEndian.Uint32(meta[metaMagicOff:]) != fileMagic {
		return fmt.Errorf("blockstore: %w: bad file magic", ErrNotFound)
	}
	if v := binary.BigEndian.Uint32(meta[metaVersionOff:]); v != fileFormatVer {
		return fmt.Errorf("blockstore: unsupported page file version %d", v)
	}
	s.blockSz = int(binary.BigEndian.Uint64(meta[metaBlockSzOff:]))
	copy(s.volume[:], meta[metaVolumeOff:metaVolumeOff+metaVolumeBytes])
	return nil
}

func (s *FileStore) BlockSize() int { return s.blockSz }

func (s *FileStore) VolumeID() uuid.UUID { return s.volume }

func (s *FileStore) AppendBlock(data []byte) (LogicAddr, error) {
	if len(data) != s.blockSz {
		return EmptyAddr, ErrBadBlockSize
	}
	s.mu.Lock()
	if s.readOnly {
		s.mu.Unlock()
		return EmptyAddr, ErrReadOnly
	}
	addr := s.next
	off := (int64(addr) + 1) * int64(s.blockSz)
	if _, err := s.f.WriteAt(data, off); err != nil {
		// A failed write leaves the store read only until reopened; the
		// tail page may be torn.
		s.readOnly = true
		s.mu.Unlock()
		s.log.Errorw("block append failed", "addr", addr, "err", err)
		return EmptyAddr, err
	}
	s.next++
	cb := s.onAppend
	s.mu.Unlock()

	block := make([]byte, len(data))
	copy(block, data)
	s.cache.Set(uint64(addr), block, int64(len(block)))

	if cb != nil {
		cb(addr)
	}
	return addr, nil
}

func (s *FileStore) ReadBlock(addr LogicAddr) ([]byte, error) {
	s.mu.Lock()
	next := s.next
	s.mu.Unlock()
	if addr >= next {
		return nil, ErrNotFound
	}
	if block, ok := s.cache.Get(uint64(addr)); ok {
		return block, nil
	}
	block := make([]byte, s.blockSz)
	off := (int64(addr) + 1) * int64(s.blockSz)
	if _, err := s.f.ReadAt(block, off); err != nil {
		return nil, fmt.Errorf("blockstore: read addr %d: %w", addr, err)
	}
	s.cache.Set(uint64(addr), block, int64(len(block)))
	return block, nil
}

// Sync flushes the page file to stable storage.
func (s *FileStore) Sync() error {
	return s.f.Sync()
}

// Close releases the cache and the underlying file.
func (s *FileStore) Close() error {
	s.cache.Close()
	return s.f.Close()
}
