package nbtree

import (
	"errors"
	"fmt"

	"github.com/corvid-db/go-corvid/blockstore"
	"github.com/corvid-db/go-corvid/codec"
)

// Superblock is a fixed-fanout inner node holding up to K child
// descriptors with precomputed aggregates. Like Leaf it starts as a
// builder and is immutable once committed.
type Superblock struct {
	hdr      nodeHeader
	children []SubtreeRef
	spent    bool
}

// NewSuperblock returns an empty builder for series id at level, chained
// to prev (the previous superblock at the same level of the same extent).
func NewSuperblock(id ParamID, level uint8, prev blockstore.LogicAddr) *Superblock {
	return &Superblock{
		hdr: nodeHeader{
			Kind:    kindInner,
			Level:   level,
			ParamID: id,
			Prev:    prev,
		},
		children: make([]SubtreeRef, 0, K),
	}
}

// Append adds one child descriptor. It returns errNodeFull when the node
// already holds K children. A descriptor from the wrong level, the wrong
// series, or one that moves backward in time is a corruption signal and
// reported as ErrBadData.
func (s *Superblock) Append(ref SubtreeRef) error {
	if s.spent {
		return errSpent
	}
	if len(s.children) == K {
		return errNodeFull
	}
	if ref.Level+1 != s.hdr.Level {
		return fmt.Errorf("%w: child level %d under superblock level %d", ErrBadData, ref.Level, s.hdr.Level)
	}
	if ref.ParamID != s.hdr.ParamID {
		return fmt.Errorf("%w: child of series %d under series %d", ErrBadData, ref.ParamID, s.hdr.ParamID)
	}
	if n := len(s.children); n > 0 && ref.Agg.TSMin < s.children[n-1].Agg.TSMax {
		return fmt.Errorf("%w: child time range moves backward (%d < %d)",
			ErrBadData, ref.Agg.TSMin, s.children[n-1].Agg.TSMax)
	}
	s.children = append(s.children, ref)
	s.hdr.Agg.Merge(ref.Agg)
	return nil
}

// Commit serialises header + K descriptors (zero padded when partial) and
// returns the allocated address. The builder is spent after.
func (s *Superblock) Commit(bs blockstore.Store) (blockstore.LogicAddr, error) {
	if s.spent {
		return blockstore.EmptyAddr, errSpent
	}
	payload := make([]byte, superblockPayload)
	for i, ref := range s.children {
		encodeSubtreeRef(payload[i*SubtreeRefSize:], ref)
	}
	s.hdr.PayloadLen = superblockPayload
	s.hdr.Children = uint32(len(s.children))
	s.spent = true

	addr, err := bs.AppendBlock(encodeBlock(s.hdr, payload))
	if err != nil {
		return blockstore.EmptyAddr, err
	}
	return addr, nil
}

// LoadSuperblock rehydrates a committed superblock from the store.
func LoadSuperblock(bs blockstore.Store, addr blockstore.LogicAddr) (*Superblock, error) {
	block, err := bs.ReadBlock(addr)
	if err != nil {
		if errors.Is(err, blockstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: superblock %d unavailable: %v", ErrBadData, addr, err)
		}
		return nil, err
	}
	hdr, payload, err := decodeBlock(block)
	if err != nil {
		return nil, err
	}
	if hdr.Kind != kindInner || hdr.Level == 0 {
		return nil, fmt.Errorf("%w: node %d is not a superblock", ErrBadData, addr)
	}
	if hdr.Children == 0 || int(hdr.Children) > K {
		return nil, fmt.Errorf("%w: superblock %d has %d children", ErrBadData, addr, hdr.Children)
	}
	s := &Superblock{hdr: hdr, spent: true}
	s.children = make([]SubtreeRef, hdr.Children)
	for i := range s.children {
		s.children[i] = decodeSubtreeRef(payload[i*SubtreeRefSize:])
	}
	return s, nil
}

// Children returns the descriptors in insertion order. The slice aliases
// the superblock and must not be modified.
func (s *Superblock) Children() []SubtreeRef { return s.children }

// Count returns the number of children.
func (s *Superblock) Count() int { return len(s.children) }

// Level returns the superblock's level, >= 1.
func (s *Superblock) Level() uint8 { return s.hdr.Level }

// Aggregates returns the merged aggregates of all children.
func (s *Superblock) Aggregates() codec.Aggregates { return s.hdr.Agg }

// PrevAddr returns the previous superblock at this level, or EmptyAddr.
func (s *Superblock) PrevAddr() blockstore.LogicAddr { return s.hdr.Prev }
