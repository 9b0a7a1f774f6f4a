package nbtree

import (
	"errors"
	"fmt"

	"github.com/corvid-db/go-corvid/blockstore"
	"github.com/corvid-db/go-corvid/codec"
)

// LoadMode selects how much of a committed leaf to rehydrate.
type LoadMode int

const (
	// HeaderOnly skips the payload decode; only the header aggregates and
	// the prev link are available.
	HeaderOnly LoadMode = iota
	// FullPageLoad keeps the payload for decoding.
	FullPageLoad
)

// Leaf buffers one compressed run of (timestamp, value) pairs bound for a
// single block. A leaf starts as a mutable builder; after Commit it is
// spent and the committed image is immutable. A leaf is never split: when
// the codec reports the block full the owner commits and starts a new
// leaf linked backward to this one.
type Leaf struct {
	hdr     nodeHeader
	writer  *codec.DataBlockWriter
	payload []byte
	spent   bool
}

// NewLeaf returns an empty builder for series id, chained to prev.
func NewLeaf(id ParamID, prev blockstore.LogicAddr) *Leaf {
	return &Leaf{
		hdr: nodeHeader{
			Kind:    kindLeaf,
			Level:   0,
			ParamID: id,
			Prev:    prev,
		},
		writer: codec.NewDataBlockWriter(uint64(id), leafPayloadCap),
	}
}

// Append forwards one pair into the codec. It returns errNodeFull when
// the pair would overflow the block (the pair is not stored) and
// ErrOutOfOrder when ts precedes the last stored timestamp. Equal
// timestamps are accepted.
func (l *Leaf) Append(ts int64, value float64) error {
	if l.spent || l.writer == nil {
		return errSpent
	}
	err := l.writer.Put(ts, value)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, codec.ErrBlockFull):
		return errNodeFull
	case errors.Is(err, codec.ErrOutOfOrder):
		return ErrOutOfOrder
	default:
		return err
	}
}

// Commit finalises the codec, writes header + payload + checksum as one
// block and returns the allocated address. The builder is spent after.
func (l *Leaf) Commit(bs blockstore.Store) (blockstore.LogicAddr, error) {
	if l.spent || l.writer == nil {
		return blockstore.EmptyAddr, errSpent
	}
	payload, agg := l.writer.Commit()
	l.hdr.Agg = agg
	l.hdr.PayloadLen = uint32(len(payload))
	l.payload = payload
	l.spent = true

	addr, err := bs.AppendBlock(encodeBlock(l.hdr, payload))
	if err != nil {
		return blockstore.EmptyAddr, err
	}
	return addr, nil
}

// LoadLeaf rehydrates a committed leaf from the store.
func LoadLeaf(bs blockstore.Store, addr blockstore.LogicAddr, mode LoadMode) (*Leaf, error) {
	block, err := bs.ReadBlock(addr)
	if err != nil {
		if errors.Is(err, blockstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: leaf %d unavailable: %v", ErrBadData, addr, err)
		}
		return nil, err
	}
	hdr, payload, err := decodeBlock(block)
	if err != nil {
		return nil, err
	}
	if hdr.Kind != kindLeaf || hdr.Level != 0 {
		return nil, fmt.Errorf("%w: node %d is not a leaf", ErrBadData, addr)
	}
	l := &Leaf{hdr: hdr, spent: true}
	if mode == FullPageLoad {
		l.payload = append([]byte(nil), payload...)
	}
	return l, nil
}

// ReadAll decodes the leaf's pairs. For an open builder sizeOverride
// selects how many accepted pairs to decode; zero means all of them.
func (l *Leaf) ReadAll(sizeOverride uint32) ([]int64, []float64, error) {
	if l.writer != nil && !l.spent {
		n := l.writer.Count()
		if sizeOverride != 0 {
			if sizeOverride > n {
				return nil, nil, fmt.Errorf("%w: size override %d exceeds %d buffered pairs", ErrBadData, sizeOverride, n)
			}
			n = sizeOverride
		}
		ts, xs, err := codec.DecodeAll(l.writer.Bytes(), n)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrBadData, err)
		}
		return ts, xs, nil
	}
	if l.payload == nil {
		return nil, nil, fmt.Errorf("%w: leaf payload not loaded", ErrBadData)
	}
	ts, xs, err := codec.DecodeAll(l.payload, l.hdr.Agg.Count)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadData, err)
	}
	return ts, xs, nil
}

// Count returns the number of stored pairs.
func (l *Leaf) Count() uint32 {
	if l.writer != nil && !l.spent {
		return l.writer.Count()
	}
	return l.hdr.Agg.Count
}

// TimeRange returns the smallest and largest stored timestamps. Only
// meaningful when Count() > 0.
func (l *Leaf) TimeRange() (int64, int64) {
	agg := l.Aggregates()
	return agg.TSMin, agg.TSMax
}

// Aggregates returns the roll-up of the stored pairs.
func (l *Leaf) Aggregates() codec.Aggregates {
	if l.writer != nil && !l.spent {
		return l.writer.Aggregates()
	}
	return l.hdr.Agg
}

// PrevAddr returns the previous leaf of this extent, or EmptyAddr.
func (l *Leaf) PrevAddr() blockstore.LogicAddr { return l.hdr.Prev }
