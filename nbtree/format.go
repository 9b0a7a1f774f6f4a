// Package nbtree implements the necklace B-tree: an append-only,
// block-addressed, multi-level index holding one time series.
//
// The tree has no single root. Each level is a backward-linked list of
// fixed-size nodes headed by the level's currently open builder:
//
//	              [superblock]
//	                   |
//	      +------------+------------+----~
//	      |            |
//	      v            v
//	[superblock]<--[superblock]<--....
//	      |            |
//	  +---+---+    +---+---+
//	  |   |   |    |   |   |
//	  v   v   v    v   v   v
//	[leaf]<-[..]<-[leaf]  [leaf]<-[..]<-[leaf]
//
// K is the fanout; a full superblock at level N reaches exactly K^N
// leaves. Only the last node at each level is needed to append, which is
// what makes eviction of old blocks safe for writers.
package nbtree

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/corvid-db/go-corvid/blockstore"
	"github.com/corvid-db/go-corvid/codec"
)

// ParamID identifies one series within the shared block store.
type ParamID uint64

const (
	// BlockSize is the fixed page size of every node. Stores handed to a
	// tree must use the same size.
	BlockSize = 8192
	// K is the superblock fanout. Descriptor arrays are sized by it.
	K = 64

	blockMagic    = uint32(0x4e425452) // "NBTR"
	formatVersion = uint16(1)

	kindLeaf  = uint8(1)
	kindInner = uint8(2)
)

// Node header layout. All integers big endian, floats as IEEE 754 bits.
//
//	.     | magic | ver | kind|level| param id |   prev   | count | plen |
//	bytes |   4   |  2  |  1  |  1  |    8     |    8     |   4   |  4   |
//	.     | ts min | ts max | v min | v max |  sum  | checksum | nchildren | reserved |
//	bytes |   8    |   8    |   8   |   8   |   8   |    8     |     4     |    12    |
//
// count is the number of pairs in the node's whole subtree (equal to the
// pair count for a leaf); nchildren is the descriptor count of a
// superblock, zero for leaves.
const (
	hdrMagicFirstByte   = 0
	hdrVersionFirstByte = 4
	hdrKindFirstByte    = 6
	hdrLevelFirstByte   = 7
	hdrParamFirstByte   = 8
	hdrPrevFirstByte    = 16
	hdrCountFirstByte   = 24
	hdrPlenFirstByte    = 28
	hdrTSMinFirstByte   = 32
	hdrTSMaxFirstByte   = 40
	hdrVMinFirstByte    = 48
	hdrVMaxFirstByte    = 56
	hdrSumFirstByte     = 64
	hdrChecksumFirst    = 72
	hdrChildrenFirst    = 80
	HeaderSize          = 96

	leafPayloadCap    = BlockSize - HeaderSize
	superblockPayload = K * SubtreeRefSize
)

// SubtreeRef layout, one fixed 64 byte record per superblock child.
//
//	.     | count | ver | level| rsv | param id | ts min | ts max |
//	bytes |   4   |  2  |  1   |  1  |    8     |   8    |   8    |
//	.     |  addr  | v min | v max |  sum  |
//	bytes |   8    |   8   |   8   |   8   |
const (
	refCountFirstByte = 0
	refVerFirstByte   = 4
	refLevelFirstByte = 6
	refParamFirstByte = 8
	refTSMinFirstByte = 16
	refTSMaxFirstByte = 24
	refAddrFirstByte  = 32
	refVMinFirstByte  = 40
	refVMaxFirstByte  = 48
	refSumFirstByte   = 56
	SubtreeRefSize    = 64
)

var (
	// ErrNoData signals iterator exhaustion. A Read may deliver a final
	// tail of elements together with it.
	ErrNoData = errors.New("nbtree: no more data")
	// ErrBadData is any invariant, checksum or format violation detected
	// while reading committed state.
	ErrBadData = errors.New("nbtree: bad block data")
	// ErrOutOfOrder rejects an append whose timestamp precedes the last
	// accepted one. Tree state is unchanged.
	ErrOutOfOrder = errors.New("nbtree: timestamp out of order")
	// ErrClosed rejects operations on a closed tree.
	ErrClosed = errors.New("nbtree: tree is closed")
	// ErrBadAddrList rejects a persisted head list that no legal write
	// sequence can have produced, or one from a different volume.
	ErrBadAddrList = errors.New("nbtree: inconsistent address list")

	errNodeFull = errors.New("nbtree: node is full")
	errSpent    = errors.New("nbtree: builder already committed")
)

// nodeHeader is the decoded fixed header shared by leaves and superblocks.
type nodeHeader struct {
	Kind       uint8
	Level      uint8
	ParamID    ParamID
	Prev       blockstore.LogicAddr
	PayloadLen uint32
	Children   uint32
	Agg        codec.Aggregates
}

// encodeBlock lays out header + payload + checksum into one block image.
func encodeBlock(hdr nodeHeader, payload []byte) []byte {
	block := make([]byte, BlockSize)
	binary.BigEndian.PutUint32(block[hdrMagicFirstByte:], blockMagic)
	binary.BigEndian.PutUint16(block[hdrVersionFirstByte:], formatVersion)
	block[hdrKindFirstByte] = hdr.Kind
	block[hdrLevelFirstByte] = hdr.Level
	binary.BigEndian.PutUint64(block[hdrParamFirstByte:], uint64(hdr.ParamID))
	binary.BigEndian.PutUint64(block[hdrPrevFirstByte:], uint64(hdr.Prev))
	binary.BigEndian.PutUint32(block[hdrCountFirstByte:], hdr.Agg.Count)
	binary.BigEndian.PutUint32(block[hdrPlenFirstByte:], uint32(len(payload)))
	binary.BigEndian.PutUint64(block[hdrTSMinFirstByte:], uint64(hdr.Agg.TSMin))
	binary.BigEndian.PutUint64(block[hdrTSMaxFirstByte:], uint64(hdr.Agg.TSMax))
	binary.BigEndian.PutUint64(block[hdrVMinFirstByte:], math.Float64bits(hdr.Agg.VMin))
	binary.BigEndian.PutUint64(block[hdrVMaxFirstByte:], math.Float64bits(hdr.Agg.VMax))
	binary.BigEndian.PutUint64(block[hdrSumFirstByte:], math.Float64bits(hdr.Agg.Sum))
	binary.BigEndian.PutUint32(block[hdrChildrenFirst:], hdr.Children)
	copy(block[HeaderSize:], payload)
	binary.BigEndian.PutUint64(block[hdrChecksumFirst:], xxhash.Sum64(block[HeaderSize:HeaderSize+len(payload)]))
	return block
}

// decodeBlock validates a block image and returns its header and payload.
func decodeBlock(block []byte) (nodeHeader, []byte, error) {
	var hdr nodeHeader
	if len(block) != BlockSize {
		return hdr, nil, fmt.Errorf("%w: block is %d bytes, want %d", ErrBadData, len(block), BlockSize)
	}
	if m := binary.BigEndian.Uint32(block[hdrMagicFirstByte:]); m != blockMagic {
		return hdr, nil, fmt.Errorf("%w: bad magic %#x", ErrBadData, m)
	}
	if v := binary.BigEndian.Uint16(block[hdrVersionFirstByte:]); v != formatVersion {
		return hdr, nil, fmt.Errorf("%w: unsupported node version %d", ErrBadData, v)
	}
	hdr.Kind = block[hdrKindFirstByte]
	if hdr.Kind != kindLeaf && hdr.Kind != kindInner {
		return hdr, nil, fmt.Errorf("%w: unknown node kind %d", ErrBadData, hdr.Kind)
	}
	hdr.Level = block[hdrLevelFirstByte]
	hdr.ParamID = ParamID(binary.BigEndian.Uint64(block[hdrParamFirstByte:]))
	hdr.Prev = blockstore.LogicAddr(binary.BigEndian.Uint64(block[hdrPrevFirstByte:]))
	hdr.Agg.Count = binary.BigEndian.Uint32(block[hdrCountFirstByte:])
	hdr.PayloadLen = binary.BigEndian.Uint32(block[hdrPlenFirstByte:])
	if int(hdr.PayloadLen) > BlockSize-HeaderSize {
		return hdr, nil, fmt.Errorf("%w: payload length %d exceeds block", ErrBadData, hdr.PayloadLen)
	}
	hdr.Agg.TSMin = int64(binary.BigEndian.Uint64(block[hdrTSMinFirstByte:]))
	hdr.Agg.TSMax = int64(binary.BigEndian.Uint64(block[hdrTSMaxFirstByte:]))
	hdr.Agg.VMin = math.Float64frombits(binary.BigEndian.Uint64(block[hdrVMinFirstByte:]))
	hdr.Agg.VMax = math.Float64frombits(binary.BigEndian.Uint64(block[hdrVMaxFirstByte:]))
	hdr.Agg.Sum = math.Float64frombits(binary.BigEndian.Uint64(block[hdrSumFirstByte:]))
	hdr.Children = binary.BigEndian.Uint32(block[hdrChildrenFirst:])

	payload := block[HeaderSize : HeaderSize+int(hdr.PayloadLen)]
	want := binary.BigEndian.Uint64(block[hdrChecksumFirst:])
	if got := xxhash.Sum64(payload); got != want {
		return hdr, nil, fmt.Errorf("%w: checksum mismatch, got %#x want %#x", ErrBadData, got, want)
	}
	return hdr, payload, nil
}

// SubtreeRef describes one committed child node inside a superblock:
// its address plus the precomputed aggregates of its whole subtree.
type SubtreeRef struct {
	Version uint16
	Level   uint8
	ParamID ParamID
	Addr    blockstore.LogicAddr
	Agg     codec.Aggregates
}

func encodeSubtreeRef(dst []byte, ref SubtreeRef) {
	binary.BigEndian.PutUint32(dst[refCountFirstByte:], ref.Agg.Count)
	binary.BigEndian.PutUint16(dst[refVerFirstByte:], ref.Version)
	dst[refLevelFirstByte] = ref.Level
	binary.BigEndian.PutUint64(dst[refParamFirstByte:], uint64(ref.ParamID))
	binary.BigEndian.PutUint64(dst[refTSMinFirstByte:], uint64(ref.Agg.TSMin))
	binary.BigEndian.PutUint64(dst[refTSMaxFirstByte:], uint64(ref.Agg.TSMax))
	binary.BigEndian.PutUint64(dst[refAddrFirstByte:], uint64(ref.Addr))
	binary.BigEndian.PutUint64(dst[refVMinFirstByte:], math.Float64bits(ref.Agg.VMin))
	binary.BigEndian.PutUint64(dst[refVMaxFirstByte:], math.Float64bits(ref.Agg.VMax))
	binary.BigEndian.PutUint64(dst[refSumFirstByte:], math.Float64bits(ref.Agg.Sum))
}

func decodeSubtreeRef(src []byte) SubtreeRef {
	var ref SubtreeRef
	ref.Agg.Count = binary.BigEndian.Uint32(src[refCountFirstByte:])
	ref.Version = binary.BigEndian.Uint16(src[refVerFirstByte:])
	ref.Level = src[refLevelFirstByte]
	ref.ParamID = ParamID(binary.BigEndian.Uint64(src[refParamFirstByte:]))
	ref.Agg.TSMin = int64(binary.BigEndian.Uint64(src[refTSMinFirstByte:]))
	ref.Agg.TSMax = int64(binary.BigEndian.Uint64(src[refTSMaxFirstByte:]))
	ref.Addr = blockstore.LogicAddr(binary.BigEndian.Uint64(src[refAddrFirstByte:]))
	ref.Agg.VMin = math.Float64frombits(binary.BigEndian.Uint64(src[refVMinFirstByte:]))
	ref.Agg.VMax = math.Float64frombits(binary.BigEndian.Uint64(src[refVMaxFirstByte:]))
	ref.Agg.Sum = math.Float64frombits(binary.BigEndian.Uint64(src[refSumFirstByte:]))
	return ref
}

// refFromHeader rebuilds the descriptor of a committed node from its
// header alone. Headers carry full subtree aggregates for exactly this.
func refFromHeader(hdr nodeHeader, addr blockstore.LogicAddr) SubtreeRef {
	return SubtreeRef{
		Version: formatVersion,
		Level:   hdr.Level,
		ParamID: hdr.ParamID,
		Addr:    addr,
		Agg:     hdr.Agg,
	}
}

// loadHeader reads and validates the node at addr without interpreting
// the payload.
func loadHeader(bs blockstore.Store, addr blockstore.LogicAddr) (nodeHeader, error) {
	block, err := bs.ReadBlock(addr)
	if err != nil {
		if errors.Is(err, blockstore.ErrNotFound) {
			return nodeHeader{}, fmt.Errorf("%w: block %d unavailable: %v", ErrBadData, addr, err)
		}
		return nodeHeader{}, err
	}
	hdr, _, err := decodeBlock(block)
	return hdr, err
}
