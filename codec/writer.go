// Package codec compresses runs of (timestamp, value) pairs into the payload
// of a single storage block. Timestamps are delta-of-delta encoded and
// values are XOR (Gorilla) encoded, the usual pairing for numeric series
// where stamps arrive at a near-constant cadence and consecutive values
// share most of their float bits.
//
// The writer is capacity bounded: Put reports ErrBlockFull instead of
// growing past the block budget, and the caller is expected to commit the
// block and start a new one. The in-progress stream stays readable at any
// element count via DecodeAll, which is how an open block is merged into
// scans before it is committed.
package codec

import (
	"errors"
	"math"
	"math/bits"
)

var (
	// ErrBlockFull is returned by Put when encoding the pair could exceed
	// the block budget. The pair is not written.
	ErrBlockFull = errors.New("codec: data block is full")
	// ErrOutOfOrder is returned by Put when the timestamp is less than the
	// last accepted timestamp. Equal timestamps are accepted.
	ErrOutOfOrder = errors.New("codec: timestamp out of order")
	// ErrCommitted is returned by Put after Commit.
	ErrCommitted = errors.New("codec: writer already committed")
)

// Worst-case encoded sizes, used to decide fullness before writing.
// A timestamp costs at most 3 selector bits + 64 payload bits, a value at
// most 2 selector + 12 window + 64 payload bits.
const (
	maxPairBits   = (3 + 64) + (2 + 12 + 64)
	firstPairBits = 64 + 64
)

// Aggregates accumulates the per-block roll-up stored in node headers and
// child descriptors.
type Aggregates struct {
	Count uint32
	TSMin int64
	TSMax int64
	VMin  float64
	VMax  float64
	Sum   float64
}

func (a *Aggregates) add(ts int64, v float64) {
	if a.Count == 0 {
		a.TSMin = ts
		a.VMin = v
		a.VMax = v
	} else {
		if v < a.VMin {
			a.VMin = v
		}
		if v > a.VMax {
			a.VMax = v
		}
	}
	a.TSMax = ts
	a.Sum += v
	a.Count++
}

// Merge folds other into a. Aggregates merge associatively, which is what
// lets a parent descriptor be rebuilt from child headers during recovery.
func (a *Aggregates) Merge(other Aggregates) {
	if other.Count == 0 {
		return
	}
	if a.Count == 0 {
		*a = other
		return
	}
	if other.TSMin < a.TSMin {
		a.TSMin = other.TSMin
	}
	if other.TSMax > a.TSMax {
		a.TSMax = other.TSMax
	}
	if other.VMin < a.VMin {
		a.VMin = other.VMin
	}
	if other.VMax > a.VMax {
		a.VMax = other.VMax
	}
	a.Sum += other.Sum
	a.Count += other.Count
}

// DataBlockWriter encodes one series' pairs into a bounded payload.
type DataBlockWriter struct {
	id       uint64
	bs       bstream
	capBits  int
	agg      Aggregates
	committed bool

	prevTS    int64
	prevDelta int64
	prevBits  uint64
	// leading/trailing describe the current significant-bit window for the
	// value stream. leading is 0xff until the first window is opened.
	leading  uint8
	trailing uint8
}

// NewDataBlockWriter returns a writer for series id bounded to capacity
// payload bytes.
func NewDataBlockWriter(id uint64, capacity int) *DataBlockWriter {
	return &DataBlockWriter{
		id:      id,
		capBits: capacity * 8,
		leading: 0xff,
	}
}

// Count returns the number of accepted pairs.
func (w *DataBlockWriter) Count() uint32 { return w.agg.Count }

// Aggregates returns the roll-up of all accepted pairs. Only meaningful
// when Count() > 0.
func (w *DataBlockWriter) Aggregates() Aggregates { return w.agg }

// Bytes returns the encoded stream so far. The slice aliases the writer's
// buffer and must not be modified; it remains decodable for exactly
// Count() elements.
func (w *DataBlockWriter) Bytes() []byte { return w.bs.stream }

// Put encodes one pair. Timestamps must be monotone non-decreasing.
func (w *DataBlockWriter) Put(ts int64, value float64) error {
	if w.committed {
		return ErrCommitted
	}
	if w.agg.Count > 0 && ts < w.prevTS {
		return ErrOutOfOrder
	}
	need := maxPairBits
	if w.agg.Count == 0 {
		need = firstPairBits
	}
	if w.bs.bitLen()+need > w.capBits {
		return ErrBlockFull
	}

	w.putTimestamp(ts)
	w.putValue(value)
	w.agg.add(ts, value)
	return nil
}

// Commit finalises the stream and returns the payload with its aggregates.
// The writer is spent afterwards.
func (w *DataBlockWriter) Commit() ([]byte, Aggregates) {
	w.committed = true
	return w.bs.stream, w.agg
}

func (w *DataBlockWriter) putTimestamp(ts int64) {
	if w.agg.Count == 0 {
		w.bs.writeBits(uint64(ts), 64)
		w.prevTS = ts
		w.prevDelta = 0
		return
	}
	delta := ts - w.prevTS
	dod := delta - w.prevDelta
	uz := zigzag(dod)
	switch {
	case uz == 0:
		w.bs.writeBit(false)
	case uz < 1<<16:
		w.bs.writeBits(0b10, 2)
		w.bs.writeBits(uz, 16)
	case uz < 1<<32:
		w.bs.writeBits(0b110, 3)
		w.bs.writeBits(uz, 32)
	default:
		w.bs.writeBits(0b111, 3)
		w.bs.writeBits(uz, 64)
	}
	w.prevTS = ts
	w.prevDelta = delta
}

func (w *DataBlockWriter) putValue(value float64) {
	vb := math.Float64bits(value)
	if w.agg.Count == 0 {
		w.bs.writeBits(vb, 64)
		w.prevBits = vb
		return
	}
	xor := vb ^ w.prevBits
	w.prevBits = vb
	if xor == 0 {
		w.bs.writeBit(false)
		return
	}
	w.bs.writeBit(true)
	lz := uint8(bits.LeadingZeros64(xor))
	tz := uint8(bits.TrailingZeros64(xor))
	if w.leading != 0xff && lz >= w.leading && tz >= w.trailing {
		w.bs.writeBit(false)
		sig := 64 - w.leading - w.trailing
		w.bs.writeBits(xor>>w.trailing, sig)
		return
	}
	w.leading = lz
	w.trailing = tz
	sig := 64 - lz - tz
	w.bs.writeBit(true)
	w.bs.writeBits(uint64(lz), 6)
	w.bs.writeBits(uint64(sig-1), 6)
	w.bs.writeBits(xor>>tz, sig)
}

func zigzag(v int64) uint64 {
	return uint64(v<<1) ^ uint64(v>>63)
}

func unzigzag(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}
