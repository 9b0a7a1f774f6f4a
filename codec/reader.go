package codec

import (
	"errors"
	"fmt"
	"math"
)

// ErrTruncated is returned when the stream ends before n elements were
// decoded.
var ErrTruncated = errors.New("codec: truncated data block")

// DecodeAll decodes exactly n pairs from payload. The payload may be a
// committed block payload or the in-progress stream of a DataBlockWriter,
// in which case n must not exceed the writer's accepted count.
func DecodeAll(payload []byte, n uint32) ([]int64, []float64, error) {
	ts := make([]int64, 0, n)
	xs := make([]float64, 0, n)
	if n == 0 {
		return ts, xs, nil
	}

	r := breader{data: payload}

	var (
		prevTS    int64
		prevDelta int64
		prevBits  uint64
		leading   uint8
		trailing  uint8
	)

	first, err := r.readBits(64)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	prevTS = int64(first)
	vb, err := r.readBits(64)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	prevBits = vb
	ts = append(ts, prevTS)
	xs = append(xs, math.Float64frombits(prevBits))

	for uint32(len(ts)) < n {
		dod, err := readDoD(&r)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrTruncated, err)
		}
		prevDelta += dod
		prevTS += prevDelta

		xor, newWindow, lz, sig, err := readXor(&r, leading, trailing)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrTruncated, err)
		}
		if newWindow {
			leading = lz
			trailing = 64 - lz - sig
		}
		prevBits ^= xor

		ts = append(ts, prevTS)
		xs = append(xs, math.Float64frombits(prevBits))
	}
	return ts, xs, nil
}

func readDoD(r *breader) (int64, error) {
	b, err := r.readBit()
	if err != nil {
		return 0, err
	}
	if !b {
		return 0, nil
	}
	b, err = r.readBit()
	if err != nil {
		return 0, err
	}
	var width uint8
	if !b {
		width = 16
	} else {
		b, err = r.readBit()
		if err != nil {
			return 0, err
		}
		if !b {
			width = 32
		} else {
			width = 64
		}
	}
	uz, err := r.readBits(width)
	if err != nil {
		return 0, err
	}
	return unzigzag(uz), nil
}

// readXor returns the xor for the next value. When a new significant-bit
// window was read it also returns its leading zero count and width so the
// caller can update the decode state.
func readXor(r *breader, leading, trailing uint8) (xor uint64, newWindow bool, lz, sig uint8, err error) {
	b, err := r.readBit()
	if err != nil || !b {
		return 0, false, 0, 0, err
	}
	b, err = r.readBit()
	if err != nil {
		return 0, false, 0, 0, err
	}
	if !b {
		// previous window
		sig = 64 - leading - trailing
		v, err := r.readBits(sig)
		if err != nil {
			return 0, false, 0, 0, err
		}
		return v << trailing, false, 0, 0, nil
	}
	lzv, err := r.readBits(6)
	if err != nil {
		return 0, false, 0, 0, err
	}
	sigv, err := r.readBits(6)
	if err != nil {
		return 0, false, 0, 0, err
	}
	lz = uint8(lzv)
	sig = uint8(sigv) + 1
	v, err := r.readBits(sig)
	if err != nil {
		return 0, false, 0, 0, err
	}
	tz := 64 - lz - sig
	return v << tz, true, lz, sig, nil
}
