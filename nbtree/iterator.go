package nbtree

import (
	"sort"

	"github.com/corvid-db/go-corvid/blockstore"
	"github.com/corvid-db/go-corvid/codec"
)

// Direction of a range scan.
type Direction int

const (
	// FWD yields pairs in increasing timestamp order.
	FWD Direction = iota
	// BWD yields pairs in decreasing timestamp order.
	BWD
)

type scanSourceKind int

const (
	// srcChain visits a committed chain head directly (a restored root
	// that no parent descriptor covers).
	srcChain scanSourceKind = iota
	// srcRefs visits the child descriptors of an open superblock builder.
	srcRefs
	// srcOpenLeaf drains the open level-0 builder through the codec's
	// size-override path.
	srcOpenLeaf
)

type scanSource struct {
	kind  scanSourceKind
	addr  blockstore.LogicAddr
	refs  []SubtreeRef
	leaf  *Leaf
	count uint32
}

// Iterator is a chunked range scan over one tree. Successive Read calls
// produce a single time-ordered sequence (non-decreasing FWD,
// non-increasing BWD; pairs with equal timestamps keep their append order)
// in which every stored pair in range appears exactly once; ErrNoData
// marks exhaustion.
type Iterator struct {
	bs  blockstore.Store
	dir Direction
	// normalized semi-open interval: a pair is in range iff lo <= ts < hi.
	lo, hi int64

	sources []scanSource
	si      int

	// chain holds the expanded prev chain of the current srcChain source,
	// in emission order.
	chain    []blockstore.LogicAddr
	chainPos int

	// frames is the descent stack through committed superblocks; each
	// frame's refs are already in emission order.
	frames []scanFrame

	bufTS  []int64
	bufV   []float64
	bufPos int

	done bool
	err  error
}

type scanFrame struct {
	refs []SubtreeRef
	idx  int
}

// Search composes a range scan. The interval is semi-open: start is
// included, stop is excluded. start < stop scans forward, start > stop
// scans backward, start == stop is empty. The scan observes the
// uncommitted level-0 builder, so a writer sees its own latest appends.
func (tl *ExtentsList) Search(start, stop int64) (*Iterator, error) {
	if !tl.initialized && !tl.closed {
		if err := tl.ForceInit(); err != nil {
			return nil, err
		}
	}

	it := &Iterator{bs: tl.bs}
	switch {
	case start < stop:
		it.dir = FWD
		it.lo, it.hi = start, stop
	case start > stop:
		it.dir = BWD
		it.lo, it.hi = stop+1, start+1
	default:
		it.done = true
		return it, nil
	}

	if tl.closed {
		// A closed tree is reachable through its final root alone; the
		// builders are spent and their contents committed.
		if n := len(tl.closeRoots); n > 0 && tl.closeRoots[n-1] != blockstore.EmptyAddr {
			it.sources = []scanSource{{kind: srcChain, addr: tl.closeRoots[n-1]}}
		}
		if it.dir == BWD {
			reverseSources(it.sources)
		}
		return it, nil
	}

	// Forward emission order: restored roots top-down (they hold the
	// oldest data), then open builders top-down, ending with the open
	// leaf. Backward is the exact reverse.
	var fwd []scanSource
	for i := len(tl.extents) - 1; i >= 0; i-- {
		if a := tl.extents[i].unpromotedAddr(); a != blockstore.EmptyAddr {
			fwd = append(fwd, scanSource{kind: srcChain, addr: a})
		}
	}
	for i := len(tl.extents) - 1; i >= 0; i-- {
		ext := tl.extents[i]
		src, ok := ext.builderSource()
		if !ok {
			continue
		}
		if !it.overlaps(builderAggregates(ext)) {
			continue
		}
		fwd = append(fwd, src)
	}
	it.sources = fwd
	if it.dir == BWD {
		reverseSources(it.sources)
	}
	return it, nil
}

func reverseSources(s []scanSource) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func (it *Iterator) overlaps(agg codec.Aggregates) bool {
	if agg.Count == 0 {
		return false
	}
	return agg.TSMax >= it.lo && agg.TSMin < it.hi
}

// Read copies the next chunk into ts and xs, up to min(len(ts), len(xs))
// pairs. It returns the number copied; ErrNoData reports exhaustion and
// may accompany a final non-empty chunk. A (0, nil) return never happens
// with non-empty buffers.
func (it *Iterator) Read(ts []int64, xs []float64) (int, error) {
	n := len(ts)
	if len(xs) < n {
		n = len(xs)
	}
	k := 0
	for k < n {
		if it.bufPos >= len(it.bufTS) {
			if err := it.advance(); err != nil {
				return k, err
			}
			if it.done {
				return k, ErrNoData
			}
			continue
		}
		m := copy(ts[k:n], it.bufTS[it.bufPos:])
		copy(xs[k:n], it.bufV[it.bufPos:it.bufPos+m])
		it.bufPos += m
		k += m
	}
	return k, nil
}

// advance decodes the next in-range leaf into the buffer, or marks the
// iterator done.
func (it *Iterator) advance() error {
	if it.err != nil {
		return it.err
	}
	for {
		if it.done {
			return nil
		}

		// Descend through the current superblock stack first.
		if len(it.frames) > 0 {
			f := &it.frames[len(it.frames)-1]
			if f.idx >= len(f.refs) {
				it.frames = it.frames[:len(it.frames)-1]
				continue
			}
			ref := f.refs[f.idx]
			f.idx++
			if !it.overlaps(ref.Agg) {
				continue
			}
			if err := it.descend(ref.Addr, ref.Level); err != nil {
				it.err = err
				return err
			}
			if it.bufPos < len(it.bufTS) {
				return nil
			}
			continue
		}

		// Then the rest of the current chain.
		if it.chainPos < len(it.chain) {
			addr := it.chain[it.chainPos]
			it.chainPos++
			hdr, err := loadHeader(it.bs, addr)
			if err != nil {
				it.err = err
				return err
			}
			if err := it.descend(addr, hdr.Level); err != nil {
				it.err = err
				return err
			}
			if it.bufPos < len(it.bufTS) {
				return nil
			}
			continue
		}

		// Then the next source.
		if it.si >= len(it.sources) {
			it.done = true
			return nil
		}
		src := it.sources[it.si]
		it.si++
		switch src.kind {
		case srcOpenLeaf:
			ts, xs, err := src.leaf.ReadAll(src.count)
			if err != nil {
				it.err = err
				return err
			}
			it.buffer(ts, xs)
			if it.bufPos < len(it.bufTS) {
				return nil
			}
		case srcRefs:
			refs := src.refs
			if it.dir == BWD {
				refs = reversedRefs(refs)
			}
			it.frames = append(it.frames, scanFrame{refs: refs})
		case srcChain:
			if err := it.expandChain(src.addr); err != nil {
				it.err = err
				return err
			}
		}
	}
}

// expandChain walks the prev links from head and queues the chain nodes
// in emission order.
func (it *Iterator) expandChain(head blockstore.LogicAddr) error {
	var addrs []blockstore.LogicAddr
	for a := head; a != blockstore.EmptyAddr; {
		hdr, err := loadHeader(it.bs, a)
		if err != nil {
			return err
		}
		if it.overlaps(hdr.Agg) {
			addrs = append(addrs, a)
		}
		a = hdr.Prev
	}
	// The walk yields newest first.
	if it.dir == FWD {
		for i, j := 0, len(addrs)-1; i < j; i, j = i+1, j-1 {
			addrs[i], addrs[j] = addrs[j], addrs[i]
		}
	}
	it.chain = addrs
	it.chainPos = 0
	return nil
}

// descend resolves one committed node: a leaf is decoded into the buffer,
// a superblock pushes a descent frame.
func (it *Iterator) descend(addr blockstore.LogicAddr, level uint8) error {
	if level == 0 {
		leaf, err := LoadLeaf(it.bs, addr, FullPageLoad)
		if err != nil {
			return err
		}
		ts, xs, err := leaf.ReadAll(0)
		if err != nil {
			return err
		}
		it.buffer(ts, xs)
		return nil
	}
	sb, err := LoadSuperblock(it.bs, addr)
	if err != nil {
		return err
	}
	refs := sb.Children()
	if it.dir == BWD {
		refs = reversedRefs(refs)
	} else {
		refs = append([]SubtreeRef(nil), refs...)
	}
	it.frames = append(it.frames, scanFrame{refs: refs})
	return nil
}

// buffer filters decoded pairs to the interval and orders them for
// emission.
func (it *Iterator) buffer(ts []int64, xs []float64) {
	i := sort.Search(len(ts), func(i int) bool { return ts[i] >= it.lo })
	j := sort.Search(len(ts), func(i int) bool { return ts[i] >= it.hi })
	ts, xs = ts[i:j], xs[i:j]
	if it.dir == BWD {
		rts := make([]int64, len(ts))
		rxs := make([]float64, len(xs))
		for k := range ts {
			rts[len(ts)-1-k] = ts[k]
			rxs[len(xs)-1-k] = xs[k]
		}
		ts, xs = rts, rxs
	}
	it.bufTS, it.bufV, it.bufPos = ts, xs, 0
}

func reversedRefs(refs []SubtreeRef) []SubtreeRef {
	out := make([]SubtreeRef, len(refs))
	for i, r := range refs {
		out[len(refs)-1-i] = r
	}
	return out
}
