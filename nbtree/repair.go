package nbtree

import (
	"fmt"

	"github.com/corvid-db/go-corvid/blockstore"
	"github.com/corvid-db/go-corvid/codec"
)

// RepairStatus classifies a persisted head list.
type RepairStatus int

const (
	// RepairStatusOK marks the output of a clean Close (or a fresh tree):
	// at most one entry is a real address and it is the last one.
	RepairStatusOK RepairStatus = iota
	// RepairStatusRepair marks a crash-time snapshot: the top extent had
	// not committed, so the list ends with an EmptyAddr entry and lost
	// promotions must be rebuilt on open.
	RepairStatusRepair
	// RepairStatusBroken marks a list no legal write sequence produces.
	RepairStatusBroken
)

func (s RepairStatus) String() string {
	switch s {
	case RepairStatusOK:
		return "OK"
	case RepairStatusRepair:
		return "REPAIR"
	case RepairStatusBroken:
		return "BROKEN"
	}
	return fmt.Sprintf("RepairStatus(%d)", int(s))
}

// RepairStatusOf classifies addrs without touching the block store.
//
// A clean Close leaves exactly one committed root, in the last slot. A
// mid-fill snapshot always ends with an empty slot: a commit at the top
// level immediately grows a new, uncommitted level above it. Anything
// else is inconsistent.
func RepairStatusOf(addrs []blockstore.LogicAddr) RepairStatus {
	nonEmpty := 0
	for _, a := range addrs {
		if a != blockstore.EmptyAddr {
			nonEmpty++
		}
	}
	if nonEmpty == 0 {
		return RepairStatusOK
	}
	if addrs[len(addrs)-1] == blockstore.EmptyAddr {
		return RepairStatusRepair
	}
	if nonEmpty == 1 {
		return RepairStatusOK
	}
	return RepairStatusBroken
}

// ForceInit rehydrates the extents from the head list the tree was
// constructed with. It runs lazily on the first Append, Search or Close;
// calling it explicitly surfaces open errors up front. For a crash-time
// snapshot it rebuilds the promotions that were lost in open builders:
// committed nodes not covered by any parent descriptor are re-promoted
// from their headers, oldest first. Pairs that never reached a committed
// leaf are gone.
func (tl *ExtentsList) ForceInit() error {
	if tl.initialized {
		return nil
	}
	if tl.closed {
		return ErrClosed
	}
	if tl.bs.BlockSize() != BlockSize {
		return fmt.Errorf("%w: store block size %d, tree needs %d",
			ErrBadAddrList, tl.bs.BlockSize(), BlockSize)
	}

	addrs := tl.openAddrs
	status := RepairStatusOf(addrs)
	if status == RepairStatusBroken {
		return fmt.Errorf("%w: %v", ErrBadAddrList, addrs)
	}

	if len(addrs) == 0 {
		tl.extents = []Extent{newLeafExtent(tl, blockstore.EmptyAddr)}
		tl.initialized = true
		return nil
	}

	tl.extents = make([]Extent, len(addrs))
	for i, addr := range addrs {
		if i == 0 {
			tl.extents[i] = newLeafExtent(tl, addr)
		} else {
			tl.extents[i] = newSblockExtent(tl, uint8(i), addr)
		}
	}

	// Validate every committed head before trusting the list.
	for i, addr := range addrs {
		if addr == blockstore.EmptyAddr {
			continue
		}
		hdr, err := loadHeader(tl.bs, addr)
		if err != nil {
			return err
		}
		if int(hdr.Level) != i {
			return fmt.Errorf("%w: head %d has level %d, want %d", ErrBadData, addr, hdr.Level, i)
		}
		wantKind := kindInner
		if i == 0 {
			wantKind = kindLeaf
		}
		if hdr.Kind != wantKind {
			return fmt.Errorf("%w: head %d has wrong node kind", ErrBadData, addr)
		}
		if hdr.ParamID != tl.id {
			return fmt.Errorf("%w: head %d belongs to series %d, want %d", ErrBadData, addr, hdr.ParamID, tl.id)
		}
		if !tl.hasLast || hdr.Agg.TSMax > tl.lastTS {
			tl.lastTS = hdr.Agg.TSMax
		}
		tl.hasLast = true
	}

	tl.initialized = true

	if status == RepairStatusOK {
		// A single restored root with no parent descriptor anywhere:
		// scans visit it directly and the first promotion at its level
		// re-homes it.
		top := tl.extents[len(tl.extents)-1]
		if head := top.HeadAddr(); head != blockstore.EmptyAddr {
			switch e := top.(type) {
			case *leafExtent:
				e.unpromoted = head
			case *sblockExtent:
				e.unpromoted = head
			}
		}
		return nil
	}

	tl.log.Infow("rebuilding lost promotions", "id", tl.id, "roots", addrs)
	return tl.rebuildPromotions(addrs)
}

// rebuildPromotions restores invariant coverage after a crash: for each
// level, every committed node newer than the last child of the level
// above is re-promoted into the (fresh) parent builder, oldest first.
// Levels are processed top-down so re-promotions land ahead of any
// cascade commits from lower levels.
func (tl *ExtentsList) rebuildPromotions(addrs []blockstore.LogicAddr) error {
	for i := len(addrs) - 2; i >= 0; i-- {
		head := addrs[i]
		if head == blockstore.EmptyAddr {
			continue
		}

		boundary := blockstore.EmptyAddr
		if addrs[i+1] != blockstore.EmptyAddr {
			parent, err := LoadSuperblock(tl.bs, addrs[i+1])
			if err != nil {
				return err
			}
			children := parent.Children()
			boundary = children[len(children)-1].Addr
		}

		var refs []SubtreeRef
		for a := head; a != blockstore.EmptyAddr && a != boundary; {
			if boundary != blockstore.EmptyAddr && a < boundary {
				return fmt.Errorf("%w: level %d chain walked past parent coverage", ErrBadAddrList, i)
			}
			hdr, err := loadHeader(tl.bs, a)
			if err != nil {
				return err
			}
			if int(hdr.Level) != i {
				return fmt.Errorf("%w: chain node %d at level %d, want %d", ErrBadData, a, hdr.Level, i)
			}
			refs = append(refs, refFromHeader(hdr, a))
			a = hdr.Prev
		}

		// The walk collected newest first; promote oldest first.
		for j := len(refs) - 1; j >= 0; j-- {
			if err := tl.propagate(refs[j], i+1); err != nil {
				return err
			}
		}
		if len(refs) > 0 {
			tl.log.Debugw("re-promoted committed nodes",
				"id", tl.id, "level", i, "count", len(refs))
		}
	}
	return nil
}

// CheckExtent verifies the invariants of one extent's committed chain:
// every node reachable through prev links decodes cleanly, chains are
// strictly linear, and every child descriptor's aggregates equal its
// subtree's recomputed aggregates.
func CheckExtent(ext Extent, bs blockstore.Store, level int) error {
	if ext.Level() != level {
		return fmt.Errorf("%w: extent level %d, want %d", ErrBadData, ext.Level(), level)
	}
	for addr := ext.HeadAddr(); addr != blockstore.EmptyAddr; {
		hdr, err := loadHeader(bs, addr)
		if err != nil {
			return err
		}
		if int(hdr.Level) != level {
			return fmt.Errorf("%w: chain node %d has level %d, want %d", ErrBadData, addr, hdr.Level, level)
		}
		if err := checkSubtree(bs, refFromHeader(hdr, addr)); err != nil {
			return err
		}
		// Monotonic allocation makes prev < addr; anything else is a
		// cycle or a forward link.
		if hdr.Prev != blockstore.EmptyAddr && hdr.Prev >= addr {
			return fmt.Errorf("%w: chain at %d links forward to %d", ErrBadData, addr, hdr.Prev)
		}
		addr = hdr.Prev
	}
	return nil
}

// checkSubtree recomputes a subtree's aggregates from its blocks and
// compares them to the descriptor.
func checkSubtree(bs blockstore.Store, ref SubtreeRef) error {
	if ref.Level == 0 {
		leaf, err := LoadLeaf(bs, ref.Addr, FullPageLoad)
		if err != nil {
			return err
		}
		ts, xs, err := leaf.ReadAll(0)
		if err != nil {
			return err
		}
		var agg codec.Aggregates
		for i := range ts {
			if i > 0 && ts[i] < ts[i-1] {
				return fmt.Errorf("%w: leaf %d timestamps out of order", ErrBadData, ref.Addr)
			}
			agg = addToAgg(agg, ts[i], xs[i])
		}
		if agg != ref.Agg {
			return fmt.Errorf("%w: leaf %d aggregates %+v do not match descriptor %+v",
				ErrBadData, ref.Addr, agg, ref.Agg)
		}
		return nil
	}

	sb, err := LoadSuperblock(bs, ref.Addr)
	if err != nil {
		return err
	}
	if sb.Level() != ref.Level {
		return fmt.Errorf("%w: node %d has level %d, descriptor says %d",
			ErrBadData, ref.Addr, sb.Level(), ref.Level)
	}
	var agg codec.Aggregates
	children := sb.Children()
	for i, child := range children {
		if child.Level+1 != ref.Level {
			return fmt.Errorf("%w: superblock %d child %d has level %d",
				ErrBadData, ref.Addr, i, child.Level)
		}
		if i > 0 && child.Agg.TSMin < children[i-1].Agg.TSMax {
			return fmt.Errorf("%w: superblock %d children not time ordered at %d",
				ErrBadData, ref.Addr, i)
		}
		if err := checkSubtree(bs, child); err != nil {
			return err
		}
		agg.Merge(child.Agg)
	}
	if agg != ref.Agg {
		return fmt.Errorf("%w: superblock %d aggregates %+v do not match descriptor %+v",
			ErrBadData, ref.Addr, agg, ref.Agg)
	}
	return nil
}

func addToAgg(agg codec.Aggregates, ts int64, v float64) codec.Aggregates {
	agg.Merge(codec.Aggregates{Count: 1, TSMin: ts, TSMax: ts, VMin: v, VMax: v, Sum: v})
	return agg
}
