package nbtree

import (
	"errors"

	"github.com/corvid-db/go-corvid/blockstore"
	"github.com/corvid-db/go-corvid/codec"
)

// Extent is the per-level state of a tree: the currently open builder and
// the head of this level's backward chain. Extents are owned by their
// ExtentsList; the interface exposes just enough for consistency
// checking.
type Extent interface {
	// Level of this extent; 0 is the leaf level.
	Level() int
	// HeadAddr is the most recently committed node at this level, or
	// EmptyAddr.
	HeadAddr() blockstore.LogicAddr
	// BuilderCount is the number of entries in the open builder: pairs at
	// level 0, child descriptors above.
	BuilderCount() int

	// unpromotedAddr is a committed head with no parent descriptor (a
	// root restored from a cleanly closed tree), or EmptyAddr.
	unpromotedAddr() blockstore.LogicAddr
	// builderSource returns the scan source for the open builder; ok is
	// false when the builder is empty.
	builderSource() (scanSource, bool)
	// closeCommit commits the open builder if non-empty and returns its
	// descriptor. ok is false when there was nothing to commit.
	closeCommit() (ref SubtreeRef, ok bool, err error)
	// promoteRestored pushes a restored root's descriptor to the parent
	// level and clears it. No-op without one.
	promoteRestored() error
}

// leafExtent owns the level-0 chain and the open leaf builder.
type leafExtent struct {
	tree *ExtentsList
	leaf *Leaf
	head blockstore.LogicAddr
	// unpromoted is a committed head restored from a cleanly closed tree.
	// It has no parent descriptor anywhere, so scans must visit it
	// directly.
	unpromoted blockstore.LogicAddr
}

func newLeafExtent(tree *ExtentsList, head blockstore.LogicAddr) *leafExtent {
	return &leafExtent{
		tree:       tree,
		leaf:       NewLeaf(tree.id, head),
		head:       head,
		unpromoted: blockstore.EmptyAddr,
	}
}

func (e *leafExtent) Level() int                     { return 0 }
func (e *leafExtent) HeadAddr() blockstore.LogicAddr { return e.head }
func (e *leafExtent) BuilderCount() int              { return int(e.leaf.Count()) }

// append stores one pair, committing and promoting the open leaf when it
// fills.
func (e *leafExtent) append(ts int64, value float64) error {
	err := e.leaf.Append(ts, value)
	if !errors.Is(err, errNodeFull) {
		return err
	}

	ref, err := e.commitOpen()
	if err != nil {
		return err
	}
	if err := e.promoteRestored(); err != nil {
		return err
	}
	if err := e.tree.propagate(ref, 1); err != nil {
		return err
	}
	return e.leaf.Append(ts, value)
}

// promoteRestored pushes a restored root's descriptor upward before any
// newer commit at this level reaches the parent, so the old root keeps
// its place in time order.
func (e *leafExtent) promoteRestored() error {
	if e.unpromoted == blockstore.EmptyAddr {
		return nil
	}
	hdr, err := loadHeader(e.tree.bs, e.unpromoted)
	if err != nil {
		return err
	}
	ref := refFromHeader(hdr, e.unpromoted)
	e.unpromoted = blockstore.EmptyAddr
	return e.tree.propagate(ref, 1)
}

// commitOpen commits the open leaf, advances the chain head and starts a
// fresh builder linked to it.
func (e *leafExtent) commitOpen() (SubtreeRef, error) {
	agg := e.leaf.Aggregates()
	addr, err := e.leaf.Commit(e.tree.bs)
	if err != nil {
		return SubtreeRef{}, err
	}
	e.head = addr
	e.leaf = NewLeaf(e.tree.id, addr)
	e.tree.noteCommit(0, addr, agg.Count)
	return SubtreeRef{
		Version: formatVersion,
		Level:   0,
		ParamID: e.tree.id,
		Addr:    addr,
		Agg:     agg,
	}, nil
}

func (e *leafExtent) closeCommit() (SubtreeRef, bool, error) {
	if e.leaf.Count() == 0 {
		return SubtreeRef{}, false, nil
	}
	ref, err := e.commitOpen()
	return ref, err == nil, err
}

func (e *leafExtent) unpromotedAddr() blockstore.LogicAddr { return e.unpromoted }

func (e *leafExtent) builderSource() (scanSource, bool) {
	if e.leaf.Count() == 0 {
		return scanSource{}, false
	}
	return scanSource{kind: srcOpenLeaf, leaf: e.leaf, count: e.leaf.Count()}, true
}

// sblockExtent owns one level >= 1 of the necklace.
type sblockExtent struct {
	tree       *ExtentsList
	level      uint8
	sb         *Superblock
	head       blockstore.LogicAddr
	unpromoted blockstore.LogicAddr
}

func newSblockExtent(tree *ExtentsList, level uint8, head blockstore.LogicAddr) *sblockExtent {
	return &sblockExtent{
		tree:       tree,
		level:      level,
		sb:         NewSuperblock(tree.id, level, head),
		head:       head,
		unpromoted: blockstore.EmptyAddr,
	}
}

func (e *sblockExtent) Level() int                     { return int(e.level) }
func (e *sblockExtent) HeadAddr() blockstore.LogicAddr { return e.head }
func (e *sblockExtent) BuilderCount() int              { return e.sb.Count() }

// append stores one child descriptor, committing and promoting the open
// superblock when it already holds K children.
func (e *sblockExtent) append(ref SubtreeRef) error {
	err := e.sb.Append(ref)
	if !errors.Is(err, errNodeFull) {
		return err
	}

	parentRef, err := e.commitOpen()
	if err != nil {
		return err
	}
	if err := e.promoteRestored(); err != nil {
		return err
	}
	if err := e.tree.propagate(parentRef, int(e.level)+1); err != nil {
		return err
	}
	return e.sb.Append(ref)
}

func (e *sblockExtent) promoteRestored() error {
	if e.unpromoted == blockstore.EmptyAddr {
		return nil
	}
	hdr, err := loadHeader(e.tree.bs, e.unpromoted)
	if err != nil {
		return err
	}
	ref := refFromHeader(hdr, e.unpromoted)
	e.unpromoted = blockstore.EmptyAddr
	return e.tree.propagate(ref, int(e.level)+1)
}

func (e *sblockExtent) commitOpen() (SubtreeRef, error) {
	agg := e.sb.Aggregates()
	addr, err := e.sb.Commit(e.tree.bs)
	if err != nil {
		return SubtreeRef{}, err
	}
	e.head = addr
	e.sb = NewSuperblock(e.tree.id, e.level, addr)
	e.tree.noteCommit(int(e.level), addr, agg.Count)
	return SubtreeRef{
		Version: formatVersion,
		Level:   e.level,
		ParamID: e.tree.id,
		Addr:    addr,
		Agg:     agg,
	}, nil
}

func (e *sblockExtent) closeCommit() (SubtreeRef, bool, error) {
	if e.sb.Count() == 0 {
		return SubtreeRef{}, false, nil
	}
	ref, err := e.commitOpen()
	return ref, err == nil, err
}

func (e *sblockExtent) unpromotedAddr() blockstore.LogicAddr { return e.unpromoted }

func (e *sblockExtent) builderSource() (scanSource, bool) {
	if e.sb.Count() == 0 {
		return scanSource{}, false
	}
	refs := make([]SubtreeRef, e.sb.Count())
	copy(refs, e.sb.Children())
	return scanSource{kind: srcRefs, refs: refs}, true
}

// builderAggregates returns the roll-up of an extent's open builder, used
// by scans to prune.
func builderAggregates(ext Extent) codec.Aggregates {
	switch e := ext.(type) {
	case *leafExtent:
		return e.leaf.Aggregates()
	case *sblockExtent:
		return e.sb.Aggregates()
	}
	return codec.Aggregates{}
}
