package nbtree

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/corvid-db/go-corvid/blockstore"
)

// ExtentsList is the ordered stack of extents making up one series' tree.
// It routes appends to the leaf extent, promotes committed nodes upward,
// serves range scans and handles open/close/recovery.
//
// An ExtentsList is single writer. Concurrent readers are only safe
// against fully committed state; the host serialises access per series.
type ExtentsList struct {
	id  ParamID
	bs  blockstore.Store
	log *zap.SugaredLogger

	extents []Extent
	// openAddrs is the persisted head list the tree was constructed with,
	// one entry per level bottom-up, EmptyAddr for levels that had
	// committed nothing.
	openAddrs []blockstore.LogicAddr

	initialized bool
	closed      bool
	closeRoots  []blockstore.LogicAddr

	lastTS  int64
	hasLast bool
	// rootsDirty is set by any commit or extent creation during the
	// current append.
	rootsDirty bool
}

// TreeOption configures an ExtentsList.
type TreeOption func(*ExtentsList)

// WithLogger attaches a logger. The default discards everything.
func WithLogger(log *zap.SugaredLogger) TreeOption {
	return func(tl *ExtentsList) {
		tl.log = log
	}
}

// NewExtentsList constructs a tree for series id over bs. addrs is the
// previously persisted head list (one address per level, bottom-up) or
// nil for a fresh tree. The tree is not initialised; ForceInit runs
// lazily on the first Append, Search or Close, or can be called
// explicitly.
func NewExtentsList(id ParamID, addrs []blockstore.LogicAddr, bs blockstore.Store, opts ...TreeOption) *ExtentsList {
	tl := &ExtentsList{
		id:        id,
		bs:        bs,
		openAddrs: append([]blockstore.LogicAddr(nil), addrs...),
		log:       zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(tl)
	}
	return tl
}

// ID returns the series id.
func (tl *ExtentsList) ID() ParamID { return tl.id }

// Append inserts one pair. The returned flag reports whether the set of
// head addresses changed, which is the host's cue to snapshot GetRoots
// for crash recovery.
func (tl *ExtentsList) Append(ts int64, value float64) (bool, error) {
	if tl.closed {
		return false, ErrClosed
	}
	if !tl.initialized {
		if err := tl.ForceInit(); err != nil {
			return false, err
		}
	}
	if tl.hasLast && ts < tl.lastTS {
		return false, ErrOutOfOrder
	}

	tl.rootsDirty = false
	leafExt := tl.extents[0].(*leafExtent)
	if err := leafExt.append(ts, value); err != nil {
		return false, err
	}
	tl.lastTS = ts
	tl.hasLast = true
	return tl.rootsDirty, nil
}

// propagate hands a freshly committed node's descriptor to the extent at
// level, growing the tree by one level when none exists yet.
func (tl *ExtentsList) propagate(ref SubtreeRef, level int) error {
	if level == len(tl.extents) {
		tl.extents = append(tl.extents, newSblockExtent(tl, uint8(level), blockstore.EmptyAddr))
		tl.rootsDirty = true
		tl.log.Debugw("tree grew a level", "id", tl.id, "level", level)
	}
	if level > len(tl.extents) {
		return fmt.Errorf("%w: promotion to level %d skips levels", ErrBadData, level)
	}
	ext, ok := tl.extents[level].(*sblockExtent)
	if !ok {
		return fmt.Errorf("%w: level %d is not a superblock extent", ErrBadData, level)
	}
	return ext.append(ref)
}

// noteCommit records a head change for roots-changed reporting.
func (tl *ExtentsList) noteCommit(level int, addr blockstore.LogicAddr, nelements uint32) {
	tl.rootsDirty = true
	tl.log.Debugw("node committed",
		"id", tl.id, "level", level, "addr", addr, "nelements", nelements)
}

// GetRoots returns the current head addresses bottom-up, with EmptyAddr
// for levels that have committed nothing. After Close it returns the
// close output.
func (tl *ExtentsList) GetRoots() []blockstore.LogicAddr {
	if tl.closed {
		return append([]blockstore.LogicAddr(nil), tl.closeRoots...)
	}
	if !tl.initialized {
		return append([]blockstore.LogicAddr(nil), tl.openAddrs...)
	}
	roots := make([]blockstore.LogicAddr, len(tl.extents))
	for i, ext := range tl.extents {
		roots[i] = ext.HeadAddr()
	}
	return roots
}

// GetExtents exposes the extents for consistency checking, bottom-up.
func (tl *ExtentsList) GetExtents() []Extent {
	return append([]Extent(nil), tl.extents...)
}

// Close flushes every pending builder bottom-up and returns the final
// head list. Only the last entry is a real address: the final root covers
// the entire tree, so a cleanly closed tree reopens from it alone.
// Further appends are rejected with ErrClosed.
func (tl *ExtentsList) Close() ([]blockstore.LogicAddr, error) {
	if tl.closed {
		return nil, ErrClosed
	}
	if !tl.initialized {
		if err := tl.ForceInit(); err != nil {
			return nil, err
		}
	}

	var topAddr = blockstore.EmptyAddr
	for i := 0; i < len(tl.extents); i++ {
		ext := tl.extents[i]
		top := i == len(tl.extents)-1
		restored := ext.unpromotedAddr() != blockstore.EmptyAddr

		if top {
			if ext.BuilderCount() == 0 {
				// Nothing new at the top; a restored root (or the last
				// committed head) stays the root.
				topAddr = ext.HeadAddr()
				break
			}
			if !restored {
				ref, _, err := ext.closeCommit()
				if err != nil {
					return nil, err
				}
				topAddr = ref.Addr
				break
			}
			// A restored root plus new data: both must end up under a
			// common parent, so flush through the normal promotion path
			// and let the loop finish at the grown level.
		}

		if restored {
			if err := ext.promoteRestored(); err != nil {
				return nil, err
			}
		}
		ref, ok, err := ext.closeCommit()
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if err := tl.propagate(ref, i+1); err != nil {
			return nil, err
		}
	}

	roots := make([]blockstore.LogicAddr, len(tl.extents))
	for i := range roots {
		roots[i] = blockstore.EmptyAddr
	}
	if len(roots) > 0 {
		roots[len(roots)-1] = topAddr
	}
	tl.closed = true
	tl.closeRoots = roots
	tl.log.Infow("tree closed", "id", tl.id, "levels", len(roots), "root", topAddr)
	return append([]blockstore.LogicAddr(nil), roots...), nil
}

// ReadAll drains the uncommitted level-0 builder.
func (tl *ExtentsList) ReadAll() ([]int64, []float64, error) {
	if !tl.initialized || tl.closed {
		return nil, nil, nil
	}
	leafExt := tl.extents[0].(*leafExtent)
	if leafExt.leaf.Count() == 0 {
		return nil, nil, nil
	}
	return leafExt.leaf.ReadAll(0)
}
