package nbtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-db/go-corvid/blockstore"
)

func TestRepairStatusOf(t *testing.T) {
	e := blockstore.EmptyAddr
	cases := []struct {
		name  string
		addrs []blockstore.LogicAddr
		want  RepairStatus
	}{
		{"empty list", nil, RepairStatusOK},
		{"all empty", []blockstore.LogicAddr{e}, RepairStatusOK},
		{"single root", []blockstore.LogicAddr{7}, RepairStatusOK},
		{"closed two levels", []blockstore.LogicAddr{e, 9}, RepairStatusOK},
		{"closed three levels", []blockstore.LogicAddr{e, e, 9}, RepairStatusOK},
		{"mid fill", []blockstore.LogicAddr{5, e}, RepairStatusRepair},
		{"mid fill deep", []blockstore.LogicAddr{12, 9, e}, RepairStatusRepair},
		{"two roots", []blockstore.LogicAddr{5, 9}, RepairStatusBroken},
		{"hole below root", []blockstore.LogicAddr{5, e, 9}, RepairStatusBroken},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, RepairStatusOf(tc.addrs), tc.name)
	}
}

func checkAllExtents(t *testing.T, tl *ExtentsList, bs blockstore.Store) {
	t.Helper()
	for i, ext := range tl.GetExtents() {
		require.NoError(t, CheckExtent(ext, bs, i), "extent level %d", i)
	}
}

// TestTreeReopenClean closes a tree, reopens it from the close output and
// expects every pair back.
func TestTreeReopenClean(t *testing.T) {
	for _, nleaves := range []int{1, 2, 33, 65} {
		bs := blockstore.NewMemStore()
		tl := NewExtentsList(42, nil, bs)
		nitems, _ := appendUntilLeaves(t, tl, nleaves)

		roots, err := tl.Close()
		require.NoError(t, err)
		require.Equal(t, RepairStatusOK, RepairStatusOf(roots))

		reopened := NewExtentsList(42, roots, bs)
		require.NoError(t, reopened.ForceInit())
		checkAllExtents(t, reopened, bs)

		it, err := reopened.Search(0, int64(nitems))
		require.NoError(t, err)
		ts, xs := drain(t, it, 4096)
		requireSequence(t, ts, xs, 0, nitems, FWD)
	}
}

// TestTreeCrashRecovery drops a tree without closing it and reopens from
// the last crash-time snapshot. The committed prefix must come back
// strictly ordered and gap free; the pairs still in the open builder are
// lost.
func TestTreeCrashRecovery(t *testing.T) {
	for _, nleaves := range []int{1, 2, 63, 65} {
		bs := blockstore.NewMemStore()
		tl := NewExtentsList(42, nil, bs)
		nitems, snapshots := appendUntilLeaves(t, tl, nleaves)
		last := snapshots[len(snapshots)-1]
		require.Equal(t, RepairStatusRepair, RepairStatusOf(last))

		// Drop tl without Close and reopen from the snapshot.
		reopened := NewExtentsList(42, last, bs)
		require.NoError(t, reopened.ForceInit())
		checkAllExtents(t, reopened, bs)

		it, err := reopened.Search(0, int64(nitems))
		require.NoError(t, err)
		ts, xs := drain(t, it, 4096)

		// The pair appended right after the last leaf commit was only in
		// the open builder, so some loss is guaranteed.
		require.Less(t, len(ts), nitems, "nleaves=%d", nleaves)
		require.NotEmpty(t, ts)
		requireSequence(t, ts, xs, 0, len(ts), FWD)
	}
}

// TestTreeRecoveredTreeAcceptsAppends checks that a tree reopened from a
// crash-time snapshot accepts more appends after recovery.
func TestTreeRecoveredTreeAcceptsAppends(t *testing.T) {
	bs := blockstore.NewMemStore()
	tl := NewExtentsList(42, nil, bs)
	nitems, snapshots := appendUntilLeaves(t, tl, 2)

	reopened := NewExtentsList(42, snapshots[len(snapshots)-1], bs)
	require.NoError(t, reopened.ForceInit())

	it, err := reopened.Search(0, int64(nitems))
	require.NoError(t, err)
	ts, _ := drain(t, it, 4096)
	recovered := len(ts)

	// Continue the series after the recovered prefix.
	for i := recovered; i < recovered+1000; i++ {
		_, err := reopened.Append(int64(i), float64(i))
		require.NoError(t, err)
	}

	it, err = reopened.Search(0, int64(recovered+1000))
	require.NoError(t, err)
	ts, xs := drain(t, it, 512)
	requireSequence(t, ts, xs, 0, recovered+1000, FWD)
}

// TestTreeReopenAppendClose reopens a closed tree, appends more and
// closes again; nothing may be lost across the generations.
func TestTreeReopenAppendClose(t *testing.T) {
	bs := blockstore.NewMemStore()
	tl := NewExtentsList(42, nil, bs)
	nitems, _ := appendUntilLeaves(t, tl, 2)
	roots, err := tl.Close()
	require.NoError(t, err)

	// Generation two: reopen, extend past a few more leaf commits, close.
	gen2 := NewExtentsList(42, roots, bs)
	require.NoError(t, gen2.ForceInit())
	total := nitems
	leaves := 0
	for i := nitems; leaves < 3; i++ {
		changed, err := gen2.Append(int64(i), float64(i))
		require.NoError(t, err)
		if changed {
			leaves++
		}
		total++
	}
	roots, err = gen2.Close()
	require.NoError(t, err)
	require.Equal(t, RepairStatusOK, RepairStatusOf(roots))

	// Generation three: everything from both generations is there.
	gen3 := NewExtentsList(42, roots, bs)
	require.NoError(t, gen3.ForceInit())
	checkAllExtents(t, gen3, bs)

	it, err := gen3.Search(0, int64(total))
	require.NoError(t, err)
	ts, xs := drain(t, it, 4096)
	requireSequence(t, ts, xs, 0, total, FWD)
}

func TestForceInitRejectsBrokenList(t *testing.T) {
	bs := blockstore.NewMemStore()
	tl := NewExtentsList(42, []blockstore.LogicAddr{5, 9}, bs)
	assert.ErrorIs(t, tl.ForceInit(), ErrBadAddrList)
}

func TestForceInitRejectsWrongSeries(t *testing.T) {
	bs := blockstore.NewMemStore()
	tl := NewExtentsList(42, nil, bs)
	appendN(t, tl, 10)
	roots, err := tl.Close()
	require.NoError(t, err)

	other := NewExtentsList(43, roots, bs)
	assert.ErrorIs(t, other.ForceInit(), ErrBadData)
}

func TestForceInitRejectsWrongBlockSize(t *testing.T) {
	bs := blockstore.NewMemStore(blockstore.WithBlockSize(4096))
	tl := NewExtentsList(42, nil, bs)
	assert.ErrorIs(t, tl.ForceInit(), ErrBadAddrList)
}
