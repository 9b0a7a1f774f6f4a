package nbtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-db/go-corvid/blockstore"
)

// appendN appends (i, i) for i in [0, n).
func appendN(t *testing.T, tl *ExtentsList, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := tl.Append(int64(i), float64(i))
		require.NoError(t, err)
	}
}

// appendUntilLeaves appends (i, i) until nleaves roots changes were
// observed, returning the number of appended pairs and every roots
// snapshot taken.
func appendUntilLeaves(t *testing.T, tl *ExtentsList, nleaves int) (int, [][]blockstore.LogicAddr) {
	t.Helper()
	var snapshots [][]blockstore.LogicAddr
	changes := 0
	for i := 0; ; i++ {
		changed, err := tl.Append(int64(i), float64(i))
		require.NoError(t, err)
		if !changed {
			continue
		}
		roots := tl.GetRoots()
		if len(snapshots) > 0 {
			require.NotEqual(t, snapshots[len(snapshots)-1], roots, "roots must change")
		}
		snapshots = append(snapshots, roots)
		changes++
		if changes == nleaves {
			return i + 1, snapshots
		}
	}
}

// drain reads the whole iterator in chunks of chunk, asserting the
// chunked-read contract along the way.
func drain(t *testing.T, it *Iterator, chunk int) ([]int64, []float64) {
	t.Helper()
	var ts []int64
	var xs []float64
	bufTS := make([]int64, chunk)
	bufXS := make([]float64, chunk)
	for {
		k, err := it.Read(bufTS, bufXS)
		require.False(t, k == 0 && err == nil, "k == 0 with nil error is forbidden")
		ts = append(ts, bufTS[:k]...)
		xs = append(xs, bufXS[:k]...)
		if err != nil {
			require.ErrorIs(t, err, ErrNoData)
			return ts, xs
		}
	}
}

func requireSequence(t *testing.T, ts []int64, xs []float64, start int64, n int, dir Direction) {
	t.Helper()
	require.Len(t, ts, n)
	require.Len(t, xs, n)
	for i := 0; i < n; i++ {
		want := start + int64(i)
		if dir == BWD {
			want = start - int64(i)
		}
		if ts[i] != want || xs[i] != float64(want) {
			t.Fatalf("at %d: got (%d, %v), want (%d, %d)", i, ts[i], xs[i], want, want)
		}
	}
}

func TestTreeAppendSearchForward(t *testing.T) {
	for _, n := range []int{100, 2000, 200000} {
		bs := blockstore.NewMemStore()
		tl := NewExtentsList(42, nil, bs)
		appendN(t, tl, n)

		it, err := tl.Search(0, int64(n))
		require.NoError(t, err)

		ts := make([]int64, n)
		xs := make([]float64, n)
		k, err := it.Read(ts, xs)
		require.NoError(t, err, "n=%d", n)
		requireSequence(t, ts[:k], xs[:k], 0, n, FWD)

		// The next read reports exhaustion.
		k, err = it.Read(ts[:1], xs[:1])
		assert.Equal(t, 0, k)
		assert.ErrorIs(t, err, ErrNoData)
	}
}

func TestTreeAppendSearchBackward(t *testing.T) {
	for _, n := range []int{100, 2000, 200000} {
		bs := blockstore.NewMemStore()
		tl := NewExtentsList(42, nil, bs)
		appendN(t, tl, n)

		// (n-1, -1] covers everything in reverse.
		it, err := tl.Search(int64(n-1), -1)
		require.NoError(t, err)

		ts := make([]int64, n)
		xs := make([]float64, n)
		k, err := it.Read(ts, xs)
		require.NoError(t, err, "n=%d", n)
		requireSequence(t, ts[:k], xs[:k], int64(n-1), n, BWD)
	}
}

func TestTreeSearchPartialBackward(t *testing.T) {
	bs := blockstore.NewMemStore()
	tl := NewExtentsList(42, nil, bs)
	appendN(t, tl, 100)

	// (0, 99] descending: 99 pairs, the stop bound excluded.
	it, err := tl.Search(99, 0)
	require.NoError(t, err)
	ts, xs := drain(t, it, 100)
	requireSequence(t, ts, xs, 99, 99, BWD)
}

func TestTreeChunkedRead(t *testing.T) {
	const n = 2000
	bs := blockstore.NewMemStore()
	tl := NewExtentsList(42, nil, bs)
	appendN(t, tl, n)

	for _, chunk := range []int{1, 7, 37, 512, 4096} {
		it, err := tl.Search(0, n)
		require.NoError(t, err)
		ts, xs := drain(t, it, chunk)
		requireSequence(t, ts, xs, 0, n, FWD)

		it, err = tl.Search(n-1, -1)
		require.NoError(t, err)
		ts, xs = drain(t, it, chunk)
		requireSequence(t, ts, xs, n-1, n, BWD)
	}
}

func TestTreeAppendOutOfOrder(t *testing.T) {
	bs := blockstore.NewMemStore()
	tl := NewExtentsList(1, nil, bs)

	_, err := tl.Append(100, 1)
	require.NoError(t, err)
	_, err = tl.Append(99, 2)
	assert.ErrorIs(t, err, ErrOutOfOrder)

	// Duplicates are accepted, the tree stays usable.
	_, err = tl.Append(100, 3)
	assert.NoError(t, err)
	_, err = tl.Append(101, 4)
	assert.NoError(t, err)

	it, err := tl.Search(0, 1000)
	require.NoError(t, err)
	ts, _ := drain(t, it, 16)
	assert.Equal(t, []int64{100, 100, 101}, ts)
}

func TestTreeReadAllDrainsOpenBuilder(t *testing.T) {
	bs := blockstore.NewMemStore()
	tl := NewExtentsList(1, nil, bs)
	appendN(t, tl, 10)

	ts, xs, err := tl.ReadAll()
	require.NoError(t, err)
	requireSequence(t, ts, xs, 0, 10, FWD)
}

func TestTreeAppendAfterClose(t *testing.T) {
	bs := blockstore.NewMemStore()
	tl := NewExtentsList(1, nil, bs)
	appendN(t, tl, 10)

	_, err := tl.Close()
	require.NoError(t, err)

	_, err = tl.Append(100, 1)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = tl.Close()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTreeCloseRootsShape(t *testing.T) {
	lastCallback := blockstore.EmptyAddr
	bs := blockstore.NewMemStore(blockstore.WithAppendCallback(func(a blockstore.LogicAddr) {
		lastCallback = a
	}))
	tl := NewExtentsList(42, nil, bs)

	// Every mid-fill snapshot classifies as REPAIR.
	_, snapshots := appendUntilLeaves(t, tl, 32)
	for _, roots := range snapshots {
		assert.Equal(t, RepairStatusRepair, RepairStatusOf(roots))
		assert.Equal(t, blockstore.EmptyAddr, roots[len(roots)-1])
	}

	roots, err := tl.Close()
	require.NoError(t, err)
	assert.Equal(t, RepairStatusOK, RepairStatusOf(roots))
	assert.Equal(t, lastCallback, roots[len(roots)-1])
	// GetRoots after close reports the close output.
	assert.Equal(t, roots, tl.GetRoots())
}

func TestTreeCloseSingleLeaf(t *testing.T) {
	lastCallback := blockstore.EmptyAddr
	bs := blockstore.NewMemStore(blockstore.WithAppendCallback(func(a blockstore.LogicAddr) {
		lastCallback = a
	}))
	tl := NewExtentsList(42, nil, bs)
	appendN(t, tl, 10)

	roots, err := tl.Close()
	require.NoError(t, err)
	assert.Equal(t, RepairStatusOK, RepairStatusOf(roots))
	assert.Equal(t, lastCallback, roots[len(roots)-1])
}

func TestTreeCloseEmpty(t *testing.T) {
	bs := blockstore.NewMemStore()
	tl := NewExtentsList(42, nil, bs)
	roots, err := tl.Close()
	require.NoError(t, err)
	assert.Equal(t, []blockstore.LogicAddr{blockstore.EmptyAddr}, roots)
	assert.Equal(t, RepairStatusOK, RepairStatusOf(roots))
}

func TestTreeGrowsLevels(t *testing.T) {
	bs := blockstore.NewMemStore()
	tl := NewExtentsList(42, nil, bs)

	// One committed leaf grows the tree to two extents.
	appendUntilLeaves(t, tl, 1)
	assert.Len(t, tl.GetExtents(), 2)
	roots := tl.GetRoots()
	require.Len(t, roots, 2)
	assert.NotEqual(t, blockstore.EmptyAddr, roots[0])
	assert.Equal(t, blockstore.EmptyAddr, roots[1])
}
