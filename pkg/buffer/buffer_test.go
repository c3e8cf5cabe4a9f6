package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janiolos/SmartPhasorToolBox/errors"
)

func TestNewRejectsBadCapacity(t *testing.T) {
	_, err := New[int](0)
	require.Error(t, err)
	_, err = New[int](-5)
	require.Error(t, err)
}

func TestWriteReadFIFO(t *testing.T) {
	r, err := New[int](4)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, r.Write(i))
	}
	assert.Equal(t, 3, r.Size())

	for i := 1; i <= 3; i++ {
		v, ok := r.Read()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := r.Read()
	assert.False(t, ok)
}

func TestDropOldestOnOverflow(t *testing.T) {
	var dropped []int
	r, err := New[int](3, WithDropCallback[int](func(item int) {
		dropped = append(dropped, item)
	}))
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		require.NoError(t, r.Write(i))
	}

	// 1 and 2 pushed out, 3..5 remain in order.
	assert.Equal(t, []int{1, 2}, dropped)
	assert.Equal(t, []int{3, 4, 5}, r.ReadBatch(10))
	assert.Equal(t, uint64(2), r.Stats().Drops)
}

func TestDropNewestOnOverflow(t *testing.T) {
	r, err := New[int](2, WithPolicy[int](DropNewest))
	require.NoError(t, err)

	require.NoError(t, r.Write(1))
	require.NoError(t, r.Write(2))
	require.NoError(t, r.Write(3)) // discarded

	assert.Equal(t, []int{1, 2}, r.ReadBatch(10))
	assert.Equal(t, uint64(1), r.Stats().Drops)
}

func TestReadBatchPartial(t *testing.T) {
	r, err := New[string](8)
	require.NoError(t, err)
	require.NoError(t, r.Write("a"))
	require.NoError(t, r.Write("b"))

	got := r.ReadBatch(1)
	assert.Equal(t, []string{"a"}, got)
	assert.Equal(t, 1, r.Size())
	assert.Nil(t, r.ReadBatch(0))
}

func TestWaitSignalsPendingWork(t *testing.T) {
	r, err := New[int](2)
	require.NoError(t, err)

	require.NoError(t, r.Write(7))
	select {
	case <-r.Wait():
	default:
		t.Fatal("expected a wakeup after Write")
	}
}

func TestCloseRejectsWrites(t *testing.T) {
	r, err := New[int](2)
	require.NoError(t, err)
	require.NoError(t, r.Write(1))
	require.NoError(t, r.Close())

	assert.ErrorIs(t, r.Write(2), errors.ErrSinkClosed)

	// Pending items stay readable after close.
	v, ok := r.Read()
	assert.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestConcurrentWriters(t *testing.T) {
	r, err := New[int](128)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = r.Write(i)
			}
		}()
	}
	wg.Wait()

	stats := r.Stats()
	assert.Equal(t, uint64(800), stats.Writes)
	assert.Equal(t, 128, r.Size())
	assert.Equal(t, uint64(800-128), stats.Drops)
}
