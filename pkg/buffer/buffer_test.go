package buffer

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/IdeaQru/apigate-sub000/errors"
)

func TestCircularBufferBasicOperations(t *testing.T) {
	buf, err := NewCircularBuffer[string](3)
	require.NoError(t, err)
	defer buf.Close()

	assert.Equal(t, 0, buf.Size())
	assert.Equal(t, 3, buf.Capacity())
	assert.True(t, buf.IsEmpty())
	assert.False(t, buf.IsFull())

	require.NoError(t, buf.Write("first"))
	require.NoError(t, buf.Write("second"))
	require.NoError(t, buf.Write("third"))
	assert.True(t, buf.IsFull())

	value, ok := buf.Peek()
	require.True(t, ok)
	assert.Equal(t, "first", value)
	assert.Equal(t, 3, buf.Size(), "peek must not consume")

	value, ok = buf.Read()
	require.True(t, ok)
	assert.Equal(t, "first", value)
	assert.Equal(t, 2, buf.Size())
}

func TestDropOldestKeepsLastNInOrder(t *testing.T) {
	// Queue-bound property: after N+k writes the buffer holds exactly the
	// last N items in original relative order.
	const capacity = 5
	buf, err := NewCircularBuffer[int](capacity)
	require.NoError(t, err)
	defer buf.Close()

	for i := 1; i <= capacity+3; i++ {
		require.NoError(t, buf.Write(i))
	}

	assert.Equal(t, capacity, buf.Size())
	got := buf.ReadBatch(capacity)
	assert.Equal(t, []int{4, 5, 6, 7, 8}, got)
	assert.Equal(t, int64(3), buf.Stats().Drops())
}

func TestDropNewestRejectsOverflow(t *testing.T) {
	buf, err := NewCircularBuffer[int](2, WithOverflowPolicy[int](DropNewest))
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))
	require.NoError(t, buf.Write(3)) // silently dropped

	got := buf.ReadBatch(10)
	assert.Equal(t, []int{1, 2}, got)
}

func TestDropCallbackReceivesEvicted(t *testing.T) {
	var dropped []string
	var mu sync.Mutex

	buf, err := NewCircularBuffer[string](2,
		WithOverflowPolicy[string](DropOldest),
		WithDropCallback[string](func(item string) {
			mu.Lock()
			dropped = append(dropped, item)
			mu.Unlock()
		}))
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write("a"))
	require.NoError(t, buf.Write("b"))
	require.NoError(t, buf.Write("c"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a"}, dropped)
}

func TestReadBatchPartial(t *testing.T) {
	buf, err := NewCircularBuffer[int](10)
	require.NoError(t, err)
	defer buf.Close()

	for i := 0; i < 4; i++ {
		require.NoError(t, buf.Write(i))
	}

	assert.Equal(t, []int{0, 1, 2}, buf.ReadBatch(3))
	assert.Equal(t, []int{3}, buf.ReadBatch(100))
	assert.Nil(t, buf.ReadBatch(5))
}

func TestClear(t *testing.T) {
	buf, err := NewCircularBuffer[int](4)
	require.NoError(t, err)
	defer buf.Close()

	for i := 0; i < 4; i++ {
		require.NoError(t, buf.Write(i))
	}
	buf.Clear()
	assert.True(t, buf.IsEmpty())
	_, ok := buf.Read()
	assert.False(t, ok)
}

func TestWriteAfterCloseFails(t *testing.T) {
	buf, err := NewCircularBuffer[int](2)
	require.NoError(t, err)

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Close())

	err = buf.Write(2)
	require.Error(t, err)
	assert.True(t, cerrors.IsInvalid(err))

	// Drain after close still works.
	v, ok := buf.Read()
	assert.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestConcurrentWriteRead(t *testing.T) {
	buf, err := NewCircularBuffer[int](128)
	require.NoError(t, err)
	defer buf.Close()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				_ = buf.Write(w*1000 + i)
			}
		}(w)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			buf.Read()
		}
	}()

	wg.Wait()
	// No assertion beyond absence of race/panic; size stays bounded.
	assert.LessOrEqual(t, buf.Size(), buf.Capacity())
}

func TestWrapAroundOrdering(t *testing.T) {
	buf, err := NewCircularBuffer[string](3)
	require.NoError(t, err)
	defer buf.Close()

	// Interleave writes and reads to force head/tail wrap-around.
	for round := 0; round < 7; round++ {
		require.NoError(t, buf.Write(fmt.Sprintf("w%d-a", round)))
		require.NoError(t, buf.Write(fmt.Sprintf("w%d-b", round)))

		a, ok := buf.Read()
		require.True(t, ok)
		b, ok := buf.Read()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("w%d-a", round), a)
		assert.Equal(t, fmt.Sprintf("w%d-b", round), b)
	}
}
