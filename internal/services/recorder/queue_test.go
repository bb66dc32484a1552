package recorder

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameQueueRejectsUnopenedGeneration(t *testing.T) {
	q := NewFrameQueue(4, DropOldest)
	assert.False(t, q.Push(0, []byte{1, 2, 3}, 1, 1))

	q.Seal(1)
	assert.False(t, q.Push(1, []byte{1, 2, 3}, 1, 1))
	assert.True(t, q.Push(2, []byte{1, 2, 3}, 1, 1))
}

func TestFrameQueueCopiesOnPush(t *testing.T) {
	q := NewFrameQueue(4, DropOldest)
	data := []byte{10, 20, 30}

	require.True(t, q.Push(1, data, 1, 1))
	data[0] = 99

	frame, ok := q.Pop(1)
	require.True(t, ok)
	assert.Equal(t, []byte{10, 20, 30}, frame.Data)
	assert.Equal(t, 1, frame.Width)
	assert.Equal(t, 3, frame.Stride)
}

func TestFrameQueueFIFO(t *testing.T) {
	q := NewFrameQueue(0, DropOldest)
	for i := byte(0); i < 5; i++ {
		require.True(t, q.Push(1, []byte{i, 0, 0}, 1, 1))
	}
	for i := byte(0); i < 5; i++ {
		frame, ok := q.Pop(1)
		require.True(t, ok)
		assert.Equal(t, i, frame.Data[0])
	}
}

func TestFrameQueueDropOldest(t *testing.T) {
	q := NewFrameQueue(2, DropOldest)
	q.Push(1, []byte{1, 0, 0}, 1, 1)
	q.Push(1, []byte{2, 0, 0}, 1, 1)
	assert.True(t, q.Push(1, []byte{3, 0, 0}, 1, 1))

	assert.Equal(t, 2, q.Len())
	assert.Equal(t, uint64(1), q.Dropped())
	frame, _ := q.Pop(1)
	assert.Equal(t, byte(2), frame.Data[0])
}

func TestFrameQueueRejectNewest(t *testing.T) {
	q := NewFrameQueue(2, RejectNewest)
	q.Push(1, []byte{1, 0, 0}, 1, 1)
	q.Push(1, []byte{2, 0, 0}, 1, 1)
	assert.False(t, q.Push(1, []byte{3, 0, 0}, 1, 1))

	frame, _ := q.Pop(1)
	assert.Equal(t, byte(1), frame.Data[0])
	assert.Equal(t, uint64(1), q.Dropped())
}

func TestFrameQueuePopDrainsBeforeSealEnds(t *testing.T) {
	q := NewFrameQueue(8, DropOldest)
	q.Push(1, []byte{1, 0, 0}, 1, 1)
	q.Push(1, []byte{2, 0, 0}, 1, 1)
	q.Seal(1)

	_, ok := q.Pop(1)
	assert.True(t, ok)
	_, ok = q.Pop(1)
	assert.True(t, ok)
	_, ok = q.Pop(1)
	assert.False(t, ok)
}

func TestFrameQueuePopStopsAtNextGeneration(t *testing.T) {
	q := NewFrameQueue(8, DropOldest)
	q.Push(1, []byte{1, 0, 0}, 1, 1)
	q.Seal(1)
	q.Push(2, []byte{2, 0, 0}, 1, 1)

	frame, ok := q.Pop(1)
	require.True(t, ok)
	assert.Equal(t, byte(1), frame.Data[0])

	_, ok = q.Pop(1)
	assert.False(t, ok)

	frame, ok = q.Pop(2)
	require.True(t, ok)
	assert.Equal(t, byte(2), frame.Data[0])
}

func TestFrameQueuePopBlocksUntilPushOrSeal(t *testing.T) {
	q := NewFrameQueue(8, DropOldest)
	got := make(chan bool, 2)

	go func() {
		_, ok := q.Pop(1)
		got <- ok
		_, ok = q.Pop(1)
		got <- ok
	}()

	select {
	case <-got:
		t.Fatal("Pop returned before anything was pushed")
	case <-time.After(50 * time.Millisecond):
	}

	q.Push(1, []byte{1, 0, 0}, 1, 1)
	assert.True(t, <-got)

	q.Seal(1)
	select {
	case ok := <-got:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake on seal")
	}
}

func TestFrameQueueCloseWakesConsumer(t *testing.T) {
	q := NewFrameQueue(8, DropOldest)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, ok := q.Pop(1)
		assert.False(t, ok)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()
	wg.Wait()

	assert.False(t, q.Push(1, []byte{1, 0, 0}, 1, 1))
}

func TestFrameQueueDiscard(t *testing.T) {
	q := NewFrameQueue(8, DropOldest)
	q.Push(1, []byte{1, 0, 0}, 1, 1)
	q.Push(1, []byte{2, 0, 0}, 1, 1)
	q.Seal(1)
	q.Push(2, []byte{3, 0, 0}, 1, 1)

	assert.Equal(t, 2, q.Discard(1))
	assert.Equal(t, 1, q.Len())
}

func TestParseOverflowPolicy(t *testing.T) {
	assert.Equal(t, RejectNewest, ParseOverflowPolicy("reject"))
	assert.Equal(t, DropOldest, ParseOverflowPolicy("drop-oldest"))
	assert.Equal(t, DropOldest, ParseOverflowPolicy(""))
	assert.Equal(t, "reject", RejectNewest.String())
}
