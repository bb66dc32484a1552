package recorder

import (
	"sync"

	"dvr-worker-go/internal/models"
)

// OverflowPolicy decides what a full queue does with a new frame.
type OverflowPolicy int

const (
	// DropOldest evicts the head of the queue to make room.
	DropOldest OverflowPolicy = iota
	// RejectNewest refuses the incoming frame.
	RejectNewest
)

func ParseOverflowPolicy(s string) OverflowPolicy {
	if s == "reject" {
		return RejectNewest
	}
	return DropOldest
}

func (p OverflowPolicy) String() string {
	if p == RejectNewest {
		return "reject"
	}
	return "drop-oldest"
}

type queuedFrame struct {
	gen   uint64
	frame *models.Frame
}

// FrameQueue hands copied frames from the capture loop to the encoder worker.
//
// Every frame is tagged with the generation of the recording session that
// pushed it. Sealing a generation stops further pushes for it and lets the
// consumer know that once its frames are drained the session is over.
type FrameQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []queuedFrame
	capacity int
	policy   OverflowPolicy
	sealed   uint64
	closed   bool
	pushed   uint64
	dropped  uint64
}

// NewFrameQueue returns a queue holding at most capacity frames; zero means unbounded.
func NewFrameQueue(capacity int, policy OverflowPolicy) *FrameQueue {
	q := &FrameQueue{capacity: capacity, policy: policy}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push copies data into a new frame owned by the queue. It returns false when
// gen is not an open session or the frame was refused by the overflow policy.
func (q *FrameQueue) Push(gen uint64, data []byte, width, height int) bool {
	frame := models.NewRGBFrame(data, width, height)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || gen <= q.sealed {
		return false
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		q.dropped++
		if q.policy == RejectNewest {
			return false
		}
		q.items[0] = queuedFrame{}
		q.items = q.items[1:]
	}

	q.pushed++
	frame.Sequence = int64(q.pushed)
	q.items = append(q.items, queuedFrame{gen: gen, frame: frame})
	q.cond.Signal()
	return true
}

// Pop blocks until a frame of generation gen is available and returns it. It
// returns false once gen is sealed (or the queue closed) and none of its frames
// remain. Frames of older generations are discarded on the way.
func (q *FrameQueue) Pop(gen uint64) (*models.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		for len(q.items) > 0 && q.items[0].gen < gen {
			q.items[0] = queuedFrame{}
			q.items = q.items[1:]
		}
		if len(q.items) > 0 {
			head := q.items[0]
			if head.gen > gen {
				return nil, false
			}
			q.items[0] = queuedFrame{}
			q.items = q.items[1:]
			return head.frame, true
		}
		if q.closed || q.sealed >= gen {
			return nil, false
		}
		q.cond.Wait()
	}
}

// Seal marks every generation up to gen as finished.
func (q *FrameQueue) Seal(gen uint64) {
	q.mu.Lock()
	if gen > q.sealed {
		q.sealed = gen
	}
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Discard drops every queued frame of generation gen and reports how many went.
func (q *FrameQueue) Discard(gen uint64) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	n := 0
	for _, it := range q.items {
		if it.gen == gen {
			n++
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = queuedFrame{}
	}
	q.items = kept
	return n
}

// Close rejects further pushes and wakes the consumer.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *FrameQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
