package dispatch

import (
	"sync"

	"github.com/dpaschal/meshd/pkg/rpc"
)

// streamBuffer queues dispatch updates between the executor and the
// network sender under a byte budget. When the budget is exceeded the
// oldest output update is dropped; started and result updates are never
// dropped, so the task still settles even if output is lost.
type streamBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*rpc.DispatchUpdate
	bytes  int
	budget int
	closed bool
}

func newStreamBuffer(budget int) *streamBuffer {
	b := &streamBuffer{budget: budget}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *streamBuffer) push(u *rpc.DispatchUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.queue = append(b.queue, u)
	b.bytes += len(u.Data)

	for b.bytes > b.budget {
		i := b.firstDroppable()
		if i < 0 {
			break
		}
		b.bytes -= len(b.queue[i].Data)
		b.queue = append(b.queue[:i], b.queue[i+1:]...)
	}
	b.cond.Signal()
}

// firstDroppable finds the oldest stdout/stderr update
func (b *streamBuffer) firstDroppable() int {
	for i, u := range b.queue {
		if u.Kind == rpc.UpdateStdout || u.Kind == rpc.UpdateStderr {
			return i
		}
	}
	return -1
}

// pop blocks until an update is available or the buffer is closed and
// drained
func (b *streamBuffer) pop() (*rpc.DispatchUpdate, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.queue) == 0 && !b.closed {
		b.cond.Wait()
	}
	if len(b.queue) == 0 {
		return nil, false
	}
	u := b.queue[0]
	b.queue = b.queue[1:]
	b.bytes -= len(u.Data)
	return u, true
}

func (b *streamBuffer) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}
