package channels

import (
	"context"
	"sync"

	"github.com/basket/go-butler/internal/session"
)

// chatQueue feeds a Dispatcher one message per session at a time, in
// arrival order. The next message of a session is admitted only after the
// previous one was answered, buffered or opened as a turn. Turns run in the
// background, so /stop and follow-ups still reach them.
type chatQueue struct {
	d   *Dispatcher
	out Replier
	wg  sync.WaitGroup

	mu    sync.Mutex
	lanes map[string][]Inbound
}

func newChatQueue(d *Dispatcher, out Replier) *chatQueue {
	return &chatQueue{d: d, out: out, lanes: make(map[string][]Inbound)}
}

// laneKey is the session a message lands in.
func laneKey(msg Inbound) string {
	if msg.Group {
		return session.GroupKey(msg.ChatID, msg.Channel)
	}
	return session.UserKey(msg.UserID, msg.Channel)
}

// push queues msg and returns at once.
func (q *chatQueue) push(ctx context.Context, msg Inbound) {
	key := laneKey(msg)
	q.mu.Lock()
	lane, running := q.lanes[key]
	q.lanes[key] = append(lane, msg)
	q.mu.Unlock()
	if running {
		return
	}
	q.wg.Add(1)
	go q.drain(ctx, key)
}

// drain admits the lane's messages until it is empty. A lane stays in the
// map while its drain goroutine runs.
func (q *chatQueue) drain(ctx context.Context, key string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		lane := q.lanes[key]
		if len(lane) == 0 {
			delete(q.lanes, key)
			q.mu.Unlock()
			return
		}
		msg := lane[0]
		q.lanes[key] = lane[1:]
		q.mu.Unlock()

		finish := q.d.admit(ctx, q.out, msg)
		if finish == nil {
			continue
		}
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			finish()
		}()
	}
}

// wait blocks until every queued message is handled and its turn is over.
func (q *chatQueue) wait() {
	q.wg.Wait()
}
