// Package eventstream implements the Event Stream Registry (§4.6): a
// concurrent-safe fan-out of consumed access-log events to every connected
// live subscriber, typically SSE clients of GET /dashboard/stream.
package eventstream

import (
	"sync"
	"sync/atomic"

	"github.com/devkishan/fluxgate/internal/model"
)

// subscriberBuffer is the per-subscriber channel depth. A slow subscriber
// that falls this far behind has each new event dropped for it until it
// drains its buffer, rather than stalling the broadcaster.
const subscriberBuffer = 64

// Registry is the live subscriber set. The zero value is not usable; use
// New.
type Registry struct {
	subscribers sync.Map // id (int64) -> chan model.AccessLogEvent
	nextID      atomic.Int64

	// closeMu keeps unregister from closing a channel while Broadcast is
	// sending on it.
	closeMu sync.RWMutex
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{}
}

// Register adds a new subscriber and returns its event channel along with
// an unregister func the caller must invoke when the connection closes.
func (r *Registry) Register() (<-chan model.AccessLogEvent, func()) {
	id := r.nextID.Add(1)
	ch := make(chan model.AccessLogEvent, subscriberBuffer)
	r.subscribers.Store(id, ch)

	unregister := func() {
		r.closeMu.Lock()
		defer r.closeMu.Unlock()
		if _, loaded := r.subscribers.LoadAndDelete(id); loaded {
			close(ch)
		}
	}
	return ch, unregister
}

// Broadcast delivers event to every currently registered subscriber.
// Delivery is non-blocking per subscriber: a subscriber whose buffer is
// full has this event dropped for it, rather than stalling every other
// subscriber or the consumer goroutine calling Broadcast.
func (r *Registry) Broadcast(event model.AccessLogEvent) {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	r.subscribers.Range(func(_, value any) bool {
		ch := value.(chan model.AccessLogEvent)
		select {
		case ch <- event:
		default:
		}
		return true
	})
}

// SubscriberCount reports the number of currently connected subscribers,
// for the /metrics gauge.
func (r *Registry) SubscriberCount() int {
	n := 0
	r.subscribers.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
