package streaming

import "sync"

// registry maps subscription ids to their delivery channels. A cloned
// subscription has several channels under one id. The dispatcher mutates the
// registry (via AddEventSender/RemoveEventSender commands), the fan-out loop
// reads it; the lock is never held across a blocking operation.
type registry[E any] struct {
	mu      sync.Mutex
	closed  bool
	removed map[SubscriptionID]struct{}
	senders map[SubscriptionID][]chan E
}

func newRegistry[E any]() *registry[E] {
	return &registry[E]{
		removed: make(map[SubscriptionID]struct{}),
		senders: make(map[SubscriptionID][]chan E),
	}
}

// add registers a delivery channel under id. If the stream has already ended
// or the id was already removed, the channel is closed immediately so its
// receiver observes end-of-stream instead of hanging. Ids are never reused,
// so remembering removed ones is what lets a late add (a clone racing the
// close of its id) be rejected instead of leaving an orphan channel behind.
func (r *registry[E]) add(id SubscriptionID, ch chan E) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		close(ch)
		return
	}
	if _, gone := r.removed[id]; gone {
		close(ch)
		return
	}
	r.senders[id] = append(r.senders[id], ch)
}

// remove drops every delivery channel registered under id, closing each so
// receivers see end-of-stream, and bars the id from ever being re-added.
func (r *registry[E]) remove(id SubscriptionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.senders[id] {
		close(ch)
	}
	delete(r.senders, id)
	r.removed[id] = struct{}{}
}

// broadcast delivers ev to every registered channel without blocking. A full
// channel drops the event for that subscriber only.
func (r *registry[E]) broadcast(ev E) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, chans := range r.senders {
		for _, ch := range chans {
			select {
			case ch <- ev:
			default:
				// subscriber not keeping up; it sees a gap
			}
		}
	}
}

// closeAll ends the stream for every subscriber. Later adds close their
// channel on entry and later removes become no-ops.
func (r *registry[E]) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, chans := range r.senders {
		for _, ch := range chans {
			close(ch)
		}
	}
	r.senders = make(map[SubscriptionID][]chan E)
}

func (r *registry[E]) contains(id SubscriptionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.senders[id]
	return ok
}

func (r *registry[E]) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.senders)
}
