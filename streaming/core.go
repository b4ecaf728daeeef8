package streaming

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

// core is the bookkeeping shared by both streamer variants: the subscription
// id allocator, the authoritative symbol/flag record used for teardown, and
// the connection state machine. The variants embed it and add their
// transport-specific connect and teardown logic.
type core[E any] struct {
	log     *slog.Logger
	mux     *mux[E]
	buf     int
	allowed EventKindFlags

	mu              sync.Mutex
	state           State
	connectedAt     time.Time
	nextID          SubscriptionID
	subs            map[SubscriptionID]*subState
	streamRequested bool
}

func newCore[E any](log *slog.Logger, opts Options, allowed EventKindFlags) core[E] {
	return core[E]{
		log:     log,
		buf:     opts.ChannelBuffer,
		allowed: allowed,
		state:   StateConnecting,
		subs:    make(map[SubscriptionID]*subState),
	}
}

func (c *core[E]) setState(s State) {
	c.mu.Lock()
	c.state = s
	if s == StateConnected {
		c.connectedAt = time.Now()
	}
	c.mu.Unlock()
}

// Status returns a snapshot of the streamer's connection state and live
// subscription count.
func (c *core[E]) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{State: c.state, Subscriptions: len(c.subs), ConnectedAt: c.connectedAt}
}

// CreateSub allocates a new subscription with the given event kind flags and
// registers its delivery channel. The fan-out loop is requested on the first
// subscription only.
//
// Routing is by subscription identity: every subscription on this streamer
// receives every event flowing on the shared connection. Symbol narrowing
// happens at the wire level, because only symbols some subscription asked
// for are ever subscribed; subscriptions with differing symbol sets on one
// connection can therefore see events for each other's symbols.
func (c *core[E]) CreateSub(flags EventKindFlags) *Subscription[E] {
	if masked := flags &^ c.allowed; masked != 0 {
		c.log.Warn("Ignoring event kind flags not supported by this streamer", "flags", uint32(masked))
		flags &= c.allowed
	}

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	st := &subState{flags: flags, refs: 1}
	c.subs[id] = st
	first := !c.streamRequested
	c.streamRequested = true
	c.mu.Unlock()

	ch := make(chan E, c.buf)
	if !c.mux.submit(command[E]{kind: cmdAddEventSender, id: id, sender: ch}) {
		// streamer already torn down; hand back a handle that reports
		// end-of-stream instead of hanging
		close(ch)
	} else if first {
		c.mux.submit(command[E]{kind: cmdCreateEventStream})
	}

	c.log.Debug("Subscription created", "sub_id", id, "flags", uint32(flags))
	return newSubscription(id, st, ch, c.mux, c.CloseSub)
}

// CloseSub performs the close sequence for the given subscription id:
// RemoveEventSender first, so no further events are routed to its channels,
// then Unsubscribe for every symbol×flag it tracked. A missing id is a
// no-op, so closing an already-closed subscription is safe.
func (c *core[E]) CloseSub(id SubscriptionID) {
	c.mu.Lock()
	st, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if !ok {
		return
	}

	reqs := st.requests()
	c.mux.submit(command[E]{kind: cmdRemoveEventSender, id: id})
	if len(reqs) > 0 {
		c.mux.submit(command[E]{kind: cmdUnsubscribe, requests: reqs})
	}
	c.log.Debug("Subscription closed", "sub_id", id, "requests", len(reqs))
}

// Close tears the streamer down: every live subscription's close sequence is
// submitted first, then Disconnect, which is always the last command the
// dispatcher processes. Close waits for the dispatcher (and fan-out loop, if
// started) to exit.
func (c *core[E]) Close() {
	c.mu.Lock()
	if c.state == StateShuttingDown || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateShuttingDown
	ids := make([]SubscriptionID, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	slices.Sort(ids)
	for _, id := range ids {
		c.CloseSub(id)
	}
	c.mux.submit(command[E]{kind: cmdDisconnect})
	<-c.mux.done
	if c.mux.fanStarted.Load() {
		<-c.mux.fanDone
	}
	c.setState(StateDisconnected)
	c.log.Info("Streamer disconnected", "closed_subscriptions", len(ids))
}
