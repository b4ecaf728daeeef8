package streaming

import (
	"context"
	"runtime"
	"slices"
	"sync"

	"github.com/meridianquant/tastystream/dxlink"
)

// QuoteSubscription is a market-data subscription handle.
type QuoteSubscription = Subscription[dxlink.MarketEvent]

// AccountSubscription is an account-update subscription handle.
type AccountSubscription = Subscription[AccountEvent]

// subState is the bookkeeping shared by a subscription and all of its
// clones, and held by the streamer for teardown.
type subState struct {
	mu      sync.Mutex
	flags   EventKindFlags
	symbols []string
	refs    int // live handles (original + clones) for collector-driven cleanup
}

// requests snapshots the unsubscribe requests covering everything the
// subscription currently tracks.
func (st *subState) requests() []dxlink.SubscriptionRequest {
	st.mu.Lock()
	defer st.mu.Unlock()
	return wireRequests(st.flags, st.symbols)
}

func (st *subState) merge(symbols []string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, sym := range symbols {
		if !slices.Contains(st.symbols, sym) {
			st.symbols = append(st.symbols, sym)
		}
	}
}

// Subscription is a live handle to one logical subscription. It carries a
// private delivery channel; events arrive via GetEvent. Handles may be
// cloned, and each clone receives its own copy of every event.
//
// Close releases the wire subscriptions and ends the stream for the handle
// and all of its clones. Callers that need the release to happen must call
// Close (or the streamer's CloseSub) themselves: a handle that merely goes
// out of scope is cleaned up on a best-effort basis when the garbage
// collector finds it, which is not guaranteed to happen before process exit.
type Subscription[E any] struct {
	id     SubscriptionID
	state  *subState
	events chan E
	mux    *mux[E]
	closer func(SubscriptionID)

	cleanup runtime.Cleanup
}

func newSubscription[E any](id SubscriptionID, st *subState, events chan E, m *mux[E], closer func(SubscriptionID)) *Subscription[E] {
	s := &Subscription[E]{id: id, state: st, events: events, mux: m, closer: closer}
	s.arm()
	return s
}

// arm registers the collector-driven fallback cleanup. The closure must not
// reference the handle itself, only its shared state.
func (s *Subscription[E]) arm() {
	st, id, closer := s.state, s.id, s.closer
	s.cleanup = runtime.AddCleanup(s, func(_ struct{}) {
		st.mu.Lock()
		st.refs--
		last := st.refs == 0
		st.mu.Unlock()
		if last {
			closer(id)
		}
	}, struct{}{})
}

// ID returns the handle's subscription identifier. Clones share it.
func (s *Subscription[E]) ID() SubscriptionID { return s.id }

// Flags returns the event kinds this subscription requests per symbol.
func (s *Subscription[E]) Flags() EventKindFlags {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return s.state.flags
}

// Symbols returns a copy of the symbols currently subscribed.
func (s *Subscription[E]) Symbols() []string {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return slices.Clone(s.state.symbols)
}

// AddSymbols subscribes the given symbols with the handle's event kinds: one
// wire request per (set flag, symbol) pair. Fire-and-forget; the dispatcher
// applies the change asynchronously.
func (s *Subscription[E]) AddSymbols(symbols ...string) {
	if len(symbols) == 0 {
		return
	}
	s.state.mu.Lock()
	flags := s.state.flags
	s.state.mu.Unlock()

	reqs := wireRequests(flags, symbols)
	s.state.merge(symbols)
	if len(reqs) == 0 {
		return
	}
	s.mux.submit(command[E]{kind: cmdSubscribe, requests: reqs})
}

// GetEvent blocks until the next event arrives on this handle's delivery
// channel. It returns ErrStreamEnded once the connection has ended or the
// subscription was closed, and ctx.Err() if the context expires first.
func (s *Subscription[E]) GetEvent(ctx context.Context) (E, error) {
	var zero E
	select {
	case ev, ok := <-s.events:
		if !ok {
			return zero, ErrStreamEnded
		}
		return ev, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Clone returns a second handle under the same id with its own delivery
// channel, registered via an AddEventSender command. Wire subscriptions are
// shared and not re-issued. Closing any clone closes them all. Cloning a
// subscription whose id has already been closed, or racing that close,
// yields a handle whose stream is already ended.
func (s *Subscription[E]) Clone() *Subscription[E] {
	ch := make(chan E, cap(s.events))
	s.mux.submit(command[E]{kind: cmdAddEventSender, id: s.id, sender: ch})
	s.state.mu.Lock()
	s.state.refs++
	s.state.mu.Unlock()
	return newSubscription(s.id, s.state, ch, s.mux, s.closer)
}

// Close removes the subscription's delivery channels from the registry and
// then releases its wire subscriptions, in that order, so no event is routed
// to a channel about to disappear. Safe to call more than once.
func (s *Subscription[E]) Close() {
	s.cleanup.Stop()
	s.closer(s.id)
}
