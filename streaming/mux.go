package streaming

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/meridianquant/tastystream/dxlink"
)

type commandKind uint8

const (
	cmdSubscribe commandKind = iota
	cmdUnsubscribe
	cmdCreateEventStream
	cmdAddEventSender
	cmdRemoveEventSender
	cmdDisconnect
)

func (k commandKind) String() string {
	switch k {
	case cmdSubscribe:
		return "subscribe"
	case cmdUnsubscribe:
		return "unsubscribe"
	case cmdCreateEventStream:
		return "create_event_stream"
	case cmdAddEventSender:
		return "add_event_sender"
	case cmdRemoveEventSender:
		return "remove_event_sender"
	case cmdDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// command is one entry in a streamer's administrative queue. Which fields
// are meaningful depends on kind.
type command[E any] struct {
	kind     commandKind
	requests []dxlink.SubscriptionRequest // subscribe / unsubscribe
	id       SubscriptionID               // add / remove event sender
	sender   chan E                       // add event sender
}

// mux is the multiplexer around one transport connection: the command queue,
// the dispatcher that owns the transport, and the fan-out loop feeding the
// subscription registry.
type mux[E any] struct {
	log       *slog.Logger
	transport Transport[E]
	channel   int64
	limiter   *rate.Limiter

	cmds chan command[E]
	reg  *registry[E]

	fanStarted atomic.Bool
	fanDone    chan struct{}
	done       chan struct{} // closed when the dispatcher exits
}

func newMux[E any](log *slog.Logger, transport Transport[E], channel int64, opts Options) *mux[E] {
	return &mux[E]{
		log:       log,
		transport: transport,
		channel:   channel,
		limiter:   opts.limiter(),
		cmds:      make(chan command[E], opts.QueueSize),
		reg:       newRegistry[E](),
		fanDone:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (m *mux[E]) start() { go m.dispatch() }

// submit enqueues a command for the dispatcher. The queue is bounded by
// Options.QueueSize; when it is full, submit waits for the dispatcher to
// drain rather than dropping the command. It reports false when the
// dispatcher has already shut down, in which case the command is dropped;
// operating on a torn-down streamer is a no-op by contract.
func (m *mux[E]) submit(cmd command[E]) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.cmds <- cmd:
		return true
	case <-m.done:
		return false
	}
}

// dispatch drains the command queue in FIFO order. It is the only goroutine
// that calls mutating operations on the transport. Failures of a single
// administrative call are logged and do not stop the loop; only Disconnect
// ends it.
func (m *mux[E]) dispatch() {
	defer close(m.done)
	for cmd := range m.cmds {
		switch cmd.kind {
		case cmdSubscribe:
			m.throttle()
			if err := m.transport.Subscribe(m.channel, cmd.requests); err != nil {
				m.log.Error("Subscribe failed", "channel", m.channel, "requests", len(cmd.requests), "error", err)
			}
		case cmdUnsubscribe:
			m.throttle()
			if err := m.transport.Unsubscribe(m.channel, cmd.requests); err != nil {
				m.log.Error("Unsubscribe failed", "channel", m.channel, "requests", len(cmd.requests), "error", err)
			}
		case cmdCreateEventStream:
			// requested once, on the first subscription
			if !m.fanStarted.Load() {
				m.fanStarted.Store(true)
				go m.fanout()
				m.log.Debug("Event fan-out started", "channel", m.channel)
			}
		case cmdAddEventSender:
			m.reg.add(cmd.id, cmd.sender)
			m.log.Debug("Event sender added", "sub_id", cmd.id)
		case cmdRemoveEventSender:
			m.reg.remove(cmd.id)
			m.log.Debug("Event senders removed", "sub_id", cmd.id)
		case cmdDisconnect:
			if err := m.transport.Disconnect(); err != nil {
				m.log.Warn("Disconnect failed", "error", err)
			}
			m.log.Debug("Dispatcher terminated")
			return
		}
	}
}

// fanout forwards each incoming event to every registered delivery channel.
// Receiving from the transport is its only suspension point. When the event
// stream ends the registry is drained so every subscriber's next GetEvent
// reports end-of-stream.
func (m *mux[E]) fanout() {
	defer close(m.fanDone)
	for ev := range m.transport.Events() {
		m.reg.broadcast(ev)
	}
	m.reg.closeAll()
	m.log.Debug("Event stream ended")
}

// throttle paces administrative transport calls. Waiting here is safe: the
// dispatcher owns the transport and nothing else is stalled by it.
func (m *mux[E]) throttle() {
	if err := m.limiter.Wait(context.Background()); err != nil {
		m.log.Warn("Rate limiter wait failed", "error", err)
	}
}
