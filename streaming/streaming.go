// Package streaming multiplexes one shared feed connection into many
// independent, caller-held subscriptions.
//
// Each streamer owns exactly one transport connection. Administrative work
// (subscribe, unsubscribe, registry changes, disconnect) is funneled through
// an ordered command queue drained by a single dispatcher goroutine, which is
// the only code allowed to touch the transport. Incoming events are fanned
// out to every registered delivery channel without ever blocking on a slow
// consumer: a subscriber that does not keep up sees gaps, not backpressure.
package streaming

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/meridianquant/tastystream/dxlink"
	"github.com/meridianquant/tastystream/session"
)

// ErrStreamEnded is returned by GetEvent once the underlying connection has
// ended or the subscription was closed.
var ErrStreamEnded = errors.New("streaming: stream ended")

// SubscriptionID identifies one logical subscription within one streamer.
// IDs are allocated monotonically and never reused while the streamer lives.
type SubscriptionID uint64

// EventKindFlags selects which event kinds a subscription requests for each
// of its symbols.
type EventKindFlags uint32

const (
	FlagQuote EventKindFlags = 1 << iota
	FlagTrade
	FlagGreeks
	FlagOrder
	FlagMessage
)

// Flag sets accepted by each streamer variant.
const (
	marketFlags  = FlagQuote | FlagTrade | FlagGreeks
	accountFlags = FlagOrder | FlagMessage
)

// Has reports whether every flag in other is set.
func (f EventKindFlags) Has(other EventKindFlags) bool { return f&other == other }

var flagKinds = []struct {
	flag EventKindFlags
	kind dxlink.EventKind
}{
	{FlagQuote, dxlink.KindQuote},
	{FlagTrade, dxlink.KindTrade},
	{FlagGreeks, dxlink.KindGreeks},
	{FlagOrder, dxlink.KindOrder},
	{FlagMessage, dxlink.KindMessage},
}

// kinds expands the flag set into wire event kinds, in declaration order.
func (f EventKindFlags) kinds() []dxlink.EventKind {
	out := make([]dxlink.EventKind, 0, 3)
	for _, fk := range flagKinds {
		if f&fk.flag != 0 {
			out = append(out, fk.kind)
		}
	}
	return out
}

// wireRequests expands flags and symbols into one SubscriptionRequest per
// (set flag, symbol) pair, symbols outermost.
func wireRequests(flags EventKindFlags, symbols []string) []dxlink.SubscriptionRequest {
	kinds := flags.kinds()
	reqs := make([]dxlink.SubscriptionRequest, 0, len(kinds)*len(symbols))
	for _, sym := range symbols {
		for _, k := range kinds {
			reqs = append(reqs, dxlink.SubscriptionRequest{Type: k, Symbol: sym})
		}
	}
	return reqs
}

// Transport is the streaming connection consumed by a streamer. The
// dispatcher goroutine is the only caller of the mutating methods after
// connect time. Events must be closed by Disconnect or when the connection
// ends on its own.
type Transport[E any] interface {
	CreateFeedChannel(ctx context.Context, contract string) (int64, error)
	SetupFeed(ctx context.Context, channel int64, kinds []dxlink.EventKind) error
	Subscribe(channel int64, subs []dxlink.SubscriptionRequest) error
	Unsubscribe(channel int64, subs []dxlink.SubscriptionRequest) error
	Events() <-chan E
	Disconnect() error
}

// TokenSource supplies the streamer connection token, normally a
// *session.Session.
type TokenSource interface {
	StreamerTokens(ctx context.Context) (session.StreamerTokens, error)
}

// AccountSession supplies the credentials of the account-update connection,
// normally a *session.Session.
type AccountSession interface {
	SessionToken() string
	WebSocketURL() string
}

// Options holds settings shared by both streamer variants.
type Options struct {
	Logger *slog.Logger // defaults to slog.Default()

	// ChannelBuffer is each subscription's delivery channel capacity.
	// When a subscriber's buffer is full, new events for it are dropped.
	ChannelBuffer int // defaults to 100

	// QueueSize bounds the command queue. Submissions past a full queue
	// wait for the dispatcher rather than failing.
	QueueSize int // defaults to 100

	// SubscribeRate throttles subscribe/unsubscribe calls against the
	// transport. Zero means unlimited.
	SubscribeRate  rate.Limit
	SubscribeBurst int
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.ChannelBuffer <= 0 {
		o.ChannelBuffer = 100
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 100
	}
	if o.SubscribeRate == 0 {
		o.SubscribeRate = rate.Inf
	}
	if o.SubscribeBurst <= 0 {
		o.SubscribeBurst = 10
	}
	return o
}

func (o Options) limiter() *rate.Limiter {
	return rate.NewLimiter(o.SubscribeRate, o.SubscribeBurst)
}

// State is a streamer's position in its connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of a streamer.
type Status struct {
	State         State     `json:"state"`
	Subscriptions int       `json:"subscriptions"`
	ConnectedAt   time.Time `json:"connected_at,omitempty"`
}
