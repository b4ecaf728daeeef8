package dxlink

import "encoding/json"

// Protocol message types. Channel 0 carries connection-level messages; feed
// channels are negotiated with CHANNEL_REQUEST.
const (
	msgSetup            = "SETUP"
	msgAuth             = "AUTH"
	msgAuthState        = "AUTH_STATE"
	msgKeepalive        = "KEEPALIVE"
	msgChannelRequest   = "CHANNEL_REQUEST"
	msgChannelOpened    = "CHANNEL_OPENED"
	msgChannelClosed    = "CHANNEL_CLOSED"
	msgFeedSetup        = "FEED_SETUP"
	msgFeedConfig       = "FEED_CONFIG"
	msgFeedSubscription = "FEED_SUBSCRIPTION"
	msgFeedData         = "FEED_DATA"
	msgError            = "ERROR"
)

const (
	authStateAuthorized   = "AUTHORIZED"
	authStateUnauthorized = "UNAUTHORIZED"
)

// frame is the superset of every protocol message. Unused fields are omitted
// on the wire, so one shape covers the whole vocabulary.
type frame struct {
	Type    string `json:"type"`
	Channel int64  `json:"channel"`

	// SETUP
	Version                string `json:"version,omitempty"`
	KeepaliveTimeout       int    `json:"keepaliveTimeout,omitempty"`
	AcceptKeepaliveTimeout int    `json:"acceptKeepaliveTimeout,omitempty"`

	// AUTH / AUTH_STATE
	Token string `json:"token,omitempty"`
	State string `json:"state,omitempty"`

	// CHANNEL_REQUEST / CHANNEL_OPENED
	Service    string            `json:"service,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`

	// FEED_SETUP / FEED_CONFIG
	AcceptDataFormat  string                 `json:"acceptDataFormat,omitempty"`
	DataFormat        string                 `json:"dataFormat,omitempty"`
	AcceptEventFields map[EventKind][]string `json:"acceptEventFields,omitempty"`

	// FEED_SUBSCRIPTION
	Add    []SubscriptionRequest `json:"add,omitempty"`
	Remove []SubscriptionRequest `json:"remove,omitempty"`
	Reset  bool                  `json:"reset,omitempty"`

	// FEED_DATA
	Data json.RawMessage `json:"data,omitempty"`

	// ERROR
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// eventFields pins the fields requested per event kind when configuring a
// feed. Kinds absent here are delivered with the server's default field set.
var eventFields = map[EventKind][]string{
	KindQuote:  {"eventType", "eventSymbol", "bidPrice", "askPrice", "bidSize", "askSize"},
	KindTrade:  {"eventType", "eventSymbol", "price", "size", "dayVolume"},
	KindGreeks: {"eventType", "eventSymbol", "price", "volatility", "delta", "gamma", "theta", "vega", "rho"},
}
