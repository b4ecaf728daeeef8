package streaming

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/meridianquant/tastystream/dxlink"
)

// AccountAction is an administrative action sent on the account socket.
type AccountAction string

const (
	ActionHeartbeat                 AccountAction = "heartbeat"
	ActionConnect                   AccountAction = "connect"
	ActionPublicWatchlistsSubscribe AccountAction = "public-watchlists-subscribe"
	ActionQuoteAlertsSubscribe      AccountAction = "quote-alerts-subscribe"
	ActionUserMessageSubscribe      AccountAction = "user-message-subscribe"
)

// subRequest is the envelope every account socket action is wrapped in.
type subRequest struct {
	AuthToken string        `json:"auth-token"`
	Action    AccountAction `json:"action"`
	Value     any           `json:"value,omitempty"`
}

// AccountSocket is the duplex account-update socket. *websocket.Conn
// satisfies it.
type AccountSocket interface {
	WriteJSON(v any) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// AccountDialer opens the account feed transport. Overridable for tests.
type AccountDialer func(ctx context.Context, wsURL, token string) (Transport[AccountEvent], error)

// SocketDialer opens the account socket. Overridable for tests.
type SocketDialer func(ctx context.Context, wsURL string) (AccountSocket, error)

// AccountConfig configures an account streamer.
type AccountConfig struct {
	Options

	// HeartbeatInterval paces the keep-alive actions sent on the account
	// socket regardless of subscription activity.
	HeartbeatInterval time.Duration // defaults to 30s

	Dial       AccountDialer
	DialSocket SocketDialer
}

// AccountStreamer multiplexes account updates (orders, balances, positions)
// into per-caller subscriptions. It runs two parallel dispatcher/fan-out
// pairs against one registry: the feed channel speaking the Order/Message
// event schema, and the older account socket kept for compatibility during
// the protocol migration. Both feed the same GetEvent contract.
type AccountStreamer struct {
	core[AccountEvent]
	legacy *accountSocketPair
}

// ConnectAccount connects both account transports, negotiates the feed
// channel carrying Order and Message events and starts the dispatcher,
// socket loops and heartbeat. Any failure is terminal; no retrying happens
// here.
func ConnectAccount(ctx context.Context, sess AccountSession, cfg AccountConfig) (*AccountStreamer, error) {
	opts := cfg.Options.withDefaults()
	log := opts.Logger.With("streamer", "account", "conn_id", uuid.NewString())
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}

	token := sess.SessionToken()
	wsURL := sess.WebSocketURL()

	dial := cfg.Dial
	if dial == nil {
		dial = func(ctx context.Context, wsURL, token string) (Transport[AccountEvent], error) {
			return dxlink.Connect(ctx, wsURL, token, decodeAccountWireEvent, dxlink.Config{Logger: log})
		}
	}
	transport, err := dial(ctx, wsURL, token)
	if err != nil {
		return nil, fmt.Errorf("connecting account transport: %w", err)
	}

	channel, err := transport.CreateFeedChannel(ctx, "ACCOUNT")
	if err != nil {
		_ = transport.Disconnect()
		return nil, fmt.Errorf("creating account channel: %w", err)
	}
	kinds := []dxlink.EventKind{dxlink.KindOrder, dxlink.KindMessage}
	if err := transport.SetupFeed(ctx, channel, kinds); err != nil {
		_ = transport.Disconnect()
		return nil, fmt.Errorf("configuring account feed: %w", err)
	}

	dialSocket := cfg.DialSocket
	if dialSocket == nil {
		dialSocket = func(ctx context.Context, wsURL string) (AccountSocket, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}
	}
	sock, err := dialSocket(ctx, wsURL)
	if err != nil {
		_ = transport.Disconnect()
		return nil, fmt.Errorf("connecting account socket: %w", err)
	}

	s := &AccountStreamer{core: newCore[AccountEvent](log, opts, accountFlags)}
	s.mux = newMux(log, transport, channel, opts)
	s.mux.start()
	s.legacy = startAccountSocketPair(log, sock, token, s.mux.reg, cfg.HeartbeatInterval)
	s.setState(StateConnected)
	log.Info("Account streamer connected", "channel", channel)
	return s, nil
}

// SubscribeToAccount starts account-scoped updates for one account number,
// on both connections: the Connect action on the account socket and
// Order+Message feed subscriptions keyed by the account number.
func (s *AccountStreamer) SubscribeToAccount(accountNumber string) {
	s.legacy.send(ActionConnect, []string{accountNumber})
	reqs := []dxlink.SubscriptionRequest{
		{Type: dxlink.KindOrder, Symbol: accountNumber},
		{Type: dxlink.KindMessage, Symbol: accountNumber},
	}
	s.mux.submit(command[AccountEvent]{kind: cmdSubscribe, requests: reqs})
	s.log.Debug("Account subscription requested", "account", accountNumber)
}

// Send submits a raw action on the account socket. A torn-down streamer
// drops the action silently.
func (s *AccountStreamer) Send(action AccountAction, value any) {
	if !s.legacy.send(action, value) {
		s.log.Debug("Dropping action for closed account socket", "action", action)
	}
}

// Close tears down both pairs: subscriptions and feed disconnect first, then
// the account socket.
func (s *AccountStreamer) Close() {
	s.core.Close()
	s.legacy.shutdown()
}

// accountSocketPair is the second dispatcher/fan-out pair: an ordered action
// queue drained by a single writer goroutine (the only code touching the
// socket's write side) and a read loop decoding the older account-event
// schema into the shared registry.
type accountSocketPair struct {
	log   *slog.Logger
	token string
	sock  AccountSocket
	reg   *registry[AccountEvent]

	actions chan subRequest
	stop    chan struct{}
	once    sync.Once

	writerDone chan struct{}
	readerDone chan struct{}
	hbDone     chan struct{}
}

func startAccountSocketPair(log *slog.Logger, sock AccountSocket, token string, reg *registry[AccountEvent], heartbeat time.Duration) *accountSocketPair {
	p := &accountSocketPair{
		log:        log,
		token:      token,
		sock:       sock,
		reg:        reg,
		actions:    make(chan subRequest, 16),
		stop:       make(chan struct{}),
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
		hbDone:     make(chan struct{}),
	}
	go p.writeLoop()
	go p.readLoop()
	go p.heartbeatLoop(heartbeat)
	return p
}

// send enqueues an action for the writer. It reports false once the pair is
// shut down.
func (p *accountSocketPair) send(action AccountAction, value any) bool {
	req := subRequest{AuthToken: p.token, Action: action, Value: value}
	select {
	case <-p.stop:
		return false
	default:
	}
	select {
	case p.actions <- req:
		return true
	case <-p.stop:
		return false
	}
}

func (p *accountSocketPair) writeLoop() {
	defer close(p.writerDone)
	for {
		select {
		case <-p.stop:
			return
		case req := <-p.actions:
			if err := p.sock.WriteJSON(req); err != nil {
				p.log.Warn("Account socket write failed", "action", req.Action, "error", err)
				p.kill()
				return
			}
		}
	}
}

func (p *accountSocketPair) readLoop() {
	defer close(p.readerDone)
	for {
		_, data, err := p.sock.ReadMessage()
		if err != nil {
			select {
			case <-p.stop:
			default:
				p.log.Warn("Account socket closed", "error", err)
			}
			return
		}
		ev, err := decodeAccountEvent(data)
		if err != nil {
			p.log.Warn("Skipping malformed account message", "error", err)
			continue
		}
		p.reg.broadcast(ev)
	}
}

// heartbeatLoop keeps the account session alive independent of subscription
// activity. A failed send means the action queue is gone; that stops the
// heartbeat but does not tear down the streamer.
func (p *accountSocketPair) heartbeatLoop(interval time.Duration) {
	defer close(p.hbDone)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-t.C:
			if !p.send(ActionHeartbeat, nil) {
				p.log.Debug("Heartbeat stopped: action queue closed")
				return
			}
		}
	}
}

// kill stops the loops without waiting; used from inside a loop on write
// failure.
func (p *accountSocketPair) kill() {
	p.once.Do(func() {
		close(p.stop)
		_ = p.sock.Close()
	})
}

func (p *accountSocketPair) shutdown() {
	p.kill()
	<-p.writerDone
	<-p.readerDone
	<-p.hbDone
}
