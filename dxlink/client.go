// Package dxlink implements the duplex streaming transport used by the
// brokerage's feed service: connection setup and authorization, feed channel
// negotiation, subscription management and a decoded event stream.
//
// The protocol is the same for market data and account updates; only the
// payloads differ. Client is therefore generic over the decoded event type
// and takes a Decoder for the feed-data items of its connection.
package dxlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const clientVersion = "0.3-go"

// ErrConnectionClosed is returned by operations issued after the connection
// has been torn down.
var ErrConnectionClosed = errors.New("dxlink: connection closed")

// Decoder turns one raw feed-data item into a decoded event.
type Decoder[E any] func(raw json.RawMessage) (E, error)

// Config holds optional settings for a connection.
type Config struct {
	Logger            *slog.Logger  // defaults to slog.Default()
	KeepaliveInterval time.Duration // defaults to 30s
	EventBuffer       int           // decoded event channel capacity, defaults to 512
	HandshakeTimeout  time.Duration // dial + auth deadline, defaults to 10s
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 512
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	return c
}

// Client is one authorized streaming connection. All mutating calls are safe
// for concurrent use, though the intended usage is a single owner goroutine.
type Client[E any] struct {
	log    *slog.Logger
	conn   *websocket.Conn
	decode Decoder[E]
	cfg    Config

	writeMu sync.Mutex

	events chan E

	mu          sync.Mutex
	nextChannel int64
	waiters     map[string]chan frame

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
	readDone  chan struct{}
	kaDone    chan struct{}
}

// Connect dials the streaming endpoint, performs the SETUP/AUTH handshake
// with the given token and starts the connection's read and keepalive loops.
func Connect[E any](ctx context.Context, wsURL, token string, decode Decoder[E], cfg Config) (*Client[E], error) {
	cfg = cfg.withDefaults()

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", wsURL, err)
	}

	c := &Client[E]{
		log:         cfg.Logger,
		conn:        conn,
		decode:      decode,
		cfg:         cfg,
		events:      make(chan E, cfg.EventBuffer),
		nextChannel: 1, // client-initiated channels use odd numbers
		waiters:     make(map[string]chan frame),
		closed:      make(chan struct{}),
		readDone:    make(chan struct{}),
		kaDone:      make(chan struct{}),
	}

	if err := c.handshake(token); err != nil {
		conn.Close()
		return nil, err
	}

	go c.readLoop()
	go c.keepaliveLoop()

	c.log.Debug("DXLink connection established", "url", wsURL)
	return c, nil
}

// ConnectMarket opens a market-data connection yielding Quote, Trade and
// Greeks events.
func ConnectMarket(ctx context.Context, wsURL, token string, cfg Config) (*Client[MarketEvent], error) {
	return Connect(ctx, wsURL, token, DecodeMarketEvent, cfg)
}

// handshake runs synchronously before the read loop starts, so it owns the
// connection's read side for its duration.
func (c *Client[E]) handshake(token string) error {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	setup := frame{
		Type:                   msgSetup,
		Version:                clientVersion,
		KeepaliveTimeout:       60,
		AcceptKeepaliveTimeout: 60,
	}
	if err := c.write(setup); err != nil {
		return fmt.Errorf("sending SETUP: %w", err)
	}

	authSent := false
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("handshake read: %w", err)
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("handshake decode: %w", err)
		}
		switch f.Type {
		case msgSetup, msgKeepalive:
			// server acknowledgement, nothing to do
		case msgAuthState:
			switch f.State {
			case authStateAuthorized:
				return nil
			case authStateUnauthorized:
				if authSent {
					return errors.New("authorization rejected")
				}
				if err := c.write(frame{Type: msgAuth, Token: token}); err != nil {
					return fmt.Errorf("sending AUTH: %w", err)
				}
				authSent = true
			}
		case msgError:
			return fmt.Errorf("server error during handshake: %s: %s", f.Error, f.Message)
		}
	}
}

// CreateFeedChannel negotiates one feed channel for the given contract
// ("AUTO" for market data, "ACCOUNT" for account updates) and returns its id.
func (c *Client[E]) CreateFeedChannel(ctx context.Context, contract string) (int64, error) {
	c.mu.Lock()
	ch := c.nextChannel
	c.nextChannel += 2
	c.mu.Unlock()

	wait := c.addWaiter(msgChannelOpened, ch)
	req := frame{
		Type:       msgChannelRequest,
		Channel:    ch,
		Service:    "FEED",
		Parameters: map[string]string{"contract": contract},
	}
	if err := c.write(req); err != nil {
		c.dropWaiter(msgChannelOpened, ch)
		return 0, fmt.Errorf("requesting feed channel: %w", err)
	}
	if _, err := c.awaitFrame(ctx, wait, msgChannelOpened, ch); err != nil {
		return 0, fmt.Errorf("opening feed channel: %w", err)
	}
	c.log.Debug("Feed channel opened", "channel", ch, "contract", contract)
	return ch, nil
}

// SetupFeed declares the event kinds the channel should carry.
func (c *Client[E]) SetupFeed(ctx context.Context, channel int64, kinds []EventKind) error {
	fields := make(map[EventKind][]string, len(kinds))
	for _, k := range kinds {
		if f, ok := eventFields[k]; ok {
			fields[k] = f
		}
	}

	wait := c.addWaiter(msgFeedConfig, channel)
	req := frame{
		Type:              msgFeedSetup,
		Channel:           channel,
		AcceptDataFormat:  "FULL",
		AcceptEventFields: fields,
	}
	if err := c.write(req); err != nil {
		c.dropWaiter(msgFeedConfig, channel)
		return fmt.Errorf("sending feed setup: %w", err)
	}
	if _, err := c.awaitFrame(ctx, wait, msgFeedConfig, channel); err != nil {
		return fmt.Errorf("configuring feed: %w", err)
	}
	return nil
}

// Subscribe adds the given (kind, symbol) requests to the channel's feed.
func (c *Client[E]) Subscribe(channel int64, subs []SubscriptionRequest) error {
	if len(subs) == 0 {
		return nil
	}
	return c.write(frame{Type: msgFeedSubscription, Channel: channel, Add: subs})
}

// Unsubscribe removes the given requests from the channel's feed.
func (c *Client[E]) Unsubscribe(channel int64, subs []SubscriptionRequest) error {
	if len(subs) == 0 {
		return nil
	}
	return c.write(frame{Type: msgFeedSubscription, Channel: channel, Remove: subs})
}

// Events returns the decoded event stream. The channel is closed when the
// connection ends.
func (c *Client[E]) Events() <-chan E { return c.events }

// Disconnect closes the connection and waits for the read and keepalive
// loops to exit. It is safe to call more than once.
func (c *Client[E]) Disconnect() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
	})
	<-c.readDone
	<-c.kaDone
	return c.closeErr
}

func (c *Client[E]) readLoop() {
	defer close(c.readDone)
	defer close(c.events)
	defer c.failWaiters()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.log.Warn("DXLink connection read failed", "error", err)
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("Skipping malformed frame", "error", err)
			continue
		}
		switch f.Type {
		case msgKeepalive:
			// server liveness probe; our keepalive loop answers on its own cadence
		case msgChannelOpened, msgFeedConfig, msgChannelClosed:
			c.deliver(f)
		case msgFeedData:
			c.dispatchData(f)
		case msgError:
			c.log.Error("DXLink server error", "code", f.Error, "message", f.Message)
		case msgAuthState:
			c.log.Debug("Auth state changed", "state", f.State)
		default:
			c.log.Debug("Ignoring frame", "type", f.Type)
		}
	}
}

func (c *Client[E]) dispatchData(f frame) {
	var items []json.RawMessage
	if err := json.Unmarshal(f.Data, &items); err != nil {
		c.log.Warn("Skipping malformed feed data", "channel", f.Channel, "error", err)
		return
	}
	for _, raw := range items {
		ev, err := c.decode(raw)
		if err != nil {
			c.log.Warn("Skipping undecodable event", "channel", f.Channel, "error", err)
			continue
		}
		select {
		case c.events <- ev:
		case <-c.closed:
			return
		}
	}
}

func (c *Client[E]) keepaliveLoop() {
	defer close(c.kaDone)
	t := time.NewTicker(c.cfg.KeepaliveInterval)
	defer t.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-t.C:
			if err := c.write(frame{Type: msgKeepalive}); err != nil {
				c.log.Debug("Keepalive write failed", "error", err)
				return
			}
		}
	}
}

func (c *Client[E]) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(f)
}

func waiterKey(typ string, channel int64) string {
	return fmt.Sprintf("%s/%d", typ, channel)
}

func (c *Client[E]) addWaiter(typ string, channel int64) chan frame {
	w := make(chan frame, 1)
	c.mu.Lock()
	c.waiters[waiterKey(typ, channel)] = w
	c.mu.Unlock()
	return w
}

func (c *Client[E]) dropWaiter(typ string, channel int64) {
	c.mu.Lock()
	delete(c.waiters, waiterKey(typ, channel))
	c.mu.Unlock()
}

func (c *Client[E]) awaitFrame(ctx context.Context, w chan frame, typ string, channel int64) (frame, error) {
	select {
	case f, ok := <-w:
		if !ok {
			return frame{}, ErrConnectionClosed
		}
		return f, nil
	case <-ctx.Done():
		c.dropWaiter(typ, channel)
		return frame{}, ctx.Err()
	case <-c.closed:
		return frame{}, ErrConnectionClosed
	}
}

func (c *Client[E]) deliver(f frame) {
	c.mu.Lock()
	key := waiterKey(f.Type, f.Channel)
	w := c.waiters[key]
	delete(c.waiters, key)
	c.mu.Unlock()
	if w != nil {
		w <- f
	}
}

func (c *Client[E]) failWaiters() {
	c.mu.Lock()
	for _, w := range c.waiters {
		close(w)
	}
	c.waiters = make(map[string]chan frame)
	c.mu.Unlock()
}
