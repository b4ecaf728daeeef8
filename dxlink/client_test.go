package dxlink

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// feedServer speaks just enough of the protocol to drive a client through
// setup, channel negotiation and feed data.
type feedServer struct {
	t         *testing.T
	srv       *httptest.Server
	wantToken string
	rejectAll bool

	mu   sync.Mutex
	subs []frame

	handlers sync.WaitGroup
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	s := &feedServer{t: t, wantToken: "tok"}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *feedServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *feedServer) subscriptions() []frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frame(nil), s.subs...)
}

func (s *feedServer) handle(w http.ResponseWriter, r *http.Request) {
	s.handlers.Add(1)
	defer s.handlers.Done()
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case msgSetup:
			s.reply(conn, frame{Type: msgSetup, Version: "1.0-test", KeepaliveTimeout: 60})
			s.reply(conn, frame{Type: msgAuthState, State: authStateUnauthorized})
		case msgAuth:
			if s.rejectAll || f.Token != s.wantToken {
				s.reply(conn, frame{Type: msgAuthState, State: authStateUnauthorized})
				continue
			}
			s.reply(conn, frame{Type: msgAuthState, State: authStateAuthorized})
		case msgChannelRequest:
			s.reply(conn, frame{Type: msgChannelOpened, Channel: f.Channel, Service: f.Service})
		case msgFeedSetup:
			s.reply(conn, frame{Type: msgFeedConfig, Channel: f.Channel, DataFormat: "FULL"})
		case msgFeedSubscription:
			s.mu.Lock()
			s.subs = append(s.subs, f)
			s.mu.Unlock()
			if len(f.Add) > 0 {
				s.pushData(conn, f.Channel, f.Add[0].Symbol)
			}
		case msgKeepalive:
			// ignored
		}
	}
}

// pushData sends one FEED_DATA burst: an event we don't decode, followed by
// a quote for the subscribed symbol.
func (s *feedServer) pushData(conn *websocket.Conn, channel int64, symbol string) {
	items := []any{
		map[string]any{"eventType": "Candle", "eventSymbol": symbol},
		map[string]any{"eventType": "Quote", "eventSymbol": symbol, "bidPrice": 187.1, "askPrice": 187.2, "bidSize": 10, "askSize": 12},
	}
	data, err := json.Marshal(items)
	require.NoError(s.t, err)
	s.reply(conn, frame{Type: msgFeedData, Channel: channel, Data: data})
}

func (s *feedServer) reply(conn *websocket.Conn, f frame) {
	if err := conn.WriteJSON(f); err != nil {
		s.t.Logf("server write: %v", err)
	}
}

func TestConnectNegotiatesAndStreams(t *testing.T) {
	srv := newFeedServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := ConnectMarket(ctx, srv.url(), "tok", Config{Logger: testLogger(), KeepaliveInterval: time.Hour})
	require.NoError(t, err)
	defer c.Disconnect()

	ch, err := c.CreateFeedChannel(ctx, "AUTO")
	require.NoError(t, err)
	assert.Equal(t, int64(1), ch)

	require.NoError(t, c.SetupFeed(ctx, ch, []EventKind{KindQuote, KindTrade, KindGreeks}))

	require.NoError(t, c.Subscribe(ch, []SubscriptionRequest{{Type: KindQuote, Symbol: "AAPL"}}))

	// the undecodable Candle item is skipped; the quote comes through
	select {
	case ev := <-c.Events():
		quote, ok := ev.(Quote)
		require.True(t, ok, "got %T", ev)
		assert.Equal(t, "AAPL", quote.Symbol())
		assert.Equal(t, 187.1, quote.BidPrice)
	case <-ctx.Done():
		t.Fatal("no event before deadline")
	}

	require.NoError(t, c.Unsubscribe(ch, []SubscriptionRequest{{Type: KindQuote, Symbol: "AAPL"}}))
	require.NoError(t, c.Disconnect())

	// events channel closes once the connection ends
	_, open := <-c.Events()
	assert.False(t, open)

	// the handler exits once the connection closes; waiting for it makes
	// every frame sent before Disconnect visible to the assertions below
	srv.handlers.Wait()

	subs := srv.subscriptions()
	require.Len(t, subs, 2)
	assert.Equal(t, []SubscriptionRequest{{Type: KindQuote, Symbol: "AAPL"}}, subs[0].Add)
	assert.Equal(t, []SubscriptionRequest{{Type: KindQuote, Symbol: "AAPL"}}, subs[1].Remove)
}

func TestCreateFeedChannelNumbersAreOdd(t *testing.T) {
	srv := newFeedServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := ConnectMarket(ctx, srv.url(), "tok", Config{Logger: testLogger(), KeepaliveInterval: time.Hour})
	require.NoError(t, err)
	defer c.Disconnect()

	first, err := c.CreateFeedChannel(ctx, "AUTO")
	require.NoError(t, err)
	second, err := c.CreateFeedChannel(ctx, "AUTO")
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(3), second)
}

func TestConnectAuthRejected(t *testing.T) {
	srv := newFeedServer(t)
	srv.rejectAll = true
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := ConnectMarket(ctx, srv.url(), "tok", Config{Logger: testLogger()})
	require.ErrorContains(t, err, "authorization rejected")
}

func TestConnectDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := ConnectMarket(ctx, "ws://127.0.0.1:1", "tok", Config{Logger: testLogger()})
	require.Error(t, err)
}

func TestSubscribeEmptyIsNoop(t *testing.T) {
	srv := newFeedServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := ConnectMarket(ctx, srv.url(), "tok", Config{Logger: testLogger(), KeepaliveInterval: time.Hour})
	require.NoError(t, err)
	defer c.Disconnect()

	require.NoError(t, c.Subscribe(5, nil))
	require.NoError(t, c.Unsubscribe(5, nil))
	assert.Empty(t, srv.subscriptions())
}

func TestDecodeMarketEvent(t *testing.T) {
	t.Run("quote", func(t *testing.T) {
		ev, err := DecodeMarketEvent([]byte(`{"eventType":"Quote","eventSymbol":"SPY","bidPrice":443.2,"askPrice":443.3}`))
		require.NoError(t, err)
		require.Equal(t, Quote{EventSymbol: "SPY", BidPrice: 443.2, AskPrice: 443.3}, ev)
	})

	t.Run("trade", func(t *testing.T) {
		ev, err := DecodeMarketEvent([]byte(`{"eventType":"Trade","eventSymbol":"SPY","price":443.25,"size":100,"dayVolume":1250000}`))
		require.NoError(t, err)
		require.Equal(t, Trade{EventSymbol: "SPY", Price: 443.25, Size: 100, DayVolume: 1250000}, ev)
	})

	t.Run("greeks", func(t *testing.T) {
		ev, err := DecodeMarketEvent([]byte(`{"eventType":"Greeks","eventSymbol":".SPY240920C550","delta":0.42,"theta":-0.08}`))
		require.NoError(t, err)
		g, ok := ev.(Greeks)
		require.True(t, ok)
		assert.Equal(t, 0.42, g.Delta)
		assert.Equal(t, ".SPY240920C550", g.Symbol())
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := DecodeMarketEvent([]byte(`{"eventType":"Candle"}`))
		require.ErrorContains(t, err, "unexpected market event type")
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := DecodeMarketEvent([]byte(`{`))
		require.Error(t, err)
	})
}
