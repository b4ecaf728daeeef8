package streaming

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/meridianquant/tastystream/dxlink"
)

// QuoteDialer opens the market-data transport. Overridable for tests.
type QuoteDialer func(ctx context.Context, wsURL, token string) (Transport[dxlink.MarketEvent], error)

// QuoteConfig configures a quote streamer.
type QuoteConfig struct {
	Options
	Dial QuoteDialer
}

// QuoteStreamer multiplexes one market-data connection into per-caller
// Quote/Trade/Greeks subscriptions.
type QuoteStreamer struct {
	core[dxlink.MarketEvent]
}

// ConnectQuote obtains a streamer token, connects the market-data transport,
// negotiates one feed channel carrying Quote, Trade and Greeks events and
// starts the dispatcher. Any failure is terminal; retry policy belongs to
// the caller.
func ConnectQuote(ctx context.Context, tokens TokenSource, cfg QuoteConfig) (*QuoteStreamer, error) {
	opts := cfg.Options.withDefaults()
	log := opts.Logger.With("streamer", "quote", "conn_id", uuid.NewString())

	tok, err := tokens.StreamerTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining streamer token: %w", err)
	}

	dial := cfg.Dial
	if dial == nil {
		dial = func(ctx context.Context, wsURL, token string) (Transport[dxlink.MarketEvent], error) {
			return dxlink.ConnectMarket(ctx, wsURL, token, dxlink.Config{Logger: log})
		}
	}
	transport, err := dial(ctx, tok.DXLinkURL, tok.Token)
	if err != nil {
		return nil, fmt.Errorf("connecting market-data transport: %w", err)
	}

	s := &QuoteStreamer{core: newCore[dxlink.MarketEvent](log, opts, marketFlags)}

	channel, err := transport.CreateFeedChannel(ctx, "AUTO")
	if err != nil {
		_ = transport.Disconnect()
		return nil, fmt.Errorf("creating feed channel: %w", err)
	}
	kinds := []dxlink.EventKind{dxlink.KindQuote, dxlink.KindTrade, dxlink.KindGreeks}
	if err := transport.SetupFeed(ctx, channel, kinds); err != nil {
		_ = transport.Disconnect()
		return nil, fmt.Errorf("configuring feed: %w", err)
	}

	s.mux = newMux(log, transport, channel, opts)
	s.mux.start()
	s.setState(StateConnected)
	log.Info("Quote streamer connected", "channel", channel, "level", tok.Level)
	return s, nil
}
