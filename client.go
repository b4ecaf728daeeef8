package tastystream

import (
	"context"
	"log/slog"

	"github.com/meridianquant/tastystream/session"
	"github.com/meridianquant/tastystream/streaming"
)

// Client ties an authenticated session to the streaming entry points.
type Client struct {
	sess *session.Session
	log  *slog.Logger
}

// New wraps an authenticated session. A nil logger falls back to
// slog.Default().
func New(sess *session.Session, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{sess: sess, log: logger}
}

// Session returns the underlying session.
func (c *Client) Session() *session.Session { return c.sess }

// QuoteStreamer connects a market-data streamer on this session.
func (c *Client) QuoteStreamer(ctx context.Context, cfg streaming.QuoteConfig) (*streaming.QuoteStreamer, error) {
	if cfg.Logger == nil {
		cfg.Logger = c.log
	}
	return streaming.ConnectQuote(ctx, c.sess, cfg)
}

// AccountStreamer connects an account-update streamer on this session.
func (c *Client) AccountStreamer(ctx context.Context, cfg streaming.AccountConfig) (*streaming.AccountStreamer, error) {
	if cfg.Logger == nil {
		cfg.Logger = c.log
	}
	return streaming.ConnectAccount(ctx, c.sess, cfg)
}
