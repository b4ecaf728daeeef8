// Package tastystream is a Go client for a tastytrade-style brokerage's
// real-time streaming APIs.
//
// The heart of the module is the streaming package: a multiplexer that turns
// one shared feed connection into many independent, caller-held
// subscriptions, in two variants: market data (quotes, trades, greeks) and
// account updates (orders, balances, positions). The session package handles
// authentication and token retrieval, and the dxlink package implements the
// underlying duplex transport protocol.
//
// Typical use:
//
//	sess, err := session.Login(ctx, session.CredentialsFromEnv(), session.ConfigFromEnv())
//	if err != nil { ... }
//
//	client := tastystream.New(sess, nil)
//	quotes, err := client.QuoteStreamer(ctx, streaming.QuoteConfig{})
//	if err != nil { ... }
//	defer quotes.Close()
//
//	sub := quotes.CreateSub(streaming.FlagQuote | streaming.FlagTrade)
//	sub.AddSymbols("SPX", "AAPL")
//	for {
//		ev, err := sub.GetEvent(ctx)
//		if err != nil { break }
//		...
//	}
package tastystream
