package dxlink

import (
	"encoding/json"
	"fmt"
)

// EventKind is the wire name of a feed event type.
type EventKind string

// Event kinds understood by the feed service.
const (
	KindQuote   EventKind = "Quote"
	KindTrade   EventKind = "Trade"
	KindGreeks  EventKind = "Greeks"
	KindOrder   EventKind = "Order"
	KindMessage EventKind = "Message"
)

// SubscriptionRequest is the atomic unit exchanged with the feed service to
// start or stop receiving events for one symbol.
type SubscriptionRequest struct {
	Type     EventKind `json:"type"`
	Symbol   string    `json:"symbol"`
	FromTime *int64    `json:"fromTime,omitempty"`
	Source   string    `json:"source,omitempty"`
}

// MarketEvent is one decoded market-data event. The concrete type is one of
// Quote, Trade or Greeks.
type MarketEvent interface {
	// Symbol reports the event symbol the event was published for.
	Symbol() string

	marketEvent()
}

// Quote is a top-of-book bid/ask update.
type Quote struct {
	EventSymbol string  `json:"eventSymbol"`
	BidPrice    float64 `json:"bidPrice"`
	AskPrice    float64 `json:"askPrice"`
	BidSize     float64 `json:"bidSize"`
	AskSize     float64 `json:"askSize"`
}

// Trade is a last-sale update.
type Trade struct {
	EventSymbol string  `json:"eventSymbol"`
	Price       float64 `json:"price"`
	Size        float64 `json:"size"`
	DayVolume   float64 `json:"dayVolume"`
}

// Greeks carries the option greeks and implied volatility for one option
// series.
type Greeks struct {
	EventSymbol string  `json:"eventSymbol"`
	Price       float64 `json:"price"`
	Volatility  float64 `json:"volatility"`
	Delta       float64 `json:"delta"`
	Gamma       float64 `json:"gamma"`
	Theta       float64 `json:"theta"`
	Vega        float64 `json:"vega"`
	Rho         float64 `json:"rho"`
}

func (q Quote) Symbol() string  { return q.EventSymbol }
func (t Trade) Symbol() string  { return t.EventSymbol }
func (g Greeks) Symbol() string { return g.EventSymbol }

func (Quote) marketEvent()  {}
func (Trade) marketEvent()  {}
func (Greeks) marketEvent() {}

// DecodeMarketEvent decodes one raw feed-data item into a MarketEvent. It is
// the Decoder used by market-data connections.
func DecodeMarketEvent(raw json.RawMessage) (MarketEvent, error) {
	var head struct {
		EventType EventKind `json:"eventType"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decoding event header: %w", err)
	}
	switch head.EventType {
	case KindQuote:
		var q Quote
		if err := json.Unmarshal(raw, &q); err != nil {
			return nil, fmt.Errorf("decoding quote: %w", err)
		}
		return q, nil
	case KindTrade:
		var t Trade
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("decoding trade: %w", err)
		}
		return t, nil
	case KindGreeks:
		var g Greeks
		if err := json.Unmarshal(raw, &g); err != nil {
			return nil, fmt.Errorf("decoding greeks: %w", err)
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unexpected market event type %q", head.EventType)
	}
}
