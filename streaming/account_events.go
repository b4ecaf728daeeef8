package streaming

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// AccountEvent is one decoded account-update event. The concrete type is one
// of ErrorMessage, StatusMessage or AccountMessage.
type AccountEvent interface {
	accountEvent()
}

// ErrorMessage reports a failed action on the account connection.
type ErrorMessage struct {
	Status             string `json:"status"`
	Action             string `json:"action"`
	WebSocketSessionID string `json:"web-socket-session-id"`
	Message            string `json:"message"`
}

// StatusMessage acknowledges an action on the account connection.
type StatusMessage struct {
	Status             string `json:"status"`
	Action             string `json:"action"`
	WebSocketSessionID string `json:"web-socket-session-id"`
	RequestID          uint64 `json:"request-id"`
}

// AccountMessage carries an account-scoped data update. Exactly one of the
// payload fields is set, according to Type; OrderChain and
// ExternalTransaction updates carry no payload we track.
type AccountMessage struct {
	Type     string
	Order    *LiveOrder
	Balance  *Balance
	Position *Position
}

func (ErrorMessage) accountEvent()   {}
func (StatusMessage) accountEvent()  {}
func (AccountMessage) accountEvent() {}

// LiveOrder is the order record pushed on order state changes.
type LiveOrder struct {
	ID               int64           `json:"id"`
	AccountNumber    string          `json:"account-number"`
	TimeInForce      string          `json:"time-in-force"`
	OrderType        string          `json:"order-type"`
	Size             uint64          `json:"size"`
	UnderlyingSymbol string          `json:"underlying-symbol"`
	Price            decimal.Decimal `json:"price"`
	PriceEffect      string          `json:"price-effect"`
	Status           string          `json:"status"`
	Cancellable      bool            `json:"cancellable"`
	Editable         bool            `json:"editable"`
	Edited           bool            `json:"edited"`
}

// Balance is the account balance snapshot pushed on balance changes.
type Balance struct {
	AccountNumber          string          `json:"account-number"`
	CashBalance            decimal.Decimal `json:"cash-balance"`
	LongEquityValue        decimal.Decimal `json:"long-equity-value"`
	ShortEquityValue       decimal.Decimal `json:"short-equity-value"`
	LongDerivativeValue    decimal.Decimal `json:"long-derivative-value"`
	ShortDerivativeValue   decimal.Decimal `json:"short-derivative-value"`
	MarginEquity           decimal.Decimal `json:"margin-equity"`
	EquityBuyingPower      decimal.Decimal `json:"equity-buying-power"`
	DerivativeBuyingPower  decimal.Decimal `json:"derivative-buying-power"`
	DayTradingBuyingPower  decimal.Decimal `json:"day-trading-buying-power"`
	AvailableTradingFunds  decimal.Decimal `json:"available-trading-funds"`
	MaintenanceRequirement decimal.Decimal `json:"maintenance-requirement"`
}

// Position is the brief position record pushed on position changes.
type Position struct {
	AccountNumber     string          `json:"account-number"`
	Symbol            string          `json:"symbol"`
	InstrumentType    string          `json:"instrument-type"`
	Quantity          decimal.Decimal `json:"quantity"`
	QuantityDirection string          `json:"quantity-direction"`
	AverageOpenPrice  decimal.Decimal `json:"average-open-price"`
	ClosePrice        decimal.Decimal `json:"close-price"`
}

// decodeAccountEvent decodes one account-update message into the AccountEvent
// union. Both schemas land here: the feed-channel events carry an
// "eventType" discriminator, the account socket's messages a "type" tag or
// the status/error envelope fields.
func decodeAccountEvent(data []byte) (AccountEvent, error) {
	var probe struct {
		EventType string          `json:"eventType"`
		Type      string          `json:"type"`
		Data      json.RawMessage `json:"data"`
		Status    string          `json:"status"`
		Message   string          `json:"message"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decoding account event: %w", err)
	}

	switch {
	case probe.EventType == "Order":
		var o LiveOrder
		if err := json.Unmarshal(data, &o); err != nil {
			return nil, fmt.Errorf("decoding order event: %w", err)
		}
		return AccountMessage{Type: "Order", Order: &o}, nil
	case probe.EventType == "Message":
		var st StatusMessage
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("decoding message event: %w", err)
		}
		return st, nil
	case probe.EventType != "":
		return nil, fmt.Errorf("unexpected account event type %q", probe.EventType)
	case probe.Type != "":
		return decodeAccountMessage(probe.Type, probe.Data)
	case probe.Message != "":
		var e ErrorMessage
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decoding error message: %w", err)
		}
		return e, nil
	case probe.Status != "":
		var st StatusMessage
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("decoding status message: %w", err)
		}
		return st, nil
	default:
		return nil, errors.New("unrecognized account event shape")
	}
}

func decodeAccountMessage(typ string, data json.RawMessage) (AccountEvent, error) {
	msg := AccountMessage{Type: typ}
	switch typ {
	case "Order":
		var o LiveOrder
		if err := json.Unmarshal(data, &o); err != nil {
			return nil, fmt.Errorf("decoding order: %w", err)
		}
		msg.Order = &o
	case "AccountBalance":
		var b Balance
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("decoding balance: %w", err)
		}
		msg.Balance = &b
	case "CurrentPosition":
		var p Position
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decoding position: %w", err)
		}
		msg.Position = &p
	case "OrderChain", "ExternalTransaction":
		// tracked by type only
	default:
		return nil, fmt.Errorf("unknown account message type %q", typ)
	}
	return msg, nil
}

// decodeAccountWireEvent adapts decodeAccountEvent to the transport Decoder
// shape for the account feed channel.
func decodeAccountWireEvent(raw json.RawMessage) (AccountEvent, error) {
	return decodeAccountEvent(raw)
}
