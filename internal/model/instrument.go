package model

import "strings"

// FeedClass selects the granularity of an upstream subscription.
// The values are the Noren wire discriminators.
type FeedClass string

const (
	// FeedTouchline is the summary quote feed ("t"/"tf" frames).
	FeedTouchline FeedClass = "t"

	// FeedDetailed is the full depth feed ("d"/"df" frames).
	FeedDetailed FeedClass = "d"
)

// Name returns the human-readable class name used in downstream payloads.
func (f FeedClass) Name() string {
	if f == FeedDetailed {
		return "detailed"
	}
	return "touchline"
}

// ParseFeedClass maps a request parameter to a FeedClass.
// Anything other than "d"/"detailed" is touchline.
func ParseFeedClass(s string) FeedClass {
	switch strings.ToLower(s) {
	case "d", "detailed":
		return FeedDetailed
	}
	return FeedTouchline
}

// Instrument identifies one tradeable scrip as known to the upstream feed.
// It is an immutable value: all fields are set at resolution time and the
// struct is comparable, so it can be used directly as a map key or set
// element. Two independent resolutions of the same scrip collapse to one
// logical subscription.
type Instrument struct {
	Exchange      string // e.g. "NSE"
	Token         string // broker-assigned numeric scrip ID, as text
	TradingSymbol string // exchange-qualified display symbol, e.g. "TCS-EQ"
}

// Formatted returns the exchange-qualified form used on the wire,
// e.g. "NSE|TCS-EQ".
func (i Instrument) Formatted() string {
	return i.Exchange + "|" + i.TradingSymbol
}

// SubscriptionKey returns the "EXCH|token" pair used in batched
// re-subscription frames, e.g. "NSE|22".
func (i Instrument) SubscriptionKey() string {
	return i.Exchange + "|" + i.Token
}

// DisplaySymbol returns the trading symbol without its series suffix,
// e.g. "TCS" for "TCS-EQ".
func (i Instrument) DisplaySymbol() string {
	s := strings.TrimSuffix(i.TradingSymbol, "-EQ")
	return strings.TrimSuffix(s, "-BE")
}

// Tick is the normalized tick delivered to viewer connections.
type Tick struct {
	Symbol    string   `json:"symbol"`
	Token     string   `json:"token"`
	Exchange  string   `json:"exchange"`
	Timestamp int64    `json:"timestamp"`
	Data      TickData `json:"data"`
	FeedType  string   `json:"feed_type"`
}

// TickData carries the OHLCV payload of a normalized tick.
type TickData struct {
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	LastPrice float64 `json:"last_price"`
	Volume    int64   `json:"volume"`
	Time      int64   `json:"time"`
}
