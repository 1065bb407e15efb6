package upstream

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/tradeterm/feedbridge/internal/model"
)

// Frame type discriminators used by the Noren protocol.
const (
	typeConnect    = "c"
	typeConnectAck = "ck"
)

// ackOK is the status carried by a positive handshake acknowledgement.
const ackOK = "ok"

// connectRequest is the handshake frame identifying user and credential.
type connectRequest struct {
	Type         string `json:"t"`
	UID          string `json:"uid"`
	AccountID    string `json:"actid"`
	Source       string `json:"source"`
	SessionToken string `json:"susertoken"`
}

// connectAck is the handshake acknowledgement.
type connectAck struct {
	Type   string `json:"t"`
	Status string `json:"s"`
}

func (a connectAck) accepted() bool {
	return a.Type == typeConnectAck && strings.EqualFold(a.Status, ackOK)
}

// subscribeRequest carries the complete membership of one feed class.
type subscribeRequest struct {
	Type string `json:"t"` // "d" = detailed, "t" = touchline
	Keys string `json:"k"` // "NSE|22#NSE|1594#..."
}

// buildSubscription marshals a replace-the-set frame for a feed class.
// ok is false when the membership is empty; an empty batch is not sent.
func buildSubscription(class model.FeedClass, members []model.Instrument) (data []byte, ok bool) {
	if len(members) == 0 {
		return nil, false
	}
	keys := make([]string, 0, len(members))
	for _, inst := range members {
		keys = append(keys, inst.SubscriptionKey())
	}
	data, _ = json.Marshal(subscribeRequest{
		Type: string(class),
		Keys: strings.Join(keys, "#"),
	})
	return data, true
}

// WireNumber is a numeric field that may arrive as a JSON number, a
// quoted string, null, or an empty string. Empty and null are treated as
// absent so defaulting can kick in.
type WireNumber struct {
	Value float64
	Valid bool
}

func (n *WireNumber) UnmarshalJSON(data []byte) error {
	s := string(bytes.Trim(bytes.TrimSpace(data), `"`))
	if s == "" || s == "null" {
		*n = WireNumber{}
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*n = WireNumber{}
		return nil
	}
	*n = WireNumber{Value: v, Valid: true}
	return nil
}

// or returns the value, or the fallback when the field was absent.
func (n WireNumber) or(fallback float64) float64 {
	if n.Valid {
		return n.Value
	}
	return fallback
}

// TickFrame is an inbound price update.
type TickFrame struct {
	Type      string     `json:"t"`  // "df", "tf", "d", "t"
	Token     string     `json:"tk"` // wire token
	LastPrice WireNumber `json:"lp"`
	Open      WireNumber `json:"o"`
	High      WireNumber `json:"h"`
	Low       WireNumber `json:"l"`
	Close     WireNumber `json:"c"`
	Volume    WireNumber `json:"v"`
}

// tickTypes are the frame discriminators that carry price data.
var tickTypes = map[string]struct{}{
	"df": {}, "tf": {}, "d": {}, "t": {},
}

// ParseTick decodes an inbound frame. ok is false for non-tick frames
// (acks arriving out of band, unrecognized types) and undecodable data.
func ParseTick(data []byte) (TickFrame, bool) {
	var f TickFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return TickFrame{}, false
	}
	if _, ok := tickTypes[f.Type]; !ok || f.Token == "" {
		return TickFrame{}, false
	}
	return f, true
}

// FeedType returns the downstream feed_type name for this frame.
func (f TickFrame) FeedType() string {
	if strings.HasPrefix(f.Type, "d") {
		return model.FeedDetailed.Name()
	}
	return model.FeedTouchline.Name()
}

// Normalize transforms a tick frame into the downstream schema. Missing
// open/high/low default to the best available price and missing volume
// to zero.
func (f TickFrame) Normalize(inst model.Instrument, at time.Time) model.Tick {
	last := f.LastPrice.or(f.Close.or(0))
	ts := at.Unix()

	return model.Tick{
		Symbol:    inst.DisplaySymbol(),
		Token:     inst.Token,
		Exchange:  inst.Exchange,
		Timestamp: ts,
		Data: model.TickData{
			Open:      f.Open.or(last),
			High:      f.High.or(last),
			Low:       f.Low.or(last),
			Close:     last,
			LastPrice: last,
			Volume:    int64(f.Volume.or(0)),
			Time:      ts,
		},
		FeedType: f.FeedType(),
	}
}
