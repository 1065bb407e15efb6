package subs

import (
	"testing"

	"github.com/tradeterm/feedbridge/internal/model"
)

type fakeHandle struct {
	id string
}

func (f *fakeHandle) ID() string            { return f.id }
func (f *fakeHandle) Send(data []byte) error { return nil }

var tcs = model.Instrument{Exchange: "NSE", Token: "22", TradingSymbol: "TCS-EQ"}
var infy = model.Instrument{Exchange: "NSE", Token: "1594", TradingSymbol: "INFY-EQ"}

func TestIndex_RegisterDeduplicates(t *testing.T) {
	x := NewIndex()
	h1 := &fakeHandle{id: "a"}
	h2 := &fakeHandle{id: "b"}

	if !x.Register(tcs, model.FeedTouchline, h1) {
		t.Error("first register should report a new class member")
	}
	if x.Register(tcs, model.FeedTouchline, h2) {
		t.Error("second register of the same instrument should not change the class set")
	}

	if got := len(x.Members(model.FeedTouchline)); got != 1 {
		t.Errorf("touchline members = %d, want 1", got)
	}
	if got := x.ClientCount("22"); got != 2 {
		t.Errorf("clients for token 22 = %d, want 2", got)
	}
}

func TestIndex_UnregisterLastHandlePurgesEverything(t *testing.T) {
	x := NewIndex()
	h1 := &fakeHandle{id: "a"}
	h2 := &fakeHandle{id: "b"}

	x.Register(tcs, model.FeedTouchline, h1)
	x.Register(tcs, model.FeedDetailed, h2)

	res := x.Unregister("TCS-EQ", "NSE", h1)
	if !res.Found || res.Emptied {
		t.Fatalf("first unregister: Found=%v Emptied=%v, want true/false", res.Found, res.Emptied)
	}

	res = x.Unregister("TCS-EQ", "NSE", h2)
	if !res.Found || !res.Emptied {
		t.Fatalf("last unregister: Found=%v Emptied=%v, want true/true", res.Found, res.Emptied)
	}

	if x.Tokens() != 0 {
		t.Error("token should be gone from the client map")
	}
	if _, ok := x.Instrument("22"); ok {
		t.Error("token should be gone from the symbol map")
	}
	if len(x.Members(model.FeedTouchline)) != 0 || len(x.Members(model.FeedDetailed)) != 0 {
		t.Error("instrument should be gone from both class sets")
	}
}

func TestIndex_UnregisterUnknownSymbolIsNoop(t *testing.T) {
	x := NewIndex()
	h := &fakeHandle{id: "a"}
	x.Register(tcs, model.FeedTouchline, h)

	res := x.Unregister("SBIN-EQ", "NSE", h)
	if res.Found {
		t.Error("unknown symbol should not be found")
	}
	if x.Tokens() != 1 {
		t.Error("existing subscription should be untouched")
	}
}

func TestIndex_MembersFullMembershipAfterRemoval(t *testing.T) {
	x := NewIndex()
	h := &fakeHandle{id: "a"}
	sbin := model.Instrument{Exchange: "NSE", Token: "3045", TradingSymbol: "SBIN-EQ"}

	x.Register(tcs, model.FeedTouchline, h)
	x.Register(infy, model.FeedTouchline, h)
	x.Register(sbin, model.FeedTouchline, h)

	x.Unregister("INFY-EQ", "NSE", h)

	members := x.Members(model.FeedTouchline)
	if len(members) != 2 {
		t.Fatalf("members = %d, want 2", len(members))
	}
	for _, m := range members {
		if m == infy {
			t.Error("removed instrument still present in class membership")
		}
	}
}

func TestIndex_DropPurgesOnLastHandle(t *testing.T) {
	x := NewIndex()
	h1 := &fakeHandle{id: "a"}
	h2 := &fakeHandle{id: "b"}
	x.Register(tcs, model.FeedTouchline, h1)
	x.Register(tcs, model.FeedTouchline, h2)

	if x.Drop("22", h1) {
		t.Error("dropping one of two handles should not empty the token")
	}
	if !x.Drop("22", h2) {
		t.Error("dropping the last handle should empty the token")
	}
	if x.Tokens() != 0 || len(x.Members(model.FeedTouchline)) != 0 {
		t.Error("drop of last handle should purge the token and class sets")
	}
}

func TestIndex_ClientsSnapshot(t *testing.T) {
	x := NewIndex()
	h := &fakeHandle{id: "a"}
	x.Register(tcs, model.FeedTouchline, h)

	snap := x.Clients("22")
	if len(snap) != 1 {
		t.Fatalf("snapshot = %d handles, want 1", len(snap))
	}

	x.Unregister("TCS-EQ", "NSE", h)
	if len(snap) != 1 {
		t.Error("snapshot should be unaffected by later mutation")
	}
	if x.Clients("404") != nil {
		t.Error("unknown token should return nil")
	}
}
