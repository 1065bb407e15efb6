package subs

import (
	"sort"
	"sync"

	"github.com/tradeterm/feedbridge/internal/model"
)

// Handle is an opaque reference to a viewer connection capable of
// asynchronous send. The index never closes a handle; cleanup of the
// underlying connection belongs to the gateway.
type Handle interface {
	// ID uniquely identifies the viewer connection.
	ID() string

	// Send queues data for asynchronous delivery.
	Send(data []byte) error
}

// RemoveResult reports the outcome of removing a handle from a token.
type RemoveResult struct {
	Found   bool   // the (symbol, exchange) pair mapped to a token
	Token   string // the affected wire token
	Emptied bool   // the last handle was removed and the token purged
}

// Index is the subscription index for one session. It is owned
// exclusively by that session and safe for concurrent use.
type Index struct {
	mu sync.Mutex

	// token → set of viewer handles
	clients map[string]map[Handle]struct{}

	// token → resolved instrument
	symbols map[string]model.Instrument

	// feed class → set of instruments with an active upstream subscription
	classes map[model.FeedClass]map[model.Instrument]struct{}
}

// NewIndex creates an empty index with fresh containers.
func NewIndex() *Index {
	return &Index{
		clients: make(map[string]map[Handle]struct{}),
		symbols: make(map[string]model.Instrument),
		classes: map[model.FeedClass]map[model.Instrument]struct{}{
			model.FeedTouchline: make(map[model.Instrument]struct{}),
			model.FeedDetailed:  make(map[model.Instrument]struct{}),
		},
	}
}

// Register adds a handle under the instrument's token and the instrument
// to the given feed-class set. It returns true when the instrument is new
// to that class, meaning the upstream membership for the class changed.
func (x *Index) Register(inst model.Instrument, class model.FeedClass, h Handle) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	set, ok := x.clients[inst.Token]
	if !ok {
		set = make(map[Handle]struct{})
		x.clients[inst.Token] = set
	}
	set[h] = struct{}{}
	x.symbols[inst.Token] = inst

	members := x.classes[class]
	if _, exists := members[inst]; exists {
		return false
	}
	members[inst] = struct{}{}
	return true
}

// Unregister removes a handle from the token whose instrument matches
// (tradingSymbol, exchange). A miss is a no-op. When the last handle for
// the token goes away, the token is purged from every map and the
// instrument from both class sets.
func (x *Index) Unregister(tradingSymbol, exchange string, h Handle) RemoveResult {
	x.mu.Lock()
	defer x.mu.Unlock()

	token, ok := x.lookupLocked(tradingSymbol, exchange)
	if !ok {
		return RemoveResult{}
	}

	emptied := x.removeLocked(token, h)
	return RemoveResult{Found: true, Token: token, Emptied: emptied}
}

// Drop removes a handle from a specific token, purging the token when the
// set empties. Used by the broadcaster to evict handles that failed
// delivery without waiting for an explicit unsubscribe.
func (x *Index) Drop(token string, h Handle) (emptied bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.removeLocked(token, h)
}

// Clients returns a snapshot of the handles subscribed to a token.
func (x *Index) Clients(token string) []Handle {
	x.mu.Lock()
	defer x.mu.Unlock()

	set, ok := x.clients[token]
	if !ok {
		return nil
	}
	out := make([]Handle, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	return out
}

// Instrument returns the instrument mapped to a token.
func (x *Index) Instrument(token string) (model.Instrument, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	inst, ok := x.symbols[token]
	return inst, ok
}

// Members returns the current membership of a feed class, sorted by
// subscription key so re-subscription frames are deterministic.
func (x *Index) Members(class model.FeedClass) []model.Instrument {
	x.mu.Lock()
	defer x.mu.Unlock()

	set := x.classes[class]
	out := make([]model.Instrument, 0, len(set))
	for inst := range set {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubscriptionKey() < out[j].SubscriptionKey()
	})
	return out
}

// Tokens returns the number of tokens with at least one subscriber.
func (x *Index) Tokens() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.clients)
}

// ClientCount returns the number of handles subscribed to a token.
func (x *Index) ClientCount(token string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.clients[token])
}

func (x *Index) lookupLocked(tradingSymbol, exchange string) (string, bool) {
	for token, inst := range x.symbols {
		if inst.TradingSymbol == tradingSymbol && inst.Exchange == exchange {
			return token, true
		}
	}
	return "", false
}

// removeLocked takes a handle off a token and, when the set empties,
// purges the token and its instrument from every structure in one step so
// no partial removal is ever observable. Class membership is not tracked
// per token, so the instrument is removed from both sets.
func (x *Index) removeLocked(token string, h Handle) bool {
	set, ok := x.clients[token]
	if !ok {
		return false
	}
	delete(set, h)
	if len(set) > 0 {
		return false
	}

	inst, ok := x.symbols[token]
	delete(x.clients, token)
	delete(x.symbols, token)
	if ok {
		delete(x.classes[model.FeedTouchline], inst)
		delete(x.classes[model.FeedDetailed], inst)
	}
	return true
}
