package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tradeterm/feedbridge/internal/model"
	"github.com/tradeterm/feedbridge/internal/subs"
	"github.com/tradeterm/feedbridge/internal/upstream"
)

// Errors
var (
	ErrNotConnected = errors.New("session not connected to upstream feed")
)

// Uplink is the session's view of its upstream link.
type Uplink interface {
	Connect(ctx context.Context, userID, credential string) error
	Close() error
	SendSubscription(class model.FeedClass, members []model.Instrument) error
	IsConnected() bool
	Frames() <-chan upstream.RawFrame
	Errors() <-chan error
}

// TokenResolver resolves a human symbol to its wire token.
type TokenResolver interface {
	Resolve(ctx context.Context, credential, symbol, exchange string) (string, error)
}

// TickSink receives every normalized tick after broadcast. Optional.
type TickSink interface {
	Record(tick model.Tick)
}

// Config configures a Session.
type Config struct {
	UserID     string
	Credential string

	Link     Uplink
	Resolver TokenResolver
	Sink     TickSink // may be nil
	Logger   *slog.Logger

	// Reconnect policy after a lost connection.
	AutoReconnect bool
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// Session bridges one authenticated upstream feed to its viewers.
type Session struct {
	userID     string
	credential string

	link     Uplink
	index    *subs.Index
	resolver TokenResolver
	sink     TickSink
	logger   *slog.Logger

	auto    bool
	backoff *upstream.Backoff

	// connectMu serializes connect attempts only; subscribe/unsubscribe
	// and the broadcast loop are not covered by it.
	connectMu sync.Mutex

	mu      sync.Mutex
	running bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Session with fresh, unshared containers.
func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base := cfg.ReconnectBase
	if base == 0 {
		base = time.Second
	}
	max := cfg.ReconnectMax
	if max == 0 {
		max = 60 * time.Second
	}
	return &Session{
		userID:     cfg.UserID,
		credential: cfg.Credential,
		link:       cfg.Link,
		index:      subs.NewIndex(),
		resolver:   cfg.Resolver,
		sink:       cfg.Sink,
		logger:     logger.With("uid", cfg.UserID),
		auto:       cfg.AutoReconnect,
		backoff:    upstream.NewBackoff(base, max),
	}
}

// UserID returns the account the session authenticates as.
func (s *Session) UserID() string { return s.userID }

// Connected reports whether the upstream link is usable.
func (s *Session) Connected() bool { return s.link.IsConnected() }

// Subscriptions returns the number of tokens with at least one viewer.
func (s *Session) Subscriptions() int { return s.index.Tokens() }

// Connect ensures the upstream link is established, performing the
// handshake if needed. Concurrent calls serialize; while connected it
// returns true immediately. Failures never raise past this boundary;
// the boolean tells the caller whether to retry.
func (s *Session) Connect(ctx context.Context) bool {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	if s.link.IsConnected() {
		return true
	}

	if err := s.link.Connect(ctx, s.userID, s.credential); err != nil {
		s.logger.Error("upstream connect failed", "error", err)
		return false
	}
	s.backoff.Reset()
	s.startLoop()
	return true
}

// Subscribe resolves the symbol, registers the viewer handle and, when
// the instrument is new to the feed class, re-sends the complete
// membership for that class.
func (s *Session) Subscribe(ctx context.Context, symbol, exchange string, class model.FeedClass, h subs.Handle) error {
	if !s.link.IsConnected() {
		return ErrNotConnected
	}

	token, err := s.resolver.Resolve(ctx, s.credential, symbol, exchange)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", symbol, err)
	}

	inst := model.Instrument{
		Exchange:      exchange,
		Token:         token,
		TradingSymbol: symbol,
	}

	// The index mutation is atomic; the frame send below can suspend but
	// only observes an already-consistent index.
	newToClass := s.index.Register(inst, class, h)

	s.logger.Info("viewer subscribed",
		"symbol", symbol,
		"token", token,
		"feed", class.Name(),
		"viewers", s.index.ClientCount(token),
	)

	if newToClass {
		s.resend(class)
	}
	return nil
}

// Unsubscribe removes the viewer handle from the token matching
// (symbol, exchange). Unknown symbols are a no-op. When the last handle
// goes away the token is purged and both class memberships re-sent.
func (s *Session) Unsubscribe(symbol, exchange string, h subs.Handle) {
	res := s.index.Unregister(symbol, exchange, h)
	if !res.Found {
		return
	}
	if res.Emptied {
		s.resend(model.FeedDetailed)
		s.resend(model.FeedTouchline)
		s.logger.Info("symbol unsubscribed", "symbol", symbol, "token", res.Token)
		return
	}
	s.logger.Debug("viewer removed",
		"symbol", symbol,
		"remaining", s.index.ClientCount(res.Token),
	)
}

// Close tears the session down: stops the broadcast loop, closes the
// link and waits for the loop to exit. Subscription state is retained so
// a later reconnect re-establishes the same subscriptions.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := s.link.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("session close timed out waiting for broadcast loop")
	}
	return err
}

// resend pushes the complete current membership of a class upstream.
// Best effort: a send failure is logged and the index stays
// authoritative, so a later change or reconnect recovers.
func (s *Session) resend(class model.FeedClass) {
	if err := s.link.SendSubscription(class, s.index.Members(class)); err != nil {
		s.logger.Warn("re-subscription send failed",
			"feed", class.Name(),
			"error", err,
		)
	}
}

// startLoop launches the broadcast loop once per session lifetime.
func (s *Session) startLoop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.closed {
		return
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(loopCtx)
}

// run consumes inbound frames and connection errors until the session
// closes. A connection loss transitions into the backoff/reconnect
// state machine when auto-reconnect is on. On exit the running flag is
// cleared so a later Connect can start a fresh loop.
func (s *Session) run(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case frame := <-s.link.Frames():
			s.broadcast(frame)

		case err := <-s.link.Errors():
			s.logger.Warn("upstream connection lost", "error", err)
			if !s.auto {
				return
			}
			if !s.redial(ctx) {
				return
			}
		}
	}
}

// redial reconnects with bounded exponential backoff and jitter, then
// re-sends the full membership of both feed classes. Returns false when
// the session is closing. Each attempt holds connectMu so redial never
// races a viewer-driven Connect on the link or the backoff state.
func (s *Session) redial(ctx context.Context) bool {
	for {
		s.connectMu.Lock()
		wait := s.backoff.Next()
		attempt := s.backoff.Attempts()
		s.connectMu.Unlock()

		s.logger.Info("reconnecting upstream",
			"attempt", attempt,
			"wait", wait,
		)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}

		s.connectMu.Lock()
		err := s.link.Connect(ctx, s.userID, s.credential)
		if err == nil {
			s.backoff.Reset()
		}
		s.connectMu.Unlock()

		if err == nil {
			s.resend(model.FeedDetailed)
			s.resend(model.FeedTouchline)
			s.logger.Info("upstream reconnected", "subscriptions", s.index.Tokens())
			return true
		}
		if errors.Is(err, upstream.ErrClosed) {
			return false
		}
		s.logger.Warn("reconnect attempt failed", "error", err)
	}
}

// broadcast decodes one inbound frame and delivers the normalized tick
// to every viewer subscribed to its token. Non-tick frames and ticks
// without subscribers are dropped. A failing handle never blocks
// delivery to the rest; failed handles are evicted after the pass.
func (s *Session) broadcast(frame upstream.RawFrame) {
	tick, ok := upstream.ParseTick(frame.Data)
	if !ok {
		return
	}

	clients := s.index.Clients(tick.Token)
	if len(clients) == 0 {
		return
	}
	inst, ok := s.index.Instrument(tick.Token)
	if !ok {
		return
	}

	normalized := tick.Normalize(inst, frame.ReceivedAt)
	payload, err := json.Marshal(normalized)
	if err != nil {
		s.logger.Error("marshal tick", "error", err)
		return
	}

	var failed []subs.Handle
	for _, h := range clients {
		if err := h.Send(payload); err != nil {
			s.logger.Debug("viewer send failed, evicting",
				"viewer", h.ID(),
				"error", err,
			)
			failed = append(failed, h)
		}
	}

	emptied := false
	for _, h := range failed {
		if s.index.Drop(tick.Token, h) {
			emptied = true
		}
	}
	if emptied {
		s.resend(model.FeedDetailed)
		s.resend(model.FeedTouchline)
	}

	if s.sink != nil {
		s.sink.Record(normalized)
	}
}
