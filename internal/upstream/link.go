package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tradeterm/feedbridge/internal/model"
)

// Errors
var (
	ErrNotConnected      = errors.New("not connected")
	ErrClosed            = errors.New("link closed")
	ErrHandshakeTimeout  = errors.New("handshake ack timeout")
	ErrHandshakeRejected = errors.New("handshake rejected")
)

// RawFrame is one inbound message with its receive timestamp.
type RawFrame struct {
	Data       []byte
	ReceivedAt time.Time
}

// LinkConfig configures an upstream link.
type LinkConfig struct {
	URL          string        // WebSocket URL (e.g. wss://piconnect.flattrade.in/PiConnectWSTp/)
	AckTimeout   time.Duration // Max wait for the handshake acknowledgement
	WriteTimeout time.Duration // Write deadline for sends
	BufferSize   int           // Inbound frame channel capacity
}

// DefaultLinkConfig returns sensible defaults.
func DefaultLinkConfig() LinkConfig {
	return LinkConfig{
		AckTimeout:   6 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   1000,
	}
}

func (c *LinkConfig) applyDefaults() {
	d := DefaultLinkConfig()
	if c.AckTimeout == 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.BufferSize == 0 {
		c.BufferSize = d.BufferSize
	}
}

// Link owns one streaming connection to the broker feed for one
// credential. The connection handle is never shared; replacing it on
// redial closes the prior handle first. A Link can be redialed after a
// connection loss until Close is called.
type Link struct {
	cfg    LinkConfig
	logger *slog.Logger

	// dialMu serializes Connect end to end (check, dial, handshake,
	// install), so concurrent callers can never install two handles.
	dialMu sync.Mutex

	// Write serialization
	writeMu sync.Mutex

	// State
	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	stopped   bool
	done      chan struct{} // per-connection, recreated on each dial
	readerWG  sync.WaitGroup

	// Output channels, persistent across redials
	frames chan RawFrame
	errs   chan error
}

// NewLink creates a new upstream link.
func NewLink(cfg LinkConfig, logger *slog.Logger) *Link {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Link{
		cfg:    cfg,
		logger: logger,
		frames: make(chan RawFrame, cfg.BufferSize),
		errs:   make(chan error, 1),
	}
}

// Connect dials the feed, performs the handshake and starts the read
// loop. It is idempotent while connected; concurrent calls serialize
// and the loser observes the winner's connection. On any failure the
// partially-opened connection is closed and an error returned; nothing
// is retried here.
func (l *Link) Connect(ctx context.Context, userID, credential string) error {
	l.dialMu.Lock()
	defer l.dialMu.Unlock()

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.connected {
		l.mu.Unlock()
		return nil
	}
	// Drop any stale handle left behind by a lost connection.
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	l.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, l.cfg.URL, http.Header{})
	if err != nil {
		return fmt.Errorf("dial %s: %w", l.cfg.URL, err)
	}

	req, _ := json.Marshal(connectRequest{
		Type:         typeConnect,
		UID:          userID,
		AccountID:    userID,
		Source:       "API",
		SessionToken: credential,
	})
	conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		conn.Close()
		return fmt.Errorf("send handshake: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(l.cfg.AckTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrHandshakeTimeout
		}
		// net timeouts surface as *net.OpError with Timeout() true
		var nerr interface{ Timeout() bool }
		if errors.As(err, &nerr) && nerr.Timeout() {
			return ErrHandshakeTimeout
		}
		return fmt.Errorf("read handshake ack: %w", err)
	}

	var ack connectAck
	if err := json.Unmarshal(raw, &ack); err != nil || !ack.accepted() {
		conn.Close()
		return fmt.Errorf("%w: %s", ErrHandshakeRejected, string(raw))
	}

	// Clear the ack deadline; the read loop blocks indefinitely.
	conn.SetReadDeadline(time.Time{})
	conn.SetPingHandler(func(data string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	done := make(chan struct{})

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	l.conn = conn
	l.connected = true
	l.done = done
	l.mu.Unlock()

	l.readerWG.Add(1)
	go l.readLoop(conn, done)

	l.logger.Debug("upstream connected", "url", l.cfg.URL, "uid", userID)
	return nil
}

// Close tears the link down: idempotent, signals the read loop and waits
// for it to exit before returning.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	l.connected = false
	done := l.done
	conn := l.conn
	l.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		default:
			close(done)
		}
	}

	var err error
	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = conn.Close()
	}

	l.readerWG.Wait()
	return err
}

// SendSubscription sends the complete current membership of a feed
// class. An empty membership is not sent.
func (l *Link) SendSubscription(class model.FeedClass, members []model.Instrument) error {
	data, ok := buildSubscription(class, members)
	if !ok {
		return nil
	}
	return l.send(data)
}

// IsConnected reports the current connection state.
func (l *Link) IsConnected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected
}

// Frames returns the channel of inbound raw frames.
func (l *Link) Frames() <-chan RawFrame {
	return l.frames
}

// Errors returns the channel of connection failures. A value here means
// the read loop has exited and the link is disconnected.
func (l *Link) Errors() <-chan error {
	return l.errs
}

func (l *Link) send(data []byte) error {
	l.mu.RLock()
	conn := l.conn
	connected := l.connected
	l.mu.RUnlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop feeds inbound frames into the frames channel until the
// connection fails or the link is closed.
func (l *Link) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer l.readerWG.Done()

	for {
		_, data, err := conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			select {
			case <-done:
				// Deliberate close, not a failure.
				return
			default:
			}

			l.mu.Lock()
			l.connected = false
			l.mu.Unlock()

			select {
			case l.errs <- err:
			default:
			}
			return
		}

		select {
		case l.frames <- RawFrame{Data: data, ReceivedAt: receivedAt}:
		case <-done:
			return
		default:
			l.logger.Warn("frame buffer full, dropping frame")
		}
	}
}
