package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tradeterm/feedbridge/internal/auth"
	"github.com/tradeterm/feedbridge/internal/model"
	"github.com/tradeterm/feedbridge/internal/session"
)

// Close codes sent to viewers when their attach fails. Chosen from the
// application range so browser clients can tell the failures apart.
const (
	CloseUpstreamUnavailable = 4003 // broker connection could not be established
	CloseSubscriptionFailed  = 4004 // symbol resolution or subscribe failed
)

// TokenExchanger trades a one-time request code for a session token.
type TokenExchanger interface {
	Exchange(ctx context.Context, requestCode string) (string, error)
}

// Config wires a Server.
type Config struct {
	Registry  *session.Registry
	UserID    string // broker account ID shared by all sessions
	Exchanger TokenExchanger // may be nil; disables the token route
	Logger    *slog.Logger
}

// Server is the viewer-facing HTTP surface.
type Server struct {
	registry  *session.Registry
	userID    string
	exchanger TokenExchanger
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

// NewServer creates the gateway server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry:  cfg.Registry,
		userID:    cfg.UserID,
		exchanger: cfg.Exchanger,
		logger:    logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Viewers connect from browser origins we do not control.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	r.GET("/market/ws/:symbol", s.handleMarketWS)
	if s.exchanger != nil {
		r.POST("/auth/token", s.handleTokenExchange)
	}
	return r
}

// handleTokenExchange trades a login request code for a session token
// usable on the market WebSocket. Available only when API credentials
// are configured.
func (s *Server) handleTokenExchange(c *gin.Context) {
	var req struct {
		RequestCode string `json:"request_code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request_code is required"})
		return
	}

	token, err := s.exchanger.Exchange(c.Request.Context(), req.RequestCode)
	if err != nil {
		s.logger.Warn("token exchange failed", "error", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token exchange failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": s.registry.Len(),
	})
}

// handleMarketWS attaches one viewer to the feed for one symbol. The
// credential is checked before the upgrade; upstream failures after the
// upgrade are reported with application close codes.
func (s *Server) handleMarketWS(c *gin.Context) {
	symbol := c.Param("symbol")
	credential := c.Query("token")
	exchange := c.DefaultQuery("exchange", "NSE")
	class := model.ParseFeedClass(c.DefaultQuery("feed_type", "t"))

	if err := auth.CheckCredential(credential); err != nil {
		c.String(http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn("websocket upgrade failed", "symbol", symbol, "error", err)
		return
	}

	client := newClient(conn)
	logger := s.logger.With(
		"client", client.ID(),
		"symbol", symbol,
		"token", maskToken(credential),
	)
	logger.Info("viewer connected")

	go client.writePump()

	sess := s.registry.FindOrCreate(s.userID, credential)
	ctx := c.Request.Context()

	if !sess.Connect(ctx) {
		logger.Error("upstream connect failed")
		client.closeWith(CloseUpstreamUnavailable, "market data provider unavailable")
		return
	}

	if err := sess.Subscribe(ctx, symbol, exchange, class, client); err != nil {
		logger.Error("subscribe failed", "error", err)
		client.closeWith(CloseSubscriptionFailed, "subscription failed")
		return
	}

	defer func() {
		sess.Unsubscribe(symbol, exchange, client)
		client.close()
		logger.Info("viewer disconnected")
	}()

	// Block until the viewer hangs up; ticks flow via the write pump.
	client.readLoop()
}

// maskToken keeps credentials out of the logs while leaving enough to
// correlate a viewer with a broker session.
func maskToken(token string) string {
	if len(token) <= 12 {
		if len(token) <= 4 {
			return "..."
		}
		return token[:4] + "..."
	}
	return token[:6] + "..." + token[len(token)-4:]
}
