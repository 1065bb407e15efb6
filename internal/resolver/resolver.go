package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrUnknownSymbol means the broker has no scrip matching the symbol.
var ErrUnknownSymbol = errors.New("unknown symbol")

// Resolver resolves a human symbol to its wire token.
type Resolver interface {
	Resolve(ctx context.Context, credential, symbol, exchange string) (string, error)
}

// Client resolves symbols against the Noren REST API.
type Client struct {
	baseURL    string
	userID     string
	httpClient *http.Client
	cache      Cache
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// NewClient creates a resolver client. baseURL is the trade API root,
// e.g. https://piconnect.flattrade.in/PiConnectTP.
func NewClient(baseURL, userID string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithCache sets the token cache.
func WithCache(cache Cache) Option {
	return func(c *Client) { c.cache = cache }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// searchReply is the SearchScrip response envelope.
type searchReply struct {
	Stat   string `json:"stat"`
	EMsg   string `json:"emsg"`
	Values []struct {
		Exch  string `json:"exch"`
		Token string `json:"token"`
		Tsym  string `json:"tsym"`
	} `json:"values"`
}

// Resolve looks the symbol up, serving repeats from the cache. Series
// suffixes (-EQ/-BE) are stripped before the search and the reply is
// matched against the usual suffix variations.
func (c *Client) Resolve(ctx context.Context, credential, symbol, exchange string) (string, error) {
	base := baseSymbol(symbol)
	cacheKey := exchange + "|" + base

	if c.cache != nil {
		if token, ok := c.cache.Get(ctx, cacheKey); ok {
			return token, nil
		}
	}

	jData, _ := json.Marshal(map[string]string{
		"uid":   c.userID,
		"stext": base,
		"exch":  exchange,
	})
	body := "jData=" + string(jData) + "&jKey=" + credential

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/SearchScrip", strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("search scrip: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search scrip: status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}

	var reply searchReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return "", fmt.Errorf("decode reply: %w", err)
	}
	if reply.Stat != "Ok" || len(reply.Values) == 0 {
		return "", fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}

	for _, want := range []string{base + "-EQ", base, base + "-BL"} {
		for _, v := range reply.Values {
			if v.Tsym == want && v.Token != "" {
				if c.cache != nil {
					c.cache.Set(ctx, cacheKey, v.Token)
				}
				c.logger.Debug("symbol resolved", "symbol", symbol, "token", v.Token)
				return v.Token, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
}

// baseSymbol strips the series suffix and uppercases.
func baseSymbol(symbol string) string {
	s := strings.TrimSuffix(symbol, "-EQ")
	s = strings.TrimSuffix(s, "-BE")
	return strings.ToUpper(s)
}
