// Package auth exchanges a Flattrade OAuth request code for a session
// token and validates token shape before it is handed to a feed session.
package auth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrBadCredential means a client-supplied token fails the format check.
var ErrBadCredential = errors.New("malformed credential")

// DefaultTokenURL is the Flattrade token exchange endpoint.
const DefaultTokenURL = "https://authapi.flattrade.in/trade/apitoken"

const minCredentialLen = 16

// Exchanger trades a one-time request code for a session token.
type Exchanger struct {
	tokenURL   string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
}

// NewExchanger creates a token exchanger. tokenURL may be empty to use
// the production endpoint.
func NewExchanger(tokenURL, apiKey, apiSecret string) *Exchanger {
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	return &Exchanger{
		tokenURL:  tokenURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type tokenRequest struct {
	APIKey      string `json:"api_key"`
	RequestCode string `json:"request_code"`
	APISecret   string `json:"api_secret"`
}

type tokenReply struct {
	Token string `json:"token"`
	Stat  string `json:"stat"`
	EMsg  string `json:"emsg"`
}

// Exchange trades the request code returned by the Flattrade login
// redirect for a session token. The secret on the wire is
// sha256(api_key + request_code + api_secret), hex encoded.
func (e *Exchanger) Exchange(ctx context.Context, requestCode string) (string, error) {
	if requestCode == "" {
		return "", errors.New("request code is required")
	}

	sum := sha256.Sum256([]byte(e.apiKey + requestCode + e.apiSecret))
	payload, err := json.Marshal(tokenRequest{
		APIKey:      e.apiKey,
		RequestCode: requestCode,
		APISecret:   hex.EncodeToString(sum[:]),
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.tokenURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("exchange token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("exchange token: status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}

	var reply tokenReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return "", fmt.Errorf("decode reply: %w", err)
	}
	if reply.Token == "" {
		if reply.EMsg != "" {
			return "", fmt.Errorf("exchange rejected: %s", reply.EMsg)
		}
		return "", errors.New("exchange rejected: empty token")
	}
	return reply.Token, nil
}

// CheckCredential rejects tokens that cannot possibly be valid before
// any upstream dial is attempted. It does not prove the token works;
// the broker handshake is the real check.
func CheckCredential(credential string) error {
	if len(credential) < minCredentialLen {
		return fmt.Errorf("%w: too short", ErrBadCredential)
	}
	if strings.ContainsAny(credential, " \t\r\n") {
		return fmt.Errorf("%w: contains whitespace", ErrBadCredential)
	}
	return nil
}
