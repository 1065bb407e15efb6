package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestExchanger_Exchange(t *testing.T) {
	const (
		apiKey      = "app-key"
		apiSecret   = "app-secret"
		requestCode = "req-code-123"
	)
	sum := sha256.Sum256([]byte(apiKey + requestCode + apiSecret))
	wantSecret := hex.EncodeToString(sum[:])

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		var req map[string]string
		if err := json.Unmarshal(body, &req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req["api_key"] != apiKey {
			t.Errorf("api_key = %q", req["api_key"])
		}
		if req["request_code"] != requestCode {
			t.Errorf("request_code = %q", req["request_code"])
		}
		if req["api_secret"] != wantSecret {
			t.Errorf("api_secret = %q, want sha256(key+code+secret)", req["api_secret"])
		}
		io.WriteString(w, `{"stat":"Ok","token":"abcdef0123456789abcdef"}`)
	}))
	defer server.Close()

	e := NewExchanger(server.URL, apiKey, apiSecret)
	token, err := e.Exchange(context.Background(), requestCode)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if token != "abcdef0123456789abcdef" {
		t.Errorf("token = %q", token)
	}
}

func TestExchanger_ExchangeRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"stat":"Not_Ok","emsg":"Invalid Request Code","token":""}`)
	}))
	defer server.Close()

	e := NewExchanger(server.URL, "k", "s")
	_, err := e.Exchange(context.Background(), "stale-code")
	if err == nil || !strings.Contains(err.Error(), "Invalid Request Code") {
		t.Errorf("Exchange = %v, want broker emsg surfaced", err)
	}
}

func TestExchanger_ExchangeEmptyCode(t *testing.T) {
	e := NewExchanger("http://unused", "k", "s")
	if _, err := e.Exchange(context.Background(), ""); err == nil {
		t.Error("empty request code must fail before any HTTP call")
	}
}

func TestExchanger_ExchangeHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	e := NewExchanger(server.URL, "k", "s")
	if _, err := e.Exchange(context.Background(), "code"); err == nil {
		t.Error("non-200 status must fail")
	}
}

func TestCheckCredential(t *testing.T) {
	tests := []struct {
		name       string
		credential string
		wantErr    bool
	}{
		{"valid", "abcdef0123456789abcdef0123456789", false},
		{"exactly min length", "0123456789abcdef", false},
		{"too short", "short", true},
		{"empty", "", true},
		{"embedded space", "abcdef0123 456789abcdef", true},
		{"trailing newline", "abcdef0123456789abcdef\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckCredential(tt.credential)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckCredential(%q) = %v, wantErr %v", tt.credential, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrBadCredential) {
				t.Errorf("error %v should wrap ErrBadCredential", err)
			}
		})
	}
}
