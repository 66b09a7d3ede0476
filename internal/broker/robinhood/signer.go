package robinhood

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudflare/circl/sign/ed25519"
)

const (
	headerAPIKey    = "x-api-key"
	headerTimestamp = "x-timestamp"
	headerSignature = "x-signature"
)

// Signer produces the Ed25519 request headers the crypto trading API expects.
type Signer struct {
	apiKey string
	key    ed25519.PrivateKey
}

// NewSigner decodes a base64 private key holding either a 32 byte seed or a 64 byte key.
func NewSigner(apiKey, privateKeyBase64 string) (*Signer, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("robinhood api key not set")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(privateKeyBase64))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	var key ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		key = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		key = ed25519.PrivateKey(raw)
	default:
		return nil, fmt.Errorf("private key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
	return &Signer{apiKey: apiKey, key: key}, nil
}

// Message is the exact byte string that gets signed.
func (s *Signer) Message(timestamp, path, method, body string) string {
	return s.apiKey + timestamp + path + strings.ToUpper(method) + body
}

// Headers signs one request. path includes the query string.
func (s *Signer) Headers(method, path, body, timestamp string) map[string]string {
	sig := ed25519.Sign(s.key, []byte(s.Message(timestamp, path, method, body)))
	return map[string]string{
		headerAPIKey:    s.apiKey,
		headerTimestamp: timestamp,
		headerSignature: base64.StdEncoding.EncodeToString(sig),
	}
}

// PublicKey returns the verification key registered with the API.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}
