package solana

import (
	"errors"
	"strings"

	solana "github.com/gagliardetto/solana-go"
)

// ParsePrivateKey decodes a base58 wallet key as exported by common Solana wallets.
func ParsePrivateKey(b58 string) (solana.PrivateKey, error) {
	b58 = strings.TrimSpace(b58)
	if b58 == "" {
		return nil, errors.New("solana private key not set")
	}
	key, err := solana.PrivateKeyFromBase58(b58)
	if err != nil {
		return nil, err
	}
	if len(key) != 64 {
		return nil, errors.New("solana private key must be 64 bytes")
	}
	return key, nil
}
