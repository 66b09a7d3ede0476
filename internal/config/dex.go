// Package config also contains DEX-specific configuration surfaces.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvRobinhoodAPIKey     = "ROBINHOOD_API_KEY"
	EnvRobinhoodPrivateKey = "ROBINHOOD_PRIVATE_KEY_BASE64"
	EnvSolanaPrivateKey    = "SOLANA_PRIVATE_KEY_BASE58"
)

// Dex defines network endpoints and defaults for decentralized execution.
type Dex struct {
	Chain         string  `yaml:"chain"` // e.g. "solana"
	RpcURL        string  `yaml:"rpc_url"`
	Commitment    string  `yaml:"commitment"`   // processed|confirmed|finalized
	JupiterBase   string  `yaml:"jupiter_base"` // https://quote-api.jup.ag
	BaseMint      string  `yaml:"base_mint"`
	QuoteMint     string  `yaml:"quote_mint"`
	BaseDecimals  int     `yaml:"base_decimals"`
	QuoteDecimals int     `yaml:"quote_decimals"`
	SlippageBps   int     `yaml:"slippage_bps"`
	PriorityFee   float64 `yaml:"priority_fee_lamports"`
	// SwapExpirySecs is how long a swap the chain never saw stays pending before it counts as failed.
	SwapExpirySecs int `yaml:"swap_expiry_secs"`
}

// SwapExpiry returns the configured expiry as a duration.
func (d Dex) SwapExpiry() time.Duration { return time.Duration(d.SwapExpirySecs) * time.Second }

// Wallet stores env-backed signing material.
type Wallet struct {
	PrivateKeyBase58 string `yaml:"-"`
}

func (d *Dex) applyDefaults() {
	setStr(&d.Chain, "solana")
	setStr(&d.RpcURL, "https://api.mainnet-beta.solana.com")
	setStr(&d.Commitment, "confirmed")
	setStr(&d.JupiterBase, "https://quote-api.jup.ag")
	setStr(&d.QuoteMint, "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	setInt(&d.BaseDecimals, 9)
	setInt(&d.QuoteDecimals, 6)
	setInt(&d.SlippageBps, 50)
	setInt(&d.SwapExpirySecs, 120)
}

// LoadSecrets pulls credentials from the environment, reading a .env file first when one exists.
// Values already present in the process environment win over the file.
func (c *Config) LoadSecrets(envFiles ...string) {
	_ = godotenv.Load(envFiles...) // best-effort
	c.Broker.APIKey = strings.TrimSpace(os.Getenv(EnvRobinhoodAPIKey))
	c.Broker.PrivateKeyBase64 = strings.TrimSpace(os.Getenv(EnvRobinhoodPrivateKey))
	c.Wallet.PrivateKeyBase58 = strings.TrimSpace(os.Getenv(EnvSolanaPrivateKey))
}
