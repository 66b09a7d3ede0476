package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

type dexscreenerTarget struct {
	Chain   string
	Address string
}

type dexscreenerPairsResponse struct {
	Pairs []dexscreenerPair `json:"pairs"`
	Pair  *dexscreenerPair  `json:"pair"`
}

type dexscreenerPair struct {
	ChainID     string               `json:"chainId"`
	PairAddress string               `json:"pairAddress"`
	BaseToken   dexscreenerToken     `json:"baseToken"`
	QuoteToken  dexscreenerToken     `json:"quoteToken"`
	PriceUsd    string               `json:"priceUsd"`
	PriceNative string               `json:"priceNative"`
	Liquidity   dexscreenerLiquidity `json:"liquidity"`
}

type dexscreenerToken struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
}

type dexscreenerLiquidity struct {
	USD float64 `json:"usd"`
}

func (r *dexscreenerPairsResponse) firstPair() (*dexscreenerPair, bool) {
	if len(r.Pairs) > 0 {
		return &r.Pairs[0], true
	}
	if r.Pair != nil {
		return r.Pair, true
	}
	return nil, false
}

func (f *Feed) fetchDexScreener(ctx context.Context) (float64, error) {
	target, err := parseDexScreenerTarget(f.symbol, f.dexscreenerChain)
	if err != nil {
		return 0, err
	}
	var payload dexscreenerPairsResponse
	resp, err := f.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"chain": target.Chain, "pair": target.Address}).
		SetResult(&payload).
		Get(f.dexscreenerBaseURL + "/latest/dex/pairs/{chain}/{pair}")
	if err != nil {
		return 0, fmt.Errorf("dexscreener request: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode())
	}
	pair, ok := payload.firstPair()
	if !ok {
		return 0, fmt.Errorf("no pair data returned")
	}
	return parseDexScreenerPrice(pair)
}

func parseDexScreenerPrice(pair *dexscreenerPair) (float64, error) {
	if pair == nil {
		return 0, fmt.Errorf("pair missing")
	}
	if pair.PriceUsd != "" {
		if px, err := strconv.ParseFloat(pair.PriceUsd, 64); err == nil && px > 0 {
			return px, nil
		}
	}
	if pair.PriceNative != "" {
		if px, err := strconv.ParseFloat(pair.PriceNative, 64); err == nil && px > 0 {
			return px, nil
		}
	}
	return 0, fmt.Errorf("pair missing price")
}

// parseDexScreenerTarget accepts "chain/address", "ALIAS@chain/address" or a bare address
// resolved against the default chain.
func parseDexScreenerTarget(symbol, defaultChain string) (dexscreenerTarget, error) {
	raw := strings.TrimSpace(symbol)
	if parts := strings.SplitN(raw, "@", 2); len(parts) == 2 {
		raw = parts[1]
	}
	chain := strings.ToLower(strings.TrimSpace(defaultChain))
	address := raw
	if parts := strings.SplitN(raw, "/", 2); len(parts) == 2 {
		if parts[0] != "" {
			chain = strings.ToLower(strings.TrimSpace(parts[0]))
		}
		address = parts[1]
	}
	address = strings.TrimSpace(address)
	if chain == "" || address == "" {
		return dexscreenerTarget{}, fmt.Errorf("dexscreener symbol %q missing chain or address", symbol)
	}
	return dexscreenerTarget{Chain: chain, Address: address}, nil
}
