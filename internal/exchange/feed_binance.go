package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type binanceEnvelope struct {
	Stream string       `json:"stream"`
	Data   binanceTrade `json:"data"`
}

type binanceTrade struct {
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// binanceSymbol maps "BTC-USD" style instruments onto Binance's "BTCUSDT" pairs.
func binanceSymbol(instrument string) string {
	sym := strings.ToUpper(strings.NewReplacer("-", "", "/", "", "_", "").Replace(instrument))
	if strings.HasSuffix(sym, "USD") {
		sym += "T"
	}
	return sym
}

// Backfill seeds the history from REST klines so the strategy has a full window at startup.
func (f *Feed) Backfill(ctx context.Context) error {
	limit := f.history.capacity
	if limit > 1000 {
		limit = 1000
	}
	var rows [][]any
	resp, err := f.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   binanceSymbol(f.symbol),
			"interval": f.binanceKline,
			"limit":    strconv.Itoa(limit),
		}).
		SetResult(&rows).
		Get(f.binanceRESTURL + "/api/v3/klines")
	if err != nil {
		return fmt.Errorf("klines request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("klines status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}

	added := 0
	for _, row := range rows {
		ts, px, ok := parseKline(row)
		if !ok {
			continue
		}
		if f.history.Observe(ts, px, f.now()) {
			added++
		}
	}
	f.log.Info().Int("klines", len(rows)).Int("samples", added).Msg("backfilled price history")
	return nil
}

// parseKline reads [openTime, open, high, low, close, ...] and returns the open time and close.
func parseKline(row []any) (time.Time, float64, bool) {
	if len(row) < 5 {
		return time.Time{}, 0, false
	}
	openMs, ok := row[0].(float64)
	if !ok {
		return time.Time{}, 0, false
	}
	closeStr, ok := row[4].(string)
	if !ok {
		return time.Time{}, 0, false
	}
	px, err := strconv.ParseFloat(closeStr, 64)
	if err != nil || px <= 0 {
		return time.Time{}, 0, false
	}
	return time.UnixMilli(int64(openMs)).UTC(), px, true
}

func (f *Feed) runBinance(ctx context.Context) error {
	url := fmt.Sprintf("%s/%s@trade", f.binanceWSURL, strings.ToLower(binanceSymbol(f.symbol)))
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := f.consumeBinanceStream(ctx, url); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn().Err(err).Dur("backoff", backoff).Msg("binance feed disconnected, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff = time.Duration(math.Min(float64(maxBackoff), float64(backoff)*1.8))
			continue
		}
		return nil
	}
}

func (f *Feed) consumeBinanceStream(ctx context.Context, url string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	f.log.Info().Str("symbol", f.symbol).Str("url", url).Msg("connected market data feed")

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	conn.SetPongHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		return nil
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					f.log.Warn().Err(err).Msg("binance ping failed")
					return
				}
			case <-pingCtx.Done():
				return
			}
		}
	}()
	go func() {
		<-pingCtx.Done()
		_ = conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))

		trade, err := decodeBinanceTrade(message)
		if err != nil {
			f.log.Warn().Err(err).Msg("failed to decode binance message")
			continue
		}
		px, err := strconv.ParseFloat(trade.Price, 64)
		if err != nil {
			f.log.Warn().Err(err).Msg("invalid price from binance")
			continue
		}
		f.observe(time.UnixMilli(trade.TradeTime).UTC(), px)
	}
}

// decodeBinanceTrade accepts both raw /ws payloads and combined /stream envelopes.
func decodeBinanceTrade(message []byte) (binanceTrade, error) {
	var env binanceEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		return binanceTrade{}, err
	}
	if env.Stream != "" {
		return env.Data, nil
	}
	var trade binanceTrade
	if err := json.Unmarshal(message, &trade); err != nil {
		return binanceTrade{}, err
	}
	if trade.Price == "" {
		return binanceTrade{}, fmt.Errorf("message carries no trade price")
	}
	return trade, nil
}
