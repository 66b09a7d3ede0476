// Package solana executes orders as Jupiter swaps on Solana.
package solana

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/go-resty/resty/v2"
)

const (
	SwapModeExactIn  = "ExactIn"
	SwapModeExactOut = "ExactOut"
)

// HTTPError is a non-200 answer from the Jupiter API.
type HTTPError struct {
	Op     string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("jupiter %s status %d: %s", e.Op, e.Status, e.Body)
}

// ClientError reports a 4xx the caller should not retry (no route, bad mint, amount too small).
func (e *HTTPError) ClientError() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != 429
}

type JupiterClient struct {
	Base   string
	RPC    *rpc.Client
	Owner  solana.PrivateKey
	Commit rpc.CommitmentType
	Http   *resty.Client
	// PriorityFeeLamports is passed to the swap builder; zero lets Jupiter pick none.
	PriorityFeeLamports uint64
}

type Quote struct {
	InputMint      string  `json:"inputMint"`
	OutputMint     string  `json:"outputMint"`
	InAmount       string  `json:"inAmount"`
	OutAmount      string  `json:"outAmount"`
	OtherAmount    string  `json:"otherAmountThreshold"`
	SwapMode       string  `json:"swapMode"`
	SlippageBps    int     `json:"slippageBps"`
	RoutePlan      any     `json:"routePlan"`
	PriceImpactPct string  `json:"priceImpactPct"`
	ContextSlot    float64 `json:"contextSlot,omitempty"`
}

// Amounts returns InAmount and OutAmount as integers in smallest units.
func (q *Quote) Amounts() (in, out uint64, err error) {
	if in, err = strconv.ParseUint(q.InAmount, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("quote inAmount %q: %w", q.InAmount, err)
	}
	if out, err = strconv.ParseUint(q.OutAmount, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("quote outAmount %q: %w", q.OutAmount, err)
	}
	return in, out, nil
}

func commitment(commit string) rpc.CommitmentType {
	switch strings.ToLower(commit) {
	case "processed":
		return rpc.CommitmentProcessed
	case "finalized":
		return rpc.CommitmentFinalized
	default:
		return rpc.CommitmentConfirmed
	}
}

func NewJupiterClient(rpcURL, base string, owner solana.PrivateKey, commit string) *JupiterClient {
	return &JupiterClient{
		Base:   strings.TrimSuffix(base, "/"),
		RPC:    rpc.New(rpcURL),
		Owner:  owner,
		Commit: commitment(commit),
		Http:   resty.New().SetTimeout(8 * time.Second),
	}
}

// GetQuote asks for a route. amount is in smallest units of the input mint for ExactIn and of
// the output mint for ExactOut.
func (j *JupiterClient) GetQuote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int, swapMode string) (*Quote, error) {
	if swapMode == "" {
		swapMode = SwapModeExactIn
	}
	var out Quote
	resp, err := j.Http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"inputMint":        inputMint,
			"outputMint":       outputMint,
			"amount":           strconv.FormatUint(amount, 10),
			"slippageBps":      strconv.Itoa(slippageBps),
			"swapMode":         swapMode,
			"onlyDirectRoutes": "false",
		}).
		SetResult(&out).
		Get(j.Base + "/v6/quote")
	if err != nil {
		return nil, fmt.Errorf("jupiter quote: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, &HTTPError{Op: "quote", Status: resp.StatusCode(), Body: strings.TrimSpace(resp.String())}
	}
	if out.SwapMode == "" {
		out.SwapMode = swapMode
	}
	return &out, nil
}

// BuildSwap asks Jupiter for a ready-to-sign transaction and signs it locally. The returned
// transaction can be sent more than once; the network deduplicates by signature.
func (j *JupiterClient) BuildSwap(ctx context.Context, quote *Quote) (*solana.Transaction, error) {
	payload := map[string]any{
		"userPublicKey":             j.Owner.PublicKey().String(),
		"wrapAndUnwrapSol":          true,
		"asLegacyTransaction":       false,
		"useTokenLedger":            false,
		"prioritizationFeeLamports": j.PriorityFeeLamports,
		"quoteResponse":             quote,
	}
	var sr struct {
		SwapTransaction string `json:"swapTransaction"` // base64-encoded tx (unsigned)
	}
	resp, err := j.Http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		SetResult(&sr).
		Post(j.Base + "/v6/swap")
	if err != nil {
		return nil, fmt.Errorf("jupiter swap: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, &HTTPError{Op: "swap", Status: resp.StatusCode(), Body: strings.TrimSpace(resp.String())}
	}

	raw, err := base64.StdEncoding.DecodeString(sr.SwapTransaction)
	if err != nil {
		return nil, fmt.Errorf("decode tx: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal tx: %w", err)
	}

	// Jupiter ships zeroed placeholder signatures; Sign appends, so start clean.
	tx.Signatures = nil
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(j.Owner.PublicKey()) {
			return &j.Owner
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return tx, nil
}

// Send submits a signed transaction.
func (j *JupiterClient) Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	return j.RPC.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: j.Commit,
	})
}

// SignatureState is the chain view of a submitted swap.
type SignatureState int

const (
	SignatureUnknown SignatureState = iota
	SignatureInFlight
	SignatureLanded
	SignatureFailed
)

// Status looks a signature up, searching history so older swaps are still found.
func (j *JupiterClient) Status(ctx context.Context, sig solana.Signature) (SignatureState, error) {
	out, err := j.RPC.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return SignatureUnknown, fmt.Errorf("signature status: %w", err)
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return SignatureUnknown, nil
	}
	st := out.Value[0]
	if st.Err != nil {
		return SignatureFailed, nil
	}
	switch st.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		if j.Commit == rpc.CommitmentFinalized && st.ConfirmationStatus != rpc.ConfirmationStatusFinalized {
			return SignatureInFlight, nil
		}
		return SignatureLanded, nil
	case rpc.ConfirmationStatusProcessed:
		if j.Commit == rpc.CommitmentProcessed {
			return SignatureLanded, nil
		}
	}
	return SignatureInFlight, nil
}

// Balance returns the owner's holding of mint in whole units. Wrapped SOL reads the native balance.
func (j *JupiterClient) Balance(ctx context.Context, mint solana.PublicKey, decimals int) (float64, error) {
	owner := j.Owner.PublicKey()
	if mint.Equals(solana.WrappedSol) {
		out, err := j.RPC.GetBalance(ctx, owner, j.Commit)
		if err != nil {
			return 0, fmt.Errorf("get balance: %w", err)
		}
		return float64(out.Value) / float64(solana.LAMPORTS_PER_SOL), nil
	}
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return 0, fmt.Errorf("associated token address: %w", err)
	}
	out, err := j.RPC.GetTokenAccountBalance(ctx, ata, j.Commit)
	if err != nil {
		if strings.Contains(err.Error(), "could not find account") {
			return 0, nil
		}
		return 0, fmt.Errorf("token balance: %w", err)
	}
	if out == nil || out.Value == nil {
		return 0, nil
	}
	if out.Value.UiAmountString != "" {
		return strconv.ParseFloat(out.Value.UiAmountString, 64)
	}
	units, err := strconv.ParseUint(out.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("token amount %q: %w", out.Value.Amount, err)
	}
	f, _ := fromUnits(units, decimals).Float64()
	return f, nil
}
