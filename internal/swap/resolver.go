// Package swap resolves swap intents into executable quotes, either from a
// 0x-style aggregator or from the deterministic NUSD mock pool.
package swap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ggonzalez94/intentrail/internal/amount"
	"github.com/ggonzalez94/intentrail/internal/httpx"
	"github.com/ggonzalez94/intentrail/internal/intent"
	"github.com/ggonzalez94/intentrail/internal/logging"
	"github.com/ggonzalez94/intentrail/internal/registry"
)

const (
	DefaultBaseURL  = "https://api.0x.org"
	defaultCacheTTL = 15 * time.Second
)

type Source struct {
	Name       string `json:"name"`
	Proportion string `json:"proportion"`
}

// Quote is relayed from the aggregator without reinterpretation.
type Quote struct {
	Price      string   `json:"price"`
	BuyAmount  string   `json:"buyAmount"`
	SellAmount string   `json:"sellAmount"`
	To         string   `json:"to"`
	Data       string   `json:"data"`
	Value      string   `json:"value"`
	Gas        string   `json:"gas"`
	Sources    []Source `json:"sources"`
	Synthetic  bool     `json:"synthetic,omitempty"`
}

type QuoteResult struct {
	Success bool   `json:"success"`
	Quote   *Quote `json:"quote,omitempty"`
	Error   string `json:"error,omitempty"`
}

func failure(format string, args ...any) QuoteResult {
	return QuoteResult{Error: fmt.Sprintf(format, args...)}
}

// QuoteCache is satisfied by *cache.Store.
type QuoteCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type Config struct {
	APIKey   string
	BaseURL  string
	Chain    string
	CacheTTL time.Duration
}

type Resolver struct {
	http    *httpx.Client
	apiKey  string
	baseURL string
	chain   string
	ttl     time.Duration
	cache   QuoteCache
	log     *slog.Logger
}

type Option func(*Resolver)

func WithCache(c QuoteCache) Option {
	return func(r *Resolver) { r.cache = c }
}

func WithLogger(log *slog.Logger) Option {
	return func(r *Resolver) { r.log = logging.OrDiscard(log) }
}

func New(httpClient *httpx.Client, cfg Config, opts ...Option) *Resolver {
	r := &Resolver{
		http:    httpClient,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		chain:   strings.ToLower(strings.TrimSpace(cfg.Chain)),
		ttl:     cfg.CacheTTL,
		log:     logging.OrDiscard(nil),
	}
	if r.baseURL == "" {
		r.baseURL = DefaultBaseURL
	}
	if r.chain == "" {
		r.chain = "base"
	}
	if r.ttl <= 0 {
		r.ttl = defaultCacheTTL
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var chainIDs = map[string]int64{
	"base":         8453,
	"optimism":     10,
	"base-sepolia": 84532,
	"op-sepolia":   11155420,
}

type zeroExQuote struct {
	Price      string   `json:"price"`
	BuyAmount  string   `json:"buyAmount"`
	SellAmount string   `json:"sellAmount"`
	To         string   `json:"to"`
	Data       string   `json:"data"`
	Value      string   `json:"value"`
	Gas        string   `json:"gas"`
	Sources    []Source `json:"sources"`
}

// GetQuote prices s. It never returns a Go error; failures are reported in
// the result.
func (r *Resolver) GetQuote(ctx context.Context, s intent.Swap) QuoteResult {
	if intent.NormalizeTokenSymbol(s.TokenOut) == intent.NUSDSymbol {
		return syntheticQuote(s, r.chain)
	}
	if r.apiKey == "" {
		return failure("missing swap aggregator API key (set INTENTRAIL_SWAP_API_KEY)")
	}

	sell, ok := intent.ResolveTokenAddress(s.TokenIn, r.chain)
	if !ok {
		return failure("token %s is not available on %s", intent.NormalizeTokenSymbol(s.TokenIn), r.chain)
	}
	buy, ok := intent.ResolveTokenAddress(s.TokenOut, r.chain)
	if !ok {
		return failure("token %s is not available on %s", intent.NormalizeTokenSymbol(s.TokenOut), r.chain)
	}
	sellAmount, err := amount.ToBaseUnits(s.AmountIn, sell.Decimals)
	if err != nil {
		return failure("invalid amount: %v", err)
	}
	if sellAmount.Sign() <= 0 {
		return failure("amount must be positive")
	}

	vals := url.Values{}
	vals.Set("chainId", strconv.FormatInt(chainIDs[r.chain], 10))
	vals.Set("sellToken", sell.Address)
	vals.Set("buyToken", buy.Address)
	vals.Set("sellAmount", sellAmount.String())
	vals.Set("slippagePercentage", strconv.FormatFloat(float64(s.SlippageBps)/10_000, 'f', -1, 64))
	endpoint := r.baseURL + "/swap/v1/quote?" + vals.Encode()

	key := cacheKey(endpoint)
	if cached, ok := r.cached(ctx, key); ok {
		return QuoteResult{Success: true, Quote: cached}
	}

	var resp zeroExQuote
	_, err = httpx.DoBodyJSON(ctx, r.http, http.MethodGet, endpoint, nil, map[string]string{"0x-api-key": r.apiKey}, &resp)
	if err != nil {
		if body, ok := httpx.ResponseBody(err); ok && body != "" {
			return failure("quote request failed: %s", body)
		}
		return failure("quote request failed: %v", err)
	}
	if resp.BuyAmount == "" || resp.To == "" {
		return failure("quote response missing buyAmount or target")
	}
	q := Quote{
		Price:      resp.Price,
		BuyAmount:  resp.BuyAmount,
		SellAmount: resp.SellAmount,
		To:         resp.To,
		Data:       resp.Data,
		Value:      resp.Value,
		Gas:        resp.Gas,
		Sources:    resp.Sources,
	}
	r.store(ctx, key, &q)
	return QuoteResult{Success: true, Quote: &q}
}

func (r *Resolver) cached(ctx context.Context, key string) (*Quote, bool) {
	if r.cache == nil {
		return nil, false
	}
	raw, ok, err := r.cache.Get(ctx, key)
	if err != nil || !ok {
		if err != nil {
			r.log.Warn("quote cache read failed", "err", err)
		}
		return nil, false
	}
	var q Quote
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, false
	}
	return &q, true
}

func (r *Resolver) store(ctx context.Context, key string, q *Quote) {
	if r.cache == nil {
		return
	}
	raw, err := json.Marshal(q)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, key, raw, r.ttl); err != nil {
		r.log.Warn("quote cache write failed", "err", err)
	}
}

func cacheKey(endpoint string) string {
	sum := sha256.Sum256([]byte(endpoint))
	return "swap_quote:" + hex.EncodeToString(sum[:])
}

// nusdRates is the fixed NUSD price of one whole source token.
var nusdRates = map[string]int64{
	"ETH":      3000,
	"WETH":     3000,
	"SUPERETH": 3000,
	"USDC":     1,
	"USDT":     1,
	"DAI":      1,
}

var nusdPoolABI = registry.MustABI(registry.NUSDPoolABI)

// syntheticQuote prices a swap into NUSD without touching the network.
func syntheticQuote(s intent.Swap, chain string) QuoteResult {
	sym := intent.NormalizeTokenSymbol(s.TokenIn)
	rate, ok := nusdRates[sym]
	if !ok {
		return failure("no NUSD rate for %s", sym)
	}
	tokenIn, ok := intent.ResolveTokenAddress(sym, intent.DefaultChain)
	if !ok {
		tokenIn, ok = intent.ResolveTokenAddress(sym, chain)
	}
	if !ok {
		return failure("token %s is not available for the NUSD pool", sym)
	}
	nusdDecimals, _ := intent.TokenDecimals(intent.NUSDSymbol)

	// the pool takes base units of the input token; dust below them is dropped
	amountIn := amount.Truncate(s.AmountIn, tokenIn.Decimals)
	sellAmount, err := amount.ToBaseUnits(amountIn, tokenIn.Decimals)
	if err != nil {
		return failure("invalid amount: %v", err)
	}
	if sellAmount.Sign() <= 0 {
		if amount.IsPositiveDecimal(s.AmountIn) {
			return failure("amount %s is below the smallest unit of %s", s.AmountIn, sym)
		}
		return failure("amount must be positive")
	}
	buyAmount, err := amount.ToBaseUnits(amountIn, nusdDecimals)
	if err != nil {
		return failure("invalid amount: %v", err)
	}
	buyAmount.Mul(buyAmount, big.NewInt(rate))

	data, err := registry.EncodeCall(nusdPoolABI, "swapExactIn", common.HexToAddress(tokenIn.Address), sellAmount)
	if err != nil {
		return failure("encode NUSD swap: %v", err)
	}
	value := "0"
	if tokenIn.Native() {
		value = sellAmount.String()
	}
	return QuoteResult{Success: true, Quote: &Quote{
		Price:      strconv.FormatInt(rate, 10),
		BuyAmount:  buyAmount.String(),
		SellAmount: sellAmount.String(),
		To:         intent.NUSDAddress,
		Data:       data,
		Value:      value,
		Gas:        "120000",
		Sources:    []Source{{Name: "NUSD Mock Pool", Proportion: "1"}},
		Synthetic:  true,
	}}
}
