package swap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggonzalez94/intentrail/internal/httpx"
	"github.com/ggonzalez94/intentrail/internal/intent"
)

func ethToUSDC() intent.Swap {
	return intent.Swap{TokenIn: "ETH", TokenOut: "USDC", AmountIn: "1", SlippageBps: 50}
}

func TestGetQuoteRelaysAggregatorResponse(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Path != "/swap/v1/quote" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("0x-api-key") != "zx" {
			t.Errorf("missing api key header")
		}
		q := r.URL.Query()
		if q.Get("sellAmount") != "1000000000000000000" || q.Get("slippagePercentage") != "0.005" || q.Get("chainId") != "8453" {
			t.Errorf("unexpected query %v", q)
		}
		if q.Get("buyToken") != "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913" {
			t.Errorf("unexpected buy token %s", q.Get("buyToken"))
		}
		_, _ = w.Write([]byte(`{"price":"3012.5","buyAmount":"3012500000","sellAmount":"1000000000000000000","to":"0xdef1c0ded9bec7f1a1670819833240f027b25eff","data":"0xabcdef","value":"1000000000000000000","gas":"180000","sources":[{"name":"Uniswap_V3","proportion":"0.6"},{"name":"Curve","proportion":"0.4"}]}`))
	}))
	defer srv.Close()

	r := New(httpx.New(time.Second, 0), Config{APIKey: "zx", BaseURL: srv.URL, Chain: "base"})
	res := r.GetQuote(context.Background(), ethToUSDC())
	if !res.Success || res.Quote == nil {
		t.Fatalf("expected success, got %+v", res)
	}
	q := res.Quote
	if q.Price != "3012.5" || q.BuyAmount != "3012500000" || q.Data != "0xabcdef" || len(q.Sources) != 2 || q.Synthetic {
		t.Fatalf("quote not relayed verbatim: %+v", q)
	}
}

func TestGetQuoteMissingKeyFailsWithoutNetwork(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	res := New(httpx.New(time.Second, 0), Config{BaseURL: srv.URL}).GetQuote(context.Background(), ethToUSDC())
	if res.Success || !strings.Contains(res.Error, "API key") {
		t.Fatalf("expected missing key failure, got %+v", res)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("expected no network call without an API key")
	}
}

func TestGetQuoteNon2xxCarriesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":100,"reason":"Validation Failed"}`))
	}))
	defer srv.Close()

	res := New(httpx.New(time.Second, 0), Config{APIKey: "zx", BaseURL: srv.URL}).GetQuote(context.Background(), ethToUSDC())
	if res.Success || !strings.Contains(res.Error, "Validation Failed") {
		t.Fatalf("expected failure carrying body, got %+v", res)
	}
}

func TestGetQuoteRejectsTokenMissingOnChain(t *testing.T) {
	res := New(httpx.New(time.Second, 0), Config{APIKey: "zx", Chain: "base"}).GetQuote(context.Background(), intent.Swap{TokenIn: "SUPERETH", TokenOut: "USDC", AmountIn: "1"})
	if res.Success || !strings.Contains(res.Error, "SUPERETH") {
		t.Fatalf("expected unavailable token failure, got %+v", res)
	}
}

func TestSyntheticNUSDQuoteIsDeterministic(t *testing.T) {
	r := New(nil, Config{})
	s := intent.Swap{TokenIn: "ETH", TokenOut: "nusd", AmountIn: "1.5", SlippageBps: 50}

	first := r.GetQuote(context.Background(), s)
	second := r.GetQuote(context.Background(), s)
	if !first.Success || !second.Success {
		t.Fatalf("expected synthetic success, got %+v / %+v", first, second)
	}
	q := first.Quote
	if q.BuyAmount != "4500000000000000000000" || q.SellAmount != "1500000000000000000" {
		t.Fatalf("unexpected synthetic amounts %+v", q)
	}
	if q.Value != q.SellAmount || q.To != intent.NUSDAddress || !q.Synthetic {
		t.Fatalf("unexpected synthetic call %+v", q)
	}
	if !strings.HasPrefix(q.Data, "0x") || q.Data != second.Quote.Data || q.BuyAmount != second.Quote.BuyAmount {
		t.Fatal("synthetic quote must be deterministic")
	}

	usdc := r.GetQuote(context.Background(), intent.Swap{TokenIn: "USDC", TokenOut: "NUSD", AmountIn: "10"})
	if !usdc.Success || usdc.Quote.Value != "0" || usdc.Quote.BuyAmount != "10000000000000000000" {
		t.Fatalf("unexpected USDC synthetic quote %+v", usdc)
	}

	bad := r.GetQuote(context.Background(), intent.Swap{TokenIn: "PEPE", TokenOut: "NUSD", AmountIn: "1"})
	if bad.Success || !strings.Contains(bad.Error, "PEPE") {
		t.Fatalf("expected failure for unknown source token, got %+v", bad)
	}
}

func TestSyntheticNUSDQuoteTruncatesDust(t *testing.T) {
	r := New(nil, Config{})
	first := r.GetQuote(context.Background(), intent.Swap{TokenIn: "USDC", TokenOut: "NUSD", AmountIn: "1.0000001"})
	second := r.GetQuote(context.Background(), intent.Swap{TokenIn: "USDC", TokenOut: "NUSD", AmountIn: "1.0000001"})
	if !first.Success {
		t.Fatalf("expected synthetic success, got %+v", first)
	}
	if first.Quote.SellAmount != "1000000" || first.Quote.BuyAmount != "1000000000000000000" {
		t.Fatalf("unexpected truncated amounts %+v", first.Quote)
	}
	if first.Quote.Data != second.Quote.Data {
		t.Fatal("truncated quote must be deterministic")
	}

	dust := r.GetQuote(context.Background(), intent.Swap{TokenIn: "USDC", TokenOut: "NUSD", AmountIn: "0.0000001"})
	if dust.Success || !strings.Contains(dust.Error, "smallest unit") {
		t.Fatalf("expected a below-unit failure, got %+v", dust)
	}
}

type memoryCache struct {
	mu sync.Mutex
	m  map[string][]byte
}

func (c *memoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok, nil
}

func (c *memoryCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = value
	return nil
}

func TestGetQuoteServesRepeatsFromCache(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"price":"1","buyAmount":"1","sellAmount":"1","to":"0x1","data":"0x","value":"0","gas":"1","sources":[]}`))
	}))
	defer srv.Close()

	r := New(httpx.New(time.Second, 0), Config{APIKey: "zx", BaseURL: srv.URL}, WithCache(&memoryCache{m: map[string][]byte{}}))
	for i := 0; i < 3; i++ {
		if res := r.GetQuote(context.Background(), ethToUSDC()); !res.Success {
			t.Fatalf("quote %d failed: %+v", i, res)
		}
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single upstream call, got %d", calls)
	}
}

func TestFormatQuotePreview(t *testing.T) {
	q := Quote{
		Price:     "3000",
		BuyAmount: "3000000000",
		Gas:       "180000",
		Sources: []Source{
			{Name: "Uniswap_V3", Proportion: "0.6"},
			{Name: "Curve", Proportion: "0.4"},
			{Name: "Balancer", Proportion: "0"},
		},
	}
	got := FormatQuotePreview(q, ethToUSDC())
	for _, want := range []string{
		"Swap 1 ETH -> 3000 USDC",
		"Price: 3000 USDC per ETH",
		"Route: 60.00% Uniswap_V3, 40.00% Curve",
		"Estimated gas: 180000",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("preview missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "Balancer") {
		t.Fatalf("zero-proportion sources should be omitted:\n%s", got)
	}
}
