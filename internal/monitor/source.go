package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/errgroup"

	"github.com/ggonzalez94/intentrail/internal/logging"
	"github.com/ggonzalez94/intentrail/internal/registry"
)

// Rate is one market's supply rate as an annual fraction (0.05 = 5%).
type Rate struct {
	Chain     string            `json:"chain"`
	Protocol  registry.Protocol `json:"protocol"`
	APY       float64           `json:"apy"`
	Simulated bool              `json:"simulated,omitempty"`
}

// DataSource yields the current rate of every tracked market.
type DataSource interface {
	Name() string
	Rates(ctx context.Context) ([]Rate, error)
}

// Simulated produces a seeded baseline per market plus bounded jitter.
type Simulated struct {
	chains []registry.ChainConfig
	jitter float64

	mu  sync.Mutex
	rng *rand.Rand
}

const defaultJitter = 0.004

var simulatedBaselines = map[string]map[registry.Protocol]float64{
	"base-sepolia": {registry.ProtocolAave: 0.031, registry.ProtocolCompound: 0.027},
	"op-sepolia":   {registry.ProtocolAave: 0.046, registry.ProtocolCompound: 0.039},
}

func NewSimulated(chains []registry.ChainConfig, seed int64) *Simulated {
	return &Simulated{chains: chains, jitter: defaultJitter, rng: rand.New(rand.NewSource(seed))}
}

func (s *Simulated) Name() string { return "simulated" }

func (s *Simulated) Rates(_ context.Context) ([]Rate, error) {
	out := make([]Rate, 0, len(s.chains)*2)
	for _, c := range s.chains {
		for _, p := range simulatedProtocols(c) {
			out = append(out, s.rate(c.Label, p))
		}
	}
	return out, nil
}

func (s *Simulated) rate(chain string, p registry.Protocol) Rate {
	base := 0.03
	if byProtocol, ok := simulatedBaselines[chain]; ok {
		if v, ok := byProtocol[p]; ok {
			base = v
		}
	}
	s.mu.Lock()
	delta := (s.rng.Float64()*2 - 1) * s.jitter
	s.mu.Unlock()
	apy := base + delta
	if apy < 0 {
		apy = 0
	}
	return Rate{Chain: chain, Protocol: p, APY: apy, Simulated: true}
}

func simulatedProtocols(c registry.ChainConfig) []registry.Protocol {
	if ps := c.Protocols(); len(ps) > 0 {
		return ps
	}
	return []registry.Protocol{registry.ProtocolAave, registry.ProtocolCompound}
}

// ContractCaller is the read side of ethclient.Client.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Dialer opens a ContractCaller for an RPC URL.
type Dialer func(ctx context.Context, rpcURL string) (ContractCaller, error)

func dialEthclient(ctx context.Context, rpcURL string) (ContractCaller, error) {
	return ethclient.DialContext(ctx, rpcURL)
}

// Live reads rates from the Aave and Comet pools over JSON-RPC. A market
// whose read fails is reported from the fallback source instead.
type Live struct {
	chains   []registry.ChainConfig
	dial     Dialer
	fallback *Simulated
	log      *slog.Logger
}

func NewLive(chains []registry.ChainConfig, fallbackSeed int64, log *slog.Logger) *Live {
	return &Live{
		chains:   chains,
		dial:     dialEthclient,
		fallback: NewSimulated(chains, fallbackSeed),
		log:      logging.OrDiscard(log),
	}
}

func (l *Live) Name() string { return "live" }

var (
	aavePoolABI = registry.MustABI(registry.AavePoolABI)
	cometABI    = registry.MustABI(registry.CometABI)
)

func (l *Live) Rates(ctx context.Context) ([]Rate, error) {
	results := make([][]Rate, len(l.chains))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range l.chains {
		g.Go(func() error {
			results[i] = l.chainRates(gctx, c)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []Rate
	for _, rs := range results {
		out = append(out, rs...)
	}
	return out, nil
}

func (l *Live) chainRates(ctx context.Context, c registry.ChainConfig) []Rate {
	protocols := c.Protocols()
	client, err := l.dial(ctx, c.RPCURL)
	if err != nil {
		l.log.Warn("rpc dial failed, using simulated rates", "chain", c.Label, "err", err)
		out := make([]Rate, 0, len(protocols))
		for _, p := range protocols {
			out = append(out, l.fallback.rate(c.Label, p))
		}
		return out
	}
	defer client.Close()

	out := make([]Rate, 0, len(protocols))
	for _, p := range protocols {
		apy, err := readRate(ctx, client, c, p)
		if err != nil {
			l.log.Warn("rate read failed, using simulated rate", "chain", c.Label, "protocol", p, "err", err)
			out = append(out, l.fallback.rate(c.Label, p))
			continue
		}
		out = append(out, Rate{Chain: c.Label, Protocol: p, APY: apy})
	}
	return out
}

func readRate(ctx context.Context, client ContractCaller, c registry.ChainConfig, p registry.Protocol) (float64, error) {
	pool := common.HexToAddress(c.Pool(p))
	switch p {
	case registry.ProtocolAave:
		out, err := call(ctx, client, pool, aavePoolABI, "getReserveData", common.HexToAddress(c.SuperchainToken))
		if err != nil {
			return 0, err
		}
		rate, ok := out[2].(*big.Int)
		if !ok {
			return 0, fmt.Errorf("getReserveData: unexpected liquidity rate type %T", out[2])
		}
		return AaveLiquidityRateToAPY(rate), nil
	case registry.ProtocolCompound:
		util, err := call(ctx, client, pool, cometABI, "getUtilization")
		if err != nil {
			return 0, err
		}
		utilization, ok := util[0].(*big.Int)
		if !ok {
			return 0, fmt.Errorf("getUtilization: unexpected type %T", util[0])
		}
		rate, err := call(ctx, client, pool, cometABI, "getSupplyRate", utilization)
		if err != nil {
			return 0, err
		}
		perSecond, ok := rate[0].(uint64)
		if !ok {
			return 0, fmt.Errorf("getSupplyRate: unexpected type %T", rate[0])
		}
		return CometSupplyRateToAPR(new(big.Int).SetUint64(perSecond)), nil
	default:
		return 0, fmt.Errorf("unsupported protocol %q", p)
	}
}

func call(ctx context.Context, client ContractCaller, to common.Address, contract interface {
	Pack(string, ...any) ([]byte, error)
	Unpack(string, []byte) ([]any, error)
}, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

// SourceConfig drives the one-time choice between live and simulated data.
type SourceConfig struct {
	Chains []registry.ChainConfig
	// ExplicitRPC lists chain labels whose RPC URL was configured by the
	// operator rather than taken from the public defaults.
	ExplicitRPC    map[string]bool
	Seed           int64
	ForceSimulated bool
	Log            *slog.Logger
}

// SelectSource returns Live only when every chain is fully configured.
func SelectSource(cfg SourceConfig) DataSource {
	log := logging.OrDiscard(cfg.Log)
	if cfg.ForceSimulated {
		return NewSimulated(cfg.Chains, cfg.Seed)
	}
	var missing []string
	for _, c := range cfg.Chains {
		switch {
		case !cfg.ExplicitRPC[c.Label] || strings.TrimSpace(c.RPCURL) == "":
			missing = append(missing, c.Label+".rpc_url")
		case c.SuperchainToken == "":
			missing = append(missing, c.Label+".superchain_token")
		case len(c.Protocols()) == 0:
			missing = append(missing, c.Label+".pools")
		}
	}
	if len(cfg.Chains) == 0 || len(missing) > 0 {
		sort.Strings(missing)
		log.Info("using simulated rate data", "missing", missing)
		return NewSimulated(cfg.Chains, cfg.Seed)
	}
	return NewLive(cfg.Chains, cfg.Seed, log)
}
