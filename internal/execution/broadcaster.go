package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	clierr "github.com/ggonzalez94/intentrail/internal/errors"
	"github.com/ggonzalez94/intentrail/internal/execution/signer"
	"github.com/ggonzalez94/intentrail/internal/logging"
	"github.com/ggonzalez94/intentrail/internal/registry"
)

type BroadcastOptions struct {
	Simulate           bool
	PollInterval       time.Duration
	ReceiptTimeout     time.Duration
	GasMultiplier      float64
	MaxFeeGwei         string
	MaxPriorityFeeGwei string
}

func DefaultBroadcastOptions() BroadcastOptions {
	return BroadcastOptions{
		Simulate:       true,
		PollInterval:   2 * time.Second,
		ReceiptTimeout: 2 * time.Minute,
		GasMultiplier:  1.2,
	}
}

// Broadcaster signs and submits calls over JSON-RPC and waits for a
// successful receipt.
type Broadcaster struct {
	signer signer.Signer
	opts   BroadcastOptions
	log    *slog.Logger
}

func NewBroadcaster(txSigner signer.Signer, opts BroadcastOptions, log *slog.Logger) *Broadcaster {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = 2 * time.Minute
	}
	if opts.GasMultiplier <= 1 {
		opts.GasMultiplier = 1.2
	}
	return &Broadcaster{signer: txSigner, opts: opts, log: logging.OrDiscard(log)}
}

func (b *Broadcaster) Address() common.Address {
	return b.signer.Address()
}

func (b *Broadcaster) Send(ctx context.Context, chain registry.ChainConfig, call Call) (string, error) {
	if b.signer == nil {
		return "", clierr.New(clierr.CodeSigner, "missing signer")
	}
	if strings.TrimSpace(chain.RPCURL) == "" {
		return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("missing rpc url for chain %s", chain.Label))
	}
	if call.Target == (common.Address{}) {
		return "", clierr.New(clierr.CodeUsage, "missing call target")
	}
	client, err := ethclient.DialContext(ctx, chain.RPCURL)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}
	defer client.Close()

	hash, err := b.send(ctx, client, chain, call)
	if err != nil {
		return hash, err
	}
	b.log.Info("transaction confirmed", "chain", chain.Label, "step", call.Type, "tx_hash", hash)
	return hash, nil
}

func (b *Broadcaster) send(ctx context.Context, client *ethclient.Client, chain registry.ChainConfig, call Call) (string, error) {
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeUnavailable, "read chain id", err)
	}
	if chain.ChainID != 0 && chainID.Int64() != chain.ChainID {
		return "", clierr.New(clierr.CodeActionPlan, fmt.Sprintf("rpc chain mismatch for %s: expected %d, got %d", chain.Label, chain.ChainID, chainID.Int64()))
	}
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	from := b.signer.Address()
	msg := ethereum.CallMsg{From: from, To: &call.Target, Value: value, Data: call.Data}

	if b.opts.Simulate {
		if _, err := client.CallContract(ctx, msg, nil); err != nil {
			return "", wrapEVMExecutionError(clierr.CodeActionSim, "simulate step (eth_call)", err)
		}
	}
	gasLimit, err := client.EstimateGas(ctx, msg)
	if err != nil {
		return "", wrapEVMExecutionError(clierr.CodeActionSim, "estimate gas", err)
	}
	gasLimit = uint64(float64(gasLimit) * b.opts.GasMultiplier)

	tipCap, err := resolveTipCap(ctx, client, b.opts.MaxPriorityFeeGwei)
	if err != nil {
		return "", err
	}
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeUnavailable, "fetch latest header", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(1_000_000_000)
	}
	feeCap, err := resolveFeeCap(baseFee, tipCap, b.opts.MaxFeeGwei)
	if err != nil {
		return "", err
	}

	unlock := acquireSignerNonceLock(chainID, from)
	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		unlock()
		return "", clierr.Wrap(clierr.CodeUnavailable, "fetch nonce", err)
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &call.Target,
		Value:     value,
		Data:      call.Data,
	})
	signed, err := b.signer.SignTx(chainID, tx)
	if err != nil {
		unlock()
		return "", clierr.Wrap(clierr.CodeSigner, "sign transaction", err)
	}
	err = client.SendTransaction(ctx, signed)
	unlock()
	if err != nil {
		return "", wrapEVMExecutionError(clierr.CodeUnavailable, "broadcast transaction", err)
	}
	hash := signed.Hash()
	b.log.Debug("transaction submitted", "chain", chain.Label, "step", call.Type, "tx_hash", hash.Hex(), "nonce", nonce)

	return hash.Hex(), b.waitReceipt(ctx, client, hash)
}

func (b *Broadcaster) waitReceipt(ctx context.Context, client *ethclient.Client, hash common.Hash) error {
	waitCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, b.opts.ReceiptTimeout)
		defer cancel()
	}
	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := client.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				return nil
			}
			return clierr.New(clierr.CodeUnavailable, fmt.Sprintf("transaction %s reverted on-chain", hash.Hex()))
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			b.log.Debug("receipt poll failed", "tx_hash", hash.Hex(), "err", err)
		}
		select {
		case <-waitCtx.Done():
			return clierr.Wrap(clierr.CodeActionTimeout, "timed out waiting for receipt", waitCtx.Err())
		case <-ticker.C:
		}
	}
}

var (
	nonceLocksMu sync.Mutex
	nonceLocks   = map[string]*sync.Mutex{}
)

// acquireSignerNonceLock serializes nonce read and broadcast per signer and
// chain, so concurrent sends never reuse a pending nonce.
func acquireSignerNonceLock(chainID *big.Int, addr common.Address) func() {
	key := chainID.String() + ":" + strings.ToLower(addr.Hex())
	nonceLocksMu.Lock()
	mu, ok := nonceLocks[key]
	if !ok {
		mu = &sync.Mutex{}
		nonceLocks[key] = mu
	}
	nonceLocksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func resolveTipCap(ctx context.Context, client *ethclient.Client, overrideGwei string) (*big.Int, error) {
	if strings.TrimSpace(overrideGwei) != "" {
		v, err := parseGwei(overrideGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse max priority fee", err)
		}
		return v, nil
	}
	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return big.NewInt(1_000_000), nil // 0.001 gwei, typical OP Stack floor
	}
	return tipCap, nil
}

func resolveFeeCap(baseFee, tipCap *big.Int, overrideGwei string) (*big.Int, error) {
	if strings.TrimSpace(overrideGwei) != "" {
		v, err := parseGwei(overrideGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse max fee", err)
		}
		if v.Cmp(tipCap) < 0 {
			return nil, clierr.New(clierr.CodeUsage, "max fee must be >= max priority fee")
		}
		return v, nil
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tipCap)
	return feeCap, nil
}

func parseGwei(v string) (*big.Int, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return nil, fmt.Errorf("empty gwei value")
	}
	rat, ok := new(big.Rat).SetString(clean)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", v)
	}
	if rat.Sign() < 0 {
		return nil, fmt.Errorf("value must be non-negative")
	}
	rat.Mul(rat, big.NewRat(1_000_000_000, 1))
	if !rat.IsInt() {
		return nil, fmt.Errorf("value must resolve to an integer wei amount")
	}
	return new(big.Int).Set(rat.Num()), nil
}

var errorStringSelector = []byte{0x08, 0xc3, 0x79, 0xa0}

// decodeRevertData turns revert return data into a readable reason.
func decodeRevertData(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	if string(data[:4]) == string(errorStringSelector) {
		if reason, err := abi.UnpackRevert(data); err == nil {
			return reason
		}
	}
	return fmt.Sprintf("custom error %s", hexutil.Encode(data[:4]))
}

func decodeRevertFromError(err error) string {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return ""
	}
	switch v := dataErr.ErrorData().(type) {
	case string:
		return decodeRevertData(common.FromHex(v))
	case []byte:
		return decodeRevertData(v)
	default:
		return ""
	}
}

func wrapEVMExecutionError(code clierr.Code, message string, err error) error {
	if reason := decodeRevertFromError(err); reason != "" {
		message = fmt.Sprintf("%s: reverted: %s", message, reason)
	}
	return clierr.Wrap(code, message, err)
}
