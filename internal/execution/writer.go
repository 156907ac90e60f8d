package execution

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ggonzalez94/intentrail/internal/logging"
	"github.com/ggonzalez94/intentrail/internal/registry"
)

// Call is one transaction the orchestrator wants on chain.
type Call struct {
	Type        StepType
	Target      common.Address
	Data        []byte
	Value       *big.Int
	Description string
}

// ChainWriter submits a call and returns its transaction hash once the
// transaction is final enough for the next step to depend on it.
type ChainWriter interface {
	Send(ctx context.Context, chain registry.ChainConfig, call Call) (string, error)
}

// DryRun records calls without touching the network. Hashes are derived from
// the call and a sequence number so repeated runs stay distinguishable.
type DryRun struct {
	log *slog.Logger

	mu   sync.Mutex
	seq  uint64
	sent []SentCall
}

type SentCall struct {
	Chain  string
	Call   Call
	TxHash string
}

func NewDryRun(log *slog.Logger) *DryRun {
	return &DryRun{log: logging.OrDiscard(log)}
}

func (d *DryRun) Send(ctx context.Context, chain registry.ChainConfig, call Call) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.mu.Lock()
	d.seq++
	seq := d.seq
	d.mu.Unlock()

	var header [16]byte
	binary.BigEndian.PutUint64(header[:8], uint64(chain.ChainID))
	binary.BigEndian.PutUint64(header[8:], seq)
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	hash := crypto.Keccak256Hash(header[:], call.Target.Bytes(), call.Data, value.Bytes()).Hex()

	d.mu.Lock()
	d.sent = append(d.sent, SentCall{Chain: chain.Label, Call: call, TxHash: hash})
	d.mu.Unlock()
	d.log.Info("dry-run transaction", "chain", chain.Label, "step", call.Type, "to", call.Target.Hex(), "tx_hash", hash)
	return hash, nil
}

// Sent returns a copy of every call recorded so far.
func (d *DryRun) Sent() []SentCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]SentCall(nil), d.sent...)
}
