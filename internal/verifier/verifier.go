package verifier

import (
	"context"
	"log/slog"
	"time"

	"Cortege/internal/consensus"
)

// DefaultGasLimit bounds one verification when none is configured.
const DefaultGasLimit = 1_000_000

// verifyTimeout bounds the wall time of one verification.
const verifyTimeout = 2 * time.Second

// Contract verifies results with the module of one contract.
// Any execution error rejects the result.
type Contract struct {
	pool     *Pool
	module   consensus.Hash
	gasLimit uint64
	log      *slog.Logger
}

// ForContract returns a consensus.Verifier running module.
func (p *Pool) ForContract(module consensus.Hash, gasLimit uint64, log *slog.Logger) *Contract {
	if gasLimit == 0 {
		gasLimit = DefaultGasLimit
	}
	if log == nil {
		log = slog.Default()
	}

	return &Contract{pool: p, module: module, gasLimit: gasLimit, log: log}
}

// VerifyResult runs the module on the result of peer.
func (c *Contract) VerifyResult(result []byte, previous consensus.Hash, peer int) bool {
	ctx, cancel := context.WithTimeout(context.Background(), verifyTimeout)
	defer cancel()

	ok, gas, err := c.pool.Verify(ctx, c.module, result, previous, peer, c.gasLimit)
	if err != nil {
		c.log.Warn("verification failed", "module", c.module, "peer", peer, "gas", gas, "error", err)
		return false
	}

	return ok
}

// Func adapts a function to consensus.Verifier.
type Func func(result []byte, previous consensus.Hash, peer int) bool

// VerifyResult calls f.
func (f Func) VerifyResult(result []byte, previous consensus.Hash, peer int) bool {
	return f(result, previous, peer)
}

// AcceptAll accepts every result.
var AcceptAll = Func(func([]byte, consensus.Hash, int) bool { return true })
