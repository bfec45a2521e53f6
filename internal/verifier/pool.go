// Package verifier checks peer results with per-contract WASM modules.
//
// A verifier module exports "verify" () -> i32 and may import from "env":
// gas(cost i32), input_len() -> i32 and read_input(ptr i32). The input is
// the 32-byte previous record id, the peer number as a big-endian u32 and
// the result bytes. A non-zero return accepts the result.
package verifier

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/zeebo/blake3"

	"Cortege/internal/consensus"
)

var (
	// ErrModuleNotFound is returned when a module ID is not found in the pool.
	ErrModuleNotFound = errors.New("module not found")

	// ErrGasExhausted is returned when verification runs out of gas.
	ErrGasExhausted = errors.New("gas exhausted")
)

// Pool keeps compiled verifier modules hot for fast instantiation.
type Pool struct {
	runtime wazero.Runtime
	host    api.Module
	modules map[consensus.Hash]wazero.CompiledModule // modules maps module id to compiled module
	mu      sync.RWMutex
}

// New creates a pool with an initialized wazero runtime.
func New(ctx context.Context) (*Pool, error) {
	p := &Pool{
		runtime: wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true)),
		modules: make(map[consensus.Hash]wazero.CompiledModule),
	}

	host, err := p.buildHostModule(ctx)
	if err != nil {
		p.runtime.Close(ctx)
		return nil, fmt.Errorf("build host module:\n%w", err)
	}
	p.host = host

	return p, nil
}

// Load compiles and stores a module. Without customID the module is
// identified by the blake3 hash of its bytes.
func (p *Pool) Load(wasmBytes []byte, customID *consensus.Hash) (consensus.Hash, error) {
	id := consensus.Hash(blake3.Sum256(wasmBytes))
	if customID != nil {
		id = *customID
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.modules[id]; exists {
		return id, nil
	}

	compiled, err := p.runtime.CompileModule(context.Background(), wasmBytes)
	if err != nil {
		return consensus.Hash{}, fmt.Errorf("compile module:\n%w", err)
	}

	p.modules[id] = compiled

	return id, nil
}

// Has reports whether a module is loaded.
func (p *Pool) Has(id consensus.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	_, ok := p.modules[id]
	return ok
}

// Verify runs module id on one result.
// Returns whether the result is accepted and the gas consumed.
func (p *Pool) Verify(ctx context.Context, id consensus.Hash, result []byte, previous consensus.Hash, peer int, gasLimit uint64) (bool, uint64, error) {
	p.mu.RLock()
	compiled, exists := p.modules[id]
	p.mu.RUnlock()

	if !exists {
		return false, 0, ErrModuleNotFound
	}

	execCtx := &execContext{
		input:    buildInput(result, previous, peer),
		gasLimit: gasLimit,
	}
	ctx = context.WithValue(ctx, execKey{}, execCtx)

	instance, err := p.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return false, execCtx.gasUsed, fmt.Errorf("instantiate module:\n%w", err)
	}
	defer instance.Close(ctx)

	verifyFn := instance.ExportedFunction("verify")
	if verifyFn == nil {
		return false, execCtx.gasUsed, fmt.Errorf("verify function not exported")
	}

	out, err := verifyFn.Call(ctx)
	if err != nil {
		if execCtx.gasExhausted {
			return false, execCtx.gasUsed, ErrGasExhausted
		}
		return false, execCtx.gasUsed, fmt.Errorf("verify:\n%w", err)
	}

	if len(out) != 1 {
		return false, execCtx.gasUsed, fmt.Errorf("verify returned %d values", len(out))
	}

	return api.DecodeI32(out[0]) != 0, execCtx.gasUsed, nil
}

// Unload removes a module from the pool.
func (p *Pool) Unload(id consensus.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if compiled, exists := p.modules[id]; exists {
		compiled.Close(context.Background())
		delete(p.modules, id)
	}
}

// Close releases all resources held by the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, compiled := range p.modules {
		compiled.Close(context.Background())
		delete(p.modules, id)
	}

	return p.runtime.Close(context.Background())
}

// buildInput lays out the verification input.
func buildInput(result []byte, previous consensus.Hash, peer int) []byte {
	input := make([]byte, 0, 36+len(result))
	input = append(input, previous[:]...)
	input = binary.BigEndian.AppendUint32(input, uint32(peer))
	return append(input, result...)
}
