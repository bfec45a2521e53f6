package verifier

import (
	"context"

	"github.com/tetratelabs/wazero/api"
)

// execKey carries the execution state of one call through the context.
type execKey struct{}

// execContext holds the execution state for a single verification.
type execContext struct {
	input        []byte // input is previous record | u32 peer | result
	gasLimit     uint64 // gasLimit is the maximum gas allowed
	gasUsed      uint64 // gasUsed tracks consumed gas
	gasExhausted bool   // gasExhausted is true if the gas limit was exceeded
}

// fromContext returns the execution state of the current call.
func fromContext(ctx context.Context) *execContext {
	execCtx, _ := ctx.Value(execKey{}).(*execContext)
	return execCtx
}

// buildHostModule creates the "env" module shared by every verification.
// Host functions find the state of their call in the context.
func (p *Pool) buildHostModule(ctx context.Context) (api.Module, error) {
	return p.runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, cost uint32) {
			hostGas(fromContext(ctx), cost)
		}).
		Export("gas").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context) uint32 {
			return hostInputLen(fromContext(ctx))
		}).
		Export("input_len").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr uint32) {
			hostReadInput(fromContext(ctx), m.Memory(), ptr)
		}).
		Export("read_input").
		Instantiate(ctx)
}

// hostGas handles gas metering.
// Panics if the gas limit is exceeded to abort execution.
func hostGas(execCtx *execContext, cost uint32) {
	if execCtx == nil {
		return
	}

	execCtx.gasUsed += uint64(cost)

	if execCtx.gasUsed > execCtx.gasLimit {
		execCtx.gasExhausted = true
		panic("gas exhausted")
	}
}

// hostInputLen returns the length of the input buffer.
func hostInputLen(execCtx *execContext) uint32 {
	if execCtx == nil {
		return 0
	}
	return uint32(len(execCtx.input))
}

// hostReadInput copies the input buffer into guest memory at ptr.
func hostReadInput(execCtx *execContext, memory api.Memory, ptr uint32) {
	if execCtx == nil || memory == nil || len(execCtx.input) == 0 {
		return
	}

	memory.Write(ptr, execCtx.input)
}
