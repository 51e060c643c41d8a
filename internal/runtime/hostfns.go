package runtime

import (
	"context"
	"unicode/utf8"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wasmdock/wasmdock/pkg/logger"
)

// capabilityCode is the fixed code returned by the status bridge call.
const capabilityCode int32 = 42

// installHostModule exposes the host bridge functions importable by
// sandboxed programs under the "env" module.
func installHostModule(ctx context.Context, rt wazero.Runtime) error {
	_, err := rt.NewHostModuleBuilder("env").
		NewFunctionBuilder().WithFunc(containerLog).Export("container_log").
		NewFunctionBuilder().WithFunc(getContainerInfo).Export("get_container_info").
		Instantiate(ctx)
	return err
}

// containerLog is the logging bridge call. The (offset, length) pair is
// validated against the sandbox's current linear memory bounds and for
// UTF-8 validity before it is treated as a message. An invalid call is
// rejected for that call only; the sandbox keeps running.
func containerLog(_ context.Context, mod api.Module, offset, length uint32) {
	mem := mod.Memory()
	if mem == nil {
		logger.Warn("Rejected container log call: module has no memory")
		return
	}
	buf, ok := mem.Read(offset, length)
	if !ok {
		logger.Warn("Rejected container log call: range out of bounds",
			"offset", offset, "length", length, "memory", mem.Size())
		return
	}
	if !utf8.Valid(buf) {
		logger.Warn("Rejected container log call: message is not valid UTF-8",
			"offset", offset, "length", length)
		return
	}
	logger.Info("[container] " + string(buf))
}

// getContainerInfo is the status bridge call.
func getContainerInfo(_ context.Context, _ api.Module) int32 {
	return capabilityCode
}
