package runtime

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmdock/wasmdock/internal/domain"
	"github.com/wasmdock/wasmdock/internal/network"
)

// Hand-assembled wasm binaries keep these tests free of a toolchain
// dependency. Section comments give the module shape.

// wasmExit exports an empty _start that returns immediately.
var wasmExit = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // magic + version
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00, // type: func() -> ()
	0x03, 0x02, 0x01, 0x00, // function: one func of type 0
	0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00, // export "_start"
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b, // code: empty body
}

// wasmTrap exports a _start whose body is a single unreachable.
var wasmTrap = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00,
	0x0a, 0x05, 0x01, 0x03, 0x00, 0x00, 0x0b, // code: unreachable
}

// badLogModule imports env.container_log and calls it with an offset far
// past its one page of linear memory, then returns.
var badLogModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// types: (i32,i32) -> () and () -> ()
	0x01, 0x09, 0x02, 0x60, 0x02, 0x7f, 0x7f, 0x00, 0x60, 0x00, 0x00,
	// import env.container_log (type 0)
	0x02, 0x15, 0x01, 0x03, 'e', 'n', 'v',
	0x0d, 'c', 'o', 'n', 't', 'a', 'i', 'n', 'e', 'r', '_', 'l', 'o', 'g',
	0x00, 0x00,
	0x03, 0x02, 0x01, 0x01, // function: one func of type 1
	0x05, 0x03, 0x01, 0x00, 0x01, // memory: min 1 page
	// exports: "memory" and "_start" (func index 1, imports come first)
	0x07, 0x13, 0x02,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x01,
	// code: container_log(131072, 16)
	0x0a, 0x0c, 0x01, 0x0a, 0x00,
	0x41, 0x80, 0x80, 0x08, // i32.const 131072
	0x41, 0x10, // i32.const 16
	0x10, 0x00, // call 0
	0x0b,
}

// goodLogModule calls env.container_log(0, 5) with "hello" placed at
// offset 0 by a data segment.
var goodLogModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x09, 0x02, 0x60, 0x02, 0x7f, 0x7f, 0x00, 0x60, 0x00, 0x00,
	0x02, 0x15, 0x01, 0x03, 'e', 'n', 'v',
	0x0d, 'c', 'o', 'n', 't', 'a', 'i', 'n', 'e', 'r', '_', 'l', 'o', 'g',
	0x00, 0x00,
	0x03, 0x02, 0x01, 0x01,
	0x05, 0x03, 0x01, 0x00, 0x01,
	0x07, 0x13, 0x02,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x01,
	// code: container_log(0, 5)
	0x0a, 0x0a, 0x01, 0x08, 0x00,
	0x41, 0x00, // i32.const 0
	0x41, 0x05, // i32.const 5
	0x10, 0x00, // call 0
	0x0b,
	// data: "hello" at offset 0
	0x0b, 0x0b, 0x01, 0x00, 0x41, 0x00, 0x0b, 0x05, 'h', 'e', 'l', 'l', 'o',
}

// invalidUTF8LogModule is goodLogModule with a non-UTF-8 data segment.
var invalidUTF8LogModule = append(append([]byte{}, goodLogModule[:len(goodLogModule)-5]...),
	0xff, 0xfe, 0xfd, 0xfc, 0xfb)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	ctx := context.Background()
	netmgr, err := network.NewManager("")
	require.NoError(t, err)
	rt, err := New(ctx, netmgr)
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close(ctx) })
	return rt
}

func testSpec(t *testing.T) *domain.Spec {
	t.Helper()
	spec, err := domain.NewSpec(domain.ImageInfo{Name: "demo:latest"}, domain.Options{})
	require.NoError(t, err)
	return spec
}

func TestRun_Exited(t *testing.T) {
	rt := newTestRuntime(t)
	spec := testSpec(t)

	require.NoError(t, rt.Run(context.Background(), spec, wasmExit))

	all := rt.List(true)
	require.Len(t, all, 1)
	assert.Equal(t, spec.ID, all[0].ID)
	assert.Equal(t, "demo:latest", all[0].Image)
	assert.Equal(t, domain.StatusExited, all[0].Status)

	// Only running containers appear in a filtered listing.
	assert.Empty(t, rt.List(false))

	// The network lease was released.
	_, ok := rt.network.Lookup(spec.ID)
	assert.False(t, ok)
}

// freePort grabs an ephemeral port and releases it for the test to reuse.
func freePort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return uint16(l.Addr().(*net.TCPAddr).Port)
}

func TestRun_PublishSameHostAndContainerPort(t *testing.T) {
	rt := newTestRuntime(t)

	// When the host and container port numbers coincide, the forward's
	// listener owns the port and the sandbox gets no second bind for it.
	port := freePort(t)
	spec, err := domain.NewSpec(domain.ImageInfo{Name: "demo:latest"}, domain.Options{
		Ports: []string{fmt.Sprintf("%d:%d", port, port)},
	})
	require.NoError(t, err)

	require.NoError(t, rt.Run(context.Background(), spec, wasmExit))

	rec, ok := rt.registry.Get(spec.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusExited, rec.Status)

	// Forward and lease are gone after the run.
	assert.False(t, rt.network.HoldsTCPPort(port))
	_, found := rt.network.Lookup(spec.ID)
	assert.False(t, found)
}

func TestRun_PublishDistinctPorts(t *testing.T) {
	rt := newTestRuntime(t)

	host := freePort(t)
	container := freePort(t)
	if host == container {
		t.Skipf("ephemeral ports collided: %d", host)
	}
	spec, err := domain.NewSpec(domain.ImageInfo{Name: "demo:latest"}, domain.Options{
		Ports: []string{fmt.Sprintf("%d:%d", host, container)},
	})
	require.NoError(t, err)

	require.NoError(t, rt.Run(context.Background(), spec, wasmExit))

	rec, ok := rt.registry.Get(spec.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusExited, rec.Status)
}

func TestRun_TrapRecordsFailed(t *testing.T) {
	rt := newTestRuntime(t)
	spec := testSpec(t)

	err := rt.Run(context.Background(), spec, wasmTrap)
	require.Error(t, err)

	rec, ok := rt.registry.Get(spec.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusFailed, rec.Status)

	assert.Empty(t, rt.List(false))

	_, found := rt.network.Lookup(spec.ID)
	assert.False(t, found, "network lease must be released on the failure path")
}

func TestRun_CompileErrorReleasesResources(t *testing.T) {
	rt := newTestRuntime(t)
	spec := testSpec(t)

	err := rt.Run(context.Background(), spec, []byte("not wasm"))
	require.Error(t, err)

	_, found := rt.network.Lookup(spec.ID)
	assert.False(t, found)

	// Compilation fails before the container is ever recorded as running.
	assert.Empty(t, rt.List(true))
}

func TestRun_BridgeLogOutOfBounds(t *testing.T) {
	rt := newTestRuntime(t)
	spec := testSpec(t)

	// The invalid call is rejected; the sandbox keeps running and exits
	// normally, and the host survives.
	require.NoError(t, rt.Run(context.Background(), spec, badLogModule))

	rec, ok := rt.registry.Get(spec.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusExited, rec.Status)
}

func TestRun_BridgeLogValid(t *testing.T) {
	rt := newTestRuntime(t)
	spec := testSpec(t)

	require.NoError(t, rt.Run(context.Background(), spec, goodLogModule))
}

func TestRun_BridgeLogInvalidUTF8(t *testing.T) {
	rt := newTestRuntime(t)
	spec := testSpec(t)

	require.NoError(t, rt.Run(context.Background(), spec, invalidUTF8LogModule))

	rec, ok := rt.registry.Get(spec.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusExited, rec.Status)
}

func TestRun_Concurrent(t *testing.T) {
	rt := newTestRuntime(t)

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		spec := testSpec(t)
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = rt.Run(context.Background(), spec, wasmExit)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "run %d", i)
	}
	assert.Len(t, rt.List(true), n)
	assert.Empty(t, rt.List(false))
}

func TestStop_UnknownIDIsNoOp(t *testing.T) {
	rt := newTestRuntime(t)

	require.NoError(t, rt.Stop(context.Background(), "never-seen"))
	assert.Empty(t, rt.List(true))
}

func TestStop_AfterExit(t *testing.T) {
	rt := newTestRuntime(t)
	spec := testSpec(t)

	require.NoError(t, rt.Run(context.Background(), spec, wasmExit))
	require.NoError(t, rt.Stop(context.Background(), spec.ID))

	rec, ok := rt.registry.Get(spec.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusStopped, rec.Status)
}
