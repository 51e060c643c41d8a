// Package runtime drives sandboxed container execution: it builds the
// capability context from the staged root and the network lease, compiles
// the wasm payload, bridges host functions across the trust boundary and
// maps the outcome to a container status.
package runtime

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	expsock "github.com/tetratelabs/wazero/experimental/sock"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/wasmdock/wasmdock/internal/domain"
	"github.com/wasmdock/wasmdock/internal/network"
	"github.com/wasmdock/wasmdock/internal/rootfs"
	"github.com/wasmdock/wasmdock/pkg/logger"
)

// Runtime executes containers inside a shared wazero engine. Many
// executions may be in flight at once; invocation suspends cooperatively
// and never holds runtime locks.
type Runtime struct {
	wasm     wazero.Runtime
	network  *network.Manager
	registry *Registry

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates a runtime backed by the given network manager. WASI and the
// host bridge module are instantiated once and shared by all containers.
func New(ctx context.Context, netmgr *network.Manager) (*Runtime, error) {
	rt := wazero.NewRuntimeWithConfig(ctx,
		wazero.NewRuntimeConfig().WithCloseOnContextDone(true),
	)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiating wasi: %w", err)
	}
	if err := installHostModule(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("installing host module: %w", err)
	}

	return &Runtime{
		wasm:     rt,
		network:  netmgr,
		registry: NewRegistry(),
		cancels:  make(map[string]context.CancelFunc),
	}, nil
}

// Close releases the wasm engine and everything instantiated in it.
func (r *Runtime) Close(ctx context.Context) error {
	return r.wasm.Close(ctx)
}

// Run executes one container to completion. The staged root and the
// network lease are each acquired once and released exactly once, on every
// success and failure path.
func (r *Runtime) Run(ctx context.Context, spec *domain.Spec, wasmBinary []byte) error {
	logger.Info("Starting container", "id", spec.ID, "image", spec.Image)

	root, err := rootfs.Stage(spec.ID)
	if err != nil {
		return err
	}
	defer func() {
		if err := root.Close(); err != nil {
			logger.Warn("Failed to remove staged root", "id", spec.ID, "error", err)
		}
	}()

	for _, layer := range spec.Layers {
		if err := root.ApplyLayer(layer); err != nil {
			return err
		}
	}
	if err := root.CreateDeviceNodes(); err != nil {
		return err
	}
	for _, v := range spec.Volumes {
		if err := root.MountVolume(v); err != nil {
			return err
		}
	}

	lease, err := r.network.Setup(spec)
	if err != nil {
		return err
	}
	defer lease.Release()

	cfg, err := r.moduleConfig(spec, root, lease)
	if err != nil {
		return err
	}

	compiled, err := r.wasm.CompileModule(ctx, wasmBinary)
	if err != nil {
		return fmt.Errorf("compiling container payload: %w", err)
	}
	defer compiled.Close(ctx)

	r.registry.Add(spec.ID, spec.Image, domain.StatusRunning)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.trackCancel(spec.ID, cancel)
	defer r.dropCancel(spec.ID)
	runCtx = r.withSocketGrants(runCtx, spec)

	// Instantiation invokes the _start entry point.
	mod, err := r.wasm.InstantiateModule(runCtx, compiled, cfg)
	if mod != nil {
		_ = mod.Close(context.WithoutCancel(runCtx))
	}

	lease.Release()

	if err != nil && !isCleanExit(err) {
		if rec, ok := r.registry.Get(spec.ID); ok &&
			(rec.Status == domain.StatusStopping || rec.Status == domain.StatusStopped) {
			// Stopped from outside while running; not a failure.
			logger.Info("Container stopped", "id", spec.ID)
			return nil
		}
		r.registry.SetStatus(spec.ID, domain.StatusFailed)
		logger.Error("Container failed", "id", spec.ID, "error", err)
		return fmt.Errorf("container %s: %w", spec.ID, err)
	}

	r.registry.SetStatus(spec.ID, domain.StatusExited)
	logger.Info("Container exited successfully", "id", spec.ID)
	return nil
}

// Stop transitions a container to Stopped and releases its network
// resources. The in-flight invocation is asked to terminate via context
// cancellation but is never forcibly preempted; the sandbox cannot escape
// its capability boundary either way. A no-op for unknown ids.
func (r *Runtime) Stop(_ context.Context, id string) error {
	logger.Info("Stopping container", "id", id)

	r.registry.SetStatus(id, domain.StatusStopping)

	r.mu.Lock()
	cancel, ok := r.cancels[id]
	r.mu.Unlock()
	if ok {
		cancel()
	}

	r.network.Release(id)
	r.registry.SetStatus(id, domain.StatusStopped)
	return nil
}

// List returns all container records, or only the running ones.
func (r *Runtime) List(all bool) []domain.ContainerRecord {
	return r.registry.List(all)
}

// moduleConfig builds the least-privilege capability context: inherited
// stdio, the environment augmented with the container address and
// hostname, the resolved argv and exactly one directory capability. Paths
// outside that directory are unreachable to the sandboxed program.
func (r *Runtime) moduleConfig(spec *domain.Spec, root *rootfs.StagedRoot, lease *network.Lease) (wazero.ModuleConfig, error) {
	mountDir := root.Path()
	if spec.WorkDir != "" && spec.WorkDir != "/" {
		sub := filepath.Join(root.Path(), strings.TrimPrefix(spec.WorkDir, "/"))
		if _, err := os.Stat(sub); err != nil {
			return nil, fmt.Errorf("working directory %s: %w", spec.WorkDir, err)
		}
		mountDir = sub
	}

	cfg := wazero.NewModuleConfig().
		WithName(spec.ID).
		WithStdin(os.Stdin).
		WithStdout(os.Stdout).
		WithStderr(os.Stderr).
		WithFSConfig(wazero.NewFSConfig().WithDirMount(mountDir, "/")).
		WithRandSource(rand.Reader).
		WithSysWalltime().
		WithSysNanotime()

	for key, value := range spec.Env {
		cfg = cfg.WithEnv(key, value)
	}
	cfg = cfg.WithEnv("CONTAINER_IP", lease.IP.String())
	cfg = cfg.WithEnv("HOSTNAME", lease.Hostname)

	if argv := spec.Argv(); len(argv) > 0 {
		cfg = cfg.WithArgs(argv...)
	}

	return cfg, nil
}

// withSocketGrants pre-opens a listener for every declared tcp port so the
// sandboxed program can accept on it through WASI. A container port whose
// number is already held by a forward's wildcard listener is skipped:
// binding it a second time at instantiation would fail the run, and the
// forward already owns that port on the container's behalf.
func (r *Runtime) withSocketGrants(ctx context.Context, spec *domain.Spec) context.Context {
	sockCfg := expsock.NewConfig()
	granted := false
	for _, mapping := range spec.Ports {
		if mapping.Protocol != domain.ProtocolTCP {
			continue
		}
		if r.network.HoldsTCPPort(mapping.ContainerPort) {
			logger.Debug("Skipping socket grant, port forward owns the port",
				"container", spec.ID, "port", mapping.ContainerPort)
			continue
		}
		sockCfg = sockCfg.WithTCPListener("127.0.0.1", int(mapping.ContainerPort))
		granted = true
	}
	if !granted {
		return ctx
	}
	return expsock.WithConfig(ctx, sockCfg)
}

// isCleanExit reports whether the invocation error is an explicit exit
// with code zero, which counts as success.
func isCleanExit(err error) bool {
	var exitErr *sys.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode() == 0
}

func (r *Runtime) trackCancel(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[id] = cancel
}

func (r *Runtime) dropCancel(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, id)
}
