package domain

import "errors"

// Domain errors represent business-level errors that can occur in the system.
// These errors are used across layers to communicate specific failure conditions.
var (
	// Container errors
	ErrContainerNotFound = errors.New("container not found")

	// Image errors
	ErrImageNotFound   = errors.New("image not found")
	ErrNoWasmPayload   = errors.New("image has no wasm payload")
	ErrInvalidImageRef = errors.New("invalid image reference")

	// Staging errors
	ErrLayerCorrupt  = errors.New("layer archive is corrupt")
	ErrLayerEscape   = errors.New("layer entry escapes container root")
	ErrVolumeEscape  = errors.New("volume path escapes container root")
	ErrVolumeMissing = errors.New("volume host path does not exist")

	// Network errors
	ErrNetworkNotFound = errors.New("network not found")
	ErrNetworkExists   = errors.New("network already exists")
	ErrPortInUse       = errors.New("host port already in use")
	ErrInvalidProtocol = errors.New("invalid port protocol")
	ErrInvalidSubnet   = errors.New("invalid network subnet")
	ErrSubnetExhausted = errors.New("network subnet exhausted")

	// Spec errors
	ErrInvalidPortSpec   = errors.New("invalid port mapping")
	ErrInvalidVolumeSpec = errors.New("invalid volume mount")
	ErrInvalidEnvEntry   = errors.New("invalid environment entry")
)
