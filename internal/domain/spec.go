package domain

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// DefaultPath is the PATH injected into every container unless overridden.
const DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// ImageInfo is the resolved image descriptor the spec is derived from. It
// is supplied by the image store; the core never fetches or caches images
// itself.
type ImageInfo struct {
	Name       string
	Env        []string
	Cmd        []string
	Entrypoint []string
	WorkDir    string
	Ports      []string // declared ports, "host:container[/proto]"
	Layers     []string // ordered layer archive paths
}

// Options are the user overrides applied on top of the image descriptor.
type Options struct {
	Command []string
	WorkDir string
	Env     []string // KEY=VALUE entries, later entries win
	Volumes []string // host:container[:ro]
	Ports   []string // host:container[/proto]
	Network string   // virtual network to join, default bridge
}

// Spec is the immutable description of one container instance. The id is
// generated once at construction and never reused within the process.
type Spec struct {
	ID         string
	Image      string
	Command    []string
	Entrypoint []string
	Cmd        []string
	WorkDir    string
	Env        map[string]string
	Volumes    []VolumeMount
	Ports      []PortMapping
	Network    string
	Layers     []string
}

// NewSpec derives a container spec from an image descriptor plus user
// overrides. Built-in HOSTNAME and PATH defaults are injected first, then
// the image environment, then explicit entries; later insertions overwrite
// earlier ones.
func NewSpec(img ImageInfo, opts Options) (*Spec, error) {
	id := uuid.New().String()

	env := map[string]string{
		"HOSTNAME": id,
		"PATH":     DefaultPath,
	}
	for _, entry := range img.Env {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidEnvEntry, entry)
		}
		env[key] = value
	}
	for _, entry := range opts.Env {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidEnvEntry, entry)
		}
		env[key] = value
	}

	volumes := make([]VolumeMount, 0, len(opts.Volumes))
	for _, v := range opts.Volumes {
		mount, err := ParseVolume(v)
		if err != nil {
			return nil, err
		}
		volumes = append(volumes, mount)
	}

	ports := make([]PortMapping, 0, len(img.Ports)+len(opts.Ports))
	for _, p := range append(append([]string{}, img.Ports...), opts.Ports...) {
		mapping, err := ParsePort(p)
		if err != nil {
			return nil, err
		}
		ports = append(ports, mapping)
	}

	workdir := img.WorkDir
	if opts.WorkDir != "" {
		workdir = opts.WorkDir
	}

	network := opts.Network
	if network == "" {
		network = "bridge"
	}

	return &Spec{
		ID:         id,
		Image:      img.Name,
		Command:    opts.Command,
		Entrypoint: img.Entrypoint,
		Cmd:        img.Cmd,
		WorkDir:    workdir,
		Env:        env,
		Volumes:    volumes,
		Ports:      ports,
		Network:    network,
		Layers:     img.Layers,
	}, nil
}

// Argv resolves the argument vector with precedence: explicit run-time
// command, then image entrypoint concatenated with image cmd, then image
// cmd alone, then an empty argument list.
func (s *Spec) Argv() []string {
	if len(s.Command) > 0 {
		return s.Command
	}
	if len(s.Entrypoint) > 0 {
		return append(append([]string{}, s.Entrypoint...), s.Cmd...)
	}
	if len(s.Cmd) > 0 {
		return s.Cmd
	}
	return nil
}

// ParseVolume parses a host:container[:ro] volume string.
func ParseVolume(s string) (VolumeMount, error) {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 2:
		return VolumeMount{HostPath: parts[0], ContainerPath: parts[1]}, nil
	case 3:
		if parts[2] != "ro" {
			return VolumeMount{}, fmt.Errorf("%w: %q", ErrInvalidVolumeSpec, s)
		}
		return VolumeMount{HostPath: parts[0], ContainerPath: parts[1], ReadOnly: true}, nil
	default:
		return VolumeMount{}, fmt.Errorf("%w: %q", ErrInvalidVolumeSpec, s)
	}
}

// ParsePort parses a host:container[/proto] port mapping string. The
// protocol defaults to tcp; an unrecognized protocol is a hard error.
func ParsePort(s string) (PortMapping, error) {
	spec, protoTag, hasProto := strings.Cut(s, "/")
	proto := ProtocolTCP
	if hasProto {
		var err error
		proto, err = ParseProtocol(protoTag)
		if err != nil {
			return PortMapping{}, fmt.Errorf("%w: %q", err, s)
		}
	}

	hostPart, containerPart, ok := strings.Cut(spec, ":")
	if !ok {
		return PortMapping{}, fmt.Errorf("%w: %q", ErrInvalidPortSpec, s)
	}
	hostPort, err := parsePortNumber(hostPart)
	if err != nil {
		return PortMapping{}, fmt.Errorf("%w: %q", ErrInvalidPortSpec, s)
	}
	containerPort, err := parsePortNumber(containerPart)
	if err != nil {
		return PortMapping{}, fmt.Errorf("%w: %q", ErrInvalidPortSpec, s)
	}

	return PortMapping{HostPort: hostPort, ContainerPort: containerPort, Protocol: proto}, nil
}

func parsePortNumber(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("port must be nonzero")
	}
	return uint16(n), nil
}
