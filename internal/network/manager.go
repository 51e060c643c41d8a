// Package network maintains virtual network membership, per-container
// address reservations and host-side port forwards. Networks are host-local
// address spaces; there is no kernel network isolation behind them.
package network

import (
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/wasmdock/wasmdock/internal/domain"
	"github.com/wasmdock/wasmdock/pkg/logger"
)

// DefaultBridge is the network every container joins unless told otherwise.
const DefaultBridge = "bridge"

const defaultBridgeSubnet = "172.17.0.0/16"

// gatewayOffset reserves the first usable address for the gateway;
// container allocation starts one past it.
const gatewayOffset = 1

// Network is one named virtual network: a subnet, its gateway and the
// containers that joined it.
type Network struct {
	Name    string
	Prefix  netip.Prefix
	Gateway netip.Addr

	members    []string
	nextOffset uint32
	reserved   map[string]netip.Addr
}

// PortForward is one host-listening endpoint mapped to a container port.
// The host port is the global uniqueness key. For tcp the bound listener is
// retained; udp binds only to validate availability.
type PortForward struct {
	HostPort      uint16
	ContainerID   string
	ContainerPort uint16
	Protocol      domain.Protocol

	listener net.Listener
}

// Lease is the network state acquired for one run() invocation: the
// allocated address, the hostname and the active forwards. It is released
// exactly once, on every success and failure path.
type Lease struct {
	ContainerID string
	IP          netip.Addr
	Hostname    string
	Ports       []domain.PortMapping

	mgr *Manager
}

// Release returns every network resource owned by the lease. Safe to call
// redundantly.
func (l *Lease) Release() {
	l.mgr.Release(l.ContainerID)
}

// Manager owns the network tables. All state is explicit and injected,
// never a process-wide singleton; the mutex is held only across map and
// list mutation, never across a sandbox invocation.
type Manager struct {
	mu       sync.Mutex
	networks map[string]*Network
	forwards map[uint16]*PortForward
}

// NewManager creates a manager with the default bridge network. An empty
// bridgeSubnet uses 172.17.0.0/16.
func NewManager(bridgeSubnet string) (*Manager, error) {
	if bridgeSubnet == "" {
		bridgeSubnet = defaultBridgeSubnet
	}
	m := &Manager{
		networks: make(map[string]*Network),
		forwards: make(map[uint16]*PortForward),
	}
	if err := m.CreateNetwork(DefaultBridge, bridgeSubnet); err != nil {
		return nil, err
	}
	return m, nil
}

// CreateNetwork adds a named network with the given subnet. The gateway
// takes the first usable address.
func (m *Manager) CreateNetwork(name, subnet string) error {
	prefix, err := netip.ParsePrefix(subnet)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", domain.ErrInvalidSubnet, subnet, err)
	}
	if !prefix.Addr().Is4() {
		return fmt.Errorf("%w: %q: only IPv4 subnets are supported", domain.ErrInvalidSubnet, subnet)
	}
	gateway, err := addrAt(prefix, gatewayOffset)
	if err != nil {
		return fmt.Errorf("%w: %q", domain.ErrInvalidSubnet, subnet)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.networks[name]; exists {
		return fmt.Errorf("%w: %s", domain.ErrNetworkExists, name)
	}
	m.networks[name] = &Network{
		Name:       name,
		Prefix:     prefix.Masked(),
		Gateway:    gateway,
		nextOffset: gatewayOffset + 1,
		reserved:   make(map[string]netip.Addr),
	}

	logger.Info("Created network", "name", name, "subnet", subnet)
	return nil
}

// Allocate reserves an address on the named network for the container and
// appends it to the membership list. Allocation uses a monotonic offset
// counter, so addresses are never recycled within the process lifetime and
// a reservation stays stable while other containers come and go.
func (m *Manager) Allocate(containerID, networkName string) (netip.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nw, ok := m.networks[networkName]
	if !ok {
		return netip.Addr{}, fmt.Errorf("%w: %s", domain.ErrNetworkNotFound, networkName)
	}
	if addr, ok := nw.reserved[containerID]; ok {
		return addr, nil
	}

	addr, err := addrAt(nw.Prefix, nw.nextOffset)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %s", domain.ErrSubnetExhausted, networkName)
	}
	nw.nextOffset++
	nw.reserved[containerID] = addr
	nw.members = append(nw.members, containerID)

	logger.Debug("Allocated address", "container", containerID, "network", networkName, "ip", addr)
	return addr, nil
}

// Lookup returns the reserved address of a container, if any.
func (m *Manager) Lookup(containerID string) (netip.Addr, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, nw := range m.networks {
		if addr, ok := nw.reserved[containerID]; ok {
			return addr, true
		}
	}
	return netip.Addr{}, false
}

// BindForward binds a host port to a container port. For tcp the listening
// socket is bound synchronously and retained; a bind failure surfaces
// immediately. For udp the bind only validates host-port availability and
// the socket is not kept. A second registration under the same host port
// fails with a conflict and leaves the first untouched.
func (m *Manager) BindForward(hostPort uint16, containerID string, containerPort uint16, proto domain.Protocol) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.forwards[hostPort]; ok {
		return fmt.Errorf("%w: %d (held by %s)", domain.ErrPortInUse, hostPort, existing.ContainerID)
	}

	forward := &PortForward{
		HostPort:      hostPort,
		ContainerID:   containerID,
		ContainerPort: containerPort,
		Protocol:      proto,
	}

	switch proto {
	case domain.ProtocolTCP:
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", hostPort))
		if err != nil {
			return fmt.Errorf("%w: %d: %v", domain.ErrPortInUse, hostPort, err)
		}
		forward.listener = listener
	case domain.ProtocolUDP:
		conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", hostPort))
		if err != nil {
			return fmt.Errorf("%w: %d: %v", domain.ErrPortInUse, hostPort, err)
		}
		conn.Close()
	default:
		return fmt.Errorf("%w: %q", domain.ErrInvalidProtocol, proto)
	}

	m.forwards[hostPort] = forward
	logger.Info("Port forward established", "protocol", proto, "host", hostPort, "container", containerPort)
	return nil
}

// HoldsTCPPort reports whether a tcp forward currently retains a listener
// on the host port.
func (m *Manager) HoldsTCPPort(port uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	forward, ok := m.forwards[port]
	return ok && forward.Protocol == domain.ProtocolTCP
}

// Release removes every port forward owned by the container, closing any
// retained socket, and drops the container from every network's membership.
// A no-op for unknown ids; cleanup paths call it unconditionally.
func (m *Manager) Release(containerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for port, forward := range m.forwards {
		if forward.ContainerID != containerID {
			continue
		}
		if forward.listener != nil {
			forward.listener.Close()
		}
		delete(m.forwards, port)
		logger.Debug("Removed port forward", "host", port, "container", containerID)
	}

	for _, nw := range m.networks {
		if _, ok := nw.reserved[containerID]; !ok {
			continue
		}
		delete(nw.reserved, containerID)
		members := nw.members[:0]
		for _, id := range nw.members {
			if id != containerID {
				members = append(members, id)
			}
		}
		nw.members = members
	}
}

// Setup acquires the full network lease for a container: one address plus
// a forward for every declared port mapping. Any bind failure rolls back
// everything acquired so far and aborts.
func (m *Manager) Setup(spec *domain.Spec) (*Lease, error) {
	ip, err := m.Allocate(spec.ID, spec.Network)
	if err != nil {
		return nil, err
	}

	for _, mapping := range spec.Ports {
		if err := m.BindForward(mapping.HostPort, spec.ID, mapping.ContainerPort, mapping.Protocol); err != nil {
			m.Release(spec.ID)
			return nil, err
		}
	}

	return &Lease{
		ContainerID: spec.ID,
		IP:          ip,
		Hostname:    spec.ID,
		Ports:       spec.Ports,
		mgr:         m,
	}, nil
}

// addrAt computes the address at the given offset from the subnet base.
func addrAt(prefix netip.Prefix, offset uint32) (netip.Addr, error) {
	base := prefix.Masked().Addr().As4()
	n := uint32(base[0])<<24 | uint32(base[1])<<16 | uint32(base[2])<<8 | uint32(base[3])
	n += offset
	addr := netip.AddrFrom4([4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)})
	if !prefix.Contains(addr) {
		return netip.Addr{}, fmt.Errorf("offset %d outside subnet %s", offset, prefix)
	}
	return addr, nil
}
