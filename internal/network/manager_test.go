package network

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmdock/wasmdock/internal/domain"
)

// freePort grabs a port the OS considers free right now.
func freePort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return uint16(l.Addr().(*net.TCPAddr).Port)
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager("")
	require.NoError(t, err)
	return m
}

func TestAllocate_SequentialFromOffsetTwo(t *testing.T) {
	m := newTestManager(t)

	first, err := m.Allocate("c1", DefaultBridge)
	require.NoError(t, err)
	second, err := m.Allocate("c2", DefaultBridge)
	require.NoError(t, err)

	assert.Equal(t, "172.17.0.2", first.String())
	assert.Equal(t, "172.17.0.3", second.String())
}

func TestAllocate_UnknownNetwork(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Allocate("c1", "nope")
	assert.ErrorIs(t, err, domain.ErrNetworkNotFound)
}

func TestAllocate_StableAcrossReleases(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Allocate("c1", DefaultBridge)
	require.NoError(t, err)
	b, err := m.Allocate("c2", DefaultBridge)
	require.NoError(t, err)

	m.Release("c1")

	// c2's reservation is untouched and a later allocation does not
	// collide with it.
	got, ok := m.Lookup("c2")
	require.True(t, ok)
	assert.Equal(t, b, got)

	c, err := m.Allocate("c3", DefaultBridge)
	require.NoError(t, err)
	assert.NotEqual(t, b, c)
	assert.Equal(t, "172.17.0.4", c.String())
}

func TestRelease_Idempotent(t *testing.T) {
	m := newTestManager(t)

	port := freePort(t)
	_, err := m.Allocate("c1", DefaultBridge)
	require.NoError(t, err)
	require.NoError(t, m.BindForward(port, "c1", 80, domain.ProtocolTCP))

	m.Release("c1")
	m.Release("c1") // second release must leave state identical

	_, ok := m.Lookup("c1")
	assert.False(t, ok)

	// The port is free again and can be rebound.
	require.NoError(t, m.BindForward(port, "c2", 80, domain.ProtocolTCP))
	m.Release("c2")
}

func TestRelease_UnknownIDIsNoOp(t *testing.T) {
	m := newTestManager(t)
	m.Release("never-seen")
}

func TestBindForward_TCPConflict(t *testing.T) {
	m := newTestManager(t)

	port := freePort(t)
	require.NoError(t, m.BindForward(port, "c1", 80, domain.ProtocolTCP))

	err := m.BindForward(port, "c2", 81, domain.ProtocolTCP)
	assert.ErrorIs(t, err, domain.ErrPortInUse)

	// First registration is untouched.
	m.mu.Lock()
	forward, ok := m.forwards[port]
	m.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, "c1", forward.ContainerID)
	assert.Equal(t, uint16(80), forward.ContainerPort)

	m.Release("c1")
}

func TestBindForward_UDPValidatesWithoutRetaining(t *testing.T) {
	m := newTestManager(t)

	port := freePort(t)
	require.NoError(t, m.BindForward(port, "c1", 53, domain.ProtocolUDP))

	m.mu.Lock()
	forward := m.forwards[port]
	m.mu.Unlock()
	require.NotNil(t, forward)
	assert.Nil(t, forward.listener)

	// Registration still guards the host port.
	err := m.BindForward(port, "c2", 54, domain.ProtocolUDP)
	assert.ErrorIs(t, err, domain.ErrPortInUse)

	m.Release("c1")
}

func TestCreateNetwork(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.CreateNetwork("backend", "172.18.0.0/16"))
	assert.ErrorIs(t, m.CreateNetwork("backend", "172.19.0.0/16"), domain.ErrNetworkExists)
	assert.ErrorIs(t, m.CreateNetwork("bad", "not-a-subnet"), domain.ErrInvalidSubnet)

	addr, err := m.Allocate("c1", "backend")
	require.NoError(t, err)
	assert.Equal(t, "172.18.0.2", addr.String())
}

func TestSetup_RollbackOnBindFailure(t *testing.T) {
	m := newTestManager(t)

	okPort := freePort(t)

	// Occupy the second port so its bind fails.
	taken, err := net.Listen("tcp", fmt.Sprintf(":%d", freePort(t)))
	require.NoError(t, err)
	defer taken.Close()
	takenPort := uint16(taken.Addr().(*net.TCPAddr).Port)

	spec := &domain.Spec{
		ID:      "c1",
		Network: DefaultBridge,
		Ports: []domain.PortMapping{
			{HostPort: okPort, ContainerPort: 80, Protocol: domain.ProtocolTCP},
			{HostPort: takenPort, ContainerPort: 81, Protocol: domain.ProtocolTCP},
		},
	}

	_, err = m.Setup(spec)
	require.ErrorIs(t, err, domain.ErrPortInUse)

	// Everything acquired before the failure was rolled back.
	_, ok := m.Lookup("c1")
	assert.False(t, ok)
	require.NoError(t, m.BindForward(okPort, "c2", 80, domain.ProtocolTCP))
	m.Release("c2")
}

func TestSetup_LeaseRelease(t *testing.T) {
	m := newTestManager(t)

	port := freePort(t)
	spec := &domain.Spec{
		ID:      "c1",
		Network: DefaultBridge,
		Ports: []domain.PortMapping{
			{HostPort: port, ContainerPort: 80, Protocol: domain.ProtocolTCP},
		},
	}

	lease, err := m.Setup(spec)
	require.NoError(t, err)
	assert.Equal(t, "172.17.0.2", lease.IP.String())
	assert.Equal(t, "c1", lease.Hostname)

	lease.Release()
	lease.Release() // redundant release is safe

	_, ok := m.Lookup("c1")
	assert.False(t, ok)
}
