// Package domain contains pure business types without external dependencies
// beyond id generation. These types are shared across all layers.
package domain

// Status represents the current state of a container.
type Status string

const (
	StatusCreated  Status = "created"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
	StatusFailed   Status = "failed"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

// ContainerRecord is one entry in the container registry. Records are
// append-only with respect to identity: they are never deleted, only
// mutated in place by status transitions.
type ContainerRecord struct {
	ID     string
	Image  string
	Status Status
}

// Protocol is the transport protocol of a port mapping.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// ParseProtocol converts a protocol tag into a Protocol. Anything other
// than tcp or udp is a hard error; there is no silent skip for unknown
// tags.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(s) {
	case ProtocolTCP:
		return ProtocolTCP, nil
	case ProtocolUDP:
		return ProtocolUDP, nil
	default:
		return "", ErrInvalidProtocol
	}
}

// VolumeMount maps a host path into the container filesystem. The mount is
// realized by copying, never by linking the host tree into the root.
type VolumeMount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// PortMapping publishes a container port on a host port.
type PortMapping struct {
	HostPort      uint16
	ContainerPort uint16
	Protocol      Protocol
}
