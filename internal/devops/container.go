package devops

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Role names the job a sidecar does.
type Role string

const (
	RoleInference Role = "inference"
	RoleChecker   Role = "checker"
)

// Labels attached to every container the manager creates.
const (
	LabelManaged = "avs.managed"
	LabelRole    = "avs.role"
)

// SidecarSpec describes a sidecar to provision.
type SidecarSpec struct {
	Role          Role
	Image         string
	ContainerPort int
	NamePrefix    string
	// HealthPath, when set, is probed over HTTP once the port is published.
	HealthPath string
	Env        map[string]string
}

// Validate rejects specs that can never be provisioned.
func (s SidecarSpec) Validate() error {
	switch {
	case strings.TrimSpace(string(s.Role)) == "":
		return fmt.Errorf("%w: role is empty", ErrInvalidSpec)
	case strings.TrimSpace(s.Image) == "":
		return fmt.Errorf("%w: %s image is empty", ErrInvalidSpec, s.Role)
	case s.ContainerPort <= 0 || s.ContainerPort > 65535:
		return fmt.Errorf("%w: %s container port %d out of range", ErrInvalidSpec, s.Role, s.ContainerPort)
	case strings.TrimSpace(s.NamePrefix) == "":
		return fmt.Errorf("%w: %s name prefix is empty", ErrInvalidSpec, s.Role)
	}
	return nil
}

// ManagedContainer is one supervised sidecar container.
type ManagedContainer struct {
	ID            string
	Name          string
	Image         string
	ContainerPort int
	NamePrefix    string
	Network       string

	role  Role
	state atomic.Int32

	mu       sync.RWMutex
	hostPort int
}

func newManagedContainer(spec SidecarSpec, name, network string) *ManagedContainer {
	c := &ManagedContainer{
		Name:          name,
		Image:         spec.Image,
		ContainerPort: spec.ContainerPort,
		NamePrefix:    spec.NamePrefix,
		Network:       network,
		role:          spec.Role,
	}
	c.setState(StateStarting)
	return c
}

// Role returns the sidecar role.
func (c *ManagedContainer) Role() Role { return c.role }

// State returns the current lifecycle state.
func (c *ManagedContainer) State() ServiceState { return ServiceState(c.state.Load()) }

func (c *ManagedContainer) setState(s ServiceState) { c.state.Store(int32(s)) }

// HostPort returns the published host port once it is known.
func (c *ManagedContainer) HostPort() (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hostPort, c.hostPort != 0
}

// setHostPort records the host port. It may succeed only once.
func (c *ManagedContainer) setHostPort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("host port %d out of range", port)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hostPort != 0 {
		return fmt.Errorf("%w: %s already on %d", ErrHostPortSet, c.Name, c.hostPort)
	}
	c.hostPort = port
	return nil
}

// HostAddress is the loopback address reachable from the node process.
// Empty until the host port is known.
func (c *ManagedContainer) HostAddress() string {
	port, ok := c.HostPort()
	if !ok {
		return ""
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

// NetworkAddress is the address other sidecars on the service network use.
func (c *ManagedContainer) NetworkAddress() string {
	return net.JoinHostPort(c.Name, strconv.Itoa(c.ContainerPort))
}

// ContainerStatus is a point-in-time view of a ManagedContainer.
type ContainerStatus struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Role           Role         `json:"role"`
	Image          string       `json:"image"`
	State          ServiceState `json:"state"`
	HostPort       int          `json:"host_port,omitempty"`
	HostAddress    string       `json:"host_address,omitempty"`
	NetworkAddress string       `json:"network_address"`
}

// Status snapshots the container.
func (c *ManagedContainer) Status() ContainerStatus {
	port, _ := c.HostPort()
	return ContainerStatus{
		ID:             c.ID,
		Name:           c.Name,
		Role:           c.role,
		Image:          c.Image,
		State:          c.State(),
		HostPort:       port,
		HostAddress:    c.HostAddress(),
		NetworkAddress: c.NetworkAddress(),
	}
}
