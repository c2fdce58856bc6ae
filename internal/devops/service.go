package devops

import (
	"fmt"
)

// ServiceState represents the lifecycle state of a managed sidecar.
type ServiceState int32

const (
	StateStopped ServiceState = iota
	StateStarting
	StateRunning
	StateHealthy
	StateStopping
	StateFailed
)

func (s ServiceState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateHealthy:
		return "healthy"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON payloads.
func (s ServiceState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
