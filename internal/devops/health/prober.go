package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"avs/internal/devops/docker"
	avserrors "avs/internal/errors"
	"avs/internal/logging"
)

// ErrNotReady is returned when a container does not become reachable within
// its readiness budget.
var ErrNotReady = errors.New("container not ready")

// Policy bounds a poll loop: exponential delay from Initial, capped at Max,
// for at most Timeout in total.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	Timeout time.Duration
}

// DefaultPolicy returns the readiness defaults.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 200 * time.Millisecond,
		Max:     2 * time.Second,
		Timeout: 30 * time.Second,
	}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.Initial <= 0 {
		p.Initial = def.Initial
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	p.Max = max(p.Max, p.Initial)
	if p.Timeout <= 0 {
		p.Timeout = def.Timeout
	}
	return p
}

// Delay returns the wait before poll number attempt (zero based).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	return avserrors.Backoff(attempt, avserrors.RetryConfig{
		BaseDelay: p.Initial,
		MaxDelay:  p.Max,
	})
}

// Inspector is the subset of the docker client the prober needs.
type Inspector interface {
	ContainerInspect(ctx context.Context, id string) (*docker.ContainerInfo, error)
}

// PortProber waits until the runtime has published a container port.
type PortProber struct {
	inspector Inspector
	policy    Policy
	logger    logging.Logger
}

// NewPortProber creates a prober. A zero policy uses DefaultPolicy.
func NewPortProber(inspector Inspector, policy Policy, logger logging.Logger) *PortProber {
	return &PortProber{
		inspector: inspector,
		policy:    policy.normalized(),
		logger:    logging.OrNop(logger),
	}
}

// Policy returns the effective poll policy.
func (p *PortProber) Policy() Policy { return p.policy }

// AwaitReady polls the container until containerPort/tcp has a host binding
// and returns the host port. Inspect errors are retried until the timeout.
// A timeout of zero uses the policy timeout.
func (p *PortProber) AwaitReady(ctx context.Context, containerID string, containerPort int, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = p.policy.Timeout
	}
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; ; attempt++ {
		info, err := p.inspector.ContainerInspect(ctx, containerID)
		switch {
		case err != nil:
			lastErr = err
			p.logger.Debug("inspect %s failed (attempt %d): %v", containerID, attempt+1, err)
		default:
			if port, ok := info.HostPort(containerPort, "tcp"); ok {
				return port, nil
			}
			if exited(info) {
				return 0, fmt.Errorf("%w: %s stopped with status %s (exit code %d)",
					ErrNotReady, containerID, info.Status, info.ExitCode)
			}
			lastErr = nil
		}

		timer := time.NewTimer(p.policy.Delay(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			if parent.Err() != nil {
				return 0, parent.Err()
			}
			if lastErr != nil {
				return 0, fmt.Errorf("%w: port %d/tcp of %s not published within %s: last inspect error: %v",
					ErrNotReady, containerPort, containerID, timeout, lastErr)
			}
			return 0, fmt.Errorf("%w: port %d/tcp of %s not published within %s",
				ErrNotReady, containerPort, containerID, timeout)
		}
	}
}

func exited(info *docker.ContainerInfo) bool {
	if info.Running {
		return false
	}
	return info.Status == "exited" || info.Status == "dead"
}
