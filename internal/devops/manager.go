package devops

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"avs/internal/devops/docker"
	"avs/internal/devops/health"
	"avs/internal/logging"
	"avs/internal/observability"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// cleanupTimeout bounds best-effort removal after a failed provision.
const cleanupTimeout = 30 * time.Second

// Manager provisions and tears down sidecar containers.
type Manager struct {
	docker  docker.Client
	prober  *health.PortProber
	checker *health.Checker
	network string
	logger  logging.Logger
	metrics *observability.MetricsCollector
	tracer  *observability.TracerProvider
	newName func(prefix string) string

	mu         sync.RWMutex
	containers []*ManagedContainer
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger logging.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logging.OrNop(logger) }
}

// WithMetrics records provisioning metrics.
func WithMetrics(metrics *observability.MetricsCollector) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithTracer wraps provisioning in spans.
func WithTracer(tracer *observability.TracerProvider) ManagerOption {
	return func(m *Manager) { m.tracer = tracer }
}

// WithNameGenerator replaces the instance name generator.
func WithNameGenerator(fn func(prefix string) string) ManagerOption {
	return func(m *Manager) { m.newName = fn }
}

// NewManager creates a manager attaching containers to network.
func NewManager(client docker.Client, network string, policy health.Policy, opts ...ManagerOption) *Manager {
	m := &Manager{
		docker:  client,
		network: network,
		logger:  logging.NewComponentLogger("devops"),
		newName: InstanceName,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.prober = health.NewPortProber(client, policy, m.logger)
	m.checker = health.NewChecker(policy)
	return m
}

// InstanceName returns prefix-<random uuid v4>.
func InstanceName(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// Network returns the service network name.
func (m *Manager) Network() string { return m.network }

// Preflight verifies the container runtime is reachable.
func (m *Manager) Preflight(ctx context.Context) error {
	version, err := m.docker.Info(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDockerUnavailable, err)
	}
	m.logger.Info("Docker daemon reachable (server %s)", version)
	return nil
}

// EnsureNetwork creates the service network when it does not exist.
func (m *Manager) EnsureNetwork(ctx context.Context) error {
	exists, err := m.docker.NetworkExists(ctx, m.network)
	if err != nil {
		return fmt.Errorf("%w: inspect %s: %w", ErrNetwork, m.network, err)
	}
	if exists {
		m.logger.Debug("Network %s already exists", m.network)
		return nil
	}
	if err := m.docker.NetworkCreate(ctx, m.network); err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrNetwork, m.network, err)
	}
	m.logger.Info("Created network %s", m.network)
	return nil
}

// Provision pulls, creates and starts a sidecar and waits until its port is
// published. A container created by a failed provision is removed before the
// error is returned.
func (m *Manager) Provision(ctx context.Context, spec SidecarSpec) (*ManagedContainer, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := m.tracer.StartSpan(ctx, observability.SpanSidecarProvision,
		observability.SidecarAttributes(string(spec.Role), spec.Image)...)

	c, err := m.provision(ctx, spec)
	observability.EndSpan(span, err)
	outcome := "success"
	if err != nil {
		outcome = "failure"
		m.logger.Error("Provision %s failed: %v", spec.Role, err)
	} else {
		m.logger.Info("Sidecar %s (%s) ready on %s", c.Name, spec.Role, c.HostAddress())
	}
	m.metrics.RecordProvision(ctx, string(spec.Role), outcome, time.Since(start))
	return c, err
}

func (m *Manager) provision(ctx context.Context, spec SidecarSpec) (*ManagedContainer, error) {
	m.logger.Info("Pulling image %s for %s", spec.Image, spec.Role)
	err := m.docker.ImagePull(ctx, spec.Image, func(line string) {
		m.logger.Debug("[pull %s] %s", spec.Role, line)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrImagePull, spec.Image, err)
	}

	c := newManagedContainer(spec, m.newName(spec.NamePrefix), m.network)
	id, err := m.docker.ContainerCreate(ctx, docker.CreateOpts{
		Name:    c.Name,
		Image:   spec.Image,
		Network: m.network,
		Ports:   []docker.PortBinding{{ContainerPort: spec.ContainerPort, HostIP: "0.0.0.0"}},
		Env:     spec.Env,
		Labels: map[string]string{
			LabelManaged: "true",
			LabelRole:    string(spec.Role),
		},
	})
	if err != nil {
		c.setState(StateFailed)
		return nil, fmt.Errorf("%w: %s: %w", ErrContainerCreate, c.Name, err)
	}
	c.ID = id

	if err := m.startAndAwait(ctx, c, spec); err != nil {
		c.setState(StateFailed)
		m.removeAfterFailure(ctx, c)
		return nil, err
	}

	m.mu.Lock()
	m.containers = append(m.containers, c)
	m.mu.Unlock()
	return c, nil
}

func (m *Manager) startAndAwait(ctx context.Context, c *ManagedContainer, spec SidecarSpec) error {
	if err := m.docker.ContainerStart(ctx, c.ID); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrContainerStart, c.Name, err)
	}
	c.setState(StateRunning)

	budget := m.prober.Policy().Timeout
	started := time.Now()
	port, err := m.prober.AwaitReady(ctx, c.ID, c.ContainerPort, budget)
	if err != nil {
		return fmt.Errorf("%s: %w", c.Name, err)
	}

	probe := health.TCPProbe(port)
	if spec.HealthPath != "" {
		probe = health.HTTPProbe(port, spec.HealthPath)
	}
	m.checker.Register(c.Name, probe)

	if spec.HealthPath != "" {
		remaining := budget - time.Since(started)
		if remaining <= 0 {
			return fmt.Errorf("%w: %s: readiness budget spent before health probe", health.ErrNotReady, c.Name)
		}
		if err := m.checker.WaitHealthy(ctx, c.Name, remaining); err != nil {
			return err
		}
	}

	if err := c.setHostPort(port); err != nil {
		return err
	}
	c.setState(StateHealthy)
	m.metrics.SetSidecarReady(string(c.Role()), port)
	return nil
}

func (m *Manager) removeAfterFailure(ctx context.Context, c *ManagedContainer) {
	m.checker.Unregister(c.Name)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := m.docker.ContainerRemove(ctx, c.ID, true); err != nil {
		m.logger.Warn("Cleanup of %s after failed provision: %v", c.Name, err)
		return
	}
	c.setState(StateStopped)
	m.logger.Debug("Removed %s after failed provision", c.Name)
}

// ProvisionAll provisions every spec concurrently. If any provision fails the
// successful ones are torn down and the first error is returned.
func (m *Manager) ProvisionAll(ctx context.Context, specs ...SidecarSpec) ([]*ManagedContainer, error) {
	results := make([]*ManagedContainer, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		g.Go(func() error {
			c, err := m.Provision(gctx, spec)
			if err != nil {
				return err
			}
			results[i] = c
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		var done []*ManagedContainer
		for _, c := range results {
			if c != nil {
				done = append(done, c)
			}
		}
		if len(done) > 0 {
			cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
			if terr := m.teardown(cleanupCtx, done); terr != nil {
				m.logger.Warn("Rollback after failed provisioning: %v", terr)
			}
			cancel()
		}
		return nil, err
	}
	return results, nil
}

// Teardown force-removes a container. Removing a container that is already
// gone returns an error wrapping ErrContainerRemove.
func (m *Manager) Teardown(ctx context.Context, c *ManagedContainer) error {
	if c == nil {
		return fmt.Errorf("%w: nil container", ErrContainerRemove)
	}

	ctx, span := m.tracer.StartSpan(ctx, observability.SpanSidecarTeardown,
		observability.SidecarAttributes(string(c.Role()), c.Image)...)

	c.setState(StateStopping)
	err := m.docker.ContainerRemove(ctx, c.ID, true)
	observability.EndSpan(span, err)
	if err != nil && !errors.Is(err, docker.ErrNoSuchContainer) {
		c.setState(StateFailed)
		m.metrics.RecordTeardown(ctx, string(c.Role()), "failure")
		return fmt.Errorf("%w: %s: %w", ErrContainerRemove, c.Name, err)
	}

	c.setState(StateStopped)
	m.untrack(c)
	m.metrics.SetSidecarReady(string(c.Role()), 0)

	if err != nil {
		m.metrics.RecordTeardown(ctx, string(c.Role()), "missing")
		return fmt.Errorf("%w: %s: %w", ErrContainerRemove, c.Name, err)
	}
	m.metrics.RecordTeardown(ctx, string(c.Role()), "success")
	m.logger.Info("Removed %s (%s)", c.Name, c.Role())
	return nil
}

// TeardownAll removes every supervised container concurrently. It attempts
// all of them and joins the failures.
func (m *Manager) TeardownAll(ctx context.Context) error {
	return m.teardown(ctx, m.Containers())
}

func (m *Manager) teardown(ctx context.Context, containers []*ManagedContainer) error {
	errs := make([]error, len(containers))
	var wg sync.WaitGroup
	for i, c := range containers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.Teardown(ctx, c)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (m *Manager) untrack(c *ManagedContainer) {
	m.checker.Unregister(c.Name)
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.containers {
		if existing == c {
			m.containers = append(m.containers[:i], m.containers[i+1:]...)
			return
		}
	}
}

// Containers returns the supervised containers.
func (m *Manager) Containers() []*ManagedContainer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ManagedContainer, len(m.containers))
	copy(out, m.containers)
	return out
}

// Statuses snapshots every supervised container.
func (m *Manager) Statuses() []ContainerStatus {
	containers := m.Containers()
	out := make([]ContainerStatus, 0, len(containers))
	for _, c := range containers {
		out = append(out, c.Status())
	}
	return out
}

// Probe runs the liveness probe of every supervised sidecar once.
func (m *Manager) Probe(ctx context.Context) []health.Result {
	return m.checker.CheckAll(ctx)
}

// Lookup returns the first supervised container with role.
func (m *Manager) Lookup(role Role) (*ManagedContainer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.containers {
		if c.Role() == role {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w %s", ErrUnknownRole, role)
}

// HostAddress returns the loopback address of the sidecar with role.
func (m *Manager) HostAddress(role Role) (string, error) {
	c, err := m.Lookup(role)
	if err != nil {
		return "", err
	}
	addr := c.HostAddress()
	if addr == "" {
		return "", fmt.Errorf("%w: %s has no published port", health.ErrNotReady, c.Name)
	}
	return addr, nil
}
