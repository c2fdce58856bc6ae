package devops

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"avs/internal/devops/docker"
	"avs/internal/devops/health"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDocker is an in-memory docker.Client.
type fakeDocker struct {
	mu         sync.Mutex
	nextPort   int
	containers map[string]*docker.ContainerInfo
	created    []docker.CreateOpts
	removed    []string
	networks   map[string]bool

	infoErr   error
	pullErr   map[string]error
	createErr map[string]error
	startErr  map[string]error
	removeErr map[string]error
	// unpublished images never get a host port.
	unpublished map[string]bool
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		nextPort:    40000,
		containers:  map[string]*docker.ContainerInfo{},
		networks:    map[string]bool{},
		pullErr:     map[string]error{},
		createErr:   map[string]error{},
		startErr:    map[string]error{},
		removeErr:   map[string]error{},
		unpublished: map[string]bool{},
	}
}

func (f *fakeDocker) Info(context.Context) (string, error) {
	if f.infoErr != nil {
		return "", f.infoErr
	}
	return "27.0.0", nil
}

func (f *fakeDocker) ImagePull(_ context.Context, image string, progress func(string)) error {
	progress("Pulling " + image)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pullErr[image]
}

func (f *fakeDocker) NetworkExists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.networks[name], nil
}

func (f *fakeDocker) NetworkCreate(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks[name] = true
	return nil
}

func (f *fakeDocker) ContainerCreate(_ context.Context, opts docker.CreateOpts) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.createErr[opts.Image]; err != nil {
		return "", err
	}
	f.created = append(f.created, opts)
	id := fmt.Sprintf("id-%d", len(f.created))
	f.containers[id] = &docker.ContainerInfo{ID: id, Name: opts.Name, Image: opts.Image, Status: "created"}
	return id, nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.containers[id]
	if !ok {
		return docker.ErrNoSuchContainer
	}
	if err := f.startErr[info.Image]; err != nil {
		return err
	}
	info.Running = true
	info.Status = "running"
	for _, opts := range f.created {
		if opts.Name != info.Name || f.unpublished[opts.Image] {
			continue
		}
		f.nextPort++
		info.Ports = append(info.Ports, docker.PortInfo{
			ContainerPort: opts.Ports[0].ContainerPort,
			Protocol:      "tcp",
			HostIP:        "0.0.0.0",
			HostPort:      f.nextPort,
		})
	}
	return nil
}

func (f *fakeDocker) ContainerInspect(_ context.Context, id string) (*docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.containers[id]
	if !ok {
		return nil, docker.ErrNoSuchContainer
	}
	cp := *info
	return &cp, nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.removeErr[id]; err != nil {
		return err
	}
	if _, ok := f.containers[id]; !ok {
		return fmt.Errorf("%s: %w", id, docker.ErrNoSuchContainer)
	}
	delete(f.containers, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

func testPolicy() health.Policy {
	return health.Policy{Initial: 2 * time.Millisecond, Max: 10 * time.Millisecond, Timeout: 200 * time.Millisecond}
}

func inferenceSpec() SidecarSpec {
	return SidecarSpec{Role: RoleInference, Image: "inference:latest", ContainerPort: 5000, NamePrefix: "avs-inference"}
}

func checkerSpec() SidecarSpec {
	return SidecarSpec{Role: RoleChecker, Image: "checker:latest", ContainerPort: 5009, NamePrefix: "avs-checker"}
}

func TestProvisionRecordsHostPort(t *testing.T) {
	fd := newFakeDocker()
	m := NewManager(fd, "eigenavs", testPolicy())

	c, err := m.Provision(context.Background(), checkerSpec())
	require.NoError(t, err)

	port, ok := c.HostPort()
	require.True(t, ok)
	assert.Equal(t, 40001, port)
	assert.Equal(t, "127.0.0.1:40001", c.HostAddress())
	assert.Equal(t, c.Name+":5009", c.NetworkAddress())
	assert.Equal(t, StateHealthy, c.State())
	assert.True(t, strings.HasPrefix(c.Name, "avs-checker-"))

	require.Len(t, fd.created, 1)
	opts := fd.created[0]
	assert.Equal(t, "eigenavs", opts.Network)
	assert.Equal(t, "true", opts.Labels[LabelManaged])
	assert.Equal(t, "checker", opts.Labels[LabelRole])
	assert.Equal(t, 0, opts.Ports[0].HostPort, "host port must be left to the runtime")

	found, err := m.Lookup(RoleChecker)
	require.NoError(t, err)
	assert.Same(t, c, found)
}

func TestProvisionUniqueNames(t *testing.T) {
	fd := newFakeDocker()
	m := NewManager(fd, "eigenavs", testPolicy())

	a, err := m.Provision(context.Background(), inferenceSpec())
	require.NoError(t, err)
	b, err := m.Provision(context.Background(), inferenceSpec())
	require.NoError(t, err)

	assert.NotEqual(t, a.Name, b.Name)
	assert.Len(t, m.Containers(), 2)
}

func TestHostPortWrittenOnce(t *testing.T) {
	c := newManagedContainer(checkerSpec(), "avs-checker-x", "eigenavs")
	assert.Equal(t, "", c.HostAddress())

	require.NoError(t, c.setHostPort(41000))
	err := c.setHostPort(41001)
	assert.ErrorIs(t, err, ErrHostPortSet)

	port, _ := c.HostPort()
	assert.Equal(t, 41000, port)
}

func TestProvisionInvalidSpec(t *testing.T) {
	m := NewManager(newFakeDocker(), "eigenavs", testPolicy())

	spec := checkerSpec()
	spec.ContainerPort = 0
	_, err := m.Provision(context.Background(), spec)
	assert.ErrorIs(t, err, ErrInvalidSpec)

	spec = checkerSpec()
	spec.Image = ""
	_, err = m.Provision(context.Background(), spec)
	assert.ErrorIs(t, err, ErrInvalidSpec)
}

func TestProvisionErrorsAreClassified(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*fakeDocker)
		want  error
	}{
		{"pull", func(f *fakeDocker) { f.pullErr["checker:latest"] = errors.New("denied") }, ErrImagePull},
		{"create", func(f *fakeDocker) { f.createErr["checker:latest"] = errors.New("conflict") }, ErrContainerCreate},
		{"start", func(f *fakeDocker) { f.startErr["checker:latest"] = errors.New("port busy") }, ErrContainerStart},
		{"not ready", func(f *fakeDocker) { f.unpublished["checker:latest"] = true }, health.ErrNotReady},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fd := newFakeDocker()
			tc.setup(fd)
			m := NewManager(fd, "eigenavs", testPolicy())

			_, err := m.Provision(context.Background(), checkerSpec())
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, 0, fd.live(), "failed provision must not leak a container")
			assert.Empty(t, m.Containers())
		})
	}
}

func TestProvisionAllRollsBackOnFailure(t *testing.T) {
	fd := newFakeDocker()
	fd.pullErr["checker:latest"] = errors.New("manifest unknown")
	m := NewManager(fd, "eigenavs", testPolicy())

	_, err := m.ProvisionAll(context.Background(), inferenceSpec(), checkerSpec())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrImagePull)
	assert.Equal(t, 0, fd.live())
	assert.Empty(t, m.Containers())
}

func TestProvisionAllSucceeds(t *testing.T) {
	fd := newFakeDocker()
	m := NewManager(fd, "eigenavs", testPolicy())

	containers, err := m.ProvisionAll(context.Background(), inferenceSpec(), checkerSpec())
	require.NoError(t, err)
	require.Len(t, containers, 2)
	assert.Equal(t, RoleInference, containers[0].Role())
	assert.Equal(t, RoleChecker, containers[1].Role())
	assert.Len(t, m.Statuses(), 2)
}

func TestTeardownAllAggregatesErrors(t *testing.T) {
	fd := newFakeDocker()
	m := NewManager(fd, "eigenavs", testPolicy())

	containers, err := m.ProvisionAll(context.Background(), inferenceSpec(), checkerSpec())
	require.NoError(t, err)

	fd.removeErr[containers[0].ID] = errors.New("daemon hiccup")

	err = m.TeardownAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrContainerRemove)
	assert.Contains(t, err.Error(), containers[0].Name)

	// The healthy teardown still happened.
	assert.Equal(t, 1, fd.live())
	assert.Equal(t, StateStopped, containers[1].State())
	assert.Equal(t, StateFailed, containers[0].State())
	assert.Len(t, m.Containers(), 1)
}

func TestTeardownAlreadyRemoved(t *testing.T) {
	fd := newFakeDocker()
	m := NewManager(fd, "eigenavs", testPolicy())

	c, err := m.Provision(context.Background(), checkerSpec())
	require.NoError(t, err)

	require.NoError(t, m.Teardown(context.Background(), c))
	err = m.Teardown(context.Background(), c)
	assert.ErrorIs(t, err, ErrContainerRemove)
	assert.ErrorIs(t, err, docker.ErrNoSuchContainer)

	assert.ErrorIs(t, m.Teardown(context.Background(), nil), ErrContainerRemove)
}

func TestPreflightAndNetwork(t *testing.T) {
	fd := newFakeDocker()
	m := NewManager(fd, "eigenavs", testPolicy())

	require.NoError(t, m.Preflight(context.Background()))
	require.NoError(t, m.EnsureNetwork(context.Background()))
	assert.True(t, fd.networks["eigenavs"])
	require.NoError(t, m.EnsureNetwork(context.Background()))

	fd.infoErr = errors.New("cannot connect")
	assert.ErrorIs(t, m.Preflight(context.Background()), ErrDockerUnavailable)
}

func TestLookupUnknownRole(t *testing.T) {
	m := NewManager(newFakeDocker(), "eigenavs", testPolicy())
	_, err := m.Lookup(RoleChecker)
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestServiceStateString(t *testing.T) {
	assert.Equal(t, "healthy", StateHealthy.String())
	assert.Equal(t, "unknown(42)", ServiceState(42).String())
}

func TestHostAddressByRole(t *testing.T) {
	fd := newFakeDocker()
	m := NewManager(fd, "eigenavs", testPolicy())

	_, err := m.HostAddress(RoleChecker)
	assert.ErrorIs(t, err, ErrUnknownRole)

	_, err = m.ProvisionAll(context.Background(), inferenceSpec(), checkerSpec())
	require.NoError(t, err)

	addr, err := m.HostAddress(RoleChecker)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(addr, "127.0.0.1:"))
}

func TestProbeFollowsSupervisedSidecars(t *testing.T) {
	fd := newFakeDocker()
	m := NewManager(fd, "eigenavs", testPolicy())
	assert.Empty(t, m.Probe(context.Background()))

	c, err := m.Provision(context.Background(), checkerSpec())
	require.NoError(t, err)

	results := m.Probe(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, c.Name, results[0].Name)

	require.NoError(t, m.Teardown(context.Background(), c))
	assert.Empty(t, m.Probe(context.Background()))
}

func TestFailedHealthProbeIsNotKept(t *testing.T) {
	fd := newFakeDocker()
	m := NewManager(fd, "eigenavs", testPolicy())

	spec := checkerSpec()
	spec.HealthPath = "/healthz"
	_, err := m.Provision(context.Background(), spec)
	require.ErrorIs(t, err, health.ErrNotReady)

	assert.Empty(t, m.Probe(context.Background()))
	assert.Equal(t, 0, fd.live())
}
