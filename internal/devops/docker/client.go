package docker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
)

// ErrNoSuchContainer is returned when the daemon does not know the container.
var ErrNoSuchContainer = errors.New("no such container")

// ErrNoSuchNetwork is returned when the daemon does not know the network.
var ErrNoSuchNetwork = errors.New("no such network")

// Client provides a type-safe interface for Docker operations.
// Implementations must be safe for concurrent use.
type Client interface {
	Info(ctx context.Context) (string, error)
	ImagePull(ctx context.Context, image string, progress func(line string)) error
	NetworkExists(ctx context.Context, name string) (bool, error)
	NetworkCreate(ctx context.Context, name string) error
	ContainerCreate(ctx context.Context, opts CreateOpts) (string, error)
	ContainerStart(ctx context.Context, id string) error
	ContainerInspect(ctx context.Context, id string) (*ContainerInfo, error)
	ContainerRemove(ctx context.Context, id string, force bool) error
}

// CreateOpts defines options for creating a container.
type CreateOpts struct {
	Name    string
	Image   string
	Network string
	Ports   []PortBinding
	Env     map[string]string
	Labels  map[string]string
}

// PortBinding publishes a container port on the host. HostPort 0 asks the
// daemon for any free port.
type PortBinding struct {
	ContainerPort int
	Protocol      string // defaults to tcp
	HostIP        string
	HostPort      int
}

// ContainerInfo holds inspect results.
type ContainerInfo struct {
	ID       string
	Name     string
	Image    string
	Running  bool
	Status   string
	ExitCode int
	Ports    []PortInfo
}

// PortInfo describes a port mapping. HostPort is 0 while the daemon has not
// published the binding yet.
type PortInfo struct {
	ContainerPort int
	Protocol      string
	HostIP        string
	HostPort      int
}

// HostPort returns the first published host port for containerPort/proto.
func (c *ContainerInfo) HostPort(containerPort int, proto string) (int, bool) {
	if proto == "" {
		proto = "tcp"
	}
	for _, p := range c.Ports {
		if p.ContainerPort == containerPort && p.Protocol == proto && p.HostPort > 0 {
			return p.HostPort, true
		}
	}
	return 0, false
}

// CommandError carries the stderr of a failed docker invocation.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("docker %s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("docker %s: %s: %v", strings.Join(e.Args, " "), msg, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Executor runs docker CLI invocations.
type Executor interface {
	// Run executes the command and returns trimmed stdout.
	Run(ctx context.Context, args ...string) (string, error)
	// Stream executes the command and hands every stdout line to onLine.
	// It returns only after stdout is fully drained and the process exited.
	Stream(ctx context.Context, onLine func(string), args ...string) error
}

// CLIClient implements Client by shelling out to the docker CLI.
type CLIClient struct {
	exec Executor
}

// NewCLIClient creates a new CLI-based Docker client. An empty bin resolves
// docker from PATH.
func NewCLIClient(bin string) *CLIClient {
	if bin == "" {
		bin = "docker"
		if p, err := exec.LookPath("docker"); err == nil {
			bin = p
		}
	}
	return &CLIClient{exec: &execExecutor{bin: bin}}
}

// NewCLIClientWithExecutor builds a client on a custom executor.
func NewCLIClientWithExecutor(e Executor) *CLIClient {
	return &CLIClient{exec: e}
}

func (c *CLIClient) Info(ctx context.Context) (string, error) {
	return c.exec.Run(ctx, "info", "--format", "{{.ServerVersion}}")
}

func (c *CLIClient) ImagePull(ctx context.Context, image string, progress func(line string)) error {
	if progress == nil {
		progress = func(string) {}
	}
	return c.exec.Stream(ctx, progress, "pull", image)
}

func (c *CLIClient) NetworkExists(ctx context.Context, name string) (bool, error) {
	_, err := c.exec.Run(ctx, "network", "inspect", "--format", "{{.Name}}", name)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

func (c *CLIClient) NetworkCreate(ctx context.Context, name string) error {
	_, err := c.exec.Run(ctx, "network", "create", "--driver", "bridge", name)
	return err
}

func (c *CLIClient) ContainerCreate(ctx context.Context, opts CreateOpts) (string, error) {
	if opts.Image == "" {
		return "", fmt.Errorf("container create: image is required")
	}
	id, err := c.exec.Run(ctx, createCmdArgs(opts)...)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("container create: daemon returned no container id")
	}
	return id, nil
}

func (c *CLIClient) ContainerStart(ctx context.Context, id string) error {
	_, err := c.exec.Run(ctx, "start", id)
	if isNotFound(err) {
		return fmt.Errorf("%s: %w", id, ErrNoSuchContainer)
	}
	return err
}

func (c *CLIClient) ContainerInspect(ctx context.Context, id string) (*ContainerInfo, error) {
	out, err := c.exec.Run(ctx, "inspect", "--type", "container", id)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", id, ErrNoSuchContainer)
		}
		return nil, err
	}
	return parseInspect(id, []byte(out))
}

func (c *CLIClient) ContainerRemove(ctx context.Context, id string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, id)
	_, err := c.exec.Run(ctx, args...)
	if isNotFound(err) {
		return fmt.Errorf("%s: %w", id, ErrNoSuchContainer)
	}
	return err
}

// createCmdArgs returns the docker CLI arguments for a create invocation.
func createCmdArgs(opts CreateOpts) []string {
	args := []string{"create"}
	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}
	if opts.Network != "" {
		args = append(args, "--network", opts.Network)
	}
	for _, k := range sortedKeys(opts.Labels) {
		args = append(args, "--label", k+"="+opts.Labels[k])
	}
	for _, k := range sortedKeys(opts.Env) {
		args = append(args, "-e", k+"="+opts.Env[k])
	}
	for _, p := range opts.Ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		spec := fmt.Sprintf("%d/%s", p.ContainerPort, proto)
		args = append(args, "--expose", spec)

		// docker leaves the host port empty to mean "any free port".
		hostPort := ""
		if p.HostPort > 0 {
			hostPort = strconv.Itoa(p.HostPort)
		}
		publish := hostPort + ":" + spec
		if p.HostIP != "" {
			publish = p.HostIP + ":" + publish
		}
		args = append(args, "-p", publish)
	}
	args = append(args, opts.Image)
	return args
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func parseInspect(id string, data []byte) (*ContainerInfo, error) {
	var inspections []dockerInspection
	if err := json.Unmarshal(data, &inspections); err != nil {
		return nil, fmt.Errorf("parse inspect output: %w", err)
	}
	if len(inspections) == 0 {
		return nil, fmt.Errorf("%s: %w", id, ErrNoSuchContainer)
	}

	insp := inspections[0]
	info := &ContainerInfo{
		ID:       insp.ID,
		Name:     strings.TrimPrefix(insp.Name, "/"),
		Image:    insp.Config.Image,
		Running:  insp.State.Running,
		Status:   insp.State.Status,
		ExitCode: insp.State.ExitCode,
	}

	for containerPort, bindings := range insp.NetworkSettings.Ports {
		parts := strings.SplitN(containerPort, "/", 2)
		port, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		proto := "tcp"
		if len(parts) > 1 {
			proto = parts[1]
		}
		if len(bindings) == 0 {
			info.Ports = append(info.Ports, PortInfo{ContainerPort: port, Protocol: proto})
			continue
		}
		for _, b := range bindings {
			hp, _ := strconv.Atoi(b.HostPort)
			info.Ports = append(info.Ports, PortInfo{
				ContainerPort: port,
				Protocol:      proto,
				HostIP:        b.HostIP,
				HostPort:      hp,
			})
		}
	}
	sort.Slice(info.Ports, func(i, j int) bool {
		if info.Ports[i].ContainerPort != info.Ports[j].ContainerPort {
			return info.Ports[i].ContainerPort < info.Ports[j].ContainerPort
		}
		return info.Ports[i].HostIP < info.Ports[j].HostIP
	})

	return info, nil
}

type dockerInspection struct {
	ID    string `json:"Id"`
	Name  string `json:"Name"`
	State struct {
		Running  bool   `json:"Running"`
		Status   string `json:"Status"`
		ExitCode int    `json:"ExitCode"`
	} `json:"State"`
	Config struct {
		Image string `json:"Image"`
	} `json:"Config"`
	NetworkSettings struct {
		Ports map[string][]dockerPortBinding `json:"Ports"`
	} `json:"NetworkSettings"`
}

type dockerPortBinding struct {
	HostIP   string `json:"HostIp"`
	HostPort string `json:"HostPort"`
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	msg := strings.ToLower(cmdErr.Stderr)
	return strings.Contains(msg, "no such container") ||
		strings.Contains(msg, "no such object") ||
		strings.Contains(msg, "not found")
}

type execExecutor struct {
	bin string
}

func (e *execExecutor) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, e.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", &CommandError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (e *execExecutor) Stream(ctx context.Context, onLine func(string), args ...string) error {
	cmd := exec.CommandContext(ctx, e.bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &CommandError{Args: args, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return &CommandError{Args: args, Stderr: stderr.String(), Err: err}
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		onLine(scanner.Text())
	}
	scanErr := scanner.Err()

	// Wait closes the pipe, so it must come after the scanner drained it.
	waitErr := cmd.Wait()
	if waitErr != nil {
		return &CommandError{Args: args, Stderr: stderr.String(), Err: waitErr}
	}
	if scanErr != nil {
		return &CommandError{Args: args, Stderr: stderr.String(), Err: fmt.Errorf("read progress: %w", scanErr)}
	}
	return nil
}
