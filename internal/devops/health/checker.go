package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"
)

const defaultProbeTimeout = 5 * time.Second

// Result is the outcome of one probe.
type Result struct {
	Name    string        `json:"name"`
	Healthy bool          `json:"healthy"`
	Message string        `json:"message"`
	Latency time.Duration `json:"latency_ns"`
}

// ProbeType defines the kind of health check.
type ProbeType int

const (
	ProbeHTTP ProbeType = iota
	ProbeTCP
)

// Probe configures a health check for a sidecar.
type Probe struct {
	Type    ProbeType
	Target  string        // URL for HTTP, host:port for TCP
	Timeout time.Duration // per-check timeout
}

// HTTPProbe checks GET http://127.0.0.1:<hostPort><path>.
func HTTPProbe(hostPort int, path string) Probe {
	return Probe{Type: ProbeHTTP, Target: fmt.Sprintf("http://127.0.0.1:%d%s", hostPort, path)}
}

// TCPProbe checks that 127.0.0.1:<hostPort> accepts connections.
func TCPProbe(hostPort int) Probe {
	return Probe{Type: ProbeTCP, Target: fmt.Sprintf("127.0.0.1:%d", hostPort)}
}

// Checker holds one probe per supervised sidecar, keyed by container name.
// Safe for concurrent use.
type Checker struct {
	mu     sync.RWMutex
	probes map[string]Probe
	policy Policy
	client *http.Client
}

// NewChecker creates a checker that polls with policy in WaitHealthy.
func NewChecker(policy Policy) *Checker {
	return &Checker{
		probes: make(map[string]Probe),
		policy: policy.normalized(),
		client: &http.Client{
			Timeout:   defaultProbeTimeout,
			Transport: &http.Transport{DisableKeepAlives: true},
		},
	}
}

// Register sets the probe for name, replacing any previous one.
func (c *Checker) Register(name string, probe Probe) {
	if probe.Timeout <= 0 {
		probe.Timeout = defaultProbeTimeout
	}
	c.mu.Lock()
	c.probes[name] = probe
	c.mu.Unlock()
}

// Unregister drops the probe for name.
func (c *Checker) Unregister(name string) {
	c.mu.Lock()
	delete(c.probes, name)
	c.mu.Unlock()
}

func (c *Checker) probe(name string) (Probe, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.probes[name]
	return p, ok
}

// Check runs the probe registered for name once.
func (c *Checker) Check(ctx context.Context, name string) Result {
	probe, ok := c.probe(name)
	if !ok {
		return Result{Name: name, Message: fmt.Sprintf("no probe registered for %s", name)}
	}
	return c.run(ctx, name, probe)
}

// CheckAll runs every registered probe concurrently. Results are sorted by
// name.
func (c *Checker) CheckAll(ctx context.Context) []Result {
	c.mu.RLock()
	probes := make(map[string]Probe, len(c.probes))
	for name, p := range c.probes {
		probes[name] = p
	}
	c.mu.RUnlock()

	results := make([]Result, 0, len(probes))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, p := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := c.run(ctx, name, p)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

func (c *Checker) run(ctx context.Context, name string, probe Probe) Result {
	start := time.Now()
	var healthy bool
	var message string
	switch probe.Type {
	case ProbeHTTP:
		healthy, message = c.checkHTTP(ctx, probe)
	case ProbeTCP:
		healthy, message = checkTCP(ctx, probe)
	default:
		message = fmt.Sprintf("unknown probe type %d", probe.Type)
	}
	return Result{Name: name, Healthy: healthy, Message: message, Latency: time.Since(start)}
}

// WaitHealthy polls the probe for name until it passes or timeout elapses,
// backing off per the checker policy. The returned error wraps ErrNotReady
// on timeout; parent cancellation returns the context error.
func (c *Checker) WaitHealthy(ctx context.Context, name string, timeout time.Duration) error {
	probe, ok := c.probe(name)
	if !ok {
		return fmt.Errorf("no probe registered for %s", name)
	}
	if timeout <= 0 {
		timeout = c.policy.Timeout
	}
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for attempt := 0; ; attempt++ {
		last := c.run(ctx, name, probe)
		if last.Healthy {
			return nil
		}
		timer := time.NewTimer(c.policy.Delay(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			if err := parent.Err(); err != nil {
				return err
			}
			return fmt.Errorf("%w: %s did not become healthy within %s: %s", ErrNotReady, name, timeout, last.Message)
		}
	}
}

func (c *Checker) checkHTTP(ctx context.Context, probe Probe) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, probe.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probe.Target, nil)
	if err != nil {
		return false, fmt.Sprintf("invalid URL: %v", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Sprintf("request failed: %v", err)
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 400, fmt.Sprintf("HTTP %d", resp.StatusCode)
}

func checkTCP(ctx context.Context, probe Probe) (bool, string) {
	d := net.Dialer{Timeout: probe.Timeout}
	conn, err := d.DialContext(ctx, "tcp", probe.Target)
	if err != nil {
		return false, fmt.Sprintf("TCP connect failed: %v", err)
	}
	_ = conn.Close()
	return true, "TCP connected"
}
