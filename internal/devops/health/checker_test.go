package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckerHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewChecker(fastPolicy())
	c.Register("ok", Probe{Type: ProbeHTTP, Target: srv.URL + "/healthz"})
	c.Register("bad", Probe{Type: ProbeHTTP, Target: srv.URL + "/other"})

	assert.True(t, c.Check(context.Background(), "ok").Healthy)
	res := c.Check(context.Background(), "bad")
	assert.False(t, res.Healthy)
	assert.Equal(t, "HTTP 503", res.Message)

	assert.False(t, c.Check(context.Background(), "missing").Healthy)
}

func TestCheckerTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	c := NewChecker(fastPolicy())
	c.Register("tcp", Probe{Type: ProbeTCP, Target: ln.Addr().String()})
	assert.True(t, c.Check(context.Background(), "tcp").Healthy)
}

func TestWaitHealthyEventuallySucceeds(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewChecker(fastPolicy())
	c.Register("svc", Probe{Type: ProbeHTTP, Target: srv.URL})
	require.NoError(t, c.WaitHealthy(context.Background(), "svc", time.Second))
	assert.GreaterOrEqual(t, hits.Load(), int32(3))
}

func TestWaitHealthyTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewChecker(fastPolicy())
	c.Register("svc", Probe{Type: ProbeHTTP, Target: srv.URL})

	err := c.WaitHealthy(context.Background(), "svc", 80*time.Millisecond)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Contains(t, err.Error(), "HTTP 500")

	c.Unregister("svc")
	assert.Error(t, c.WaitHealthy(context.Background(), "svc", time.Second))
}

func TestCheckAllSortsAndReportsEach(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	up := srv.Listener.Addr().(*net.TCPAddr).Port

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	down := closed.Addr().(*net.TCPAddr).Port
	require.NoError(t, closed.Close())

	c := NewChecker(fastPolicy())
	c.Register("b-tcp", TCPProbe(up))
	c.Register("a-http", HTTPProbe(up, "/healthz"))
	c.Register("c-down", TCPProbe(down))

	results := c.CheckAll(context.Background())
	require.Len(t, results, 3)
	assert.Equal(t, "a-http", results[0].Name)
	assert.True(t, results[0].Healthy)
	assert.Equal(t, "b-tcp", results[1].Name)
	assert.True(t, results[1].Healthy)
	assert.Equal(t, "c-down", results[2].Name)
	assert.False(t, results[2].Healthy)
	assert.Contains(t, results[2].Message, "TCP connect failed")
}

func TestProbeConstructors(t *testing.T) {
	assert.Equal(t, Probe{Type: ProbeHTTP, Target: "http://127.0.0.1:49153/health"}, HTTPProbe(49153, "/health"))
	assert.Equal(t, Probe{Type: ProbeTCP, Target: "127.0.0.1:49153"}, TCPProbe(49153))
}
