package supervisor

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ftpipe/internal/events"
	"ftpipe/internal/faults"
)

func requireUnixTool(t *testing.T, name string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("unix tools required")
	}
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not on PATH", name)
	}
}

func TestStartEarlyExitSurfacesStderr(t *testing.T) {
	requireUnixTool(t, "sh")
	pub := events.NewMemory()
	_, err := Start(context.Background(), Spec{
		Name: "trainer",
		Bin:  "sh",
		Args: func(string, int) []string {
			return []string{"-c", "echo 'CUDA out of memory' >&2; exit 3"}
		},
		ReadyPath:    "/health",
		ReadyTimeout: 5 * time.Second,
		Publisher:    pub,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited early")
	assert.Contains(t, err.Error(), "CUDA out of memory")
	assert.Equal(t, []string{"spawn_start", "spawn_exit"}, pub.Names())
}

func TestStartReadyThenStop(t *testing.T) {
	requireUnixTool(t, "sleep")
	// The readiness endpoint is served in-process; the child only needs to stay alive.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()
	host, ps, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	port, _ := strconv.Atoi(ps)

	var gotHost string
	var gotPort int
	pub := events.NewMemory()
	p, err := Start(context.Background(), Spec{
		Name: "vllm",
		Bin:  "sleep",
		Host: host,
		Port: port,
		Args: func(h string, p int) []string {
			gotHost, gotPort = h, p
			return []string{"30"}
		},
		ReadyPath: "/v1/models",
		Publisher: pub,
	})
	require.NoError(t, err)
	assert.Equal(t, host, gotHost)
	assert.Equal(t, port, gotPort)
	assert.Equal(t, ts.URL, p.BaseURL())
	assert.False(t, p.Exited())

	require.NoError(t, p.Stop())
	assert.True(t, p.Exited())
	require.NoError(t, p.Stop())
	assert.Equal(t, []string{"spawn_start", "spawn_ready", "spawn_stop"}, pub.Names())
}

func TestStartTimeout(t *testing.T) {
	requireUnixTool(t, "sleep")
	port, err := PickFreePort("127.0.0.1")
	require.NoError(t, err)
	_, err = Start(context.Background(), Spec{
		Name:         "trainer",
		Bin:          "sleep",
		Port:         port,
		Args:         func(string, int) []string { return []string{"30"} },
		ReadyPath:    "/health",
		ReadyTimeout: 300 * time.Millisecond,
		StopGrace:    time.Second,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ready")
}

func TestStartMissingBinary(t *testing.T) {
	_, err := Start(context.Background(), Spec{Name: "trainer", Bin: "ftpipe-no-such-binary"})
	assert.True(t, faults.IsDependencyUnavailable(err))

	_, err = Start(context.Background(), Spec{Name: "trainer"})
	assert.True(t, faults.IsConfig(err))
}

func TestPickFreePort(t *testing.T) {
	p, err := PickFreePort("127.0.0.1")
	require.NoError(t, err)
	assert.Greater(t, p, 0)
}
