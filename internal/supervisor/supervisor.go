// Package supervisor spawns an HTTP-serving helper process, waits for it to
// become ready, and stops it.
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"

	"ftpipe/internal/events"
	"ftpipe/internal/faults"
	"ftpipe/internal/logging"
)

const stderrTailBytes = 4096

// Spec describes the process to launch.
type Spec struct {
	// Name labels log lines and events (trainer, vllm, ...).
	Name string
	Bin  string
	// Args builds the argument list once host and port are known.
	Args func(host string, port int) []string
	Host string
	// Port of zero picks a free port.
	Port int
	// ReadyPath is probed with GET until it answers 2xx.
	ReadyPath    string
	ReadyTimeout time.Duration
	// StopGrace bounds the wait between SIGTERM and kill.
	StopGrace time.Duration
	Publisher events.Publisher
}

// Process is a running helper.
type Process struct {
	spec    Spec
	cmd     *exec.Cmd
	baseURL string
	stderr  *lockedBuffer
	done    chan struct{}
	waitErr error
	stopped sync.Once
}

// BaseURL is http://host:port of the helper.
func (p *Process) BaseURL() string { return p.baseURL }

// PID of the helper.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Start launches spec.Bin and blocks until ReadyPath answers, the process
// exits, the timeout passes, or ctx is done. On any failure the process is
// stopped before returning.
func Start(ctx context.Context, spec Spec) (*Process, error) {
	if strings.TrimSpace(spec.Bin) == "" {
		return nil, faults.Config(spec.Name+".bin", "empty binary")
	}
	if _, err := exec.LookPath(spec.Bin); err != nil {
		return nil, faults.DependencyUnavailable(fmt.Sprintf("%s binary %q not found: %v", spec.Name, spec.Bin, err))
	}
	host := strings.TrimSpace(spec.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	port := spec.Port
	if port == 0 {
		var err error
		if port, err = PickFreePort(host); err != nil {
			return nil, err
		}
	}
	if spec.ReadyTimeout <= 0 {
		spec.ReadyTimeout = 30 * time.Second
	}
	if spec.StopGrace <= 0 {
		spec.StopGrace = 2 * time.Second
	}
	spec.Publisher = events.OrNop(spec.Publisher)

	var args []string
	if spec.Args != nil {
		args = spec.Args(host, port)
	}
	cmd := exec.Command(spec.Bin, args...)
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	p := &Process{
		spec:    spec,
		cmd:     cmd,
		baseURL: fmt.Sprintf("http://%s", net.JoinHostPort(host, strconv.Itoa(port))),
		stderr:  stderr,
		done:    make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	log := logging.FromContext(ctx)
	log.Info().Str("proc", spec.Name).Str("event", "start").Int("pid", p.PID()).Str("url", p.baseURL).Msg("spawned")
	spec.Publisher.Publish(events.Event{Name: "spawn_start", Fields: map[string]any{"proc": spec.Name, "pid": p.PID(), "port": port}})

	if err := p.waitReady(ctx); err != nil {
		_ = p.Stop()
		return nil, err
	}
	log.Info().Str("proc", spec.Name).Str("event", "ready").Int("pid", p.PID()).Msg("ready")
	spec.Publisher.Publish(events.Event{Name: "spawn_ready", Fields: map[string]any{"proc": spec.Name, "pid": p.PID(), "url": p.baseURL}})
	return p, nil
}

func (p *Process) waitReady(ctx context.Context) error {
	client := resty.New().SetBaseURL(p.baseURL).SetTimeout(time.Second)
	deadline := time.NewTimer(p.spec.ReadyTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-p.done:
			p.spec.Publisher.Publish(events.Event{Name: "spawn_exit", Fields: map[string]any{"proc": p.spec.Name, "pid": p.PID()}})
			if p.waitErr != nil {
				return fmt.Errorf("%s exited early: %v; stderr tail: %s", p.spec.Name, p.waitErr, p.StderrTail())
			}
			return fmt.Errorf("%s exited before ready: %s; stderr tail: %s", p.spec.Name, p.baseURL, p.StderrTail())
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			p.spec.Publisher.Publish(events.Event{Name: "spawn_timeout", Fields: map[string]any{"proc": p.spec.Name, "pid": p.PID()}})
			return fmt.Errorf("%s not ready in %s: %s", p.spec.Name, p.spec.ReadyTimeout, p.baseURL)
		case <-tick.C:
			resp, err := client.R().SetContext(ctx).Get(p.spec.ReadyPath)
			if err == nil && resp.IsSuccess() {
				return nil
			}
		}
	}
}

// Exited reports whether the process has terminated.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// StderrTail returns the last few KiB of the process's stderr.
func (p *Process) StderrTail() string {
	s := p.stderr.String()
	if len(s) > stderrTailBytes {
		s = s[len(s)-stderrTailBytes:]
	}
	return strings.TrimSpace(s)
}

// Stop sends SIGTERM, then kills after StopGrace. Safe to call repeatedly.
func (p *Process) Stop() error {
	p.stopped.Do(func() {
		if p.Exited() {
			return
		}
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-p.done:
		case <-time.After(p.spec.StopGrace):
			_ = p.cmd.Process.Kill()
			<-p.done
		}
		p.spec.Publisher.Publish(events.Event{Name: "spawn_stop", Fields: map[string]any{"proc": p.spec.Name, "pid": p.PID()}})
	})
	return nil
}

// PickFreePort asks the kernel for an unused TCP port on host.
func PickFreePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	_, ps, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(ps)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
