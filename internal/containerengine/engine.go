// Package containerengine adapts the container daemon (Docker) to the
// narrow contract the instance service and reconcile loops need:
// create/start/stop/remove/pause/unpause/get/list plus log-driven start
// detection.
package containerengine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/sensiflow/instancectl/internal/apperrors"
	"github.com/sensiflow/instancectl/internal/logging"
	"github.com/sensiflow/instancectl/internal/metrics"
	"github.com/sensiflow/instancectl/internal/resilience"
)

// controlledNamePattern is the only join key between the store and the
// engine: containers named instance-<id> and nothing else are ours.
var controlledNamePattern = regexp.MustCompile(`^instance-\d+$`)

// Name renders the canonical container name for a device id.
func Name(deviceID int64) string {
	return fmt.Sprintf("instance-%d", deviceID)
}

// IDFromName parses a device id back out of a canonical container name. ok
// is false if name does not match the controlled-container pattern.
func IDFromName(name string) (id int64, ok bool) {
	if !controlledNamePattern.MatchString(name) {
		return 0, false
	}
	var parsed int64
	if _, err := fmt.Sscanf(name, "instance-%d", &parsed); err != nil {
		return 0, false
	}
	return parsed, true
}

// Container is the subset of container state callers need.
type Container struct {
	ID     string
	Name   string
	Status string // "running", "paused", "exited", "created", ...
}

// RunSpec describes a container run request per the run contract: fixed
// entrypoint, restart-on-failure with one retry, host networking.
type RunSpec struct {
	Name       string
	Image      string
	Entrypoint []string
	Args       []string
}

// Engine is the contract the instance service and reconcile loops depend
// on. Every method is safe to call from multiple goroutines.
type Engine interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, name string) (Container, error)
	ListControlled(ctx context.Context) ([]Container, error)
	Run(ctx context.Context, spec RunSpec) (Container, error)
	WaitForStart(ctx context.Context, containerID string, timeout time.Duration) error
	Stop(ctx context.Context, name string, timeout time.Duration) error
	Remove(ctx context.Context, name string, force bool, timeout time.Duration) error
	Pause(ctx context.Context, name string) error
	Unpause(ctx context.Context, name string) error
	Start(ctx context.Context, name string) error
}

// DockerEngine is the Docker-daemon-backed Engine implementation. Ping is
// gated by a circuit breaker so a dead daemon fails fast instead of
// blocking every reconcile pass on a dial timeout.
type DockerEngine struct {
	cli     *client.Client
	breaker *resilience.CircuitBreaker
	log     *logging.Logger
	metrics *metrics.Metrics
}

// New builds a DockerEngine from an already-connected client.Client. One
// client is constructed in main and shared by the dispatcher, instance
// service, and both reconcilers. m may be nil in tests.
func New(cli *client.Client, log *logging.Logger, m *metrics.Metrics) *DockerEngine {
	e := &DockerEngine{cli: cli, log: log, metrics: m}
	e.breaker = resilience.New(resilience.EngineBreakerConfig(func(from, to resilience.State) {
		log.WithFields(map[string]any{"from": from.String(), "to": to.String()}).Warn("engine circuit breaker state changed")
		if m != nil {
			m.SetEngineCircuitState(int(to))
		}
	}))
	return e
}

// record reports one engine call's outcome and latency, a no-op when no
// Metrics was supplied.
func (e *DockerEngine) record(op string, err error, start time.Time) {
	if e.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	e.metrics.RecordEngineCall(op, outcome, time.Since(start))
}

// Ping reports whether the daemon is reachable, gated by the circuit
// breaker described in EngineBreakerConfig.
func (e *DockerEngine) Ping(ctx context.Context) error {
	start := time.Now()
	err := e.breaker.Execute(ctx, func() error {
		_, err := e.cli.Ping(ctx)
		return err
	})
	if err != nil {
		err = apperrors.NewEngineError("ping", "", true, err)
	}
	e.record("ping", err, start)
	return err
}

// Get fetches a single container by name, returning apperrors.ErrContainerNotFound
// when it doesn't exist.
func (e *DockerEngine) Get(ctx context.Context, name string) (Container, error) {
	start := time.Now()
	containers, err := e.list(ctx, filters.NewArgs(filters.Arg("name", "^/"+name+"$")))
	if err != nil {
		e.record("get", err, start)
		return Container{}, err
	}
	if len(containers) == 0 {
		err := apperrors.NewEngineError("get", name, false, apperrors.ErrContainerNotFound)
		e.record("get", err, start)
		return Container{}, err
	}
	e.record("get", nil, start)
	return containers[0], nil
}

// ListControlled returns every container (running or stopped) whose name
// matches instance-\d+.
func (e *DockerEngine) ListControlled(ctx context.Context) ([]Container, error) {
	start := time.Now()
	all, err := e.list(ctx, filters.NewArgs())
	e.record("list_controlled", err, start)
	if err != nil {
		return nil, err
	}
	var controlled []Container
	for _, c := range all {
		if controlledNamePattern.MatchString(c.Name) {
			controlled = append(controlled, c)
		}
	}
	return controlled, nil
}

func (e *DockerEngine) list(ctx context.Context, f filters.Args) ([]Container, error) {
	summaries, err := e.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, apperrors.NewEngineError("list", "", false, err)
	}
	result := make([]Container, 0, len(summaries))
	for _, s := range summaries {
		name := strings.TrimPrefix(firstOrEmpty(s.Names), "/")
		result = append(result, Container{ID: s.ID, Name: name, Status: s.State})
	}
	return result, nil
}

func firstOrEmpty(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// Run creates and starts a container per the run contract: restart
// on-failure with a single retry, host networking, detached.
func (e *DockerEngine) Run(ctx context.Context, spec RunSpec) (Container, error) {
	start := time.Now()
	cfg := &container.Config{
		Image:      spec.Image,
		Entrypoint: spec.Entrypoint,
		Cmd:        spec.Args,
	}
	hostCfg := &container.HostConfig{
		NetworkMode: "host",
		RestartPolicy: container.RestartPolicy{
			Name:              container.RestartPolicyOnFailure,
			MaximumRetryCount: 1,
		},
	}

	created, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		err = apperrors.NewEngineError("run.create", spec.Name, false, err)
		e.record("run", err, start)
		return Container{}, err
	}

	if err := e.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = e.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		wrapped := apperrors.NewEngineError("run.start", spec.Name, false, err)
		e.record("run", wrapped, start)
		return Container{}, wrapped
	}

	e.record("run", nil, start)
	return Container{ID: created.ID, Name: spec.Name, Status: "running"}, nil
}

// Start restarts an exited container. Callers MUST follow with
// WaitForStart, mirroring Run.
func (e *DockerEngine) Start(ctx context.Context, name string) error {
	start := time.Now()
	c, err := e.Get(ctx, name)
	if err != nil {
		e.record("start", err, start)
		return err
	}
	if err := e.cli.ContainerStart(ctx, c.ID, container.StartOptions{}); err != nil {
		err = classifyErr("start", name, err)
		e.record("start", err, start)
		return err
	}
	e.record("start", nil, start)
	return nil
}

// Stop issues a graceful stop with the given grace period before a kill.
func (e *DockerEngine) Stop(ctx context.Context, name string, timeout time.Duration) error {
	start := time.Now()
	c, err := e.Get(ctx, name)
	if err != nil {
		e.record("stop", err, start)
		return err
	}
	seconds := int(timeout.Seconds())
	if err := e.cli.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &seconds}); err != nil {
		err = classifyErr("stop", name, err)
		e.record("stop", err, start)
		return err
	}
	e.record("stop", nil, start)
	return nil
}

// Remove deletes a container. force=true kills immediately; force=false
// stops (waiting up to timeout) then removes. ContainerNotFound is
// surfaced rather than swallowed: callers (the instance service) decide
// how to treat drift against their own source of truth.
func (e *DockerEngine) Remove(ctx context.Context, name string, force bool, timeout time.Duration) error {
	start := time.Now()
	c, err := e.Get(ctx, name)
	if err != nil {
		e.record("remove", err, start)
		return err
	}

	if !force {
		if err := e.Stop(ctx, name, timeout); err != nil && !apperrors.IsContainerNotFound(err) {
			e.record("remove", err, start)
			return err
		}
	}

	if err := e.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
		err = classifyErr("remove", name, err)
		e.record("remove", err, start)
		return err
	}
	e.record("remove", nil, start)
	return nil
}

// Pause suspends a running container's processes.
func (e *DockerEngine) Pause(ctx context.Context, name string) error {
	start := time.Now()
	c, err := e.Get(ctx, name)
	if err != nil {
		e.record("pause", err, start)
		return err
	}
	if err := e.cli.ContainerPause(ctx, c.ID); err != nil {
		err = classifyErr("pause", name, err)
		e.record("pause", err, start)
		return err
	}
	e.record("pause", nil, start)
	return nil
}

// Unpause resumes a paused container's processes.
func (e *DockerEngine) Unpause(ctx context.Context, name string) error {
	start := time.Now()
	c, err := e.Get(ctx, name)
	if err != nil {
		e.record("unpause", err, start)
		return err
	}
	if err := e.cli.ContainerUnpause(ctx, c.ID); err != nil {
		err = classifyErr("unpause", name, err)
		e.record("unpause", err, start)
		return err
	}
	e.record("unpause", nil, start)
	return nil
}

// The worker also prints a legacy "[GOAL]" end-of-processing marker; it is
// not a start-barrier and plays no part in WaitForStart.
const (
	successMarker = "[SUCCESS 4]"
	errorMarker   = "[ERROR"
)

// WaitForStart scans the container's stdout line by line until it sees the
// worker's start-barrier marker, a fatal error marker, or timeout elapses.
// On timeout the container is force-removed and StartTimeout is returned.
func (e *DockerEngine) WaitForStart(ctx context.Context, containerID string, timeout time.Duration) error {
	start := time.Now()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logsBody, err := e.cli.ContainerLogs(waitCtx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		err = apperrors.NewEngineError("wait_for_start.logs", containerID, false, err)
		e.record("wait_for_start", err, start)
		return err
	}
	defer logsBody.Close()

	lines := make(chan string)
	scanErrs := make(chan error, 1)
	go func() {
		defer close(lines)
		pr, pw := io.Pipe()
		go func() {
			_, copyErr := stdcopy.StdCopy(pw, pw, logsBody)
			pw.CloseWithError(copyErr)
		}()
		scanner := bufio.NewScanner(pr)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-waitCtx.Done():
				return
			}
		}
		scanErrs <- scanner.Err()
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				// Worker exited without printing a barrier; stop selecting on
				// this case and wait out the deadline like any other hang.
				lines = nil
				continue
			}
			if strings.Contains(line, successMarker) {
				e.record("wait_for_start", nil, start)
				return nil
			}
			if strings.Contains(line, errorMarker) {
				e.record("wait_for_start", apperrors.ErrWorkerError, start)
				return apperrors.ErrWorkerError
			}
		case <-waitCtx.Done():
			_ = e.cli.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
			e.record("wait_for_start", apperrors.ErrStartTimeout, start)
			return apperrors.ErrStartTimeout
		}
	}
}

// classifyErr maps a Docker API error to ErrContainerNotFound when the
// daemon reports a 404, otherwise to a generic engine error.
func classifyErr(op, name string, err error) error {
	if client.IsErrNotFound(err) {
		return apperrors.NewEngineError(op, name, false, apperrors.ErrContainerNotFound)
	}
	return apperrors.NewEngineError(op, name, false, err)
}
