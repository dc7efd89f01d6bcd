package containerengine

import (
	"context"
	"sync"
	"time"

	"github.com/sensiflow/instancectl/internal/apperrors"
)

// Fake is an in-memory Engine used by the instance service, dispatcher, and
// reconcile loop tests. It is intentionally simple: containers never really
// run, so WaitForStart always succeeds instantly unless FailStart is set.
type Fake struct {
	mu         sync.Mutex
	containers map[string]Container
	nextID     int

	PingErr    error
	FailStart  map[string]error // name -> error returned by WaitForStart
	FailEngine map[string]error // "op:name" -> generic engine error forced on that op for that container
}

// NewFake builds an empty Fake engine.
func NewFake() *Fake {
	return &Fake{
		containers: make(map[string]Container),
		FailStart:  make(map[string]error),
		FailEngine: make(map[string]error),
	}
}

func (f *Fake) Ping(ctx context.Context) error {
	return f.PingErr
}

func (f *Fake) Get(ctx context.Context, name string) (Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return Container{}, apperrors.NewEngineError("get", name, false, apperrors.ErrContainerNotFound)
	}
	return c, nil
}

func (f *Fake) ListControlled(ctx context.Context) ([]Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make([]Container, 0, len(f.containers))
	for _, c := range f.containers {
		result = append(result, c)
	}
	return result, nil
}

func (f *Fake) Run(ctx context.Context, spec RunSpec) (Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	c := Container{ID: spec.Name, Name: spec.Name, Status: "running"}
	f.containers[spec.Name] = c
	return c, nil
}

func (f *Fake) WaitForStart(ctx context.Context, containerID string, timeout time.Duration) error {
	f.mu.Lock()
	err, ok := f.FailStart[containerID]
	f.mu.Unlock()
	if ok {
		return err
	}
	return nil
}

func (f *Fake) Stop(ctx context.Context, name string, timeout time.Duration) error {
	if err := f.forced("stop", name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return apperrors.NewEngineError("stop", name, false, apperrors.ErrContainerNotFound)
	}
	c.Status = "exited"
	f.containers[name] = c
	return nil
}

func (f *Fake) Remove(ctx context.Context, name string, force bool, timeout time.Duration) error {
	if err := f.forced("remove", name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[name]; !ok {
		return apperrors.NewEngineError("remove", name, false, apperrors.ErrContainerNotFound)
	}
	delete(f.containers, name)
	return nil
}

func (f *Fake) Pause(ctx context.Context, name string) error {
	if err := f.forced("pause", name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return apperrors.NewEngineError("pause", name, false, apperrors.ErrContainerNotFound)
	}
	c.Status = "paused"
	f.containers[name] = c
	return nil
}

func (f *Fake) Unpause(ctx context.Context, name string) error {
	if err := f.forced("unpause", name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return apperrors.NewEngineError("unpause", name, false, apperrors.ErrContainerNotFound)
	}
	c.Status = "running"
	f.containers[name] = c
	return nil
}

func (f *Fake) Start(ctx context.Context, name string) error {
	if err := f.forced("start", name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return apperrors.NewEngineError("start", name, false, apperrors.ErrContainerNotFound)
	}
	c.Status = "running"
	f.containers[name] = c
	return nil
}

func (f *Fake) forced(op, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.FailEngine[op+":"+name]; ok {
		return err
	}
	return nil
}

// SetStatus forces a container's status directly, simulating drift (e.g. a
// worker exiting on its own) for consistency-scanner tests.
func (f *Fake) SetStatus(name, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		c = Container{ID: name, Name: name}
	}
	c.Status = status
	f.containers[name] = c
}

// Delete removes a container without going through Remove, simulating a
// ghost row with no backing container.
func (f *Fake) Delete(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, name)
}

var _ Engine = (*Fake)(nil)
