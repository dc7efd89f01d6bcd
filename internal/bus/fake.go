package bus

import (
	"context"
	"sync"

	"github.com/sensiflow/instancectl/internal/workerpool"
)

// Fake is an in-memory Bus used by dispatcher and reconcile loop tests.
// ConsumeUnique/ConsumeShared deliver messages pushed via DeliverUnique/
// DeliverShared synchronously on the calling goroutine, bypassing the
// worker pool so tests can assert on ordering deterministically.
type Fake struct {
	mu            sync.Mutex
	Acks          [][]byte
	Notifications [][]byte

	uniqueHandler Handler
	sharedHandler Handler
}

// NewFake builds an empty Fake bus.
func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) ConsumeUnique(ctx context.Context, pool *workerpool.Pool, handler Handler) error {
	f.mu.Lock()
	f.uniqueHandler = handler
	f.mu.Unlock()
	return nil
}

func (f *Fake) ConsumeShared(ctx context.Context, pool *workerpool.Pool, handler Handler) error {
	f.mu.Lock()
	f.sharedHandler = handler
	f.mu.Unlock()
	return nil
}

func (f *Fake) PublishAck(ctx context.Context, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Acks = append(f.Acks, body)
	return nil
}

func (f *Fake) PublishNotification(ctx context.Context, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Notifications = append(f.Notifications, body)
	return nil
}

func (f *Fake) Close() error { return nil }

// DeliverUnique hands body to the handler registered via ConsumeUnique,
// as if it arrived on the replica's own control queue.
func (f *Fake) DeliverUnique(ctx context.Context, body []byte) Result {
	return f.deliver(ctx, f.uniqueHandler, body)
}

// DeliverShared hands body to the handler registered via ConsumeShared.
func (f *Fake) DeliverShared(ctx context.Context, body []byte) Result {
	return f.deliver(ctx, f.sharedHandler, body)
}

func (f *Fake) deliver(ctx context.Context, handler Handler, body []byte) Result {
	var r Result
	d := Delivery{
		Body:       body,
		ackFunc:    func() error { r.Acked = true; return nil },
		rejectFunc: func(requeue bool) error { r.Rejected = true; r.Requeued = requeue; return nil },
	}
	handler(ctx, d)
	return r
}

// Result records how a fake-delivered message was terminated.
type Result struct {
	Acked    bool
	Rejected bool
	Requeued bool
}

var _ Bus = (*Fake)(nil)
