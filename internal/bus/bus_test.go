package bus

import (
	"context"
	"testing"
)

func TestConfigSharedExchangeName(t *testing.T) {
	cfg := Config{ControllerQueue: "instance_control"}
	if got, want := cfg.sharedExchange(), "instance_control_exchange"; got != want {
		t.Fatalf("sharedExchange() = %q, want %q", got, want)
	}
}

func TestFakeDeliverUniqueRoutesToRegisteredHandler(t *testing.T) {
	b := NewFake()
	var seen []byte
	_ = b.ConsumeUnique(context.Background(), nil, func(ctx context.Context, d Delivery) {
		seen = d.Body
		_ = d.Ack()
	})

	result := b.DeliverUnique(context.Background(), []byte(`{"action":"START"}`))
	if !result.Acked {
		t.Fatal("expected delivery to be acked")
	}
	if string(seen) != `{"action":"START"}` {
		t.Fatalf("handler saw %q", seen)
	}
}

func TestFakeDeliverSharedCanRejectWithoutRequeue(t *testing.T) {
	b := NewFake()
	_ = b.ConsumeShared(context.Background(), nil, func(ctx context.Context, d Delivery) {
		_ = d.Reject(false)
	})

	result := b.DeliverShared(context.Background(), []byte(`garbage`))
	if !result.Rejected || result.Requeued {
		t.Fatalf("got %+v, want rejected without requeue", result)
	}
}

func TestFakePublishAckAndNotificationAccumulate(t *testing.T) {
	b := NewFake()
	_ = b.PublishAck(context.Background(), []byte(`{"code":2000}`))
	_ = b.PublishNotification(context.Background(), []byte(`{"code":3001}`))

	if len(b.Acks) != 1 || len(b.Notifications) != 1 {
		t.Fatalf("got %d acks, %d notifications, want 1 and 1", len(b.Acks), len(b.Notifications))
	}
}
