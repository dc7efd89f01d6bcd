// Package bus wraps a RabbitMQ connection with the durable
// exchange/queue topology, manual acknowledgement, and reconnect
// behavior the control plane needs: one connection, a small channel
// pool, a unique per-replica control queue, and a shared fan-out queue
// for commands that may address devices owned elsewhere.
package bus

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sensiflow/instancectl/internal/logging"
	"github.com/sensiflow/instancectl/internal/resilience"
	"github.com/sensiflow/instancectl/internal/workerpool"
)

const (
	ackExchange   = "instance_ack_exchange"
	prefetchCount = 10
	channelPool   = 5
)

// Delivery is the subset of amqp091.Delivery the handler needs, kept
// narrow so fakes don't have to fabricate the rest of the struct.
type Delivery struct {
	Body []byte

	ackFunc    func() error
	rejectFunc func(requeue bool) error
}

// Ack manually acknowledges the delivery.
func (d Delivery) Ack() error { return d.ackFunc() }

// Reject manually rejects the delivery, optionally requeueing it.
func (d Delivery) Reject(requeue bool) error { return d.rejectFunc(requeue) }

// Handler processes one delivery. It is responsible for calling Ack or
// Reject itself; the bus never acks on the handler's behalf.
type Handler func(ctx context.Context, d Delivery)

// Config names the queues, exchanges, and routing keys the bus wires up,
// sourced from the [rabbitmq] section of the configuration file.
type Config struct {
	URL string

	ControllerQueue              string // unique per-replica control queue
	AckStatusQueue                string // routing key for control acks
	InstanceSchedulerNotification string // routing key for reconciler notifications
}

func (c Config) sharedExchange() string {
	return c.ControllerQueue + "_exchange"
}

// Bus is the command/ack messaging surface InstanceService, the
// dispatcher, and the reconcilers depend on.
type Bus interface {
	// ConsumeUnique delivers every message on the replica's own control
	// queue to handler, via a bounded worker pool.
	ConsumeUnique(ctx context.Context, pool *workerpool.Pool, handler Handler) error
	// ConsumeShared delivers every message on the fan-out-bound shared
	// queue to handler, via a bounded worker pool.
	ConsumeShared(ctx context.Context, pool *workerpool.Pool, handler Handler) error
	// PublishAck publishes a control acknowledgement.
	PublishAck(ctx context.Context, body []byte) error
	// PublishNotification publishes a reconciler notification.
	PublishNotification(ctx context.Context, body []byte) error
	// Close releases the connection and all channels.
	Close() error
}

// AMQPBus is the production Bus backed by amqp091-go, reconnecting on
// connection loss using the bus reconnect backoff policy.
type AMQPBus struct {
	cfg Config
	log *logging.Logger

	mu        sync.RWMutex
	conn      *amqp.Connection
	channels  chan *amqp.Channel
	closed    bool
	closeOnce sync.Once
}

// Dial connects to RabbitMQ and opens the channel pool, declaring the
// durable topology described in the external interfaces contract.
func Dial(ctx context.Context, cfg Config, log *logging.Logger) (*AMQPBus, error) {
	b := &AMQPBus{cfg: cfg, log: log}
	if err := b.connect(ctx); err != nil {
		return nil, err
	}
	go b.superviseConnection()
	return b, nil
}

func (b *AMQPBus) connect(ctx context.Context) error {
	retry := resilience.BusReconnectConfig()
	err := resilience.Retry(ctx, retry, func() error {
		conn, err := amqp.Dial(b.cfg.URL)
		if err != nil {
			return fmt.Errorf("dial rabbitmq: %w", err)
		}

		setupCh, err := conn.Channel()
		if err != nil {
			conn.Close()
			return fmt.Errorf("open setup channel: %w", err)
		}
		if err := declareTopology(setupCh, b.cfg); err != nil {
			setupCh.Close()
			conn.Close()
			return err
		}
		setupCh.Close()

		channels := make(chan *amqp.Channel, channelPool)
		for i := 0; i < channelPool; i++ {
			ch, err := conn.Channel()
			if err != nil {
				conn.Close()
				return fmt.Errorf("open pooled channel: %w", err)
			}
			if err := ch.Qos(prefetchCount, 0, false); err != nil {
				conn.Close()
				return fmt.Errorf("set qos: %w", err)
			}
			channels <- ch
		}

		b.mu.Lock()
		b.conn = conn
		b.channels = channels
		b.mu.Unlock()
		return nil
	})
	if err != nil {
		return fmt.Errorf("connect to rabbitmq: %w", err)
	}
	return nil
}

func declareTopology(ch *amqp.Channel, cfg Config) error {
	if _, err := ch.QueueDeclare(cfg.ControllerQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare controller queue: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.sharedExchange(), amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare shared exchange: %w", err)
	}

	if err := ch.ExchangeDeclare(ackExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare ack exchange: %w", err)
	}

	return nil
}

// superviseConnection blocks until the connection closes, then
// reconnects using the backoff policy. It exits once Close has been
// called, or when a reconnect attempt exhausts its retry budget.
func (b *AMQPBus) superviseConnection() {
	for {
		b.mu.RLock()
		conn := b.conn
		closed := b.closed
		b.mu.RUnlock()
		if closed {
			return
		}
		if conn == nil {
			return
		}

		notify := conn.NotifyClose(make(chan *amqp.Error, 1))
		err, ok := <-notify
		b.mu.RLock()
		closed = b.closed
		b.mu.RUnlock()
		if closed {
			return
		}
		if ok {
			b.log.WithError(err).Warn("rabbitmq connection closed, reconnecting")
		}

		if connErr := b.connect(context.Background()); connErr != nil {
			b.log.WithError(connErr).Error("rabbitmq reconnect exhausted retry budget")
			return
		}
		b.log.Info("rabbitmq connection restored")
	}
}

func (b *AMQPBus) acquireChannel() (*amqp.Channel, bool) {
	b.mu.RLock()
	channels := b.channels
	b.mu.RUnlock()
	if channels == nil {
		return nil, false
	}
	ch, ok := <-channels
	return ch, ok
}

func (b *AMQPBus) releaseChannel(ch *amqp.Channel) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.channels == nil || ch == nil {
		return
	}
	select {
	case b.channels <- ch:
	default:
		ch.Close()
	}
}

func (b *AMQPBus) publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	ch, ok := b.acquireChannel()
	if !ok {
		return fmt.Errorf("publish to %s: no channel available", exchange)
	}
	defer b.releaseChannel(ch)

	err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
	}
	return nil
}

// PublishAck publishes a control acknowledgement with the ack-status
// routing key.
func (b *AMQPBus) PublishAck(ctx context.Context, body []byte) error {
	return b.publish(ctx, ackExchange, b.cfg.AckStatusQueue, body)
}

// PublishNotification publishes a reconciler notification with the
// scheduler-notification routing key.
func (b *AMQPBus) PublishNotification(ctx context.Context, body []byte) error {
	return b.publish(ctx, ackExchange, b.cfg.InstanceSchedulerNotification, body)
}

// ConsumeUnique consumes the replica's own durable control queue.
func (b *AMQPBus) ConsumeUnique(ctx context.Context, pool *workerpool.Pool, handler Handler) error {
	return b.consume(ctx, b.cfg.ControllerQueue, "", false, pool, handler)
}

// ConsumeShared declares an exclusive, auto-named queue bound to the
// fan-out exchange and consumes it; commands arriving here may address
// devices this replica does not own.
func (b *AMQPBus) ConsumeShared(ctx context.Context, pool *workerpool.Pool, handler Handler) error {
	return b.consume(ctx, "", b.cfg.sharedExchange(), true, pool, handler)
}

func (b *AMQPBus) consume(ctx context.Context, queueName, bindExchange string, exclusive bool, pool *workerpool.Pool, handler Handler) error {
	ch, ok := b.acquireChannel()
	if !ok {
		return fmt.Errorf("consume %s: no channel available", queueName)
	}
	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		b.releaseChannel(ch)
		return fmt.Errorf("set qos: %w", err)
	}

	if bindExchange != "" {
		q, err := ch.QueueDeclare("", false, true, true, false, nil)
		if err != nil {
			b.releaseChannel(ch)
			return fmt.Errorf("declare shared queue: %w", err)
		}
		queueName = q.Name
		if err := ch.QueueBind(queueName, "", bindExchange, false, nil); err != nil {
			b.releaseChannel(ch)
			return fmt.Errorf("bind shared queue: %w", err)
		}
	}

	deliveries, err := ch.Consume(queueName, "", false, exclusive, false, false, nil)
	if err != nil {
		b.releaseChannel(ch)
		return fmt.Errorf("consume %s: %w", queueName, err)
	}

	go func() {
		defer b.releaseChannel(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				delivery := d
				_ = pool.Submit(ctx, func() error {
					handler(ctx, toDelivery(delivery))
					return nil
				})
			}
		}
	}()

	return nil
}

func toDelivery(d amqp.Delivery) Delivery {
	return Delivery{
		Body:       d.Body,
		ackFunc:    func() error { return d.Ack(false) },
		rejectFunc: func(requeue bool) error { return d.Reject(requeue) },
	}
}

// Close tears down the channel pool and the connection.
func (b *AMQPBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		channels := b.channels
		conn := b.conn
		b.channels = nil
		b.mu.Unlock()

		if channels != nil {
			close(channels)
			for ch := range channels {
				ch.Close()
			}
		}
		if conn != nil {
			err = conn.Close()
		}
	})
	return err
}

var _ Bus = (*AMQPBus)(nil)
