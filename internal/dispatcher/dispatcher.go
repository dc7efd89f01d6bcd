// Package dispatcher routes decoded bus commands to the instance state
// machine, publishes the resulting acknowledgement, and decides how each
// inbound delivery is finally acked or rejected.
package dispatcher

import (
	"context"
	"time"

	"github.com/sensiflow/instancectl/internal/apperrors"
	"github.com/sensiflow/instancectl/internal/bus"
	"github.com/sensiflow/instancectl/internal/codec"
	"github.com/sensiflow/instancectl/internal/logging"
	"github.com/sensiflow/instancectl/internal/metrics"
)

// Service is the subset of instance.Service the dispatcher depends on,
// kept narrow so dispatcher tests don't need a real store or engine.
type Service interface {
	Exists(ctx context.Context, deviceID int64) (bool, error)
	Start(ctx context.Context, deviceID int64, streamURL string) error
	Stop(ctx context.Context, deviceID int64) error
	Pause(ctx context.Context, deviceID int64) error
	Remove(ctx context.Context, deviceID int64) error
}

// Dispatcher wires the bus's two consumer roles to Service and publishes
// acknowledgements back.
type Dispatcher struct {
	svc     Service
	bus     bus.Bus
	log     *logging.Logger
	metrics *metrics.Metrics
}

// New builds a Dispatcher over svc and bus. m may be nil in tests.
func New(svc Service, b bus.Bus, log *logging.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{svc: svc, bus: b, log: log, metrics: m}
}

// HandleUnique processes a delivery from the replica's own control queue:
// every command here is meant for this replica.
func (d *Dispatcher) HandleUnique(ctx context.Context, delivery bus.Delivery) {
	d.handle(ctx, delivery, false)
}

// HandleShared processes a delivery from the shared fan-out queue: the
// command may address a device this replica does not own, in which case
// it is acked and dropped with no side effect.
func (d *Dispatcher) HandleShared(ctx context.Context, delivery bus.Delivery) {
	d.handle(ctx, delivery, true)
}

func (d *Dispatcher) handle(ctx context.Context, delivery bus.Delivery, shared bool) {
	start := time.Now()
	cmd, err := codec.DecodeCommand(delivery.Body)
	if err != nil {
		// MalformedMessage: ack and drop, no ack-message published.
		d.log.WithError(err).Warn("dropping malformed command")
		d.recordCommand("MALFORMED", codec.CodeBadRequest, start)
		_ = delivery.Ack()
		return
	}

	if shared {
		owned, err := d.svc.Exists(ctx, cmd.DeviceID)
		if err != nil {
			d.log.WithError(err).WithFields(map[string]any{"device_id": cmd.DeviceID}).
				Error("shared-queue existence check failed")
			_ = delivery.Reject(false)
			return
		}
		if !owned {
			_ = delivery.Ack()
			return
		}
	}

	svcErr := d.route(ctx, cmd)

	if apperrors.IsDomainLogic(svcErr) {
		// Programmer error: crash the pass rather than mask it.
		d.log.WithError(svcErr).WithFields(map[string]any{"device_id": cmd.DeviceID}).
			Panic("domain invariant violated")
	}

	code, ok := codec.Classify(svcErr)
	if !ok {
		d.log.WithError(svcErr).WithFields(map[string]any{"device_id": cmd.DeviceID}).
			Error("unexpected error processing command, rejecting without requeue")
		_ = delivery.Reject(false)
		return
	}
	d.recordCommand(string(cmd.Action), code, start)

	message := codec.MessageForCode(code)
	if svcErr != nil && code != codec.CodeInternalError {
		message = svcErr.Error()
	}
	body, err := codec.EncodeAck(codec.Ack{
		DeviceID: cmd.DeviceID,
		Action:   cmd.Action,
		Code:     code,
		Message:  message,
	})
	if err != nil {
		d.log.WithError(err).Error("failed to encode ack")
		_ = delivery.Reject(false)
		return
	}

	if err := d.bus.PublishAck(ctx, body); err != nil {
		d.log.WithError(err).Error("failed to publish ack")
	} else if d.metrics != nil {
		d.metrics.RecordAck("ack")
	}
	_ = delivery.Ack()
}

func (d *Dispatcher) recordCommand(action string, code codec.Code, start time.Time) {
	if d.metrics == nil {
		return
	}
	d.metrics.RecordCommand(action, int(code), time.Since(start))
}

func (d *Dispatcher) route(ctx context.Context, cmd codec.Command) error {
	switch cmd.Action {
	case codec.ActionStart:
		return d.svc.Start(ctx, cmd.DeviceID, cmd.DeviceStreamURL)
	case codec.ActionStop:
		return d.svc.Stop(ctx, cmd.DeviceID)
	case codec.ActionPause:
		return d.svc.Pause(ctx, cmd.DeviceID)
	case codec.ActionRemove:
		return d.svc.Remove(ctx, cmd.DeviceID)
	default:
		return apperrors.NewMalformedMessageError("unroutable action: " + string(cmd.Action))
	}
}
