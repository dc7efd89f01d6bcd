// Package codec decodes inbound command frames and encodes outbound
// acknowledgements and reconciler notifications, per the bus wire contract.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sensiflow/instancectl/internal/apperrors"
)

// Action is a command or notification verb carried on the wire.
type Action string

const (
	ActionStart  Action = "START"
	ActionStop   Action = "STOP"
	ActionPause  Action = "PAUSE"
	ActionRemove Action = "REMOVE"

	// Reconciler notification actions.
	ActionUpdatedInstance Action = "UPDATED_INSTANCE"
	ActionRemovedInstance Action = "REMOVED_INSTANCE"
)

// Code is an outbound acknowledgement or notification status code.
type Code int

const (
	CodeOk                          Code = 2000
	CodeBadRequest                  Code = 4000
	CodeNotFound                    Code = 4004
	CodeConflict                    Code = 4009
	CodeInternalError               Code = 5000
	CodeInconsistentContainerState  Code = 5001
	CodeUpdatedInstance             Code = 3001
	CodeRemovedInstance             Code = 3002
)

// Command is a decoded inbound lifecycle command.
type Command struct {
	Action          Action
	DeviceID        int64
	DeviceStreamURL string // required for START, empty otherwise
}

// rawCommand mirrors the wire JSON shape, with pointer fields so
// DecodeCommand can distinguish "field absent" from "field present with its
// zero value" (e.g. device_id: 0 is a valid id, not a missing field).
type rawCommand struct {
	Action          *string `json:"action"`
	DeviceID        *int64  `json:"device_id"`
	DeviceStreamURL *string `json:"device_stream_url"`
}

// DecodeCommand parses an inbound command frame. Any missing or invalid
// required field is surfaced as apperrors.ErrMalformedMessage, which the
// dispatcher acks and drops without ever touching the instance service.
func DecodeCommand(body []byte) (Command, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return Command{}, apperrors.NewMalformedMessageError(fmt.Sprintf("invalid JSON: %v", err))
	}

	var raw rawCommand
	if err := json.Unmarshal(body, &raw); err != nil {
		return Command{}, apperrors.NewMalformedMessageError(fmt.Sprintf("invalid JSON: %v", err))
	}

	if _, present := fields["action"]; !present || raw.Action == nil {
		return Command{}, apperrors.NewMalformedMessageError("missing required field: action")
	}
	action := Action(*raw.Action)
	switch action {
	case ActionStart, ActionStop, ActionPause, ActionRemove:
	default:
		return Command{}, apperrors.NewMalformedMessageError(fmt.Sprintf("unknown action: %q", *raw.Action))
	}

	if _, present := fields["device_id"]; !present || raw.DeviceID == nil {
		return Command{}, apperrors.NewMalformedMessageError("missing required field: device_id")
	}

	cmd := Command{Action: action, DeviceID: *raw.DeviceID}
	if raw.DeviceStreamURL != nil {
		cmd.DeviceStreamURL = *raw.DeviceStreamURL
	}

	if action == ActionStart && cmd.DeviceStreamURL == "" {
		return Command{}, apperrors.NewMalformedMessageError("device_stream_url is required for START")
	}

	return cmd, nil
}

// Ack is the outbound per-command acknowledgement.
type Ack struct {
	DeviceID int64  `json:"device_id"`
	Action   Action `json:"action"`
	Code     Code   `json:"code"`
	Message  string `json:"message"`
}

// EncodeAck serializes an Ack to its wire JSON form.
func EncodeAck(ack Ack) ([]byte, error) {
	return json.Marshal(ack)
}

// Notification is the batched reconciler notification: one message per
// pass per category, carrying every affected device id.
type Notification struct {
	DeviceIDs []int64 `json:"device_ids"`
	Action    Action  `json:"action"`
	Code      Code    `json:"code"`
	Message   string  `json:"message"`
}

// EncodeNotification serializes a Notification to its wire JSON form.
func EncodeNotification(n Notification) ([]byte, error) {
	return json.Marshal(n)
}

// Classify sorts a Service error into an outbound ack code, per the error
// kind/source/policy table: InstanceNotFound, InstanceAlreadyExists,
// EngineUnavailable/EngineError (wrapped as apperrors.ErrInternal), and
// StartTimeout/WorkerError all have a mapped ack code and are reported to
// the caller. MalformedMessage has no mapped code here; the dispatcher
// acks and drops malformed frames before calling Classify. ok is false for
// anything not recognized as one of the mapped kinds, signaling the
// dispatcher to reject the message without requeue instead of publishing
// an ack.
func Classify(err error) (code Code, ok bool) {
	switch {
	case err == nil:
		return CodeOk, true
	case apperrors.IsNotFound(err):
		return CodeNotFound, true
	case apperrors.IsAlreadyExists(err):
		return CodeConflict, true
	case apperrors.IsEngineUnavailable(err),
		apperrors.IsEngineError(err),
		errors.Is(err, apperrors.ErrInternal),
		errors.Is(err, apperrors.ErrStartTimeout),
		errors.Is(err, apperrors.ErrWorkerError):
		return CodeInternalError, true
	default:
		return CodeInternalError, false
	}
}

// MessageForCode returns a short human-readable message for a code, used
// when the caller has no more specific error text to report.
func MessageForCode(code Code) string {
	switch code {
	case CodeOk:
		return "OK"
	case CodeBadRequest:
		return "bad request"
	case CodeNotFound:
		return "instance not found"
	case CodeConflict:
		return "instance already exists"
	case CodeInternalError:
		return "internal error"
	case CodeInconsistentContainerState:
		return "inconsistent container state"
	case CodeUpdatedInstance:
		return "instance updated"
	case CodeRemovedInstance:
		return "instance removed"
	default:
		return ""
	}
}
