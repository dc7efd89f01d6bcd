// Package instance implements the control-plane state machine: the
// transitions between {Absent, ACTIVE, PAUSED, INACTIVE} driven by
// lifecycle commands, each executed inside one database transaction
// paired with the matching container operation.
package instance

import (
	"context"
	"fmt"
	"time"

	"github.com/sensiflow/instancectl/internal/apperrors"
	"github.com/sensiflow/instancectl/internal/containerengine"
	"github.com/sensiflow/instancectl/internal/logging"
	"github.com/sensiflow/instancectl/internal/store"
)

// RunImage describes the worker container contract: a
// fixed image (chosen at build time) and entrypoint, with the command
// line built per device at Start time.
type RunImage struct {
	Image      string
	Entrypoint []string
}

// Config bundles the values StartTimeout and StopTimeout default to when
// the caller leaves them zero.
type Config struct {
	StartTimeout time.Duration // default 60s
	StopTimeout  time.Duration // default 15s
	DeviceFlag   string        // "cpu" or "0", per hardware_acceleration
}

func (c Config) startTimeout() time.Duration {
	if c.StartTimeout > 0 {
		return c.StartTimeout
	}
	return 60 * time.Second
}

func (c Config) stopTimeout() time.Duration {
	if c.StopTimeout > 0 {
		return c.StopTimeout
	}
	return 15 * time.Second
}

// Service is the state machine. It owns every instance row mutation; the
// store and engine are passive collaborators.
type Service struct {
	store  *store.Store
	engine containerengine.Engine
	image  RunImage
	cfg    Config
	log    *logging.Logger
}

// New builds a Service sharing the given store, engine client, and worker
// image contract.
func New(st *store.Store, engine containerengine.Engine, image RunImage, cfg Config, log *logging.Logger) *Service {
	return &Service{store: st, engine: engine, image: image, cfg: cfg, log: log}
}

// Exists reports whether a container exists for id, used by the
// dispatcher's shared-queue filter: messages for devices this replica
// does not own are dropped before ever reaching the state machine.
func (s *Service) Exists(ctx context.Context, deviceID int64) (bool, error) {
	_, err := s.engine.Get(ctx, containerengine.Name(deviceID))
	if err == nil {
		return true, nil
	}
	if apperrors.IsContainerNotFound(err) {
		return false, nil
	}
	return false, err
}

// Start handles the START command across all four source states.
func (s *Service) Start(ctx context.Context, deviceID int64, streamURL string) error {
	name := containerengine.Name(deviceID)

	return s.store.WithTx(ctx, func(tx *store.Tx) error {
		existing, found, err := tx.Get(ctx, deviceID)
		if err != nil {
			return err
		}

		switch {
		case !found:
			if _, err := tx.Create(ctx, store.Instance{ID: deviceID, Status: store.StatusActive}); err != nil {
				return err
			}
			return s.runAndWait(ctx, name, deviceID, streamURL)

		case existing.Status == store.StatusActive:
			return apperrors.NewAlreadyExistsError(deviceID)

		case existing.Status == store.StatusPaused:
			if _, err := tx.Update(ctx, deviceID, store.StatusActive); err != nil {
				return err
			}
			if err := s.engine.Unpause(ctx, name); err != nil {
				return wrapEngineFailure(err)
			}
			return nil

		case existing.Status == store.StatusInactive:
			if _, err := tx.Update(ctx, deviceID, store.StatusActive); err != nil {
				return err
			}
			if err := s.engine.Start(ctx, name); err != nil {
				return wrapEngineFailure(err)
			}
			return s.waitForStart(ctx, name)

		default:
			return apperrors.NewDomainLogicError("known status", fmt.Sprintf("instance %d has unknown status %q", deviceID, existing.Status))
		}
	})
}

func (s *Service) runAndWait(ctx context.Context, name string, deviceID int64, streamURL string) error {
	spec := containerengine.RunSpec{
		Name:       name,
		Image:      s.image.Image,
		Entrypoint: s.image.Entrypoint,
		Args: []string{
			"--device", s.cfg.DeviceFlag,
			"--source", streamURL,
			"--device-id", fmt.Sprintf("%d", deviceID),
		},
	}
	if _, err := s.engine.Run(ctx, spec); err != nil {
		return wrapEngineFailure(err)
	}
	return s.waitForStart(ctx, name)
}

func (s *Service) waitForStart(ctx context.Context, name string) error {
	if err := s.engine.WaitForStart(ctx, name, s.cfg.startTimeout()); err != nil {
		// StartTimeout/WorkerError: roll back the row change. On
		// StartTimeout the engine has force-removed the container; on
		// WorkerError the container is left in place.
		return err
	}
	return nil
}

// Stop handles the STOP command. If the engine reports ContainerNotFound,
// the row update still commits (the row is the source of truth for
// intent) but NotFound is reported back to the caller.
func (s *Service) Stop(ctx context.Context, deviceID int64) error {
	name := containerengine.Name(deviceID)
	var reportErr error

	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		existing, found, err := tx.Get(ctx, deviceID)
		if err != nil {
			return err
		}
		if !found {
			return apperrors.NewNotFoundError(deviceID)
		}
		if existing.Status == store.StatusInactive {
			return nil
		}

		if _, err := tx.Update(ctx, deviceID, store.StatusInactive); err != nil {
			return err
		}
		if err := tx.ClearProcessedStream(ctx, deviceID); err != nil {
			return err
		}

		if err := s.engine.Remove(ctx, name, true, s.cfg.stopTimeout()); err != nil {
			if apperrors.IsContainerNotFound(err) {
				// Drift: commit the row update, but still report NotFound.
				reportErr = apperrors.NewNotFoundError(deviceID)
				return nil
			}
			return wrapEngineFailure(err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return reportErr
}

// Pause handles the PAUSE command. Same ContainerNotFound handling as Stop.
func (s *Service) Pause(ctx context.Context, deviceID int64) error {
	name := containerengine.Name(deviceID)
	var reportErr error

	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		existing, found, err := tx.Get(ctx, deviceID)
		if err != nil {
			return err
		}
		if !found {
			return apperrors.NewNotFoundError(deviceID)
		}
		if existing.Status == store.StatusPaused {
			return nil
		}

		if _, err := tx.Update(ctx, deviceID, store.StatusPaused); err != nil {
			return err
		}
		if err := s.engine.Pause(ctx, name); err != nil {
			if apperrors.IsContainerNotFound(err) {
				reportErr = apperrors.NewNotFoundError(deviceID)
				return nil
			}
			return wrapEngineFailure(err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return reportErr
}

// Remove handles the REMOVE command. It is fully idempotent: an Absent
// instance is a no-op success.
func (s *Service) Remove(ctx context.Context, deviceID int64) error {
	name := containerengine.Name(deviceID)

	return s.store.WithTx(ctx, func(tx *store.Tx) error {
		_, found, err := tx.Get(ctx, deviceID)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}

		if _, err := tx.Delete(ctx, deviceID); err != nil {
			return err
		}
		if err := tx.ClearProcessedStream(ctx, deviceID); err != nil {
			return err
		}

		if err := s.engine.Remove(ctx, name, true, s.cfg.stopTimeout()); err != nil {
			if apperrors.IsContainerNotFound(err) {
				return nil
			}
			return wrapEngineFailure(err)
		}
		return nil
	})
}

// wrapEngineFailure surfaces EngineUnavailable/EngineError as the
// InternalError the dispatcher maps to ack code 5000, per the error
// handling design. ContainerNotFound is handled by each caller before
// reaching here; anything else propagates unchanged. WorkerError and
// StartTimeout still map to 5000 in codec.Classify; an unrecognized error
// takes the dispatcher's reject-without-requeue path.
func wrapEngineFailure(err error) error {
	if apperrors.IsEngineUnavailable(err) || apperrors.IsEngineError(err) {
		return fmt.Errorf("%w: %v", apperrors.ErrInternal, err)
	}
	return err
}
