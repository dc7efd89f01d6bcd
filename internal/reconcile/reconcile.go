// Package reconcile runs the two periodic loops that repair drift
// between the instance store and the container engine: the inactive-row
// reaper and the container-consistency scanner.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/sensiflow/instancectl/internal/apperrors"
	"github.com/sensiflow/instancectl/internal/bus"
	"github.com/sensiflow/instancectl/internal/codec"
	"github.com/sensiflow/instancectl/internal/containerengine"
	"github.com/sensiflow/instancectl/internal/logging"
	"github.com/sensiflow/instancectl/internal/metrics"
	"github.com/sensiflow/instancectl/internal/store"
	"github.com/sensiflow/instancectl/internal/workerpool"
)

// Config tunes the reaper and scanner periods and the reaper's minimum
// INACTIVE age, all with the spec's default values.
type Config struct {
	ReapPeriod time.Duration // default 60s
	ScanPeriod time.Duration // default 3s
	MinAge     time.Duration // default 5m
}

func (c Config) reapPeriod() time.Duration {
	if c.ReapPeriod > 0 {
		return c.ReapPeriod
	}
	return 60 * time.Second
}

func (c Config) scanPeriod() time.Duration {
	if c.ScanPeriod > 0 {
		return c.ScanPeriod
	}
	return 3 * time.Second
}

func (c Config) minAge() time.Duration {
	if c.MinAge > 0 {
		return c.MinAge
	}
	return 5 * time.Minute
}

// Loop owns the reaper and consistency scanner. Both share one engine
// client and one store, and run concurrently with each other; neither
// loop ever overlaps with itself.
type Loop struct {
	store   *store.Store
	engine  containerengine.Engine
	bus     bus.Bus
	pool    *workerpool.Pool
	cfg     Config
	log     *logging.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Loop sharing the given store, engine client, bus, and
// bounded worker pool. m may be nil in tests.
func New(st *store.Store, engine containerengine.Engine, b bus.Bus, pool *workerpool.Pool, cfg Config, log *logging.Logger, m *metrics.Metrics) *Loop {
	return &Loop{store: st, engine: engine, bus: b, pool: pool, cfg: cfg, log: log, metrics: m}
}

// Start launches the reaper and scanner goroutines. Start is not
// reentrant; call Stop before calling Start again.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.mu.Unlock()

	l.wg.Add(2)
	go l.runPeriodic(runCtx, "reaper", l.cfg.reapPeriod(), l.reapOnce)
	go l.runPeriodic(runCtx, "scanner", l.cfg.scanPeriod(), l.scanOnce)
}

// Stop cancels both loops and waits for the in-flight pass of each to
// finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
}

func (l *Loop) runPeriodic(ctx context.Context, name string, period time.Duration, pass func(context.Context)) {
	defer l.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	pass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pass(ctx)
		}
	}
}

// reapOnce runs one reaper pass: ping-gated, then reaps up to 100
// old-INACTIVE rows in parallel. Partial failures are logged; the pass
// continues for other rows.
func (l *Loop) reapOnce(ctx context.Context) {
	if err := l.engine.Ping(ctx); err != nil {
		l.log.WithError(err).Warn("reaper: engine unreachable, skipping pass")
		return
	}

	var rows []store.Instance
	err := l.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		rows, err = tx.OldInactive(ctx, l.cfg.minAge())
		return err
	})
	if err != nil {
		l.log.WithError(err).Error("reaper: failed to fetch old inactive rows")
		return
	}
	if len(rows) == 0 {
		if l.metrics != nil {
			l.metrics.RecordReapPass(0)
		}
		return
	}

	var merr error
	var touched int
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, row := range rows {
		row := row
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.pool.Submit(ctx, func() error { return l.reapRow(ctx, row) }); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, fmt.Errorf("reap %d: %w", row.ID, err))
				mu.Unlock()
			} else {
				mu.Lock()
				touched++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if l.metrics != nil {
		l.metrics.RecordReapPass(touched)
	}
	if merr != nil {
		l.log.WithError(merr).Warn("reaper: some rows failed this pass")
	}
}

func (l *Loop) reapRow(ctx context.Context, row store.Instance) error {
	name := containerengine.Name(row.ID)

	switch row.Status {
	case store.StatusPaused:
		if err := l.engine.Stop(ctx, name, 15*time.Second); err != nil && !apperrors.IsContainerNotFound(err) {
			return err
		}
		return l.store.WithTx(ctx, func(tx *store.Tx) error {
			_, err := tx.Update(ctx, row.ID, store.StatusInactive)
			return err
		})

	case store.StatusInactive:
		if err := l.engine.Remove(ctx, name, true, 15*time.Second); err != nil && !apperrors.IsContainerNotFound(err) {
			return err
		}
		return l.store.WithTx(ctx, func(tx *store.Tx) error {
			_, err := tx.Delete(ctx, row.ID)
			return err
		})

	default:
		return nil
	}
}

// scanOnce runs one consistency-scanner pass: ping-gated, then every
// row's container is looked up in parallel; drift is repaired and batched
// into one UPDATED_INSTANCE and one REMOVED_INSTANCE notification per pass.
func (l *Loop) scanOnce(ctx context.Context) {
	if err := l.engine.Ping(ctx); err != nil {
		l.log.WithError(err).Warn("scanner: engine unreachable, skipping pass")
		return
	}

	var rows []store.Instance
	err := l.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		rows, err = tx.All(ctx)
		return err
	})
	if err != nil {
		l.log.WithError(err).Error("scanner: failed to fetch rows")
		return
	}
	if len(rows) == 0 {
		if l.metrics != nil {
			l.metrics.RecordScanPass(0, 0)
		}
		return
	}

	var mu sync.Mutex
	var updated, removed []int64
	var wg sync.WaitGroup

	for _, row := range rows {
		row := row
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.pool.Submit(ctx, func() error {
				kind, err := l.scanRow(ctx, row)
				if err != nil {
					l.log.WithError(err).Warn("scanner: failed to reconcile row")
					return nil
				}
				switch kind {
				case scanUpdated:
					mu.Lock()
					updated = append(updated, row.ID)
					mu.Unlock()
				case scanRemoved:
					mu.Lock()
					removed = append(removed, row.ID)
					mu.Unlock()
				}
				return nil
			})
		}()
	}
	wg.Wait()

	if l.metrics != nil {
		l.metrics.RecordScanPass(len(updated), len(removed))
	}
	if len(updated) > 0 {
		l.publishNotification(ctx, updated, codec.ActionUpdatedInstance, codec.CodeUpdatedInstance)
	}
	if len(removed) > 0 {
		l.publishNotification(ctx, removed, codec.ActionRemovedInstance, codec.CodeRemovedInstance)
	}
}

type scanOutcome int

const (
	scanNone scanOutcome = iota
	scanUpdated
	scanRemoved
)

func (l *Loop) scanRow(ctx context.Context, row store.Instance) (scanOutcome, error) {
	name := containerengine.Name(row.ID)
	container, err := l.engine.Get(ctx, name)
	if apperrors.IsContainerNotFound(err) {
		if delErr := l.store.WithTx(ctx, func(tx *store.Tx) error {
			_, err := tx.Delete(ctx, row.ID)
			return err
		}); delErr != nil {
			return scanNone, delErr
		}
		return scanRemoved, nil
	}
	if err != nil {
		return scanNone, err
	}

	if container.Status == "exited" && row.Status != store.StatusInactive {
		if updErr := l.store.WithTx(ctx, func(tx *store.Tx) error {
			_, err := tx.Update(ctx, row.ID, store.StatusInactive)
			return err
		}); updErr != nil {
			return scanNone, updErr
		}
		return scanUpdated, nil
	}

	return scanNone, nil
}

func (l *Loop) publishNotification(ctx context.Context, ids []int64, action codec.Action, code codec.Code) {
	body, err := codec.EncodeNotification(codec.Notification{
		DeviceIDs: ids,
		Action:    action,
		Code:      code,
		Message:   codec.MessageForCode(code),
	})
	if err != nil {
		l.log.WithError(err).Error("scanner: failed to encode notification")
		return
	}
	if err := l.bus.PublishNotification(ctx, body); err != nil {
		l.log.WithError(err).Error("scanner: failed to publish notification")
		return
	}
	if l.metrics != nil {
		l.metrics.RecordAck("notification")
	}
}
