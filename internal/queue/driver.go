package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/imq/internal/forge"
	"git.home.luguber.info/inful/imq/internal/logfields"
	"git.home.luguber.info/inful/imq/internal/store"
)

const (
	driverBackoffFloor   = time.Second
	driverBackoffCeiling = 2 * time.Minute
	// rateLimitSlack pads the sleep past the reported reset instant.
	rateLimitSlack = 2 * time.Second
)

// driver serializes processing for one queue. The wake channel has capacity
// one; coalesced wakeups are fine since the driver drains the queue anyway.
type driver struct {
	queueID string
	wake    chan struct{}
	stop    chan struct{}
}

// ensureDriver starts a driver goroutine for the queue if none runs yet.
func (e *Engine) ensureDriver(queueID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.drivers[queueID]; ok {
		return
	}
	if e.rootCtx == nil {
		return
	}
	d := &driver{
		queueID: queueID,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	e.drivers[queueID] = d
	e.wg.Add(1)
	go e.runDriver(d)
}

// stopDriver stops the queue's driver, if any.
func (e *Engine) stopDriver(queueID string) {
	e.mu.Lock()
	d := e.drivers[queueID]
	delete(e.drivers, queueID)
	e.mu.Unlock()
	if d != nil {
		close(d.stop)
	}
}

// wake nudges the queue's driver.
func (e *Engine) wake(queueID string) {
	e.mu.Lock()
	d := e.drivers[queueID]
	e.mu.Unlock()
	if d == nil {
		return
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// runDriver is the per-queue loop: process the head entry while there is one,
// otherwise sleep until an event or the periodic tick wakes it. Systemic
// errors pause the driver with exponential backoff without evicting entries.
func (e *Engine) runDriver(d *driver) {
	defer e.wg.Done()
	logger := e.logger.With(logfields.QueueID(d.queueID))
	logger.Debug("driver started")
	defer logger.Debug("driver stopped")

	backoff := driverBackoffFloor
	for {
		select {
		case <-e.quit:
			return
		case <-d.stop:
			return
		case <-e.rootCtx.Done():
			return
		default:
		}

		worked, err := e.processHead(e.rootCtx, d.queueID)
		switch {
		case err != nil && systemicError(err):
			pause := e.systemicPause(err, backoff)
			backoff = min(backoff*2, driverBackoffCeiling)
			logger.Warn("driver paused on systemic error",
				logfields.Error(err),
				slog.Duration("pause", pause))
			if !e.driverSleep(d, pause) {
				return
			}
		case err != nil:
			e.metrics.RecordProcessorError(d.queueID)
			logger.Error("processing head entry", logfields.Error(err))
			if !e.driverSleep(d, driverBackoffFloor) {
				return
			}
		case worked:
			backoff = driverBackoffFloor
			// Immediately look for the next head.
		default:
			backoff = driverBackoffFloor
			if !e.driverIdle(d) {
				return
			}
		}
	}
}

// driverSleep waits d or until a stop signal; returns false to exit.
func (e *Engine) driverSleep(d *driver, wait time.Duration) bool {
	select {
	case <-e.quit:
		return false
	case <-d.stop:
		return false
	case <-e.rootCtx.Done():
		return false
	case <-time.After(wait):
		return true
	case <-d.wake:
		return true
	}
}

// driverIdle waits for a wakeup or the periodic tick; returns false to exit.
func (e *Engine) driverIdle(d *driver) bool {
	select {
	case <-e.quit:
		return false
	case <-d.stop:
		return false
	case <-e.rootCtx.Done():
		return false
	case <-d.wake:
		return true
	case <-time.After(e.tick):
		return true
	}
}

// systemicPause computes how long a driver should pause for err.
func (e *Engine) systemicPause(err error, backoff time.Duration) time.Duration {
	if forge.IsRateLimited(err) && e.rateLimitState != nil {
		if rl := e.rateLimitState(); rl.Known && !rl.Reset.IsZero() {
			if until := time.Until(rl.Reset) + rateLimitSlack; until > backoff {
				return until
			}
		}
	}
	return backoff
}

// systemicError reports errors that pause the driver instead of failing the
// entry: rate-limit exhaustion and store outage.
func systemicError(err error) bool {
	return forge.IsRateLimited(err) ||
		errors.Is(err, store.ErrPoolExhausted) ||
		errors.Is(err, store.ErrPoolClosed)
}

// processHead runs the pipeline for the queue's head entry. Returns whether
// an entry was worked on. A head already in running state is resumed: it
// belongs to this driver and was interrupted by a systemic pause.
func (e *Engine) processHead(ctx context.Context, queueID string) (bool, error) {
	entry, err := e.store.HeadEntry(ctx, queueID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if entry.Status != store.EntryPending && entry.Status != store.EntryRunning {
		// Terminal head rows are impossible by the position invariant.
		return false, nil
	}

	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)

	if err := e.processEntry(ctx, queueID, entry); err != nil {
		return true, err
	}
	return true, nil
}
