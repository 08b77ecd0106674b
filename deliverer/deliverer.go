// Package deliverer implements local event delivery: a bounded worker
// pool with a FIFO job queue that invokes local handlers in ascending
// handler-id order and, for sync-origin jobs, emits the ack/<uuid>
// reply once every local handler has returned. The pool is fixed-size
// so a burst of inbound events backs up in the queue instead of
// fanning out into unbounded goroutines.
package deliverer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrDropped is returned by Submit when the queue stayed at its
// high-water mark for the whole wait budget.
var ErrDropped = errors.New("deliverer: job dropped, queue at high-water mark")

// EventAdmin is the local delivery sink a Deliverer invokes once per
// matching handler id.
type EventAdmin interface {
	DeliverLocal(ctx context.Context, handlerID uint64, topic string, props map[string]string)
}

// AckRequest describes the ack/<uuid> reply a sync-origin job must
// publish once every local handler has returned.
type AckRequest struct {
	ResponseTopic   string
	CorrelationData []byte
}

// AckFunc publishes an AckRequest. Kept as a function value rather
// than an interface so the deliverer has no dependency on the
// transport package.
type AckFunc func(ctx context.Context, req AckRequest) error

// Job is one unit of local delivery.
type Job struct {
	Topic      string
	Props      map[string]string
	HandlerIDs []uint64 // must already be sorted ascending
	Ack        *AckRequest
}

// Deliverer owns its job queue and worker set exclusively; the engine
// interacts only through Submit.
type Deliverer struct {
	admin  EventAdmin
	ack    AckFunc
	logger *slog.Logger

	jobs chan Job
	stop chan struct{}
	wg   sync.WaitGroup

	stopOnce sync.Once
}

// New constructs a Deliverer and launches its workers immediately.
func New(workers, queueDepth int, admin EventAdmin, ack AckFunc, logger *slog.Logger) *Deliverer {
	if logger == nil {
		logger = slog.Default()
	}

	d := &Deliverer{
		admin:  admin,
		ack:    ack,
		logger: logger,
		jobs:   make(chan Job, queueDepth),
		stop:   make(chan struct{}),
	}

	d.wg.Add(workers)

	for i := 0; i < workers; i++ {
		go d.worker()
	}

	return d
}

func (d *Deliverer) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.stop:
			return
		default:
		}

		select {
		case <-d.stop:
			return
		case job, ok := <-d.jobs:
			if !ok {
				return
			}

			d.handle(job)
		}
	}
}

func (d *Deliverer) handle(job Job) {
	for _, id := range job.HandlerIDs {
		d.deliverOne(job, id)
	}

	if job.Ack == nil {
		return
	}

	if err := d.ack(context.Background(), *job.Ack); err != nil {
		d.logger.Warn("failed to publish ack", "topic", job.Topic, "err", err)
	}
}

// deliverOne invokes the sink for a single handler id with panic
// recovery, so one misbehaving handler never blocks delivery to the
// next.
func (d *Deliverer) deliverOne(job Job, handlerID uint64) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("local handler panicked", "handler", handlerID, "topic", job.Topic, "recover", r)
		}
	}()

	d.admin.DeliverLocal(context.Background(), handlerID, job.Topic, job.Props)
}

// Submit enqueues job, blocking up to waitFor once the queue is at its
// high-water mark. On expiry it logs a drop and returns ErrDropped
// rather than blocking the caller (typically the wrapper's network
// goroutine) indefinitely.
func (d *Deliverer) Submit(ctx context.Context, job Job, waitFor time.Duration) error {
	select {
	case d.jobs <- job:
		return nil
	default:
	}

	timer := time.NewTimer(waitFor)
	defer timer.Stop()

	select {
	case d.jobs <- job:
		return nil
	case <-timer.C:
		d.logger.Warn("deliverer queue full, dropping job", "topic", job.Topic)
		return ErrDropped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop signals workers to finish their current job and exit without
// draining the remaining queue; pending ACKs for discarded jobs are
// never sent.
func (d *Deliverer) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
	})

	d.wg.Wait()
}
