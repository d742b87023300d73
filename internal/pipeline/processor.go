package pipeline

import (
	"context"
	"log"
	"time"

	"clipmix/internal/models"
	"clipmix/internal/queue"
	"clipmix/internal/telemetry"
)

// Processor drives the worker loop: it leases job IDs off the queue, loads
// the job, and hands it to the orchestrator. One lease covers one complete
// pipeline run; there is no per-stage retry.
type Processor struct {
	queue        *queue.RedisQueue
	store        JobStore
	orchestrator *Orchestrator
	pollInterval time.Duration
}

// NewProcessor builds the worker loop around the orchestrator.
func NewProcessor(q *queue.RedisQueue, st JobStore, orch *Orchestrator, pollInterval time.Duration) *Processor {
	if pollInterval == 0 {
		pollInterval = time.Second
	}
	orch.KeepAlive = func(ctx context.Context, jobID string, d time.Duration) {
		_ = q.ExtendLease(ctx, jobID, d)
	}
	return &Processor{
		queue:        q,
		store:        st,
		orchestrator: orch,
		pollInterval: pollInterval,
	}
}

// Run processes jobs until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Reclaim work from workers that died mid-job.
		if reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
			for _, id := range reclaimed {
				_ = p.store.SetStage(ctx, id, models.StatusQueued)
				log.Printf("[%s] lease expired, requeued", id)
			}
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.pollInterval):
			}
			continue
		}

		job, err := p.store.GetJob(ctx, jobID)
		if err != nil {
			log.Printf("[%s] load job: %v", jobID, err)
			_ = p.queue.Ack(ctx, jobID)
			continue
		}
		if models.IsTerminal(job.Status) {
			// Cancelled before dispatch, or a duplicate delivery. The job
			// never runs again, so its artifacts go with it.
			p.orchestrator.cleanup(job)
			_ = p.queue.Ack(ctx, jobID)
			continue
		}

		telemetry.InFlightGauge.Inc()
		runErr := p.orchestrator.Run(ctx, job)
		if runErr != nil && ctx.Err() != nil {
			// Shutdown cut the run short. Keep the lease so RequeueExpired
			// hands the job to a live worker.
			telemetry.InFlightGauge.Dec()
			continue
		}
		_ = p.queue.Ack(context.WithoutCancel(ctx), jobID)
		telemetry.InFlightGauge.Dec()
	}
}
