package stagewise

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Worker drives the sweeper on a fixed interval. One worker per process is
// enough; the sweeps are idempotent, so running several is safe but wasteful.
type Worker struct {
	sweeper  *Sweeper
	workerID string
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

func NewWorker(sweeper *Sweeper, interval time.Duration, logger zerolog.Logger) *Worker {
	return &Worker{
		sweeper:  sweeper,
		workerID: uuid.New().String(),
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info().Str("worker_id", w.workerID).Msg("sweep worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Str("worker_id", w.workerID).Msg("sweep worker stopping: context cancelled")

			return
		case <-w.stopCh:
			w.logger.Info().Str("worker_id", w.workerID).Msg("sweep worker stopping: stop signal received")

			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Worker) Stop() {
	close(w.stopCh)
}

func (w *Worker) sweep(ctx context.Context) {
	slaReport, err := w.sweeper.CheckOverdueSLAs(ctx)
	if err != nil {
		w.logger.Error().Err(err).Str("worker_id", w.workerID).Msg("sla sweep failed")
	} else if slaReport.Breached > 0 || slaReport.Warnings > 0 {
		w.logger.Info().
			Str("worker_id", w.workerID).
			Int("checked", slaReport.Checked).
			Int("warnings", slaReport.Warnings).
			Int("breached", slaReport.Breached).
			Msg("sla sweep finished")
	}

	branchReport, err := w.sweeper.ProcessTimedOutBranches(ctx)
	if err != nil {
		w.logger.Error().Err(err).Str("worker_id", w.workerID).Msg("branch sweep failed")
	} else if branchReport.TimedOut > 0 || branchReport.Errors > 0 {
		w.logger.Info().
			Str("worker_id", w.workerID).
			Int("checked", branchReport.Checked).
			Int("timed_out", branchReport.TimedOut).
			Int("errors", branchReport.Errors).
			Msg("branch sweep finished")
	}
}
