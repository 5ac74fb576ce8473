package statereport

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Worker runs the periodic retry and recovery passes.
type Worker struct {
	svc    *Service
	logger zerolog.Logger

	// SweepInterval controls how often due retries and stale submissions are processed.
	SweepInterval time.Duration
	// StaleAfter is how long a report may sit in SUBMITTING before it is
	// considered abandoned.
	StaleAfter time.Duration
	// BatchSize caps the reports handled per pass.
	BatchSize int
}

func NewWorker(svc *Service, logger zerolog.Logger) *Worker {
	return &Worker{
		svc:           svc,
		logger:        logger.With().Str("component", "report-worker").Logger(),
		SweepInterval: 30 * time.Second,
		StaleAfter:    10 * time.Minute,
		BatchSize:     50,
	}
}

// Start runs sweeps until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// SweepResult counts the work done by one pass.
type SweepResult struct {
	Recovered int `json:"recovered"`
	Retried   int `json:"retried"`
}

// RunOnce recovers stale submissions and then retries whatever is due.
func (w *Worker) RunOnce(ctx context.Context) SweepResult {
	var res SweepResult
	var err error

	res.Recovered, err = w.svc.RecoverStale(ctx, w.StaleAfter, w.BatchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("stale submission recovery failed")
	}
	res.Retried, err = w.svc.RetryDue(ctx, w.BatchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("retry pass failed")
	}
	if res.Recovered > 0 || res.Retried > 0 {
		w.logger.Info().Int("recovered", res.Recovered).Int("retried", res.Retried).Msg("sweep complete")
	}
	return res
}
