package events

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"processline/internal/repo"
)

// Report summarizes one reconciliation pass over the delivery log.
type Report struct {
	UndeliveredEntities int     `json:"undelivered_entities"`
	UndeliveredTotal    int64   `json:"undelivered_total"`
	Published           int64   `json:"published"`
	Failed              int64   `json:"failed"`
	FailureRatio        float64 `json:"failure_ratio"`
	Alert               bool    `json:"alert"`
}

// Reconciler periodically diffs the immutable history log against recorded
// delivery attempts. Events are never redelivered here; the output is
// operational signal only.
type Reconciler struct {
	Repo       repo.Repo
	Interval   time.Duration
	AlertRatio float64
	Log        zerolog.Logger
	Now        func() time.Time
}

func NewReconciler(r repo.Repo, interval time.Duration, alertRatio float64, log zerolog.Logger) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{Repo: r, Interval: interval, AlertRatio: alertRatio, Log: log, Now: time.Now}
}

// Run loops until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.ReconcileOnce(ctx); err != nil {
			r.Log.Error().Err(err).Msg("reconciliation pass failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ReconcileOnce performs a single pass: per-entity undelivered gaps plus the
// failure ratio over the trailing interval window.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (Report, error) {
	var report Report
	gaps, err := r.Repo.UndeliveredCounts(ctx)
	if err != nil {
		return report, err
	}
	for entityID, gap := range gaps {
		report.UndeliveredEntities++
		report.UndeliveredTotal += gap
		r.Log.Warn().Str("entity_id", entityID).Int64("missing_deliveries", gap).Msg("history entries without delivery attempt")
	}

	since := r.Now().Add(-r.Interval).UTC().Format(time.RFC3339)
	published, failed, err := r.Repo.DeliveryCounts(ctx, since)
	if err != nil {
		return report, err
	}
	report.Published = published
	report.Failed = failed
	if total := published + failed; total > 0 {
		report.FailureRatio = float64(failed) / float64(total)
	}
	if r.AlertRatio > 0 && report.FailureRatio > r.AlertRatio {
		report.Alert = true
		r.Log.Error().
			Float64("failure_ratio", report.FailureRatio).
			Float64("threshold", r.AlertRatio).
			Int64("failed", failed).
			Int64("published", published).
			Msg("event delivery failure rate above threshold")
	}
	return report, nil
}
