package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/internal/tracker"
)

// MetricsSnapshot holds a point-in-time view of outreach health.
type MetricsSnapshot struct {
	// Outreach results (within lookback window).
	Sent         int     `json:"sent"`
	Delivered    int     `json:"delivered"`
	Read         int     `json:"read"`
	Replied      int     `json:"replied"`
	Failed       int     `json:"failed"`
	Fallbacks    int     `json:"fallbacks"`
	DeliveryRate float64 `json:"delivery_rate"`
	ResponseRate float64 `json:"response_rate"`
	FailureRate  float64 `json:"failure_rate"`

	// Retry queue depth.
	RetryDepth  int `json:"retry_depth"`
	DeadLetters int `json:"dead_letters"`

	// Stages whose breaker is open.
	OpenBreakers []string `json:"open_breakers,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Reporter computes the rolling outreach report.
type Reporter interface {
	Metrics(ctx context.Context, window time.Duration) (*tracker.Report, error)
}

// RetryCounter reports retry queue depth.
type RetryCounter interface {
	CountRetries(ctx context.Context, deadLetter bool) (int, error)
}

// Collector gathers metrics from the tracker, retry store and breakers.
type Collector struct {
	reporter Reporter
	retries  RetryCounter
	breakers *resilience.ServiceBreakers
}

// NewCollector creates a new metrics collector. breakers may be nil.
func NewCollector(reporter Reporter, retries RetryCounter, breakers *resilience.ServiceBreakers) *Collector {
	return &Collector{reporter: reporter, retries: retries, breakers: breakers}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	rep, err := c.reporter.Metrics(ctx, time.Duration(lookbackHours)*time.Hour)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: compute report")
	}
	snap.Sent = rep.Sent
	snap.Delivered = rep.Delivered
	snap.Read = rep.Read
	snap.Replied = rep.Replied
	snap.Failed = rep.Failed
	snap.Fallbacks = rep.Fallbacks
	snap.DeliveryRate = rep.DeliveryRate
	snap.ResponseRate = rep.ResponseRate
	if finished := rep.Sent + rep.Failed; finished > 0 {
		snap.FailureRate = float64(rep.Failed) / float64(finished)
	}

	live, err := c.retries.CountRetries(ctx, false)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count retries")
	}
	dead, err := c.retries.CountRetries(ctx, true)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dead letters")
	}
	snap.RetryDepth = live
	snap.DeadLetters = dead

	if c.breakers != nil {
		snap.OpenBreakers = c.breakers.Open()
	}
	return snap, nil
}
