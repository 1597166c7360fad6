package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/config"
)

const defaultCheckInterval = 5 * time.Minute

// Checker periodically evaluates outreach health and escalates new
// conditions. An alert type fires once when its condition appears and is
// re-armed only after a check where the condition no longer holds.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	lookback  int

	mu     sync.Mutex
	active map[AlertType]time.Time
}

// NewChecker wires a collector and alerter into an escalation loop.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		lookback:  cfg.LookbackWindowHours,
		active:    make(map[AlertType]time.Time),
	}
}

// Run checks on every tick until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("escalation checker started",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("escalation checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check collects one snapshot and sends the alerts that were not already
// raised. It returns the alerts it escalated.
func (c *Checker) Check(ctx context.Context) []Alert {
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		log.Error("monitoring: collect snapshot", zap.Error(err))
		return nil
	}

	raised := c.transition(c.alerter.Evaluate(snap), log)
	if len(raised) == 0 {
		return nil
	}

	sent := c.alerter.SendAlerts(ctx, raised)
	log.Info("monitoring: escalated",
		zap.Int("raised", len(raised)),
		zap.Int("sent", sent),
		zap.Int("open_breakers", len(snap.OpenBreakers)),
	)
	return raised
}

// Active lists the alert types currently held open.
func (c *Checker) Active() []AlertType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]AlertType, 0, len(c.active))
	for t := range c.active {
		out = append(out, t)
	}
	return out
}

// transition records the current alert set and returns the newly raised
// alerts. Types missing from current are cleared.
func (c *Checker) transition(current []Alert, log *zap.Logger) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[AlertType]bool, len(current))
	var raised []Alert
	for _, a := range current {
		seen[a.Type] = true
		if _, open := c.active[a.Type]; open {
			continue
		}
		c.active[a.Type] = a.Timestamp
		raised = append(raised, a)
	}

	for t, since := range c.active {
		if seen[t] {
			continue
		}
		delete(c.active, t)
		log.Info("monitoring: condition cleared",
			zap.String("alert", string(t)),
			zap.Duration("open_for", time.Since(since)),
		)
	}
	return raised
}
