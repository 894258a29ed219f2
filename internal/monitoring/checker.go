package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/serp-enricher/internal/config"
)

const defaultCheckInterval = 5 * time.Minute

// Checker evaluates alert thresholds on a schedule. An alert is delivered
// when its condition starts firing and again only after it has cleared.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	lookback  int

	mu     sync.Mutex
	firing map[AlertType]bool
}

// NewChecker builds a checker from the monitoring section of the config.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		lookback:  cfg.LookbackHours,
		firing:    make(map[AlertType]bool),
	}
}

// Run checks once per interval until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	zap.L().Info("monitoring: alert checker started",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
	)
	t := time.NewTicker(c.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("monitoring: alert checker stopped")
			return
		case <-t.C:
			c.Check(ctx)
		}
	}
}

// Check collects a snapshot and delivers the alerts that started firing
// since the previous check, which it returns.
func (c *Checker) Check(ctx context.Context) []Alert {
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		zap.L().Error("monitoring: collect snapshot", zap.Error(err))
		return nil
	}

	raised := c.transition(c.alerter.Evaluate(snap))
	if len(raised) == 0 {
		return nil
	}
	sent := c.alerter.SendAlerts(ctx, raised)
	zap.L().Info("monitoring: alerts raised",
		zap.Int("raised", len(raised)),
		zap.Int("delivered", sent),
	)
	return raised
}

// transition records which alert types are firing now and returns the
// ones that were quiet on the previous check.
func (c *Checker) transition(current []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := make(map[AlertType]bool, len(current))
	var raised []Alert
	for _, a := range current {
		now[a.Type] = true
		if !c.firing[a.Type] {
			raised = append(raised, a)
		}
	}
	for typ := range c.firing {
		if !now[typ] {
			zap.L().Info("monitoring: alert cleared", zap.String("type", string(typ)))
		}
	}
	c.firing = now
	return raised
}
