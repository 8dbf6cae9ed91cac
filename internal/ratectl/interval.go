package ratectl

import (
	"log/slog"
	"sync"
)

// IntervalThreshold is the slow report ratio at which the client lowers its
// frame rate.
const IntervalThreshold = 1.0 / 5.0

// DefaultMaxInterval bounds the frame interval in emulator ticks.
const DefaultMaxInterval = 4

// IntervalConfig configures an IntervalController.
type IntervalConfig struct {
	// Default is the preferred frame interval in ticks.
	Default int
	Max     int
	Tracker TrackerConfig
	Log     *slog.Logger
}

// IntervalController runs on the receiving side. It raises the frame
// interval by one tick per degrade and restores the preferred interval.
type IntervalController struct {
	log     *slog.Logger
	tracker *Tracker
	def     int
	max     int

	mu      sync.Mutex
	current int
}

// NewIntervalController creates an IntervalController at the default interval.
func NewIntervalController(cfg IntervalConfig) *IntervalController {
	if cfg.Default < 1 {
		cfg.Default = 1
	}
	if cfg.Max < cfg.Default {
		cfg.Max = max(DefaultMaxInterval, cfg.Default)
	}
	if cfg.Tracker.Threshold <= 0 {
		cfg.Tracker.Threshold = IntervalThreshold
	}
	return &IntervalController{
		log:     loggerOr(cfg.Log).With("component", "interval-controller"),
		tracker: NewTracker(cfg.Tracker),
		def:     cfg.Default,
		max:     cfg.Max,
		current: cfg.Default,
	}
}

// Report feeds one rate report. It returns the interval to use and whether
// it changed.
func (c *IntervalController) Report(advertised, observed float64) (int, bool) {
	action := c.tracker.Report(advertised, observed)

	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.current
	switch action {
	case Degrade:
		if c.current < c.max {
			c.current++
		}
	case Restore:
		c.current = c.def
	}
	if c.current != prev {
		c.log.Info("frame interval changed", "action", action, "from", prev, "to", c.current,
			"advertised", advertised, "observed", observed)
	}
	return c.current, c.current != prev
}

// Interval returns the current frame interval in ticks.
func (c *IntervalController) Interval() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Default returns the preferred frame interval.
func (c *IntervalController) Default() int {
	return c.def
}

// Reset restores the default interval and clears the tracker.
func (c *IntervalController) Reset() {
	c.tracker.Reset()
	c.mu.Lock()
	c.current = c.def
	c.mu.Unlock()
}
