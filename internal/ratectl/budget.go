package ratectl

import (
	"log/slog"
	"sync"
)

// BudgetThreshold is the slow report ratio at which the host shrinks the
// frame size budget.
const BudgetThreshold = 1.0 / 7.0

// MinByteRate is the floor of the budget, in bytes per second.
const MinByteRate = 50000

// Budget returns the per-frame size budget for a frame sent every interval
// ticks at tickRate ticks per second over a byteRate bytes/second link. A zero
// byte rate disables the budget.
func Budget(interval int, tickRate float64, byteRate int) int {
	if byteRate <= 0 || tickRate <= 0 || interval <= 0 {
		return 0
	}
	seconds := float64(interval) / tickRate
	return int(seconds * float64(max(byteRate, MinByteRate)))
}

// BudgetConfig configures a BudgetController.
type BudgetConfig struct {
	// ByteRate is the configured link byte rate. Zero disables budgets.
	ByteRate int
	TickRate float64
	Interval int
	Tracker  TrackerConfig
	Log      *slog.Logger
}

// BudgetController runs on the sending side. It shrinks the budget to 3/4 on
// every degrade and restores the computed default.
type BudgetController struct {
	log      *slog.Logger
	tracker  *Tracker
	byteRate int
	tickRate float64

	mu       sync.Mutex
	interval int
	def      int
	current  int
}

// NewBudgetController creates a BudgetController at the default budget.
func NewBudgetController(cfg BudgetConfig) *BudgetController {
	if cfg.Tracker.Threshold <= 0 {
		cfg.Tracker.Threshold = BudgetThreshold
	}
	if cfg.Interval < 1 {
		cfg.Interval = 1
	}
	c := &BudgetController{
		log:      loggerOr(cfg.Log).With("component", "budget-controller"),
		tracker:  NewTracker(cfg.Tracker),
		byteRate: cfg.ByteRate,
		tickRate: cfg.TickRate,
	}
	c.setIntervalLocked(cfg.Interval)
	return c
}

func (c *BudgetController) setIntervalLocked(interval int) {
	c.interval = interval
	c.def = Budget(interval, c.tickRate, c.byteRate)
	c.current = c.def
}

func (c *BudgetController) floor() int {
	return Budget(c.interval, c.tickRate, MinByteRate)
}

// SetInterval recomputes the default budget for a new frame interval and
// resets the current budget to it.
func (c *BudgetController) SetInterval(interval int) int {
	if interval < 1 {
		interval = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setIntervalLocked(interval)
	return c.current
}

// Report feeds one rate report. It returns the budget to use and whether it
// changed.
func (c *BudgetController) Report(advertised, observed float64) (int, bool) {
	action := c.tracker.Report(advertised, observed)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.def == 0 {
		return 0, false
	}

	prev := c.current
	switch action {
	case Degrade:
		c.current = max(c.current*3/4, c.floor())
	case Restore:
		c.current = c.def
	}
	if c.current != prev {
		c.log.Info("frame budget changed", "action", action, "from", prev, "to", c.current,
			"advertised", advertised, "observed", observed)
	}
	return c.current, c.current != prev
}

// Budget returns the current per-frame size budget in bytes.
func (c *BudgetController) Budget() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Reset restores the default budget and clears the tracker.
func (c *BudgetController) Reset() {
	c.tracker.Reset()
	c.mu.Lock()
	c.current = c.def
	c.mu.Unlock()
}
