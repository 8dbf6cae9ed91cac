// Package ratectl adapts the stream to measured throughput. Each side
// compares the rate its peer reports against the rate it advertised; when
// too many recent reports are slow, the client lowers its frame rate and the
// host shrinks the per-frame size budget. Hysteresis keeps the controller
// from oscillating between quality levels.
package ratectl

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultWindow is the number of most recent reports considered.
	DefaultWindow = 10

	// DefaultMinReports is the number of reports required before evaluating.
	DefaultMinReports = 5

	// DefaultHold is the anti-oscillation window after a reduction.
	DefaultHold = 30 * time.Second

	// DefaultMaxRestores caps how often a reduction is undone.
	DefaultMaxRestores = 5

	// SlowFraction is the share of the advertised rate below which a report
	// counts as slow.
	SlowFraction = 0.8

	// restoreRatio is the slow ratio at or below which a restore is attempted.
	restoreRatio = 9.0 / 10.0
)

// Action is the outcome of one evaluation.
type Action int

const (
	Hold Action = iota
	Degrade
	Restore
)

func (a Action) String() string {
	switch a {
	case Degrade:
		return "degrade"
	case Restore:
		return "restore"
	default:
		return "hold"
	}
}

// TrackerConfig holds the hysteresis parameters for a Tracker. Zero values
// take the package defaults.
type TrackerConfig struct {
	// Threshold is the slow report ratio that triggers a degrade.
	Threshold   float64
	Window      int
	MinReports  int
	Hold        time.Duration
	MaxRestores int

	// Now defaults to time.Now. Tests inject a fake clock.
	Now func() time.Time
}

func (c *TrackerConfig) setDefaults() {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MinReports <= 0 {
		c.MinReports = DefaultMinReports
	}
	if c.MinReports > c.Window {
		c.MinReports = c.Window
	}
	if c.Hold <= 0 {
		c.Hold = DefaultHold
	}
	if c.MaxRestores <= 0 {
		c.MaxRestores = DefaultMaxRestores
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Tracker keeps a rolling window of slow/fast reports and decides when to
// degrade or restore.
type Tracker struct {
	cfg TrackerConfig

	mu        sync.Mutex
	slow      []bool
	reduced   bool
	reducedAt time.Time
	restores  int
}

// NewTracker creates a Tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	cfg.setDefaults()
	return &Tracker{
		cfg:  cfg,
		slow: make([]bool, 0, cfg.Window),
	}
}

// IsSlow reports whether observed is below SlowFraction of advertised.
func IsSlow(advertised, observed float64) bool {
	return advertised > 0 && observed < SlowFraction*advertised
}

// Report records one rate report and evaluates the window.
func (t *Tracker) Report(advertised, observed float64) Action {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.slow) == t.cfg.Window {
		copy(t.slow, t.slow[1:])
		t.slow = t.slow[:len(t.slow)-1]
	}
	t.slow = append(t.slow, IsSlow(advertised, observed))

	if len(t.slow) < t.cfg.MinReports {
		return Hold
	}

	slow := 0
	for _, s := range t.slow {
		if s {
			slow++
		}
	}
	ratio := float64(slow) / float64(len(t.slow))
	now := t.cfg.Now()
	holdElapsed := now.Sub(t.reducedAt) >= t.cfg.Hold

	if ratio >= t.cfg.Threshold {
		if t.reduced && !holdElapsed {
			return Hold
		}
		t.reduced = true
		t.reducedAt = now
		t.slow = t.slow[:0]
		return Degrade
	}

	if ratio <= restoreRatio && t.reduced && t.restores < t.cfg.MaxRestores && holdElapsed {
		t.reduced = false
		t.restores++
		t.slow = t.slow[:0]
		return Restore
	}
	return Hold
}

// Reduced reports whether a reduction is in effect.
func (t *Tracker) Reduced() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reduced
}

// Restores returns the number of restore attempts made.
func (t *Tracker) Restores() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.restores
}

// Reset clears all reports and reductions.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slow = t.slow[:0]
	t.reduced = false
	t.reducedAt = time.Time{}
	t.restores = 0
}

func loggerOr(log *slog.Logger) *slog.Logger {
	if log == nil {
		return slog.Default()
	}
	return log
}
