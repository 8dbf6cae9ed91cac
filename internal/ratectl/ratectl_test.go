package ratectl

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

const advertised = 100000.0

func reportSlow(c interface {
	Report(float64, float64) (int, bool)
}, n int) (changes int) {
	for i := 0; i < n; i++ {
		if _, changed := c.Report(advertised, advertised/2); changed {
			changes++
		}
	}
	return changes
}

func reportFast(c interface {
	Report(float64, float64) (int, bool)
}, n int) (changes int) {
	for i := 0; i < n; i++ {
		if _, changed := c.Report(advertised, advertised); changed {
			changes++
		}
	}
	return changes
}

func newInterval(clock *fakeClock) *IntervalController {
	return NewIntervalController(IntervalConfig{
		Default: 1,
		Max:     4,
		Tracker: TrackerConfig{Now: clock.Now},
	})
}

func TestIsSlow(t *testing.T) {
	t.Parallel()
	tests := []struct {
		advertised, observed float64
		want                 bool
	}{
		{100, 79, true},
		{100, 80, false},
		{100, 120, false},
		{0, 0, false},
	}
	for _, tt := range tests {
		if got := IsSlow(tt.advertised, tt.observed); got != tt.want {
			t.Errorf("IsSlow(%v, %v) = %v, want %v", tt.advertised, tt.observed, got, tt.want)
		}
	}
}

func TestTrackerWaitsForMinReports(t *testing.T) {
	t.Parallel()
	tr := NewTracker(TrackerConfig{Threshold: IntervalThreshold})
	for i := 0; i < DefaultMinReports-1; i++ {
		if a := tr.Report(advertised, 0); a != Hold {
			t.Fatalf("report %d: action = %s, want hold", i, a)
		}
	}
	if a := tr.Report(advertised, 0); a != Degrade {
		t.Fatalf("action = %s, want degrade", a)
	}
}

func TestSustainedSlowDegradesOnce(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	c := newInterval(clock)

	if n := reportSlow(c, 100); n != 1 {
		t.Fatalf("interval changed %d times, want 1", n)
	}
	if got := c.Interval(); got != 2 {
		t.Fatalf("Interval = %d, want 2", got)
	}

	clock.Advance(29 * time.Second)
	if n := reportSlow(c, 20); n != 0 {
		t.Fatalf("degraded %d more times inside the hold window", n)
	}

	clock.Advance(2 * time.Second)
	if n := reportSlow(c, 5); n != 1 {
		t.Fatalf("changed %d times after hold window, want 1", n)
	}
	if got := c.Interval(); got != 3 {
		t.Fatalf("Interval = %d, want 3", got)
	}
}

func TestIntervalCappedAtMax(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	c := newInterval(clock)
	for i := 0; i < 10; i++ {
		reportSlow(c, 5)
		clock.Advance(31 * time.Second)
	}
	if got := c.Interval(); got != 4 {
		t.Fatalf("Interval = %d, want max 4", got)
	}
}

func TestFastReportsRestoreAfterHold(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	c := newInterval(clock)
	reportSlow(c, 5)

	if n := reportFast(c, 20); n != 0 {
		t.Fatalf("restored %d times before the hold window elapsed", n)
	}

	clock.Advance(30 * time.Second)
	reportFast(c, 5)
	if got := c.Interval(); got != 1 {
		t.Fatalf("Interval = %d, want default 1", got)
	}
	if c.tracker.Reduced() {
		t.Fatal("tracker still reduced after restore")
	}
}

func TestRestoreAttemptsCapped(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	c := newInterval(clock)

	for i := 0; i < DefaultMaxRestores; i++ {
		reportSlow(c, 5)
		clock.Advance(31 * time.Second)
		reportFast(c, 5)
		if got := c.Interval(); got != 1 {
			t.Fatalf("cycle %d: Interval = %d, want 1", i, got)
		}
	}

	reportSlow(c, 5)
	clock.Advance(31 * time.Second)
	reportFast(c, 10)
	if got := c.Interval(); got != 2 {
		t.Fatalf("Interval = %d, want 2 once restores are exhausted", got)
	}
	if got := c.tracker.Restores(); got != DefaultMaxRestores {
		t.Fatalf("Restores = %d, want %d", got, DefaultMaxRestores)
	}
}

func TestThresholdsDifferPerSide(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	interval := newInterval(clock)
	budget := NewBudgetController(BudgetConfig{
		ByteRate: 600000,
		TickRate: 60,
		Interval: 1,
		Tracker:  TrackerConfig{Now: clock.Now},
	})

	// One slow report in seven: 1/7 trips the budget side only.
	for i := 0; i < 6; i++ {
		interval.Report(advertised, advertised)
		budget.Report(advertised, advertised)
	}
	_, ic := interval.Report(advertised, 0)
	_, bc := budget.Report(advertised, 0)
	if ic {
		t.Fatal("interval controller degraded at 1/7")
	}
	if !bc {
		t.Fatal("budget controller did not degrade at 1/7")
	}
}

func TestBudget(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		interval int
		tickRate float64
		byteRate int
		want     int
	}{
		{"one tick", 1, 60, 600000, 10000},
		{"two ticks", 2, 60, 600000, 20000},
		{"floored", 1, 50, 10000, 1000},
		{"disabled", 1, 60, 0, 0},
		{"bad tick rate", 1, 0, 600000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Budget(tt.interval, tt.tickRate, tt.byteRate); got != tt.want {
				t.Fatalf("Budget = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBudgetShrinksToFloor(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	c := NewBudgetController(BudgetConfig{
		ByteRate: 600000,
		TickRate: 60,
		Interval: 1,
		Tracker:  TrackerConfig{Now: clock.Now},
	})
	if got := c.Budget(); got != 10000 {
		t.Fatalf("Budget = %d, want 10000", got)
	}

	reportSlow(c, 5)
	if got := c.Budget(); got != 7500 {
		t.Fatalf("Budget = %d, want 7500", got)
	}

	for i := 0; i < 30; i++ {
		clock.Advance(31 * time.Second)
		reportSlow(c, 5)
	}
	floor := Budget(1, 60, MinByteRate)
	if got := c.Budget(); got != floor {
		t.Fatalf("Budget = %d, want floor %d", got, floor)
	}

	clock.Advance(31 * time.Second)
	reportFast(c, 5)
	if got := c.Budget(); got != 10000 {
		t.Fatalf("Budget after restore = %d, want 10000", got)
	}
}

func TestBudgetDisabledWithoutByteRate(t *testing.T) {
	t.Parallel()
	c := NewBudgetController(BudgetConfig{TickRate: 60, Interval: 1})
	if n := reportSlow(c, 20); n != 0 {
		t.Fatalf("disabled budget changed %d times", n)
	}
	if got := c.Budget(); got != 0 {
		t.Fatalf("Budget = %d, want 0", got)
	}
}

func TestBudgetSetInterval(t *testing.T) {
	t.Parallel()
	c := NewBudgetController(BudgetConfig{ByteRate: 600000, TickRate: 60, Interval: 1})
	if got := c.SetInterval(3); got != 30000 {
		t.Fatalf("SetInterval(3) = %d, want 30000", got)
	}
	if got := c.Budget(); got != 30000 {
		t.Fatalf("Budget = %d, want 30000", got)
	}
}

func TestIntervalReset(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	c := newInterval(clock)
	reportSlow(c, 5)
	c.Reset()
	if got := c.Interval(); got != 1 {
		t.Fatalf("Interval after Reset = %d, want 1", got)
	}
	if c.tracker.Reduced() {
		t.Fatal("tracker reduced after Reset")
	}
}
