package engine

import (
	"github.com/zsiec/farplay/internal/protocol"
	"github.com/zsiec/farplay/internal/session"
)

// handler receives session dispatches. The session only calls it from
// Poll, Handle and Close, all of which the engine invokes with e.mu held.
type handler struct{ e *Engine }

var _ session.Handler = handler{}

func (h handler) HandleEvent(ev protocol.Event) {
	e := h.e
	switch ev := ev.(type) {
	case protocol.RateReport:
		e.handleRateReportLocked(ev)
	case protocol.FrameInterval:
		if e.cfg.Role == protocol.RoleHost {
			e.adoptIntervalLocked(ev.Ticks)
		}
	case protocol.AdaptiveRate:
		if e.cfg.Role == protocol.RoleHost {
			e.applyBudgetLocked()
		}
	case protocol.DownsampleRequest:
		e.enc.SetDownsample(ev.Enabled)
		e.log.Info("downsample requested", "enabled", ev.Enabled)
	case protocol.Input:
		if e.cfg.InputSink != nil {
			e.cfg.InputSink.ApplyInput(ev)
		}
	case protocol.InputReset:
		if e.cfg.InputSink != nil {
			e.cfg.InputSink.ResetInput()
		}
	case protocol.HostInfo:
		if err := e.dec.SetGeometry(ev.Width, ev.Height); err != nil {
			e.log.Warn("host geometry rejected", "width", ev.Width, "height", ev.Height, "error", err)
		}
	case protocol.AudioFormat:
		if int(ev.SampleRate) != e.cfg.SampleRate || ev.Channels != 1 || ev.Bits != 16 {
			e.log.Warn("peer audio format differs, relaying unchanged",
				"rate", ev.SampleRate, "channels", ev.Channels, "bits", ev.Bits)
		}
	case protocol.Mode:
		e.log.Debug("peer mode", "voice", ev.Voice, "paused", ev.Paused)
	}
}

func (h handler) HandleTeardown(n session.Notification) {
	e := h.e
	e.resetStreamLocked()
	if e.cfg.InputSink != nil {
		e.cfg.InputSink.ResetInput()
	}
	e.log.Info("session ended", "session", n.SessionID, "kind", n.Kind, "reason", n.Message)
}

// handleRateReportLocked feeds the peer's measurement to the local rate
// controller. The host shrinks frame budgets; the client widens the frame
// interval and tells the host.
func (e *Engine) handleRateReportLocked(r protocol.RateReport) {
	if !e.sess.AdaptiveActive() {
		return
	}
	switch {
	case e.cfg.Role == protocol.RoleHost && r.Direction == protocol.Received:
		before := e.budget.Budget()
		b, changed := e.budget.Report(e.tr.SendRate(), r.BytesPerSecond)
		if !changed {
			return
		}
		e.enc.SetBudget(b)
		e.metrics.rateChanges.WithLabelValues("budget", direction(b < before)).Inc()

	case e.cfg.Role == protocol.RoleClient && r.Direction == protocol.Sent:
		before := e.interval.Interval()
		iv, changed := e.interval.Report(r.BytesPerSecond, e.tr.ReceiveRate())
		if !changed {
			return
		}
		e.metrics.rateChanges.WithLabelValues("interval", direction(iv > before)).Inc()
		if err := e.tr.Send(protocol.FrameInterval{Ticks: iv}, protocol.Reliable); err != nil {
			e.log.Warn("frame interval send failed", "error", err)
		}
	}
}

func direction(degraded bool) string {
	if degraded {
		return "degrade"
	}
	return "restore"
}

// adoptIntervalLocked applies the larger of the local and the requested
// frame interval and rescales the frame budget to it.
func (e *Engine) adoptIntervalLocked(peer int) {
	iv := max(e.cfg.FrameInterval, peer, 1)
	if iv == e.sendEvery {
		return
	}
	e.log.Info("frame interval changed", "from", e.sendEvery, "to", iv)
	e.sendEvery = iv
	e.budget.SetInterval(iv)
	e.applyBudgetLocked()
}

func (e *Engine) applyBudgetLocked() {
	if e.sess.AdaptiveActive() {
		e.enc.SetBudget(e.budget.Budget())
		return
	}
	e.enc.SetBudget(0)
}
