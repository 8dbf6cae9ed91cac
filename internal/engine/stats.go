package engine

import (
	"github.com/zsiec/farplay/internal/session"
	"github.com/zsiec/farplay/internal/transport"
)

// Stats is a point-in-time view of an engine, served by the stats API.
type Stats struct {
	Role      string           `json:"role"`
	Running   bool             `json:"running"`
	Tick      uint64           `json:"tick"`
	Session   session.Info     `json:"session"`
	Transport *transport.Stats `json:"transport,omitempty"`

	FrameInterval  int     `json:"frameInterval"`
	FrameBudget    int     `json:"frameBudget"`
	Downsample     bool    `json:"downsample"`
	KeyframeAvg    float64 `json:"keyframeAvg,omitempty"`
	LastSeq        uint64  `json:"lastSeq"`
	FramesSent     uint64  `json:"framesSent"`
	FramesSkipped  uint64  `json:"framesSkipped"`
	FramesDecoded  uint64  `json:"framesDecoded"`
	FramesRejected uint64  `json:"framesRejected"`

	AudioBuffered        int    `json:"audioBuffered"`
	AudioResets          uint64 `json:"audioResets"`
	NotificationsDropped int64  `json:"notificationsDropped"`

	SendRate    float64 `json:"sendRate"`
	ReceiveRate float64 `json:"receiveRate"`
}

// Snapshot returns a point-in-time view of the engine.
func (e *Engine) Snapshot() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Stats{
		Role:                 e.cfg.Role.String(),
		Running:              e.running.Load(),
		Tick:                 e.tick,
		Session:              e.sess.Info(),
		LastSeq:              e.lastSeq,
		FramesSent:           e.counts.framesSent,
		FramesSkipped:        e.counts.framesSkipped,
		FramesDecoded:        e.counts.framesDecoded,
		FramesRejected:       e.counts.framesRejected,
		AudioBuffered:        e.relay.Buffered(),
		AudioResets:          e.counts.audioResets,
		NotificationsDropped: e.dropped.Load(),
		SendRate:             e.tr.SendRate(),
		ReceiveRate:          e.tr.ReceiveRate(),
	}
	if e.enc != nil {
		st.LastSeq = e.seq
		st.FrameInterval = e.sendEvery
		st.FrameBudget = e.enc.Budget()
		st.Downsample = e.enc.Downsampling()
		st.KeyframeAvg = e.enc.KeyframeSizeAverage()
	} else {
		st.FrameInterval = e.interval.Interval()
	}
	if r, ok := e.tr.(transport.StatsReporter); ok {
		ts := r.Stats()
		st.Transport = &ts
	}
	return st
}
