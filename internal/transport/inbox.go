package transport

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/farplay/internal/protocol"
)

// inbox holds parsed events until the tick loop polls them. Frames and audio
// have their own queues so a burst of media never delays control events.
type inbox struct {
	log    *slog.Logger
	limits QueueConfig

	mu         sync.Mutex
	events     []protocol.Event
	frames     []protocol.Frame
	audio      []protocol.Audio
	overflowed bool

	dropped atomic.Int64
}

func newInbox(limits QueueConfig, log *slog.Logger) *inbox {
	limits.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &inbox{log: log, limits: limits}
}

// deliver enqueues ev. It never blocks.
func (in *inbox) deliver(ev protocol.Event) {
	in.mu.Lock()
	defer in.mu.Unlock()

	switch e := ev.(type) {
	case protocol.Frame:
		if len(in.frames) >= in.limits.Frames {
			in.dropped.Add(1)
			return
		}
		in.frames = append(in.frames, e)
	case protocol.Audio:
		if len(in.audio) >= in.limits.Audio {
			in.dropped.Add(1)
			return
		}
		in.audio = append(in.audio, e)
	default:
		if len(in.events) < in.limits.Events {
			in.events = append(in.events, ev)
			return
		}
		if ev.Type().Channel() == protocol.Unreliable {
			in.dropped.Add(1)
			return
		}
		if !in.overflowed {
			in.overflowed = true
			in.log.Warn("reliable receive queue overflowed", "limit", in.limits.Events)
			in.events = append(in.events, protocol.TransportError{Message: "receive queue overflow"})
		}
	}
}

func (in *inbox) nextEvent() (protocol.Event, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.events) == 0 {
		return nil, false
	}
	ev := in.events[0]
	in.events[0] = nil
	in.events = in.events[1:]
	return ev, true
}

func (in *inbox) nextFrame() (protocol.Frame, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.frames) == 0 {
		return protocol.Frame{}, false
	}
	f := in.frames[0]
	in.frames[0] = protocol.Frame{}
	in.frames = in.frames[1:]
	return f, true
}

func (in *inbox) nextAudio() (protocol.Audio, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.audio) == 0 {
		return protocol.Audio{}, false
	}
	a := in.audio[0]
	in.audio[0] = protocol.Audio{}
	in.audio = in.audio[1:]
	return a, true
}

// reset discards everything queued, e.g. when a new peer attaches.
func (in *inbox) reset() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.events = nil
	in.frames = nil
	in.audio = nil
	in.overflowed = false
}

func (in *inbox) depth() (events, frames, audio int) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.events), len(in.frames), len(in.audio)
}
