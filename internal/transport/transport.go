// Package transport carries protocol events between a host and a client.
// Receive paths only parse and enqueue; the tick loop polls the queues
// without blocking. Send never blocks either: outgoing events are queued and
// written by per-connection goroutines, and unreliable events are dropped
// when their queue is full.
//
// Three implementations are provided: an in-memory Pipe for tests and
// loopback runs, QUIC (streams for reliable events and frames, datagrams for
// the rest) and WebSocket.
package transport

import (
	"errors"

	"github.com/zsiec/farplay/internal/protocol"
)

// Transport is the network boundary of the streaming engine.
type Transport interface {
	Send(ev protocol.Event, ch protocol.Channel) error
	TryRecvEvent() (protocol.Event, bool)
	TryRecvFrame() (protocol.Frame, bool)
	TryRecvAudio() (protocol.Audio, bool)
	Connected() bool
	SendRate() float64
	ReceiveRate() float64
	Close() error
}

// Disconnector is implemented by transports that can drop the attached peer
// and stay open for the next one. Queued reliable events are flushed first.
type Disconnector interface {
	Disconnect()
}

// StatsReporter is implemented by transports that expose delivery counters.
type StatsReporter interface {
	Stats() Stats
}

// Stats captures per-transport delivery counters for the stats API.
type Stats struct {
	Kind            string  `json:"kind"`
	Connected       bool    `json:"connected"`
	Peer            string  `json:"peer,omitempty"`
	BytesSent       int64   `json:"bytesSent"`
	BytesReceived   int64   `json:"bytesReceived"`
	SendRate        float64 `json:"sendRate"`
	ReceiveRate     float64 `json:"receiveRate"`
	SendDropped     int64   `json:"sendDropped"`
	ReceiveDropped  int64   `json:"receiveDropped"`
	ParseErrors     int64   `json:"parseErrors"`
	QueuedEvents    int     `json:"queuedEvents"`
	QueuedFrames    int     `json:"queuedFrames"`
	QueuedAudio     int     `json:"queuedAudio"`
	RefusedSessions int64   `json:"refusedSessions,omitempty"`
}

// Sentinel errors returned by Send.
var (
	ErrClosed       = errors.New("transport: closed")
	ErrNotConnected = errors.New("transport: not connected")
	ErrQueueFull    = errors.New("transport: send queue full")
	ErrLocalOnly    = errors.New("transport: event cannot be sent")
)

// Queue limits. Reliable traffic that overflows its queue breaks the
// connection; everything else is dropped.
const (
	DefaultEventQueue = 1024
	DefaultFrameQueue = 8
	DefaultAudioQueue = 64
	DefaultSendQueue  = 256
)

// QueueConfig sizes the receive and send queues. Zero values take the
// package defaults.
type QueueConfig struct {
	Events int
	Frames int
	Audio  int
	Send   int
}

func (c *QueueConfig) setDefaults() {
	if c.Events <= 0 {
		c.Events = DefaultEventQueue
	}
	if c.Frames <= 0 {
		c.Frames = DefaultFrameQueue
	}
	if c.Audio <= 0 {
		c.Audio = DefaultAudioQueue
	}
	if c.Send <= 0 {
		c.Send = DefaultSendQueue
	}
}

// checkSendable rejects events that never cross the wire.
func checkSendable(ev protocol.Event) error {
	if ev.Type() == protocol.TypeTransportError {
		return ErrLocalOnly
	}
	return nil
}
