// Package protocol defines the typed events exchanged between a streaming
// host and its client, and their wire encoding. Every event is
// [type (varint)] [payload]; stream transports add a varint length prefix.
package protocol

import (
	"fmt"
	"unicode/utf8"
)

// Type identifies an event on the wire.
type Type uint64

// Event type IDs.
const (
	TypeName              Type = 0x01
	TypeMode              Type = 0x02
	TypeAudioFormat       Type = 0x03
	TypeHostInfo          Type = 0x04
	TypeRateReport        Type = 0x05
	TypeFrameInterval     Type = 0x06
	TypeAdaptiveRate      Type = 0x07
	TypeInputReset        Type = 0x08
	TypeBegin             Type = 0x09
	TypeDownsampleRequest Type = 0x0a
	TypeMessage           Type = 0x0b
	TypeMessageAck        Type = 0x0c
	TypeInput             Type = 0x0d
	TypeGoodbye           Type = 0x0e
	TypeFrame             Type = 0x10
	TypeAudio             Type = 0x11
	TypeTransportError    Type = 0x1f // never sent; raised locally by transports
)

const (
	// MaxNameLen bounds the peer display name in bytes.
	MaxNameLen = 64

	// MaxMessageLen bounds the text of a Message event in bytes.
	MaxMessageLen = 200

	// MaxEventSize bounds a length-prefixed event on stream transports.
	MaxEventSize = 1 << 20
)

var typeNames = map[Type]string{
	TypeName:              "name",
	TypeMode:              "mode",
	TypeAudioFormat:       "audio-format",
	TypeHostInfo:          "host-info",
	TypeRateReport:        "rate-report",
	TypeFrameInterval:     "frame-interval",
	TypeAdaptiveRate:      "adaptive-rate",
	TypeInputReset:        "input-reset",
	TypeBegin:             "begin",
	TypeDownsampleRequest: "downsample-request",
	TypeMessage:           "message",
	TypeMessageAck:        "message-ack",
	TypeInput:             "input",
	TypeGoodbye:           "goodbye",
	TypeFrame:             "frame",
	TypeAudio:             "audio",
	TypeTransportError:    "transport-error",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%#x)", uint64(t))
}

// Channel selects the delivery guarantees for an event.
type Channel int

const (
	// Reliable delivers in order and without loss.
	Reliable Channel = iota
	// Unreliable may drop or reorder; used for data that is stale quickly.
	Unreliable
)

func (c Channel) String() string {
	if c == Unreliable {
		return "unreliable"
	}
	return "reliable"
}

// Channel returns the default channel for events of this type. Frames,
// audio, input and rate reports are best effort.
func (t Type) Channel() Channel {
	switch t {
	case TypeRateReport, TypeInput, TypeFrame, TypeAudio:
		return Unreliable
	}
	return Reliable
}

// Event is one typed message.
type Event interface {
	Type() Type
}

// Role is the part a peer plays in a session.
type Role byte

const (
	RoleHost   Role = 1
	RoleClient Role = 2
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleClient:
		return "client"
	default:
		return fmt.Sprintf("role(%d)", byte(r))
	}
}

// Direction tags a rate report as measured on the sending or the receiving
// side of the link.
type Direction byte

const (
	Sent     Direction = 0
	Received Direction = 1
)

func (d Direction) String() string {
	if d == Received {
		return "received"
	}
	return "sent"
}

// Name announces the peer's display name.
type Name struct {
	Name string
}

// Mode announces the peer's role and toggles.
type Mode struct {
	Role   Role
	Voice  bool
	Paused bool
}

// AudioFormat describes the PCM stream a peer sends.
type AudioFormat struct {
	SampleRate uint32
	Channels   uint8
	Bits       uint8
}

// HostInfo announces the frame geometry and palette capacity of the host.
type HostInfo struct {
	Width     int
	Height    int
	MaxColors int
}

// RateReport carries a measured throughput in bytes per second.
type RateReport struct {
	Direction      Direction
	BytesPerSecond float64
}

// FrameInterval negotiates the number of emulator ticks between sent frames.
type FrameInterval struct {
	Ticks int
}

// AdaptiveRate opts in or out of adaptive rate control.
type AdaptiveRate struct {
	Enabled bool
}

// InputReset asks the host to release all controller buttons.
type InputReset struct{}

// Begin signals that the handshake completed and streaming starts.
type Begin struct{}

// DownsampleRequest asks the host for half vertical resolution.
type DownsampleRequest struct {
	Enabled bool
}

// Message is a free-text chat line with an application-supplied id.
type Message struct {
	ID   uint64
	Text string
}

// MessageAck acknowledges a Message by id.
type MessageAck struct {
	ID uint64
}

// Input is the controller state of one port for one emulated frame.
type Input struct {
	Frame   uint64
	Port    uint8
	Buttons uint32
}

// Goodbye announces an orderly disconnect.
type Goodbye struct{}

// TransportError reports an internal transport failure. It is raised locally
// and never crosses the wire.
type TransportError struct {
	Message string
}

// Frame carries one compressed video packet.
type Frame struct {
	Seq  uint64
	Data []byte
}

// Audio carries 16-bit mono little-endian PCM.
type Audio struct {
	PCM []byte
}

func (Name) Type() Type              { return TypeName }
func (Mode) Type() Type              { return TypeMode }
func (AudioFormat) Type() Type       { return TypeAudioFormat }
func (HostInfo) Type() Type          { return TypeHostInfo }
func (RateReport) Type() Type        { return TypeRateReport }
func (FrameInterval) Type() Type     { return TypeFrameInterval }
func (AdaptiveRate) Type() Type      { return TypeAdaptiveRate }
func (InputReset) Type() Type        { return TypeInputReset }
func (Begin) Type() Type             { return TypeBegin }
func (DownsampleRequest) Type() Type { return TypeDownsampleRequest }
func (Message) Type() Type           { return TypeMessage }
func (MessageAck) Type() Type        { return TypeMessageAck }
func (Input) Type() Type             { return TypeInput }
func (Goodbye) Type() Type           { return TypeGoodbye }
func (TransportError) Type() Type    { return TypeTransportError }
func (Frame) Type() Type             { return TypeFrame }
func (Audio) Type() Type             { return TypeAudio }

// Validate rejects messages longer than MaxMessageLen.
func (m Message) Validate() error {
	if len(m.Text) > MaxMessageLen {
		return fmt.Errorf("%w: %d bytes, max %d", ErrMessageTooLarge, len(m.Text), MaxMessageLen)
	}
	return nil
}

// TruncateName shortens s to at most MaxNameLen bytes without splitting a
// UTF-8 sequence.
func TruncateName(s string) string {
	if len(s) <= MaxNameLen {
		return s
	}
	s = s[:MaxNameLen]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
