// Package session runs the connection state machine shared by the host and
// client roles. It announces the local peer, counts the setup events the
// remote peer must send, signals the start of streaming exactly once, and
// tears the connection down on loss, transport failure or goodbye.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zsiec/farplay/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultDisconnectTimeout is how long a session may stay without a
// connection, measured from its start, before it is torn down.
const DefaultDisconnectTimeout = 30 * time.Second

// ErrNotExchanging is returned when an operation needs a streaming session.
var ErrNotExchanging = errors.New("session: not exchanging")

// State is the handshake progress. Values between Connected and Exchanging
// count the setup events received so far.
type State uint8

const (
	Idle       State = 0
	Connected  State = 1
	Exchanging State = 0xFF
)

func (s State) String() string {
	switch {
	case s == Idle:
		return "idle"
	case s == Connected:
		return "connected"
	case s == Exchanging:
		return "exchanging"
	default:
		return fmt.Sprintf("handshaking(%d)", uint8(s-Connected))
	}
}

// Link is the part of a transport the session needs.
type Link interface {
	Send(ev protocol.Event, ch protocol.Channel) error
	Connected() bool
}

// Handler receives the events the session dispatches and its teardown.
// Calls are made without the session lock held.
type Handler interface {
	HandleEvent(ev protocol.Event)
	HandleTeardown(n Notification)
}

// Config holds the parameters for creating a Session.
type Config struct {
	Role    protocol.Role
	Name    string
	Link    Link
	Handler Handler

	// Notify receives notifications for the application. It must not block.
	Notify func(Notification)

	FrameInterval int
	AdaptiveRate  bool
	Voice         bool
	AudioFormat   protocol.AudioFormat

	// HostInfo is announced by the host role only.
	HostInfo protocol.HostInfo

	DisconnectTimeout time.Duration
	Tracer            trace.Tracer
	Log               *slog.Logger
}

// Info is a point-in-time view of a session, serialized by the stats API.
type Info struct {
	ID            string    `json:"id"`
	Role          string    `json:"role"`
	State         string    `json:"state"`
	PeerName      string    `json:"peerName,omitempty"`
	PeerRole      string    `json:"peerRole,omitempty"`
	PeerVoice     bool      `json:"peerVoice"`
	PeerPaused    bool      `json:"peerPaused"`
	PeerAdaptive  bool      `json:"peerAdaptive"`
	PeerInterval  int       `json:"peerInterval,omitempty"`
	PeerAudioRate uint32    `json:"peerAudioRate,omitempty"`
	Width         int       `json:"width,omitempty"`
	Height        int       `json:"height,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	ConnectedAt   time.Time `json:"connectedAt,omitempty"`
	StreamingAt   time.Time `json:"streamingAt,omitempty"`
	Closed        bool      `json:"closed"`
}

// Session is one connection's handshake and dispatch state. Poll and Handle
// are called from the tick loop only; the other methods are safe from any
// goroutine.
type Session struct {
	id      string
	cfg     Config
	log     *slog.Logger
	tracer  trace.Tracer
	started time.Time

	mu          sync.Mutex
	state       State
	closed      bool
	seen        uint32 // bitmask of expected setup types already counted
	span        trace.Span
	connectedAt time.Time
	streamingAt time.Time
	peerName    string
	peerMode    protocol.Mode
	peerAudio   protocol.AudioFormat
	peerAdapt   bool
	peerTicks   int
	hostInfo    protocol.HostInfo
}

// New creates a Session in the Idle state. now is the session start.
func New(cfg Config, now time.Time) *Session {
	id := uuid.NewString()
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if cfg.FrameInterval < 1 {
		cfg.FrameInterval = 1
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/zsiec/farplay/internal/session")
	}
	return &Session{
		id:      id,
		cfg:     cfg,
		log:     log.With("component", "session", "session", id, "role", cfg.Role),
		tracer:  tracer,
		started: now,
	}
}

// ID returns the unique identifier of the session.
func (s *Session) ID() string { return s.id }

// State returns the handshake state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Exchanging reports whether the handshake completed and the session is open.
func (s *Session) Exchanging() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Exchanging && !s.closed
}

// Closed reports whether the session was torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// AdaptiveActive reports whether both peers opted in to adaptive rate control.
func (s *Session) AdaptiveActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.AdaptiveRate && s.peerAdapt
}

// PeerMode returns the last mode announced by the peer.
func (s *Session) PeerMode() protocol.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerMode
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:            s.id,
		Role:          s.cfg.Role.String(),
		State:         s.state.String(),
		PeerName:      s.peerName,
		PeerVoice:     s.peerMode.Voice,
		PeerPaused:    s.peerMode.Paused,
		PeerAdaptive:  s.peerAdapt,
		PeerInterval:  s.peerTicks,
		PeerAudioRate: s.peerAudio.SampleRate,
		Width:         s.hostInfo.Width,
		Height:        s.hostInfo.Height,
		StartedAt:     s.started,
		ConnectedAt:   s.connectedAt,
		StreamingAt:   s.streamingAt,
		Closed:        s.closed,
	}
	if s.peerMode.Role != 0 {
		info.PeerRole = s.peerMode.Role.String()
	}
	if s.cfg.Role == protocol.RoleHost {
		info.Width, info.Height = s.cfg.HostInfo.Width, s.cfg.HostInfo.Height
	}
	return info
}

// expected returns the setup event types the peer must send before
// streaming starts, for our role.
func (s *Session) expected() []protocol.Type {
	if s.cfg.Role == protocol.RoleClient {
		return []protocol.Type{protocol.TypeHostInfo, protocol.TypeAudioFormat, protocol.TypeName, protocol.TypeMode}
	}
	return []protocol.Type{protocol.TypeName, protocol.TypeMode, protocol.TypeAudioFormat}
}

// Poll advances the connection lifecycle: it starts the handshake once the
// link connects and tears the session down when the link stays down past
// the disconnect timeout.
func (s *Session) Poll(now time.Time) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	connected := s.cfg.Link.Connected()
	if connected && s.state == Idle {
		s.connectLocked(now)
		s.mu.Unlock()
		return
	}
	if !connected && now.Sub(s.started) > s.cfg.DisconnectTimeout {
		n := Notification{Kind: NotifyDisconnected, Message: "peer connection lost"}
		if s.state == Idle {
			n.Message = "peer never connected"
		}
		s.teardownLocked(n)
		s.mu.Unlock()
		s.deliverTeardown(n)
		return
	}
	s.mu.Unlock()
}

func (s *Session) connectLocked(now time.Time) {
	s.state = Connected
	s.connectedAt = now
	_, s.span = s.tracer.Start(context.Background(), "session.handshake",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("farplay.session_id", s.id),
			attribute.String("farplay.role", s.cfg.Role.String()),
		),
		trace.WithTimestamp(now),
	)

	announce := []protocol.Event{
		protocol.Name{Name: protocol.TruncateName(s.cfg.Name)},
		protocol.FrameInterval{Ticks: s.cfg.FrameInterval},
		protocol.AdaptiveRate{Enabled: s.cfg.AdaptiveRate},
		protocol.InputReset{},
		protocol.Mode{Role: s.cfg.Role, Voice: s.cfg.Voice},
		s.cfg.AudioFormat,
	}
	if s.cfg.Role == protocol.RoleHost {
		announce = append(announce, s.cfg.HostInfo)
	}
	for _, ev := range announce {
		s.sendLocked(ev)
	}
	s.log.Info("peer connected, handshake started")
}

func (s *Session) sendLocked(ev protocol.Event) {
	if err := s.cfg.Link.Send(ev, ev.Type().Channel()); err != nil {
		s.log.Debug("send failed", "event", ev.Type(), "error", err)
	}
}

// Handle processes one event received from the peer.
func (s *Session) Handle(ev protocol.Event, now time.Time) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.state == Idle && s.cfg.Link.Connected() {
		s.connectLocked(now)
	}

	var (
		forward  bool
		notes    []Notification
		teardown *Notification
	)

	switch e := ev.(type) {
	case protocol.TransportError:
		teardown = &Notification{Kind: NotifyError, Message: e.Message}
	case protocol.Goodbye:
		teardown = &Notification{Kind: NotifyDisconnected, Message: "peer said goodbye"}
	}
	if teardown != nil {
		s.teardownLocked(*teardown)
		s.mu.Unlock()
		s.deliverTeardown(*teardown)
		return
	}

	if s.state == Idle {
		s.mu.Unlock()
		s.log.Debug("event before connect dropped", "event", ev.Type())
		return
	}

	switch e := ev.(type) {
	case protocol.Name:
		s.peerName = e.Name
		s.countLocked(ev.Type(), now, &notes)
	case protocol.Mode:
		changed := s.state == Exchanging && e != s.peerMode
		s.peerMode = e
		forward = true
		s.countLocked(ev.Type(), now, &notes)
		if changed {
			notes = append(notes, Notification{Kind: NotifyModeChange, Peer: s.peerName,
				Message: fmt.Sprintf("voice=%t paused=%t", e.Voice, e.Paused)})
		}
	case protocol.AudioFormat:
		s.peerAudio = e
		forward = true
		s.countLocked(ev.Type(), now, &notes)
	case protocol.HostInfo:
		if s.cfg.Role != protocol.RoleClient {
			break
		}
		s.hostInfo = e
		forward = true
		s.countLocked(ev.Type(), now, &notes)

	case protocol.FrameInterval:
		s.peerTicks = e.Ticks
		forward = true
	case protocol.AdaptiveRate:
		s.peerAdapt = e.Enabled
		forward = true
	case protocol.InputReset, protocol.Begin:
		forward = true

	case protocol.RateReport:
		forward = s.state == Exchanging
	case protocol.Message:
		if s.state != Exchanging {
			break
		}
		s.sendLocked(protocol.MessageAck{ID: e.ID})
		notes = append(notes, Notification{Kind: NotifyMessage, ID: e.ID, Message: e.Text, Peer: s.peerName})
	case protocol.MessageAck:
		if s.state == Exchanging {
			notes = append(notes, Notification{Kind: NotifyMessageAck, ID: e.ID, Peer: s.peerName})
		}
	case protocol.DownsampleRequest, protocol.Input:
		forward = s.state == Exchanging && s.cfg.Role == protocol.RoleHost
	}
	s.mu.Unlock()

	if !forward {
		s.log.Debug("event not dispatched", "event", ev.Type())
	}
	if forward && s.cfg.Handler != nil {
		s.cfg.Handler.HandleEvent(ev)
	}
	for _, n := range notes {
		s.notify(n)
	}
}

// countLocked advances the handshake for the first occurrence of an
// expected setup event and starts streaming once all arrived.
func (s *Session) countLocked(t protocol.Type, now time.Time, notes *[]Notification) {
	if s.state == Exchanging {
		return
	}
	expected := s.expected()
	for _, want := range expected {
		if want != t {
			continue
		}
		bit := uint32(1) << uint(t)
		if s.seen&bit != 0 {
			return
		}
		s.seen |= bit
		s.state++
		break
	}
	if s.state != Connected+State(len(expected)) {
		return
	}

	s.state = Exchanging
	s.streamingAt = now
	s.sendLocked(protocol.Begin{})
	if s.span != nil {
		s.span.SetStatus(codes.Ok, "")
		s.span.End(trace.WithTimestamp(now))
		s.span = nil
	}
	s.log.Info("handshake complete, streaming", "peer", s.peerName, "took", now.Sub(s.connectedAt))
	*notes = append(*notes, Notification{Kind: NotifyStreaming, Peer: s.peerName})
}

// SendMessage sends a chat message to the peer.
func (s *Session) SendMessage(id uint64, text string) error {
	m := protocol.Message{ID: id, Text: text}
	if err := m.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.state != Exchanging {
		return ErrNotExchanging
	}
	return s.cfg.Link.Send(m, protocol.Reliable)
}

// Close sends a goodbye if connected and tears the session down.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.state != Idle && s.cfg.Link.Connected() {
		s.sendLocked(protocol.Goodbye{})
	}
	n := Notification{Kind: NotifyDisconnected, Message: "session closed"}
	s.teardownLocked(n)
	s.mu.Unlock()
	s.deliverTeardown(n)
}

func (s *Session) teardownLocked(n Notification) {
	s.closed = true
	s.state = Idle
	s.seen = 0
	if s.span != nil {
		s.span.SetStatus(codes.Error, n.Message)
		s.span.End()
		s.span = nil
	}
	s.log.Info("session torn down", "kind", n.Kind, "reason", n.Message)
}

func (s *Session) deliverTeardown(n Notification) {
	n.SessionID = s.id
	if s.cfg.Handler != nil {
		s.cfg.Handler.HandleTeardown(n)
	}
	s.notify(n)
}

func (s *Session) notify(n Notification) {
	if s.cfg.Notify != nil {
		n.SessionID = s.id
		s.cfg.Notify(n)
	}
}
