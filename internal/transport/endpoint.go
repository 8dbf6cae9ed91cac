package transport

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/farplay/internal/protocol"
)

// endpoint is the state shared by every transport: the receive queues, the
// byte meters and the delivery counters.
type endpoint struct {
	log  *slog.Logger
	kind string
	in   *inbox
	sent *Meter
	recv *Meter

	sendDropped atomic.Int64
	parseErrors atomic.Int64
	refused     atomic.Int64
	closed      atomic.Bool
}

func newEndpoint(kind string, queues QueueConfig, now func() time.Time, log *slog.Logger) *endpoint {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", kind+"-transport")
	return &endpoint{
		log:  log,
		kind: kind,
		in:   newInbox(queues, log),
		sent: NewMeter(DefaultMeterWindow, now),
		recv: NewMeter(DefaultMeterWindow, now),
	}
}

// receive parses one wire event and enqueues it. Unparseable input is
// counted and dropped.
func (e *endpoint) receive(data []byte) {
	e.recv.Record(len(data))
	ev, err := protocol.Unmarshal(data)
	if err != nil {
		e.parseErrors.Add(1)
		e.log.Debug("dropping malformed event", "bytes", len(data), "error", err)
		return
	}
	e.deliver(ev)
}

func (e *endpoint) deliver(ev protocol.Event) {
	if ev.Type() == protocol.TypeTransportError {
		// Peers cannot inject local failures.
		e.parseErrors.Add(1)
		return
	}
	e.in.deliver(ev)
}

// fail surfaces a connection failure to the session layer.
func (e *endpoint) fail(msg string) {
	if e.closed.Load() {
		return
	}
	e.log.Warn("connection failed", "reason", msg)
	e.in.deliver(protocol.TransportError{Message: msg})
}

func (e *endpoint) TryRecvEvent() (protocol.Event, bool) { return e.in.nextEvent() }
func (e *endpoint) TryRecvFrame() (protocol.Frame, bool) { return e.in.nextFrame() }
func (e *endpoint) TryRecvAudio() (protocol.Audio, bool) { return e.in.nextAudio() }
func (e *endpoint) SendRate() float64                    { return e.sent.Rate() }
func (e *endpoint) ReceiveRate() float64                 { return e.recv.Rate() }

func (e *endpoint) stats(connected bool, peer string) Stats {
	events, frames, audio := e.in.depth()
	return Stats{
		Kind:            e.kind,
		Connected:       connected,
		Peer:            peer,
		BytesSent:       e.sent.Total(),
		BytesReceived:   e.recv.Total(),
		SendRate:        e.sent.Rate(),
		ReceiveRate:     e.recv.Rate(),
		SendDropped:     e.sendDropped.Load(),
		ReceiveDropped:  e.in.dropped.Load(),
		ParseErrors:     e.parseErrors.Load(),
		QueuedEvents:    events,
		QueuedFrames:    frames,
		QueuedAudio:     audio,
		RefusedSessions: e.refused.Load(),
	}
}

// outItem is one event waiting for a connection writer.
type outItem struct {
	ev protocol.Event
	ch protocol.Channel
}

// outbox holds the send queues of one attached peer. A new outbox is made
// for every connection so nothing stale leaks to the next peer.
type outbox struct {
	peer       string
	reliable   chan outItem
	unreliable chan outItem
	done       chan struct{}
	closeOnce  sync.Once
}

func newOutbox(peer string, size int) *outbox {
	return &outbox{
		peer:       peer,
		reliable:   make(chan outItem, size),
		unreliable: make(chan outItem, size),
		done:       make(chan struct{}),
	}
}

func (o *outbox) close() {
	o.closeOnce.Do(func() { close(o.done) })
}

// peerSlot tracks the single attached peer of a network transport.
type peerSlot struct {
	ep    *endpoint
	queue int

	mu  sync.Mutex
	cur *outbox
}

// attach installs a new peer. It fails if one is already attached.
func (s *peerSlot) attach(peer string) (*outbox, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		return nil, false
	}
	s.ep.in.reset()
	s.cur = newOutbox(peer, s.queue)
	return s.cur, true
}

// detach removes ob if it is still current. A non-empty reason is
// surfaced as a TransportError.
func (s *peerSlot) detach(ob *outbox, reason string) {
	s.mu.Lock()
	current := s.cur == ob
	if current {
		s.cur = nil
	}
	s.mu.Unlock()

	ob.close()
	if current && reason != "" {
		s.ep.fail(reason)
	}
}

// disconnect detaches the current peer without raising a TransportError.
func (s *peerSlot) disconnect() {
	if ob := s.current(); ob != nil {
		s.ep.log.Info("dropping peer", "peer", ob.peer)
		s.detach(ob, "")
	}
}

func (s *peerSlot) current() *outbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

func (s *peerSlot) connected() bool {
	return !s.ep.closed.Load() && s.current() != nil
}

func (s *peerSlot) peer() string {
	if ob := s.current(); ob != nil {
		return ob.peer
	}
	return ""
}

// send queues ev for the current peer without blocking. Unreliable items are
// dropped on overflow; a reliable overflow breaks the connection because the
// peer would otherwise miss state.
func (s *peerSlot) send(ev protocol.Event, ch protocol.Channel) error {
	if s.ep.closed.Load() {
		return ErrClosed
	}
	if err := checkSendable(ev); err != nil {
		return err
	}
	ob := s.current()
	if ob == nil {
		return ErrNotConnected
	}

	item := outItem{ev: ev, ch: ch}
	if ch == protocol.Unreliable {
		select {
		case ob.unreliable <- item:
		default:
			s.ep.sendDropped.Add(1)
		}
		return nil
	}
	select {
	case ob.reliable <- item:
		return nil
	default:
		s.detach(ob, "send queue overflow")
		return ErrQueueFull
	}
}
