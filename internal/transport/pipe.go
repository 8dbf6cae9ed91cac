package transport

import (
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/farplay/internal/protocol"
)

// PipeConfig configures NewPipe.
type PipeConfig struct {
	Queues QueueConfig
	Now    func() time.Time
	Log    *slog.Logger
}

// Pipe is one end of an in-memory transport pair. Every event is marshaled
// and parsed again so the wire codec is exercised exactly as on a network.
type Pipe struct {
	*endpoint
	name string

	mu     sync.Mutex
	peer   *Pipe
	linked bool
	loss   func(protocol.Event) bool
}

var (
	_ Transport    = (*Pipe)(nil)
	_ Disconnector = (*Pipe)(nil)
)

// NewPipe returns two connected ends.
func NewPipe(cfg PipeConfig) (*Pipe, *Pipe) {
	a := &Pipe{endpoint: newEndpoint("pipe", cfg.Queues, cfg.Now, cfg.Log), name: "pipe-a", linked: true}
	b := &Pipe{endpoint: newEndpoint("pipe", cfg.Queues, cfg.Now, cfg.Log), name: "pipe-b", linked: true}
	a.peer, b.peer = b, a
	return a, b
}

// SetLoss installs a filter that drops outgoing unreliable events for which
// it returns true. Used to simulate a lossy link.
func (p *Pipe) SetLoss(drop func(protocol.Event) bool) {
	p.mu.Lock()
	p.loss = drop
	p.mu.Unlock()
}

// Send marshals ev and hands it to the other end.
func (p *Pipe) Send(ev protocol.Event, ch protocol.Channel) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := checkSendable(ev); err != nil {
		return err
	}
	p.mu.Lock()
	peer, linked, loss := p.peer, p.linked, p.loss
	p.mu.Unlock()
	if !linked {
		return ErrNotConnected
	}

	data, err := protocol.Marshal(ev)
	if err != nil {
		return err
	}
	p.sent.Record(len(data))
	if ch == protocol.Unreliable && loss != nil && loss(ev) {
		p.sendDropped.Add(1)
		return nil
	}
	peer.receive(data)
	return nil
}

func (p *Pipe) Connected() bool {
	if p.closed.Load() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.linked
}

// Close disconnects both ends. The other end sees a TransportError.
func (p *Pipe) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.unlink()
	return nil
}

// Disconnect unlinks both ends without closing this one and discards what
// this end has not yet received. A pipe cannot be linked again.
func (p *Pipe) Disconnect() {
	if p.unlink() {
		p.in.reset()
	}
}

// unlink breaks the link and notifies the other end. It reports whether the
// link was up.
func (p *Pipe) unlink() bool {
	p.mu.Lock()
	peer, was := p.peer, p.linked
	p.linked = false
	p.mu.Unlock()

	peer.mu.Lock()
	peerLinked := peer.linked
	peer.linked = false
	peer.mu.Unlock()
	if peerLinked {
		peer.fail("peer closed")
	}
	return was
}

func (p *Pipe) Stats() Stats {
	return p.stats(p.Connected(), p.peer.name)
}
