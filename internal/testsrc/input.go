package testsrc

import (
	"sync"

	"github.com/zsiec/farplay/internal/protocol"
)

// Script replays a fixed sequence of button states, holding each for a
// number of polls and looping at the end.
type Script struct {
	port  uint8
	steps []uint32
	hold  int

	mu   sync.Mutex
	poll int
}

// NewScript returns a Script for port that holds each state for hold polls.
func NewScript(port uint8, hold int, states ...uint32) *Script {
	if len(states) == 0 {
		states = []uint32{0}
	}
	return &Script{port: port, steps: states, hold: max(hold, 1)}
}

// PollInput returns the scripted state for this poll.
func (s *Script) PollInput() protocol.Input {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.steps[(s.poll/s.hold)%len(s.steps)]
	s.poll++
	return protocol.Input{Port: s.port, Buttons: state}
}

// Pad is an input sink that keeps the latest state per port.
type Pad struct {
	mu      sync.Mutex
	state   map[uint8]protocol.Input
	applied int
	resets  int
}

// NewPad returns an empty Pad.
func NewPad() *Pad {
	return &Pad{state: make(map[uint8]protocol.Input)}
}

func (p *Pad) ApplyInput(in protocol.Input) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.state[in.Port]; ok && in.Frame < cur.Frame {
		return
	}
	p.state[in.Port] = in
	p.applied++
}

func (p *Pad) ResetInput() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.state)
	p.resets++
}

// State returns the latest input of port.
func (p *Pad) State(port uint8) (protocol.Input, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	in, ok := p.state[port]
	return in, ok
}

// Counts returns the number of applied inputs and resets.
func (p *Pad) Counts() (applied, resets int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applied, p.resets
}
