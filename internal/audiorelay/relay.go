// Package audiorelay buffers PCM audio between the network and the local
// audio output. The host mixes the client's voice into its game audio; the
// client copies the host's audio straight to its output. Only 16-bit mono
// little-endian PCM is supported.
package audiorelay

import (
	"encoding/binary"
	"sync"
)

// attenuateAbove is the remote sample magnitude above which the local sample
// is attenuated before mixing.
const attenuateAbove = 16384

// Mode selects how drained bytes are combined with the output.
type Mode int

const (
	// Copy overwrites the output with relayed audio (client).
	Copy Mode = iota
	// Mix adds relayed audio to the samples already in the output (host).
	Mix
)

func (m Mode) String() string {
	if m == Mix {
		return "mix"
	}
	return "copy"
}

// Relay is a two-buffer PCM relay. Push appends to the active buffer; Drain
// consumes from it and carries the remainder over to the other buffer, so
// bytes are only ever dropped by Reset.
type Relay struct {
	mode Mode

	mu     sync.Mutex
	bufs   [2][]byte
	active int
	rec    *Recorder
}

// New creates an empty Relay.
func New(mode Mode) *Relay {
	return &Relay{mode: mode}
}

// Mode returns the drain mode.
func (r *Relay) Mode() Mode { return r.mode }

// SetRecorder tees drained audio into rec. A nil rec stops recording.
func (r *Relay) SetRecorder(rec *Recorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rec = rec
}

// Push appends PCM bytes to the active buffer.
func (r *Relay) Push(b []byte) {
	if len(b) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bufs[r.active] = append(r.bufs[r.active], b...)
}

// Drain fills each output slice in order with up to the available bytes and
// returns the total number of bytes drained. In Mix mode only whole samples
// are consumed.
func (r *Relay) Drain(out ...[]byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	src := r.bufs[r.active]
	off := 0
	for _, o := range out {
		n := min(len(src)-off, len(o))
		if r.mode == Mix {
			n &^= 1
			mixPCM(o[:n], src[off:off+n])
		} else {
			copy(o, src[off:off+n])
		}
		off += n
	}

	if r.rec != nil && off > 0 {
		r.rec.Write(src[:off])
	}

	other := 1 - r.active
	r.bufs[other] = append(r.bufs[other], src[off:]...)
	r.bufs[r.active] = src[:0]
	r.active = other
	return off
}

// Buffered returns the number of bytes waiting in both buffers.
func (r *Relay) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bufs[0]) + len(r.bufs[1])
}

// Reset discards all buffered audio.
func (r *Relay) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bufs[0] = r.bufs[0][:0]
	r.bufs[1] = r.bufs[1][:0]
	r.active = 0
}

// mixPCM adds remote samples into local in place. A loud remote sample
// attenuates the local one by 20% first; sums are clamped to int16.
func mixPCM(local, remote []byte) {
	for i := 0; i+1 < len(local); i += 2 {
		l := int32(int16(binary.LittleEndian.Uint16(local[i:])))
		rs := int32(int16(binary.LittleEndian.Uint16(remote[i:])))
		if rs > attenuateAbove || rs < -attenuateAbove {
			l = l * 4 / 5
		}
		binary.LittleEndian.PutUint16(local[i:], uint16(clamp16(l+rs)))
	}
}

func clamp16(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	default:
		return int16(v)
	}
}
