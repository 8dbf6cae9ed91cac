package testsrc

import (
	"encoding/binary"
	"math"
	"sync"
)

// Tone generates a 16-bit mono sine wave.
type Tone struct {
	step      float64
	amplitude float64

	mu    sync.Mutex
	phase float64
}

// NewTone returns a sine of freq Hz at sampleRate. Amplitude is a fraction
// of full scale.
func NewTone(freq float64, sampleRate int, amplitude float64) *Tone {
	return &Tone{
		step:      2 * math.Pi * freq / float64(sampleRate),
		amplitude: math.Max(0, math.Min(1, amplitude)) * math.MaxInt16,
	}
}

// ReadPCM fills p with whole samples and returns the bytes written.
func (t *Tone) ReadPCM(p []byte) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(p) &^ 1
	for i := 0; i < n; i += 2 {
		s := int16(t.amplitude * math.Sin(t.phase))
		binary.LittleEndian.PutUint16(p[i:], uint16(s))
		t.phase += t.step
		if t.phase >= 2*math.Pi {
			t.phase -= 2 * math.Pi
		}
	}
	return n
}
