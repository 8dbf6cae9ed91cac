package audiorelay

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Recorder writes relayed PCM to a WAV file for diagnostics.
type Recorder struct {
	log *slog.Logger

	mu      sync.Mutex
	enc     *wav.Encoder
	buf     *audio.IntBuffer
	samples int64
	err     error
}

// NewRecorder creates a Recorder writing 16-bit mono WAV at sampleRate to ws.
func NewRecorder(ws io.WriteSeeker, sampleRate int, log *slog.Logger) (*Recorder, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audiorelay: invalid sample rate %d", sampleRate)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		log: log.With("component", "audio-recorder"),
		enc: wav.NewEncoder(ws, sampleRate, 16, 1, 1),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
			SourceBitDepth: 16,
		},
	}, nil
}

// Write appends PCM bytes. A trailing odd byte is ignored. After the first
// encoder error further writes are dropped and the error is kept for Close.
func (r *Recorder) Write(pcm []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil || r.enc == nil {
		return
	}

	n := len(pcm) / 2
	if cap(r.buf.Data) < n {
		r.buf.Data = make([]int, n)
	}
	r.buf.Data = r.buf.Data[:n]
	for i := range r.buf.Data {
		r.buf.Data[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	if err := r.enc.Write(r.buf); err != nil {
		r.err = fmt.Errorf("audiorelay: write wav: %w", err)
		r.log.Warn("recording stopped", "error", err)
		return
	}
	r.samples += int64(n)
}

// Samples returns the number of samples written.
func (r *Recorder) Samples() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.samples
}

// Close finalizes the WAV header. It does not close the underlying writer.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enc == nil {
		return r.err
	}
	err := r.enc.Close()
	r.enc = nil
	if r.err != nil {
		return r.err
	}
	if err != nil {
		return fmt.Errorf("audiorelay: close wav: %w", err)
	}
	return nil
}
