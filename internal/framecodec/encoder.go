package framecodec

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zsiec/farplay/internal/nibble"
)

// DefaultKeyframeWait bounds how long a delta frame waits for an in-flight
// keyframe build before it is dropped.
const DefaultKeyframeWait = 5 * time.Second

// keyframeEMAWeight is the weight of the previous average in the keyframe
// size moving average.
const keyframeEMAWeight = 0.8

// EncoderConfig holds the parameters for creating an Encoder.
type EncoderConfig struct {
	// KeyframeWait defaults to DefaultKeyframeWait.
	KeyframeWait time.Duration
	Log          *slog.Logger
}

// keyframe is the cached reference frame in remapped form.
type keyframe struct {
	id      uint64
	gen     uint64 // build order; an older build never replaces a newer one
	width   int
	height  int
	pixels  []uint8
	palette []uint32
}

// scratch holds reusable buffers for one encode call.
type scratch struct {
	pixels []byte
	packed []byte
}

// Encoder turns frames into compressed packets. It is safe for concurrent use;
// keyframe builds hold the cache exclusively while delta frames read it.
type Encoder struct {
	log          *slog.Logger
	zenc         *zstd.Encoder
	keyframeWait time.Duration
	scratch      sync.Pool

	// mu guards the fields below.
	mu          sync.Mutex
	building    int           // keyframe builds in flight
	published   chan struct{} // closed when the last in-flight build ends
	builds      uint64
	stop        chan struct{}
	stopped     bool
	cacheID     uint64
	cacheWidth  int
	cacheHeight int
	downsample  bool
	budget      int
	keyframeAvg float64

	// cacheMu guards cache. Keyframe builds hold it for writing during the
	// whole pixel pass.
	cacheMu sync.RWMutex
	cache   keyframe
}

// NewEncoder creates an Encoder with an empty keyframe cache.
func NewEncoder(cfg EncoderConfig) (*Encoder, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	wait := cfg.KeyframeWait
	if wait <= 0 {
		wait = DefaultKeyframeWait
	}

	zenc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("framecodec: create zstd encoder: %w", err)
	}

	e := &Encoder{
		log:          log.With("component", "frame-encoder"),
		zenc:         zenc,
		keyframeWait: wait,
		stop:         make(chan struct{}),
	}
	e.scratch.New = func() any {
		return &scratch{
			pixels: make([]byte, 0, 32<<10),
			packed: make([]byte, 0, 32<<10),
		}
	}
	return e, nil
}

// SetBudget sets the compressed size budget in bytes. Zero disables adaptive
// downsampling.
func (e *Encoder) SetBudget(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n < 0 {
		n = 0
	}
	e.budget = n
}

// Budget returns the current compressed size budget.
func (e *Encoder) Budget() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.budget
}

// SetDownsample toggles user-requested half vertical resolution.
func (e *Encoder) SetDownsample(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.downsample = on
}

// Downsampling reports whether user-requested downsampling is active.
func (e *Encoder) Downsampling() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.downsample
}

// KeyframeSizeAverage returns the moving average of compressed keyframe sizes.
func (e *Encoder) KeyframeSizeAverage() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.keyframeAvg
}

// Stop makes pending and future Encode calls return no data. Delta frames
// blocked on a keyframe build wake immediately.
func (e *Encoder) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.stopped {
		e.stopped = true
		close(e.stop)
	}
}

// Reset discards the keyframe cache so the next frame becomes a keyframe.
func (e *Encoder) Reset() {
	e.cacheMu.Lock()
	e.cache.id = 0
	e.cacheMu.Unlock()

	e.mu.Lock()
	e.cacheID = 0
	e.mu.Unlock()
}

// Encode compresses frame f with sequence id seq. It returns false when no
// packet was produced: a degenerate frame, a keyframe wait timeout, a stopped
// encoder, or a frame the codec cannot represent. None of these are errors;
// the frame is simply dropped.
func (e *Encoder) Encode(f *Frame, seq uint64) ([]byte, bool) {
	if f == nil || seq == 0 {
		return nil, false
	}
	if err := f.Validate(); err != nil {
		e.log.Debug("frame rejected", "seq", seq, "error", err)
		return nil, false
	}

	rt, ok := buildRemap(f)
	if !ok {
		e.log.Debug("no encodable colors", "seq", seq)
		return nil, false
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, false
	}
	downsample := e.downsample
	budget := e.budget
	geometryChanged := e.cacheWidth != f.Width || e.cacheHeight != f.Height
	isKeyframe := downsample ||
		(seq-1)%keyframeEvery == 0 ||
		(e.building == 0 && (e.cacheID == 0 || geometryChanged))

	switch {
	case isKeyframe && downsample:
		e.mu.Unlock()
		return e.encodeHalfKeyframe(f, &rt)

	case isKeyframe:
		if e.building == 0 {
			e.published = make(chan struct{})
		}
		e.building++
		e.builds++
		gen := e.builds
		e.mu.Unlock()

		out := e.encodeKeyframe(f, &rt, seq, gen)

		e.cacheMu.RLock()
		id, width, height := e.cache.id, e.cache.width, e.cache.height
		e.cacheMu.RUnlock()

		e.mu.Lock()
		e.cacheID, e.cacheWidth, e.cacheHeight = id, width, height
		if out != nil {
			e.updateKeyframeAverage(len(out))
		}
		e.building--
		if e.building == 0 {
			close(e.published)
		}
		e.mu.Unlock()
		return out, out != nil
	}

	if e.building > 0 {
		timer := time.NewTimer(e.keyframeWait)
		defer timer.Stop()
		for e.building > 0 {
			published, stop := e.published, e.stop
			e.mu.Unlock()
			select {
			case <-published:
			case <-stop:
				return nil, false
			case <-timer.C:
				e.log.Debug("keyframe wait timed out, dropping frame", "seq", seq)
				return nil, false
			}
			e.mu.Lock()
			if e.stopped {
				e.mu.Unlock()
				return nil, false
			}
		}
	}
	e.mu.Unlock()

	return e.encodeDelta(f, &rt, budget)
}

func (e *Encoder) updateKeyframeAverage(size int) {
	if e.keyframeAvg == 0 {
		e.keyframeAvg = float64(size)
		return
	}
	e.keyframeAvg = keyframeEMAWeight*e.keyframeAvg + (1-keyframeEMAWeight)*float64(size)
}

// encodeKeyframe writes every remapped index with the unsigned codec and
// stores it into the cache in the same pass. When overlapping builds finish
// out of order, the older one still yields a packet but leaves the cache to
// the newer one.
func (e *Encoder) encodeKeyframe(f *Frame, rt *remapTable, seq, gen uint64) []byte {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	s := e.scratch.Get().(*scratch)
	defer e.scratch.Put(s)

	c := &e.cache
	store := gen > c.gen
	if store {
		c.id = 0
		c.gen = gen
		if cap(c.pixels) < len(f.Pixels) {
			c.pixels = make([]uint8, len(f.Pixels))
		}
		c.pixels = c.pixels[:len(f.Pixels)]
	}

	w := nibble.NewWriter(s.pixels)
	for i, p := range f.Pixels {
		idx := rt.index[p]
		if idx == unassigned {
			e.log.Debug("pixel uses a color missing from the usage table", "seq", seq, "index", p)
			return nil
		}
		if store {
			c.pixels[i] = idx
		}
		w.PutUleb(uint32(idx))
	}
	s.pixels = w.Bytes()

	if store {
		c.palette = append(c.palette[:0], rt.palette...)
		c.width = f.Width
		c.height = f.Height
		c.id = seq
	}

	return e.pack(s, header{
		BurstPhase: f.BurstPhase,
		Downsample: DownsampleNone,
		Colors:     uint32(rt.colors()),
	}, rt.palette)
}

// encodeHalfKeyframe produces a self-contained packet of the even rows. These
// packets never become a keyframe reference.
func (e *Encoder) encodeHalfKeyframe(f *Frame, rt *remapTable) ([]byte, bool) {
	s := e.scratch.Get().(*scratch)
	defer e.scratch.Put(s)

	w := nibble.NewWriter(s.pixels)
	for y := 0; y < f.Height; y += 2 {
		for _, p := range f.Pixels[y*f.Width : (y+1)*f.Width] {
			idx := rt.index[p]
			if idx == unassigned {
				return nil, false
			}
			w.PutUleb(uint32(idx))
		}
	}
	s.pixels = w.Bytes()

	out := e.pack(s, header{
		BurstPhase: f.BurstPhase,
		Downsample: DownsampleHalf,
		Colors:     uint32(rt.colors()),
	}, rt.palette)
	return out, true
}

// encodeDelta writes signed differences against the cached keyframe. When
// the compressed result exceeds budget, it retries once with the even rows
// only and the adaptive downsample flag set.
func (e *Encoder) encodeDelta(f *Frame, rt *remapTable, budget int) ([]byte, bool) {
	e.cacheMu.RLock()
	defer e.cacheMu.RUnlock()

	c := &e.cache
	if c.id == 0 || c.width != f.Width || c.height != f.Height {
		return nil, false
	}

	s := e.scratch.Get().(*scratch)
	defer e.scratch.Put(s)

	kind := DownsampleNone
	rowStep := 1
	for attempt := 0; attempt < 2; attempt++ {
		w := nibble.NewWriter(s.pixels)
		for y := 0; y < f.Height; y += rowStep {
			row := f.Pixels[y*f.Width : (y+1)*f.Width]
			ref := c.pixels[y*f.Width : (y+1)*f.Width]
			for x, p := range row {
				idx := rt.index[p]
				if idx == unassigned {
					return nil, false
				}
				w.PutSleb(int32(idx) - int32(ref[x]))
			}
		}
		s.pixels = w.Bytes()

		out := e.pack(s, header{
			RefID:      c.id,
			BurstPhase: f.BurstPhase,
			Downsample: kind,
			Colors:     uint32(rt.colors()),
		}, rt.palette)

		if budget <= 0 || len(out) <= budget || attempt == 1 {
			return out, true
		}

		e.log.Debug("frame over budget, retrying downsampled",
			"size", len(out), "budget", budget, "ref", c.id)
		kind = DownsampleHalf | DownsampleAdaptive
		rowStep = 2
	}
	return nil, false
}

// pack lays out header, pixel stream and palette in s.packed and compresses
// the result into a fresh slice.
func (e *Encoder) pack(s *scratch, h header, palette []uint32) []byte {
	buf := h.appendTo(s.packed[:0])
	buf = append(buf, s.pixels...)
	buf = appendPalette(buf, palette)
	s.packed = buf
	return e.zenc.EncodeAll(buf, nil)
}
