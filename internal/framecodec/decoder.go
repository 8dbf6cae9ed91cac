package framecodec

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/zsiec/farplay/internal/nibble"
)

// Decoder reconstructs frames from packets produced by an Encoder. It keeps
// its own copy of the most recent full-resolution keyframe.
type Decoder struct {
	log  *slog.Logger
	zdec *zstd.Decoder

	mu      sync.Mutex
	width   int
	height  int
	lastSeq uint64
	cache   keyframe
}

// NewDecoder creates a Decoder. SetGeometry must be called before the first
// Decode.
func NewDecoder(log *slog.Logger) (*Decoder, error) {
	if log == nil {
		log = slog.Default()
	}
	zdec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(maxPacketSize),
	)
	if err != nil {
		return nil, fmt.Errorf("framecodec: create zstd decoder: %w", err)
	}
	return &Decoder{
		log:  log.With("component", "frame-decoder"),
		zdec: zdec,
	}, nil
}

// SetGeometry configures the frame size announced by the host. A change in
// geometry discards the keyframe cache.
func (d *Decoder) SetGeometry(width, height int) error {
	if width <= 0 || height <= 0 || width*height > MaxPixels {
		return fmt.Errorf("framecodec: invalid geometry %dx%d", width, height)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.width != width || d.height != height {
		d.cache.id = 0
	}
	d.width = width
	d.height = height
	return nil
}

// Reset discards the keyframe cache and the last applied sequence id.
func (d *Decoder) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache.id = 0
	d.lastSeq = 0
}

// CachedKeyframe returns the id of the cached keyframe, or 0.
func (d *Decoder) CachedKeyframe() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.id
}

// Decode reconstructs the frame carried by data. Any error means the frame
// must be dropped; the decoder state is unchanged in that case.
func (d *Decoder) Decode(data []byte, seq uint64) (*Decoded, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.width == 0 || d.height == 0 {
		return nil, ErrNoGeometry
	}
	if seq <= d.lastSeq {
		return nil, ErrStale
	}

	raw, err := d.zdec.DecodeAll(data, nil)
	if err != nil {
		return nil, &ParseError{Field: "compression", Err: errors.Join(ErrCorrupt, err)}
	}

	h, err := parseHeader(raw)
	if err != nil {
		return nil, err
	}
	if h.Colors == 0 || h.Colors > MaxColors {
		return nil, corrupt("colors", "%d used colors", h.Colors)
	}
	base := h.Downsample &^ DownsampleAdaptive
	if base > DownsampleHalf {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, h.Downsample)
	}
	half := base == DownsampleHalf
	if h.RefID != 0 && h.RefID != d.cache.id {
		return nil, fmt.Errorf("%w: packet references %d, cache holds %d", ErrCacheMiss, h.RefID, d.cache.id)
	}

	w, hgt := d.width, d.height
	pixels := make([]uint8, w*hgt)
	r := nibble.NewReader(raw[HeaderSize:])

	step := 1
	if half {
		step = 2
	}
	for y := 0; y < hgt; y += step {
		row := pixels[y*w : (y+1)*w]
		if h.RefID == 0 {
			for x := range row {
				v := r.Uleb()
				if v >= h.Colors {
					return nil, corrupt("pixels", "index %d at (%d,%d) exceeds %d colors", v, x, y, h.Colors)
				}
				row[x] = uint8(v)
			}
			continue
		}
		ref := d.cache.pixels[y*w : (y+1)*w]
		for x := range row {
			v := int32(ref[x]) + r.Sleb()
			if v < 0 || v >= int32(h.Colors) {
				return nil, corrupt("pixels", "reconstructed index %d at (%d,%d)", v, x, y)
			}
			row[x] = uint8(v)
		}
	}
	if r.Overflow() {
		return nil, corrupt("pixels", "pixel stream overruns packet")
	}
	if half {
		for y := 1; y < hgt; y += 2 {
			row := pixels[y*w : (y+1)*w]
			for x := range row {
				row[x] = MissingRow
			}
		}
	}

	r.Align()
	off := HeaderSize + r.Consumed()
	need := int(h.Colors) * 4
	if len(raw)-off < need {
		return nil, corrupt("palette", "have %d bytes, need %d", len(raw)-off, need)
	}
	palette := parsePalette(raw[off:], int(h.Colors))

	out := &Decoded{
		Seq:        seq,
		Width:      w,
		Height:     hgt,
		Pixels:     pixels,
		Palette:    palette,
		BurstPhase: h.BurstPhase,
		Downsample: h.Downsample,
		Keyframe:   h.RefID == 0,
	}

	if h.RefID == 0 && !half {
		d.cache.id = seq
		d.cache.width = w
		d.cache.height = hgt
		d.cache.pixels = append(d.cache.pixels[:0], pixels...)
		d.cache.palette = append(d.cache.palette[:0], palette...)
	}
	d.lastSeq = seq
	return out, nil
}
