// Package framecodec compresses indexed-color emulator frames into small
// binary packets. Frames are either self-contained keyframes or per-pixel
// deltas against the most recently published keyframe, which both the
// encoder and the decoder cache.
//
// Before packing, palette indices are remapped so the most frequently used
// colors get the smallest indices, which keeps the nibble varints short. The
// packed buffer is finally compressed with zstd.
package framecodec

import (
	"fmt"
	"sort"
)

const (
	// MaxColors is the palette capacity. Index 0xFF is reserved for MissingRow.
	MaxColors = 255

	// MissingRow marks pixels of rows that a downsampled frame did not carry.
	// The presentation stage interpolates them from neighbouring rows.
	MissingRow uint8 = 0xFF

	// MaxPixels bounds the frame geometry accepted by the codec.
	MaxPixels = 512 * 512

	// keyframeEvery is the keyframe cadence in sequence ids.
	keyframeEvery = 4
)

// DownsampleKind is the downsample flag carried in every packet.
type DownsampleKind uint32

// Downsample flag values. DownsampleAdaptive is OR'ed with DownsampleHalf when
// the downsampling was forced by the size budget rather than requested.
const (
	DownsampleNone     DownsampleKind = 0
	DownsampleHalf     DownsampleKind = 1
	DownsampleAdaptive DownsampleKind = 1 << 31
)

// Half reports whether only every other row is carried.
func (k DownsampleKind) Half() bool {
	return k&^DownsampleAdaptive == DownsampleHalf
}

// Adaptive reports whether the downsampling was temporary.
func (k DownsampleKind) Adaptive() bool {
	return k&DownsampleAdaptive != 0
}

func (k DownsampleKind) String() string {
	switch {
	case k == DownsampleNone:
		return "none"
	case k.Half() && k.Adaptive():
		return "half-adaptive"
	case k.Half():
		return "half"
	default:
		return fmt.Sprintf("unknown(%#x)", uint32(k))
	}
}

// ColorUsage is the pixel count of one palette index.
type ColorUsage struct {
	Index uint8
	Count int
}

// Frame is one rendered emulator frame. Pixels holds one palette index per
// pixel in row-major order.
type Frame struct {
	Width      int
	Height     int
	Pixels     []uint8
	Palette    []uint32
	BurstPhase uint32

	// Usage optionally carries the frame source's color usage table. When
	// nil, the codec counts usage itself.
	Usage []ColorUsage
}

// Validate checks the frame geometry and palette bounds.
func (f *Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("framecodec: invalid geometry %dx%d", f.Width, f.Height)
	}
	if f.Width*f.Height > MaxPixels {
		return fmt.Errorf("framecodec: frame %dx%d exceeds %d pixels", f.Width, f.Height, MaxPixels)
	}
	if len(f.Pixels) != f.Width*f.Height {
		return fmt.Errorf("framecodec: have %d pixels, want %d", len(f.Pixels), f.Width*f.Height)
	}
	if len(f.Palette) > 256 {
		return fmt.Errorf("framecodec: palette has %d entries", len(f.Palette))
	}
	return nil
}

// CountUsage returns the color usage table for pixels, sorted by descending
// count. Ties are broken by ascending index so the order is deterministic.
func CountUsage(pixels []uint8) []ColorUsage {
	var counts [256]int
	for _, p := range pixels {
		counts[p]++
	}

	usage := make([]ColorUsage, 0, 16)
	for i, c := range counts {
		if c > 0 {
			usage = append(usage, ColorUsage{Index: uint8(i), Count: c})
		}
	}
	sortUsage(usage)
	return usage
}

func sortUsage(usage []ColorUsage) {
	sort.SliceStable(usage, func(i, j int) bool {
		if usage[i].Count != usage[j].Count {
			return usage[i].Count > usage[j].Count
		}
		return usage[i].Index < usage[j].Index
	})
}

// Decoded is a reconstructed frame. Pixels use the remapped indices of
// Palette; rows that a downsampled packet did not carry hold MissingRow.
type Decoded struct {
	Seq        uint64
	Width      int
	Height     int
	Pixels     []uint8
	Palette    []uint32
	BurstPhase uint32
	Downsample DownsampleKind
	Keyframe   bool
}

// RGBA returns the color of pixel (x, y) and false for a missing row.
func (d *Decoded) RGBA(x, y int) (uint32, bool) {
	p := d.Pixels[y*d.Width+x]
	if p == MissingRow || int(p) >= len(d.Palette) {
		return 0, false
	}
	return d.Palette[p], true
}
