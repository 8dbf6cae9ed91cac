// Package testsrc provides synthetic collaborators for running an engine
// without an emulator: a moving test pattern, a sine tone, a scripted
// controller and recording sinks.
package testsrc

import (
	"math"
	"sync"

	"github.com/zsiec/farplay/internal/framecodec"
)

// barColors is the number of vertical color bars in the pattern.
const barColors = 8

// Pattern renders color bars with a bouncing box. Each CurrentFrame call
// advances the animation by one frame.
type Pattern struct {
	width, height int
	palette       []uint32

	mu    sync.Mutex
	frame int
	x, y  int
	dx    int
	dy    int
}

// NewPattern returns a Pattern of the given geometry.
func NewPattern(width, height int) *Pattern {
	return &Pattern{
		width:   width,
		height:  height,
		palette: Palette(barColors + 2),
		dx:      1,
		dy:      1,
	}
}

// Palette returns n RGBA colors spread evenly around the hue circle, with
// the last two entries black and white.
func Palette(n int) []uint32 {
	p := make([]uint32, n)
	hues := n - 2
	for i := 0; i < hues; i++ {
		p[i] = hueToRGBA(float64(i) / float64(hues))
	}
	p[n-2] = 0xFF000000
	p[n-1] = 0xFFFFFFFF
	return p
}

func hueToRGBA(h float64) uint32 {
	channel := func(offset float64) uint32 {
		v := math.Abs(math.Mod(h*6+offset, 6)-3) - 1
		v = math.Max(0, math.Min(1, v))
		return uint32(v * 255)
	}
	r, g, b := channel(0), channel(4), channel(2)
	return 0xFF000000 | b<<16 | g<<8 | r
}

// CurrentFrame renders the next animation frame.
func (p *Pattern) CurrentFrame() *framecodec.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()

	f := &framecodec.Frame{
		Width:      p.width,
		Height:     p.height,
		Pixels:     make([]uint8, p.width*p.height),
		Palette:    p.palette,
		BurstPhase: uint32(p.frame & 1),
	}

	barWidth := max(p.width/barColors, 1)
	for y := 0; y < p.height; y++ {
		row := f.Pixels[y*p.width : (y+1)*p.width]
		for x := range row {
			row[x] = uint8(min(x/barWidth, barColors-1))
		}
	}

	box := max(min(p.width, p.height)/8, 1)
	black, white := uint8(barColors), uint8(barColors+1)
	for y := p.y; y < min(p.y+box, p.height); y++ {
		for x := p.x; x < min(p.x+box, p.width); x++ {
			c := white
			if x == p.x || y == p.y {
				c = black
			}
			f.Pixels[y*p.width+x] = c
		}
	}

	p.advanceLocked(box)
	return f
}

func (p *Pattern) advanceLocked(box int) {
	p.frame++
	p.x += p.dx
	p.y += p.dy
	if p.x <= 0 || p.x+box >= p.width {
		p.dx = -p.dx
		p.x = max(0, min(p.x, p.width-box))
	}
	if p.y <= 0 || p.y+box >= p.height {
		p.dy = -p.dy
		p.y = max(0, min(p.y, p.height-box))
	}
}

// Screen records presented frames.
type Screen struct {
	mu    sync.Mutex
	count int
	last  *framecodec.Decoded
}

// PresentFrame stores f as the latest frame.
func (s *Screen) PresentFrame(f *framecodec.Decoded) {
	s.mu.Lock()
	s.count++
	s.last = f
	s.mu.Unlock()
}

// Last returns the latest presented frame and the number presented so far.
func (s *Screen) Last() (*framecodec.Decoded, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.count
}
