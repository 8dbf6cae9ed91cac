// Package nibble implements the 4-bit variable-length integer codec used to
// pack one color index per pixel in compressed frames. Nibbles are packed two
// per byte, low nibble first, so values are independent of byte alignment.
//
// Each nibble carries 3 payload bits (least significant group first) and a
// continuation flag in bit 3.
package nibble

const (
	payloadMask  = 0x07
	continueFlag = 0x08
	signBit      = 0x04

	// MaxGroups caps decoding at 4 nibbles (12 payload bits) so corrupted
	// streams cannot cause runaway reads.
	MaxGroups = 4
)

// Writer appends nibble varints to a byte slice.
type Writer struct {
	data []byte
	half bool // true when the last byte has only its low nibble filled
}

// NewWriter returns a Writer that appends to buf[:0], reusing its capacity.
func NewWriter(buf []byte) *Writer {
	return &Writer{data: buf[:0]}
}

// Reset discards written data and restarts at buf[:0].
func (w *Writer) Reset(buf []byte) {
	w.data = buf[:0]
	w.half = false
}

func (w *Writer) put(n byte) {
	if !w.half {
		w.data = append(w.data, n&0x0F)
		w.half = true
		return
	}
	w.data[len(w.data)-1] |= n << 4
	w.half = false
}

// PutUleb writes an unsigned varint, stopping once the remaining value is zero.
func (w *Writer) PutUleb(v uint32) {
	for {
		b := byte(v & payloadMask)
		v >>= 3
		if v != 0 {
			b |= continueFlag
		}
		w.put(b)
		if v == 0 {
			return
		}
	}
}

// PutSleb writes a signed varint, stopping once the remaining value is the
// sign extension of the bits already written.
func (w *Writer) PutSleb(v int32) {
	for {
		b := byte(v & payloadMask)
		v >>= 3
		done := (v == 0 && b&signBit == 0) || (v == -1 && b&signBit != 0)
		if !done {
			b |= continueFlag
		}
		w.put(b)
		if done {
			return
		}
	}
}

// Offset reports the write position as a byte index and a bit offset (0 or 4)
// within that byte.
func (w *Writer) Offset() (int, uint) {
	if w.half {
		return len(w.data) - 1, 4
	}
	return len(w.data), 0
}

// Bytes returns the written stream padded to a whole byte.
func (w *Writer) Bytes() []byte {
	return w.data
}

// Len returns the number of bytes in the padded stream.
func (w *Writer) Len() int {
	return len(w.data)
}

// Reader decodes nibble varints from a byte slice. Reading past the end of the
// data sets the overflow flag and yields zero nibbles instead of panicking.
type Reader struct {
	data     []byte
	pos      int // in nibbles
	overflow bool
}

// NewReader returns a Reader positioned at the first nibble of data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) next() byte {
	if r.pos >= len(r.data)*2 {
		r.overflow = true
		return 0
	}
	b := r.data[r.pos/2]
	if r.pos%2 == 1 {
		b >>= 4
	}
	r.pos++
	return b & 0x0F
}

// Uleb decodes an unsigned varint of at most MaxGroups nibbles.
func (r *Reader) Uleb() uint32 {
	var v uint32
	for i := 0; i < MaxGroups; i++ {
		b := r.next()
		v |= uint32(b&payloadMask) << (3 * i)
		if b&continueFlag == 0 {
			break
		}
	}
	return v
}

// Sleb decodes a signed varint of at most MaxGroups nibbles, sign-extending
// from the last group read.
func (r *Reader) Sleb() int32 {
	var (
		v     int32
		b     byte
		shift uint
	)
	for i := 0; i < MaxGroups; i++ {
		b = r.next()
		v |= int32(b&payloadMask) << shift
		shift += 3
		if b&continueFlag == 0 {
			break
		}
	}
	if b&signBit != 0 {
		v |= -1 << shift
	}
	return v
}

// Align skips the padding nibble, if any, so the next read starts on a byte
// boundary.
func (r *Reader) Align() {
	if r.pos%2 == 1 {
		r.pos++
	}
}

// Offset reports the read position as a byte index and a bit offset (0 or 4).
func (r *Reader) Offset() (int, uint) {
	return r.pos / 2, uint(r.pos%2) * 4
}

// Consumed returns the number of bytes touched so far, counting a partially
// read byte as consumed.
func (r *Reader) Consumed() int {
	return (r.pos + 1) / 2
}

// Overflow reports whether a read ran past the end of the data.
func (r *Reader) Overflow() bool {
	return r.overflow
}
