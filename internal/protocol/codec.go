package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/quic-go/quic-go/quicvarint"
)

// AppendEvent appends the wire form of ev ([type][payload]) to buf.
func AppendEvent(buf []byte, ev Event) ([]byte, error) {
	buf = quicvarint.Append(buf, uint64(ev.Type()))

	switch e := ev.(type) {
	case Name:
		buf = appendVarIntBytes(buf, []byte(TruncateName(e.Name)))
	case Mode:
		var flags byte
		if e.Voice {
			flags |= modeVoice
		}
		if e.Paused {
			flags |= modePaused
		}
		buf = append(buf, byte(e.Role), flags)
	case AudioFormat:
		buf = quicvarint.Append(buf, uint64(e.SampleRate))
		buf = append(buf, e.Channels, e.Bits)
	case HostInfo:
		buf = quicvarint.Append(buf, uint64(e.Width))
		buf = quicvarint.Append(buf, uint64(e.Height))
		buf = quicvarint.Append(buf, uint64(e.MaxColors))
	case RateReport:
		buf = append(buf, byte(e.Direction))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(e.BytesPerSecond))
	case FrameInterval:
		buf = quicvarint.Append(buf, uint64(e.Ticks))
	case AdaptiveRate:
		buf = appendBool(buf, e.Enabled)
	case DownsampleRequest:
		buf = appendBool(buf, e.Enabled)
	case InputReset, Begin, Goodbye:
	case Message:
		if err := e.Validate(); err != nil {
			return nil, err
		}
		buf = quicvarint.Append(buf, e.ID)
		buf = appendVarIntBytes(buf, []byte(e.Text))
	case MessageAck:
		buf = quicvarint.Append(buf, e.ID)
	case Input:
		buf = quicvarint.Append(buf, e.Frame)
		buf = append(buf, e.Port)
		buf = quicvarint.Append(buf, uint64(e.Buttons))
	case TransportError:
		buf = appendVarIntBytes(buf, []byte(e.Message))
	case Frame:
		buf = quicvarint.Append(buf, e.Seq)
		buf = append(buf, e.Data...)
	case Audio:
		buf = append(buf, e.PCM...)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
	return buf, nil
}

// Marshal returns the wire form of ev.
func Marshal(ev Event) ([]byte, error) {
	return AppendEvent(nil, ev)
}

const (
	modeVoice  byte = 0x01
	modePaused byte = 0x02
)

// Unmarshal parses one event from data. Byte slices in the returned event
// (frame data, audio PCM) alias data.
func Unmarshal(data []byte) (Event, error) {
	r := newBufReader(data)
	t, err := r.readVarint()
	if err != nil {
		return nil, &ParseError{Field: "type", Err: err}
	}

	var ev Event
	switch Type(t) {
	case TypeName:
		b, err := r.readVarIntBytes()
		if err != nil {
			return nil, &ParseError{Field: "name", Err: err}
		}
		if len(b) > MaxNameLen {
			return nil, &ParseError{Field: "name", Err: fmt.Errorf("%d bytes, max %d", len(b), MaxNameLen)}
		}
		ev = Name{Name: string(b)}

	case TypeMode:
		role, err := r.readByte()
		if err != nil {
			return nil, &ParseError{Field: "role", Err: err}
		}
		flags, err := r.readByte()
		if err != nil {
			return nil, &ParseError{Field: "mode_flags", Err: err}
		}
		ev = Mode{Role: Role(role), Voice: flags&modeVoice != 0, Paused: flags&modePaused != 0}

	case TypeAudioFormat:
		rate, err := r.readVarint()
		if err != nil {
			return nil, &ParseError{Field: "sample_rate", Err: err}
		}
		if rate > math.MaxUint32 {
			return nil, &ParseError{Field: "sample_rate", Err: fmt.Errorf("%d out of range", rate)}
		}
		ch, err := r.readByte()
		if err != nil {
			return nil, &ParseError{Field: "channels", Err: err}
		}
		bits, err := r.readByte()
		if err != nil {
			return nil, &ParseError{Field: "bits", Err: err}
		}
		ev = AudioFormat{SampleRate: uint32(rate), Channels: ch, Bits: bits}

	case TypeHostInfo:
		var v [3]uint64
		for i, field := range []string{"width", "height", "max_colors"} {
			if v[i], err = r.readVarint(); err != nil {
				return nil, &ParseError{Field: field, Err: err}
			}
			if v[i] > math.MaxInt32 {
				return nil, &ParseError{Field: field, Err: fmt.Errorf("%d out of range", v[i])}
			}
		}
		ev = HostInfo{Width: int(v[0]), Height: int(v[1]), MaxColors: int(v[2])}

	case TypeRateReport:
		dir, err := r.readByte()
		if err != nil {
			return nil, &ParseError{Field: "direction", Err: err}
		}
		b, err := r.readN(8)
		if err != nil {
			return nil, &ParseError{Field: "rate", Err: err}
		}
		rate := math.Float64frombits(binary.LittleEndian.Uint64(b))
		if math.IsNaN(rate) || math.IsInf(rate, 0) || rate < 0 {
			return nil, &ParseError{Field: "rate", Err: fmt.Errorf("invalid rate %v", rate)}
		}
		ev = RateReport{Direction: Direction(dir), BytesPerSecond: rate}

	case TypeFrameInterval:
		ticks, err := r.readVarint()
		if err != nil {
			return nil, &ParseError{Field: "ticks", Err: err}
		}
		if ticks == 0 || ticks > math.MaxUint16 {
			return nil, &ParseError{Field: "ticks", Err: fmt.Errorf("%d out of range", ticks)}
		}
		ev = FrameInterval{Ticks: int(ticks)}

	case TypeAdaptiveRate:
		on, err := r.readBool()
		if err != nil {
			return nil, &ParseError{Field: "enabled", Err: err}
		}
		ev = AdaptiveRate{Enabled: on}

	case TypeDownsampleRequest:
		on, err := r.readBool()
		if err != nil {
			return nil, &ParseError{Field: "enabled", Err: err}
		}
		ev = DownsampleRequest{Enabled: on}

	case TypeInputReset:
		ev = InputReset{}
	case TypeBegin:
		ev = Begin{}
	case TypeGoodbye:
		ev = Goodbye{}

	case TypeMessage:
		id, err := r.readVarint()
		if err != nil {
			return nil, &ParseError{Field: "message_id", Err: err}
		}
		text, err := r.readVarIntBytes()
		if err != nil {
			return nil, &ParseError{Field: "text", Err: err}
		}
		m := Message{ID: id, Text: string(text)}
		if err := m.Validate(); err != nil {
			return nil, &ParseError{Field: "text", Err: err}
		}
		ev = m

	case TypeMessageAck:
		id, err := r.readVarint()
		if err != nil {
			return nil, &ParseError{Field: "message_id", Err: err}
		}
		ev = MessageAck{ID: id}

	case TypeInput:
		frame, err := r.readVarint()
		if err != nil {
			return nil, &ParseError{Field: "frame", Err: err}
		}
		port, err := r.readByte()
		if err != nil {
			return nil, &ParseError{Field: "port", Err: err}
		}
		buttons, err := r.readVarint()
		if err != nil {
			return nil, &ParseError{Field: "buttons", Err: err}
		}
		if buttons > math.MaxUint32 {
			return nil, &ParseError{Field: "buttons", Err: fmt.Errorf("%#x out of range", buttons)}
		}
		ev = Input{Frame: frame, Port: port, Buttons: uint32(buttons)}

	case TypeTransportError:
		msg, err := r.readVarIntBytes()
		if err != nil {
			return nil, &ParseError{Field: "message", Err: err}
		}
		ev = TransportError{Message: string(msg)}

	case TypeFrame:
		seq, err := r.readVarint()
		if err != nil {
			return nil, &ParseError{Field: "seq", Err: err}
		}
		return Frame{Seq: seq, Data: r.rest()}, nil

	case TypeAudio:
		pcm := r.rest()
		if len(pcm)%2 != 0 {
			return nil, &ParseError{Field: "pcm", Err: fmt.Errorf("odd length %d", len(pcm))}
		}
		return Audio{PCM: pcm}, nil

	default:
		return nil, fmt.Errorf("%w: %#x", ErrUnknownEvent, t)
	}

	if r.remaining() != 0 {
		return nil, &ParseError{Field: Type(t).String(), Err: ErrTrailingData}
	}
	return ev, nil
}

// WriteEvent writes ev to a stream as [type][length][payload] in a single
// Write call so concurrent writers cannot interleave partial events.
func WriteEvent(w io.Writer, ev Event) error {
	body, err := Marshal(ev)
	if err != nil {
		return err
	}
	if len(body) > MaxEventSize {
		return fmt.Errorf("%w: %d bytes", ErrEventTooLarge, len(body))
	}

	// body already starts with the type varint; the length covers the payload.
	_, n, err := quicvarint.Parse(body)
	if err != nil {
		return err
	}
	buf := make([]byte, 0, len(body)+8)
	buf = append(buf, body[:n]...)
	buf = quicvarint.Append(buf, uint64(len(body)-n))
	buf = append(buf, body[n:]...)

	_, err = w.Write(buf)
	return err
}

// ReadEvent reads one length-prefixed event from a stream.
func ReadEvent(r io.Reader) (Event, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufio.NewReader(r)
		r = br.(io.Reader)
	}
	t, err := quicvarint.Read(br)
	if err != nil {
		return nil, fmt.Errorf("read event type: %w", err)
	}
	length, err := quicvarint.Read(br)
	if err != nil {
		return nil, fmt.Errorf("read event length: %w", err)
	}
	if length > MaxEventSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrEventTooLarge, length)
	}

	buf := quicvarint.Append(make([]byte, 0, int(length)+8), t)
	hdr := len(buf)
	buf = buf[:hdr+int(length)]
	if _, err := io.ReadFull(r, buf[hdr:]); err != nil {
		return nil, fmt.Errorf("read event payload: %w", err)
	}
	return Unmarshal(buf)
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

// appendVarIntBytes appends a varint-length-prefixed byte string to buf.
func appendVarIntBytes(buf []byte, data []byte) []byte {
	buf = quicvarint.Append(buf, uint64(len(data)))
	return append(buf, data...)
}

// bufReader wraps a byte slice for sequential varint/byte reading.
type bufReader struct {
	data []byte
	pos  int
}

func newBufReader(data []byte) *bufReader {
	return &bufReader{data: data}
}

func (b *bufReader) remaining() int {
	return len(b.data) - b.pos
}

func (b *bufReader) rest() []byte {
	v := b.data[b.pos:]
	b.pos = len(b.data)
	return v
}

func (b *bufReader) readVarint() (uint64, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	val, n, err := quicvarint.Parse(b.data[b.pos:])
	if err != nil {
		return 0, err
	}
	b.pos += n
	return val, nil
}

func (b *bufReader) readByte() (byte, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	v := b.data[b.pos]
	b.pos++
	return v, nil
}

func (b *bufReader) readBool() (bool, error) {
	v, err := b.readByte()
	if err != nil {
		return false, err
	}
	if v > 1 {
		return false, fmt.Errorf("invalid bool %d", v)
	}
	return v == 1, nil
}

func (b *bufReader) readN(n int) ([]byte, error) {
	if b.remaining() < n {
		return nil, io.ErrUnexpectedEOF
	}
	v := b.data[b.pos : b.pos+n]
	b.pos += n
	return v, nil
}

func (b *bufReader) readVarIntBytes() ([]byte, error) {
	length, err := b.readVarint()
	if err != nil {
		return nil, err
	}
	if length > uint64(b.remaining()) {
		return nil, io.ErrUnexpectedEOF
	}
	return b.readN(int(length))
}
