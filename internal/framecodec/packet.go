package framecodec

import (
	"encoding/binary"
)

// HeaderSize is the fixed packet header length before the pixel stream.
const HeaderSize = 8 + 4 + 4 + 4

// maxPacketSize bounds a decompressed packet: 4 nibbles per pixel at most,
// plus header and a full palette.
const maxPacketSize = HeaderSize + MaxPixels*2 + MaxColors*4

// header is the fixed little-endian prefix of every packet.
type header struct {
	RefID      uint64
	BurstPhase uint32
	Downsample DownsampleKind
	Colors     uint32
}

func (h header) appendTo(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, h.RefID)
	buf = binary.LittleEndian.AppendUint32(buf, h.BurstPhase)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.Downsample))
	buf = binary.LittleEndian.AppendUint32(buf, h.Colors)
	return buf
}

func parseHeader(data []byte) (header, error) {
	if len(data) < HeaderSize {
		return header{}, corrupt("header", "have %d bytes, need %d", len(data), HeaderSize)
	}
	return header{
		RefID:      binary.LittleEndian.Uint64(data[0:8]),
		BurstPhase: binary.LittleEndian.Uint32(data[8:12]),
		Downsample: DownsampleKind(binary.LittleEndian.Uint32(data[12:16])),
		Colors:     binary.LittleEndian.Uint32(data[16:20]),
	}, nil
}

// appendPalette appends the palette table as little-endian RGBA words.
func appendPalette(buf []byte, palette []uint32) []byte {
	for _, c := range palette {
		buf = binary.LittleEndian.AppendUint32(buf, c)
	}
	return buf
}

func parsePalette(data []byte, n int) []uint32 {
	palette := make([]uint32, n)
	for i := range palette {
		palette[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return palette
}
