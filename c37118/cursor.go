package c37118

import (
	"encoding/binary"
	"math"
	"strings"
)

// reader is a bounds-checked cursor over a frame body. The first read past
// the end of the buffer latches short=true and every subsequent read
// returns zero values, so decode paths check short once at the end instead
// of after every field.
type reader struct {
	buf   []byte
	off   int
	short bool
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) bytes(n int) []byte {
	if r.short || n < 0 || r.remaining() < n {
		r.short = true
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) i16() int16 { return int16(r.u16()) }

func (r *reader) u32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) i32() int32 { return int32(r.u32()) }

func (r *reader) f32() float32 { return math.Float32frombits(r.u32()) }

// name16 reads a fixed 16-byte space-padded channel or station name.
func (r *reader) name16() string {
	b := r.bytes(16)
	if b == nil {
		return ""
	}
	return strings.TrimRight(string(b), " \x00")
}

// nameVar reads a CFG-3 variable-length name: 1-byte length prefix plus bytes.
func (r *reader) nameVar() string {
	n := int(r.u8())
	b := r.bytes(n)
	if b == nil {
		return ""
	}
	return string(b)
}

// writer accumulates a frame body in big-endian order.
type writer struct {
	buf []byte
}

func (w *writer) bytes(b []byte) { w.buf = append(w.buf, b...) }

func (w *writer) u8(v uint8) { w.buf = append(w.buf, v) }

func (w *writer) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }

func (w *writer) i16(v int16) { w.u16(uint16(v)) }

func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

func (w *writer) i32(v int32) { w.u32(uint32(v)) }

func (w *writer) f32(v float32) { w.u32(math.Float32bits(v)) }

// name16 writes a name padded or truncated to exactly 16 bytes.
func (w *writer) name16(s string) {
	b := make([]byte, 16)
	for i := range b {
		b[i] = ' '
	}
	copy(b, s)
	w.bytes(b)
}

// nameVar writes a CFG-3 length-prefixed name, truncated to 255 bytes.
func (w *writer) nameVar(s string) {
	if len(s) > 255 {
		s = s[:255]
	}
	w.u8(uint8(len(s)))
	w.bytes([]byte(s))
}
