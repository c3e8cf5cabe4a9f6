package c37118

import (
	"encoding/binary"
	"fmt"

	"github.com/janiolos/SmartPhasorToolBox/errors"
)

// Local aliases so decode paths read cleanly.
var (
	errMalformed      = errors.ErrMalformedFrame
	errConfigMismatch = errors.ErrConfigMismatch
)

// Sniff inspects the first HeaderSize bytes of a frame and returns its
// type and declared total length. It is the receiver's AwaitingSync /
// AwaitingLength step: only the sync marker, type nibble and size field
// are validated, the rest of the frame need not be present yet.
func Sniff(hdr []byte) (FrameType, int, error) {
	if len(hdr) < 4 {
		return 0, 0, fmt.Errorf("%w: need 4 bytes, have %d", errMalformed, len(hdr))
	}
	if hdr[0] != SyncByte {
		return 0, 0, fmt.Errorf("%w: leading byte 0x%02X", errors.ErrInvalidSync, hdr[0])
	}
	t := FrameType(hdr[1] >> 4 & 0x7)
	if hdr[1]&0x80 != 0 || !t.valid() {
		return 0, 0, fmt.Errorf("%w: type nibble 0x%02X", errors.ErrInvalidSync, hdr[1])
	}
	size := int(binary.BigEndian.Uint16(hdr[2:4]))
	if size < HeaderSize+crcSize {
		return 0, 0, fmt.Errorf("%w: declared size %d below minimum", errMalformed, size)
	}
	return t, size, nil
}

// verify checks the declared size and CRC trailer of a complete frame and
// returns the parsed common header and the body bytes between header and
// checksum.
func verify(buf []byte) (Header, []byte, error) {
	t, size, err := Sniff(buf)
	if err != nil {
		return Header{}, nil, err
	}
	if size != len(buf) {
		return Header{}, nil, fmt.Errorf("%w: declared size %d, buffer %d", errMalformed, size, len(buf))
	}

	want := binary.BigEndian.Uint16(buf[len(buf)-crcSize:])
	if got := Checksum(buf[:len(buf)-crcSize]); got != want {
		return Header{}, nil, fmt.Errorf("%w: computed 0x%04X, trailer 0x%04X",
			errors.ErrChecksum, got, want)
	}

	h := Header{
		Type:    t,
		Version: buf[1] & 0x0F,
		IDCode:  binary.BigEndian.Uint16(buf[4:6]),
		SOC:     binary.BigEndian.Uint32(buf[6:10]),
		FracSec: binary.BigEndian.Uint32(buf[10:14]),
	}
	return h, buf[HeaderSize : len(buf)-crcSize], nil
}

// Decode parses a complete configuration, command or header frame.
// Checksum validation precedes any structural interpretation. Data frames
// are not handled here: their layout depends on the owning configuration,
// use DecodeData.
func Decode(buf []byte) (Frame, error) {
	h, body, err := verify(buf)
	if err != nil {
		return nil, err
	}

	switch h.Type {
	case TypeConfig1, TypeConfig2:
		return decodeConfig12(h, body)
	case TypeConfig3:
		return decodeConfig3(h, body)
	case TypeCommand:
		return decodeCommand(h, body)
	case TypeHeader:
		return decodeHeaderFrame(h, body)
	case TypeData:
		return nil, fmt.Errorf("%w: data frame for source %d", errors.ErrUnknownSource, h.IDCode)
	default:
		return nil, fmt.Errorf("%w: frame type %d", errMalformed, h.Type)
	}
}

// DecodeData parses a complete DATA frame against the configuration that
// owns its source id. It returns ErrUnknownSource when cfg is nil,
// ErrConfigMismatch when the frame cannot be laid out against cfg (size
// disagreement or a config-change flag in STAT), and ErrChecksum before
// any of that when the trailer does not match.
func DecodeData(buf []byte, cfg *ConfigFrame) (*DataFrame, error) {
	h, body, err := verify(buf)
	if err != nil {
		return nil, err
	}
	if h.Type != TypeData {
		return nil, fmt.Errorf("%w: expected DATA, got %s", errMalformed, h.Type)
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: source %d", errors.ErrUnknownSource, h.IDCode)
	}
	if size := cfg.expectedDataSize(); size != len(buf) {
		return nil, fmt.Errorf("%w: frame size %d, configuration expects %d",
			errConfigMismatch, len(buf), size)
	}
	return decodeData(h, body, cfg)
}

// Encode serializes a configuration, command or header frame, recomputing
// the FRAMESIZE and CRC fields from the constructed body. Data frames
// need their owning configuration, use EncodeData.
func Encode(f Frame) ([]byte, error) {
	w := &writer{}
	switch fr := f.(type) {
	case *ConfigFrame:
		switch fr.Type {
		case TypeConfig1, TypeConfig2:
			encodeConfig12(fr, w)
		case TypeConfig3:
			encodeConfig3(fr, w)
		default:
			return nil, fmt.Errorf("%w: config frame with header type %s", errMalformed, fr.Type)
		}
	case *CommandFrame:
		encodeCommand(fr, w)
	case *HeaderFrame:
		encodeHeaderFrame(fr, w)
	case *DataFrame:
		return nil, fmt.Errorf("%w: data frames require a configuration, use EncodeData", errMalformed)
	default:
		return nil, fmt.Errorf("%w: unsupported frame %T", errMalformed, f)
	}
	return seal(f.FrameHeader(), w.buf)
}

// EncodeData serializes a DATA frame laid out against cfg.
func EncodeData(d *DataFrame, cfg *ConfigFrame) ([]byte, error) {
	w := &writer{}
	if err := encodeData(d, cfg, w); err != nil {
		return nil, err
	}
	return seal(&d.Header, w.buf)
}

// seal prepends the common header to body, fills in the recomputed frame
// size and appends the CRC trailer.
func seal(h *Header, body []byte) ([]byte, error) {
	total := HeaderSize + len(body) + crcSize
	if total > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame size %d exceeds maximum %d", errMalformed, total, MaxFrameSize)
	}

	buf := make([]byte, 0, total)
	buf = append(buf, SyncByte, byte(h.Type)<<4|h.Version&0x0F)
	buf = binary.BigEndian.AppendUint16(buf, uint16(total))
	buf = binary.BigEndian.AppendUint16(buf, h.IDCode)
	buf = binary.BigEndian.AppendUint32(buf, h.SOC)
	buf = binary.BigEndian.AppendUint32(buf, h.FracSec)
	buf = append(buf, body...)
	buf = binary.BigEndian.AppendUint16(buf, Checksum(buf))
	return buf, nil
}
