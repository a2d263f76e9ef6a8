package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic prefixes every frame on the wire.
const Magic = "MIRA"

const (
	// HeaderSize is magic(4) + type(1) + sequence(4) + payload length(4).
	HeaderSize = 13

	DefaultMaxPayload = 1 << 20
)

type FrameType uint8

const (
	FrameAudio        FrameType = 0x01
	FrameUtteranceEnd FrameType = 0x02
	FrameControl      FrameType = 0x04
	FrameError        FrameType = 0x05
)

func (t FrameType) Valid() bool {
	switch t {
	case FrameAudio, FrameUtteranceEnd, FrameControl, FrameError:
		return true
	default:
		return false
	}
}

func (t FrameType) String() string {
	switch t {
	case FrameAudio:
		return "audio-data"
	case FrameUtteranceEnd:
		return "utterance-end"
	case FrameControl:
		return "control"
	case FrameError:
		return "error"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

// Frame is one tagged unit of the wire protocol.
type Frame struct {
	Type    FrameType
	Seq     uint32
	Payload []byte
}

// ErrMalformedFrame is matched by every *DecodeError returned from the codec.
var ErrMalformedFrame = errors.New("malformed frame")

// Encode serializes f. It fails only for an unknown frame type or a payload
// that cannot be described by a uint32 length.
func Encode(f Frame) ([]byte, error) {
	return AppendFrame(make([]byte, 0, HeaderSize+len(f.Payload)), f)
}

// AppendFrame appends the encoding of f to dst.
func AppendFrame(dst []byte, f Frame) ([]byte, error) {
	if !f.Type.Valid() {
		return dst, fmt.Errorf("encode frame: unknown type 0x%02x", uint8(f.Type))
	}
	if uint64(len(f.Payload)) > uint64(^uint32(0)) {
		return dst, fmt.Errorf("encode frame: payload too large (%d bytes)", len(f.Payload))
	}
	dst = append(dst, Magic...)
	dst = append(dst, byte(f.Type))
	dst = binary.BigEndian.AppendUint32(dst, f.Seq)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(f.Payload)))
	dst = append(dst, f.Payload...)
	return dst, nil
}

// Decode parses exactly one frame from b using DefaultMaxPayload.
func Decode(b []byte) (Frame, error) {
	return Decoder{}.Decode(b)
}

// Decoder parses frames with an optional payload bound.
type Decoder struct {
	// MaxPayload caps the declared payload length. Zero means DefaultMaxPayload.
	MaxPayload int
}

func (d Decoder) maxPayload() int {
	if d.MaxPayload <= 0 {
		return DefaultMaxPayload
	}
	return d.MaxPayload
}

// Decode parses exactly one frame from b. Trailing bytes are a length mismatch.
func (d Decoder) Decode(b []byte) (Frame, error) {
	if len(b) < HeaderSize {
		return Frame{}, malformed(CodeTruncated, fmt.Sprintf("frame header needs %d bytes, got %d", HeaderSize, len(b)))
	}
	f, n, err := d.parseHeader(b[:HeaderSize])
	if err != nil {
		return Frame{}, err
	}
	body := b[HeaderSize:]
	if len(body) != n {
		return Frame{}, malformed(CodeLengthMismatch, fmt.Sprintf("declared payload %d bytes, got %d", n, len(body)))
	}
	if n > 0 {
		f.Payload = append([]byte(nil), body...)
	}
	return f, nil
}

// ReadFrame reads one frame from a raw byte stream. A clean EOF before any
// header byte is returned as io.EOF; anything else short is malformed.
func (d Decoder) ReadFrame(r io.Reader) (Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, malformed(CodeTruncated, "stream ended inside frame header")
		}
		return Frame{}, err
	}
	f, n, err := d.parseHeader(header[:])
	if err != nil {
		return Frame{}, err
	}
	if n == 0 {
		return f, nil
	}
	f.Payload = make([]byte, n)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, malformed(CodeLengthMismatch, fmt.Sprintf("stream ended inside %d byte payload", n))
		}
		return Frame{}, err
	}
	return f, nil
}

// WriteFrame encodes f onto w.
func WriteFrame(w io.Writer, f Frame) error {
	b, err := Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func (d Decoder) parseHeader(h []byte) (Frame, int, error) {
	if string(h[:4]) != Magic {
		return Frame{}, 0, malformed(CodeBadMagic, fmt.Sprintf("bad magic %q", h[:4]))
	}
	typ := FrameType(h[4])
	if !typ.Valid() {
		return Frame{}, 0, malformed(CodeUnknownType, fmt.Sprintf("unknown frame type 0x%02x", h[4]))
	}
	seq := binary.BigEndian.Uint32(h[5:9])
	n := binary.BigEndian.Uint32(h[9:13])
	if uint64(n) > uint64(d.maxPayload()) {
		return Frame{}, 0, malformed(CodeTooLarge, fmt.Sprintf("payload %d bytes exceeds limit %d", n, d.maxPayload()))
	}
	return Frame{Type: typ, Seq: seq}, int(n), nil
}
