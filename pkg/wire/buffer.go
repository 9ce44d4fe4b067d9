package wire

import (
	"encoding/binary"
	"math"

	"github.com/sessamekesh/spanreed-overlay/pkg/errors"
)

// Discriminator marks a payload as overlay traffic rather than host-native
// traffic. It must never change: deployed peers compare against it.
const Discriminator uint32 = 0x000FD00D

// MaxStringLength bounds length-prefixed strings and byte slices.
const MaxStringLength = 1 << 20

// Message is the payload contract for both channels.
type Message interface {
	Serialize(w *Writer)
	Deserialize(r *Reader) error
}

type Writer struct {
	buf []byte
}

func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

func (w *Writer) WriteUint8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

func (w *Writer) WriteUint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *Writer) WriteInt32(v int32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(v))
}

func (w *Writer) WriteUint64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *Writer) WriteInt64(v int64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(v))
}

func (w *Writer) WriteFloat32(v float32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, math.Float32bits(v))
}

func (w *Writer) WriteBytes(v []byte) {
	w.buf = binary.AppendUvarint(w.buf, uint64(len(v)))
	w.buf = append(w.buf, v...)
}

func (w *Writer) WriteString(v string) {
	w.buf = binary.AppendUvarint(w.buf, uint64(len(v)))
	w.buf = append(w.buf, v...)
}

func (w *Writer) Bytes() []byte {
	return w.buf
}

func (w *Writer) Len() int {
	return len(w.buf)
}

// Reader reads little-endian values from a byte slice and tracks a read
// cursor. A failed read leaves the cursor where it was.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

func (r *Reader) Position() int {
	return r.pos
}

// SetPosition moves the read cursor. Out of range positions are clamped.
func (r *Reader) SetPosition(pos int) {
	if pos < 0 {
		pos = 0
	}
	if pos > len(r.buf) {
		pos = len(r.buf)
	}
	r.pos = pos
}

func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

func (r *Reader) Len() int {
	return len(r.buf)
}

func (r *Reader) take(n int, name string) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, &errors.Underflow{
			MessageName: name,
			MsgSize:     len(r.buf),
			MinimumSize: r.pos + n,
		}
	}

	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) ReadUint8() (uint8, error) {
	b, err := r.take(1, "uint8")
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadUint8()
	return v != 0, err
}

func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.take(4, "uint32")
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.take(8, "uint64")
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadUint32()
	return math.Float32frombits(v), err
}

func (r *Reader) readLengthPrefixed(name string) ([]byte, error) {
	start := r.pos
	length, n := binary.Uvarint(r.buf[r.pos:])
	if n == 0 {
		return nil, &errors.Underflow{
			MessageName: name,
			MsgSize:     len(r.buf),
			MinimumSize: r.pos + 1,
		}
	}
	if n < 0 || length > MaxStringLength {
		return nil, &errors.MalformedLength{
			MessageName: name,
			Offset:      start,
		}
	}

	r.pos += n
	b, err := r.take(int(length), name)
	if err != nil {
		r.pos = start
		return nil, err
	}
	return b, nil
}

func (r *Reader) ReadString() (string, error) {
	b, err := r.readLengthPrefixed("string")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadBytes returns a copy of a length-prefixed byte slice.
func (r *Reader) ReadBytes() ([]byte, error) {
	b, err := r.readLengthPrefixed("bytes")
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}
