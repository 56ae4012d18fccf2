// Package wire implements the message format shared by the snowfight client and
// server.
//
// A message is a single identifier byte followed by its fields. Fields carry no
// type tags or counts: the sender and the handler agree on the shape of each
// message out of band, and a handler must read exactly the fields the sender
// wrote, in the same order. All numbers are big-endian and strings are
// prefixed with their length in bytes as an unsigned 16 bit integer.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"
)

var (
	// ErrUnsupportedValue is returned when asked to encode a type that has no
	// wire representation.
	ErrUnsupportedValue = errors.New("unsupported value type")
	// ErrStringTooLong is returned for strings longer than MaxStringLength bytes.
	ErrStringTooLong = errors.New("string too long")
	// ErrInvalidString is returned when a received string is not valid UTF-8.
	ErrInvalidString = errors.New("string is not valid UTF-8")
)

// MaxStringLength is the longest string, in bytes, that fits the length prefix.
const MaxStringLength = math.MaxUint16

// Encode serializes a message with the given identifier and field values.
//
// Supported values are string, int32, int (written as int32), int64, float32,
// float64, bool, int8, uint8, int16, uint16 and []byte. Byte slices are written
// raw, without a length prefix.
func Encode(id ID, values ...interface{}) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(id))
	if err := appendValues(buf, values); err != nil {
		return nil, fmt.Errorf("encoding message %d: %w", id, err)
	}
	return buf.Bytes(), nil
}

// EncodeRaw serializes field values without a leading identifier.
func EncodeRaw(values ...interface{}) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := appendValues(buf, values); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func appendValues(buf *bytes.Buffer, values []interface{}) error {
	for i, value := range values {
		if err := appendValue(buf, value); err != nil {
			return fmt.Errorf("field %d: %w", i, err)
		}
	}
	return nil
}

func appendValue(buf *bytes.Buffer, value interface{}) error {
	var scratch [8]byte

	switch v := value.(type) {
	case string:
		if len(v) > MaxStringLength {
			return fmt.Errorf("%w: %d bytes", ErrStringTooLong, len(v))
		}
		binary.BigEndian.PutUint16(scratch[:2], uint16(len(v)))
		buf.Write(scratch[:2])
		buf.WriteString(v)
	case int32:
		binary.BigEndian.PutUint32(scratch[:4], uint32(v))
		buf.Write(scratch[:4])
	case int:
		if v < math.MinInt32 || v > math.MaxInt32 {
			return fmt.Errorf("%w: int %d overflows int32", ErrUnsupportedValue, v)
		}
		binary.BigEndian.PutUint32(scratch[:4], uint32(int32(v)))
		buf.Write(scratch[:4])
	case int64:
		binary.BigEndian.PutUint64(scratch[:], uint64(v))
		buf.Write(scratch[:])
	case float32:
		binary.BigEndian.PutUint32(scratch[:4], math.Float32bits(v))
		buf.Write(scratch[:4])
	case float64:
		binary.BigEndian.PutUint64(scratch[:], math.Float64bits(v))
		buf.Write(scratch[:])
	case bool:
		if v {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case int8:
		buf.WriteByte(byte(v))
	case uint8:
		buf.WriteByte(v)
	case int16:
		binary.BigEndian.PutUint16(scratch[:2], uint16(v))
		buf.Write(scratch[:2])
	case uint16:
		binary.BigEndian.PutUint16(scratch[:2], v)
		buf.Write(scratch[:2])
	case []byte:
		buf.Write(v)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedValue, value)
	}
	return nil
}

// Reader decodes the fields of incoming messages from a stream.
//
// End of stream before an identifier is reported as io.EOF. End of stream in
// the middle of a message is reported as io.ErrUnexpectedEOF.
type Reader struct {
	r       io.Reader
	scratch [8]byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadID blocks until the identifier of the next message arrives.
func (r *Reader) ReadID() (ID, error) {
	if _, err := io.ReadFull(r.r, r.scratch[:1]); err != nil {
		return 0, err
	}
	return ID(r.scratch[0]), nil
}

func (r *Reader) fill(n int) ([]byte, error) {
	if _, err := io.ReadFull(r.r, r.scratch[:n]); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return r.scratch[:n], nil
}

func (r *Reader) ReadInt32() (int32, error) {
	b, err := r.fill(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

func (r *Reader) ReadInt64() (int64, error) {
	b, err := r.fill(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func (r *Reader) ReadFloat32() (float32, error) {
	b, err := r.fill(4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.BigEndian.Uint32(b)), nil
}

func (r *Reader) ReadFloat64() (float64, error) {
	b, err := r.fill(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

// ReadBool treats any non-zero byte as true.
func (r *Reader) ReadBool() (bool, error) {
	b, err := r.fill(1)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

func (r *Reader) ReadUint8() (uint8, error) {
	b, err := r.fill(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadInt8() (int8, error) {
	v, err := r.ReadUint8()
	return int8(v), err
}

func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.fill(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) ReadInt16() (int16, error) {
	v, err := r.ReadUint16()
	return int16(v), err
}

// ReadString reads a length prefixed UTF-8 string.
func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadUint16()
	if err != nil {
		return "", err
	}

	b := make([]byte, n)
	if err := r.ReadBytes(b); err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", ErrInvalidString
	}
	return string(b), nil
}

// ReadBytes fills p completely from the stream.
func (r *Reader) ReadBytes(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if _, err := io.ReadFull(r.r, p); err != nil {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return nil
}
