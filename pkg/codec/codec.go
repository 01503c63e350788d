// Package codec is the canonical msgpack bridge used on both the
// guest<->host ABI and the host-call interface. Every payload that crosses
// either boundary goes through Marshal/Unmarshal or, for the database
// binding's positional scalar streams, the lower-level Writer/Reader.
package codec

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Marshal encodes v using the wire conventions shared by every ABI and
// host-call payload: struct fields use their msgpack tag name (snake_case
// by convention in this repo), and map key order is left to the encoder.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("msgpack")
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes b into v, the inverse of Marshal.
func Unmarshal(b []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.SetCustomStructTag("msgpack")
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("codec: unmarshal: %w", err)
	}
	return nil
}

// Kind enumerates the scalar msgpack types the database binding's
// parameter stream distinguishes between. Arrays are recognized but their
// elements are never decoded (see the KindArray case in database/params.go).
type Kind int

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindUint
	KindFloat32
	KindFloat64
	KindString
	KindBin
	KindArray
	KindUnknown
)

// Writer wraps an msgpack encoder with the primitives the database binding
// needs to hand-assemble a row's worth of cells: integers, floats, strings,
// nils, array headers, and binary blobs. Byte-oriented fields MUST go
// through WriteBin, never through an element-by-element array encoding.
type Writer struct {
	enc *msgpack.Encoder
	buf *bytes.Buffer
}

// NewWriter returns a Writer appending to a fresh internal buffer.
func NewWriter() *Writer {
	buf := &bytes.Buffer{}
	return &Writer{enc: msgpack.NewEncoder(buf), buf: buf}
}

// Bytes returns the bytes written so far.
func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

func (w *Writer) WriteNil() error              { return w.enc.EncodeNil() }
func (w *Writer) WriteBool(v bool) error       { return w.enc.EncodeBool(v) }
func (w *Writer) WriteInt(v int64) error       { return w.enc.EncodeInt(v) }
func (w *Writer) WriteUint(v uint64) error     { return w.enc.EncodeUint64(v) }
func (w *Writer) WriteFloat32(v float32) error { return w.enc.EncodeFloat32(v) }
func (w *Writer) WriteFloat64(v float64) error { return w.enc.EncodeFloat64(v) }
func (w *Writer) WriteString(v string) error   { return w.enc.EncodeString(v) }

// WriteBin writes v as a msgpack bin, never as an array of integers.
func (w *Writer) WriteBin(v []byte) error { return w.enc.EncodeBytes(v) }

func (w *Writer) WriteArrayLen(n int) error { return w.enc.EncodeArrayLen(n) }

// Reader wraps an msgpack decoder with the read-side counterpart of Writer,
// plus Peek so callers (the database binding's argument decoder) can branch
// on the next value's wire type before consuming it.
type Reader struct {
	dec *msgpack.Decoder
}

// NewReader returns a Reader over b.
func NewReader(b []byte) *Reader {
	return &Reader{dec: msgpack.NewDecoder(bytes.NewReader(b))}
}

// More reports whether the reader has more bytes buffered. msgpack/v5
// doesn't expose a byte offset directly, so Peek is used to detect EOF:
// PeekCode returns an error once the underlying reader is exhausted.
func (r *Reader) More() bool {
	_, err := r.dec.PeekCode()
	return err == nil
}

// Peek reports the Kind of the next value without consuming it.
func (r *Reader) Peek() (Kind, error) {
	code, err := r.dec.PeekCode()
	if err != nil {
		return KindUnknown, err
	}
	switch {
	case code == msgpcode.Nil:
		return KindNil, nil
	case code == msgpcode.True || code == msgpcode.False:
		return KindBool, nil
	case msgpcode.IsFixedNum(code), code == msgpcode.Int8, code == msgpcode.Int16,
		code == msgpcode.Int32, code == msgpcode.Int64:
		return KindInt, nil
	case code == msgpcode.Uint8, code == msgpcode.Uint16, code == msgpcode.Uint32, code == msgpcode.Uint64:
		return KindUint, nil
	case code == msgpcode.Float:
		return KindFloat32, nil
	case code == msgpcode.Double:
		return KindFloat64, nil
	case msgpcode.IsFixedString(code), code == msgpcode.Str8, code == msgpcode.Str16, code == msgpcode.Str32:
		return KindString, nil
	case code == msgpcode.Bin8, code == msgpcode.Bin16, code == msgpcode.Bin32:
		return KindBin, nil
	case msgpcode.IsFixedArray(code), code == msgpcode.Array16, code == msgpcode.Array32:
		return KindArray, nil
	default:
		return KindUnknown, nil
	}
}

func (r *Reader) ReadNil() error                { return r.dec.DecodeNil() }
func (r *Reader) ReadBool() (bool, error)       { return r.dec.DecodeBool() }
func (r *Reader) ReadInt() (int64, error)       { return r.dec.DecodeInt64() }
func (r *Reader) ReadUint() (uint64, error)     { return r.dec.DecodeUint64() }
func (r *Reader) ReadFloat32() (float32, error) { return r.dec.DecodeFloat32() }
func (r *Reader) ReadFloat64() (float64, error) { return r.dec.DecodeFloat64() }
func (r *Reader) ReadString() (string, error)   { return r.dec.DecodeString() }
func (r *Reader) ReadBin() ([]byte, error)      { return r.dec.DecodeBytes() }
func (r *Reader) ReadArrayLen() (int, error)    { return r.dec.DecodeArrayLen() }

// Skip discards the next value, recursing into arrays/maps as needed.
// Used by the database binding to discard reserved array parameters while
// staying positionally aligned with the rest of the scalar stream.
func (r *Reader) Skip() error { return r.dec.Skip() }
