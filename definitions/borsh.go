package definitions

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"
	"reflect"

	"voting-client/blockchain/pda"
)

var (
	ErrShortBuffer     = errors.New("borsh: unexpected end of data")
	ErrUnsupportedType = errors.New("borsh: unsupported type")
)

// maxVecLen caps decoded collection lengths so a corrupt prefix cannot
// trigger a huge allocation.
const maxVecLen = 1 << 16

// Encoder appends Borsh values to a buffer.
type Encoder struct {
	buf []byte
}

func NewEncoder(prefix []byte) *Encoder {
	return &Encoder{buf: append([]byte(nil), prefix...)}
}

func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) U8(v uint8) { e.buf = append(e.buf, v) }

func (e *Encoder) Bool(v bool) {
	if v {
		e.U8(1)
		return
	}
	e.U8(0)
}

func (e *Encoder) U16(v uint16) { e.buf = binary.LittleEndian.AppendUint16(e.buf, v) }
func (e *Encoder) U32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *Encoder) U64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }
func (e *Encoder) I64(v int64)  { e.U64(uint64(v)) }

// U128 writes 16 little-endian bytes as-is.
func (e *Encoder) U128(v [16]byte) { e.buf = append(e.buf, v[:]...) }

func (e *Encoder) Raw(b []byte) { e.buf = append(e.buf, b...) }

func (e *Encoder) Str(s string) {
	e.U32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// Value encodes v according to the declared type t.
func (e *Encoder) Value(t Type, v any) error {
	switch t.Kind {
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return typeMismatch(t, v)
		}
		e.Bool(b)
	case KindU8, KindU16, KindU32, KindU64:
		n, err := toUint(v, t.bits())
		if err != nil {
			return fmt.Errorf("%s: %w", t, err)
		}
		switch t.Kind {
		case KindU8:
			e.U8(uint8(n))
		case KindU16:
			e.U16(uint16(n))
		case KindU32:
			e.U32(uint32(n))
		default:
			e.U64(n)
		}
	case KindI64:
		n, err := toInt64(v)
		if err != nil {
			return fmt.Errorf("%s: %w", t, err)
		}
		e.I64(n)
	case KindU128:
		b, err := toU128(v)
		if err != nil {
			return fmt.Errorf("%s: %w", t, err)
		}
		e.U128(b)
	case KindString:
		s, ok := v.(string)
		if !ok {
			return typeMismatch(t, v)
		}
		e.Str(s)
	case KindPubkey:
		switch k := v.(type) {
		case pda.PublicKey:
			e.Raw(k[:])
		case [32]byte:
			e.Raw(k[:])
		default:
			return typeMismatch(t, v)
		}
	case KindVec:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return typeMismatch(t, v)
		}
		e.U32(uint32(rv.Len()))
		return e.elements(*t.Elem, rv)
	case KindArray:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return typeMismatch(t, v)
		}
		if rv.Len() != t.Len {
			return fmt.Errorf("%s: got %d elements", t, rv.Len())
		}
		return e.elements(*t.Elem, rv)
	case KindOption:
		if v == nil {
			e.U8(0)
			return nil
		}
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Pointer {
			if rv.IsNil() {
				e.U8(0)
				return nil
			}
			v = rv.Elem().Interface()
		}
		e.U8(1)
		return e.Value(*t.Elem, v)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
	return nil
}

func (e *Encoder) elements(elem Type, rv reflect.Value) error {
	for i := 0; i < rv.Len(); i++ {
		if err := e.Value(elem, rv.Index(i).Interface()); err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
	}
	return nil
}

func typeMismatch(t Type, v any) error {
	return fmt.Errorf("%s: cannot encode %T", t, v)
}

func toUint(v any, bits int) (uint64, error) {
	rv := reflect.ValueOf(v)
	var n uint64
	switch rv.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n = rv.Uint()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if rv.Int() < 0 {
			return 0, fmt.Errorf("negative value %d", rv.Int())
		}
		n = uint64(rv.Int())
	default:
		return 0, fmt.Errorf("cannot encode %T", v)
	}
	if bits < 64 && n > (uint64(1)<<bits)-1 {
		return 0, fmt.Errorf("value %d overflows", n)
	}
	return n, nil
}

func toInt64(v any) (int64, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if rv.Uint() > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows", rv.Uint())
		}
		return int64(rv.Uint()), nil
	default:
		return 0, fmt.Errorf("cannot encode %T", v)
	}
}

func toU128(v any) ([16]byte, error) {
	var out [16]byte
	switch n := v.(type) {
	case [16]byte:
		return n, nil
	case *big.Int:
		if n.Sign() < 0 || n.BitLen() > 128 {
			return out, fmt.Errorf("value %s out of range", n)
		}
		be := n.FillBytes(make([]byte, 16))
		for i := range out {
			out[i] = be[15-i]
		}
		return out, nil
	default:
		u, err := toUint(v, 64)
		if err != nil {
			return out, err
		}
		binary.LittleEndian.PutUint64(out[:8], u)
		return out, nil
	}
}

// Decoder reads Borsh values from a buffer. The first failure sticks and
// every later read returns zero values.
type Decoder struct {
	buf []byte
	off int
	err error
}

func NewDecoder(data []byte) *Decoder {
	return &Decoder{buf: data}
}

func (d *Decoder) Err() error { return d.err }

// Remaining reports unread bytes.
func (d *Decoder) Remaining() int { return len(d.buf) - d.off }

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.Remaining() < n {
		d.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, d.off, d.Remaining())
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) U8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) Bool() bool {
	v := d.U8()
	if v > 1 && d.err == nil {
		d.err = fmt.Errorf("borsh: invalid bool byte %d", v)
	}
	return v == 1
}

func (d *Decoder) U32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *Decoder) U64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *Decoder) I64() int64 { return int64(d.U64()) }

func (d *Decoder) Fixed32() [32]byte {
	var out [32]byte
	copy(out[:], d.take(32))
	return out
}

func (d *Decoder) PublicKey() pda.PublicKey {
	return pda.PublicKey(d.Fixed32())
}

func (d *Decoder) Str() string {
	n := d.Len()
	return string(d.take(n))
}

// Len reads a u32 collection length prefix.
func (d *Decoder) Len() int {
	n := d.U32()
	if d.err == nil && n > maxVecLen {
		d.err = fmt.Errorf("borsh: length %d exceeds limit", n)
		return 0
	}
	return int(n)
}

func (d *Decoder) StringVec() []string {
	n := d.Len()
	out := make([]string, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.Str())
	}
	return out
}

func (d *Decoder) U32Vec() []uint32 {
	n := d.Len()
	out := make([]uint32, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.U32())
	}
	return out
}

func (d *Decoder) BoolVec() []bool {
	n := d.Len()
	out := make([]bool, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.Bool())
	}
	return out
}
