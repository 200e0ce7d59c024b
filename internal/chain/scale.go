package chain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
)

// Minimal SCALE codec: just the primitives the fixed extrinsic shapes need.
// Compact integers, fixed-width words, raw byte runs. Values larger than
// u128 are rejected.

var errScaleEOF = errors.New("scale: unexpected end of input")

type scaleReader struct {
	buf []byte
	pos int
}

func newScaleReader(b []byte) *scaleReader {
	return &scaleReader{buf: b}
}

func (r *scaleReader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *scaleReader) byte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, errScaleEOF
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *scaleReader) bytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, errScaleEOF
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

// compact decodes a SCALE compact-encoded unsigned integer of up to 16 bytes.
func (r *scaleReader) compact() (*big.Int, error) {
	first, err := r.byte()
	if err != nil {
		return nil, err
	}
	switch first & 0x03 {
	case 0:
		return big.NewInt(int64(first >> 2)), nil
	case 1:
		second, err := r.byte()
		if err != nil {
			return nil, err
		}
		v := (uint64(first) | uint64(second)<<8) >> 2
		return new(big.Int).SetUint64(v), nil
	case 2:
		rest, err := r.bytes(3)
		if err != nil {
			return nil, err
		}
		v := (uint64(first) | uint64(rest[0])<<8 | uint64(rest[1])<<16 | uint64(rest[2])<<24) >> 2
		return new(big.Int).SetUint64(v), nil
	default:
		n := int(first>>2) + 4
		if n > 16 {
			return nil, fmt.Errorf("scale: compact of %d bytes not supported", n)
		}
		raw, err := r.bytes(n)
		if err != nil {
			return nil, err
		}
		le := make([]byte, n)
		copy(le, raw)
		reverse(le)
		return new(big.Int).SetBytes(le), nil
	}
}

func (r *scaleReader) compactLen() (int, error) {
	v, err := r.compact()
	if err != nil {
		return 0, err
	}
	if !v.IsInt64() || v.Int64() > int64(r.remaining()) {
		return 0, errScaleEOF
	}
	return int(v.Int64()), nil
}

func (r *scaleReader) u32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

type scaleWriter struct {
	buf []byte
}

func (w *scaleWriter) byte(b byte) {
	w.buf = append(w.buf, b)
}

func (w *scaleWriter) raw(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *scaleWriter) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.raw(b[:])
}

func (w *scaleWriter) compact(v *big.Int) error {
	if v.Sign() < 0 {
		return errors.New("scale: compact value is negative")
	}
	switch {
	case v.BitLen() <= 6:
		w.byte(byte(v.Uint64() << 2))
	case v.BitLen() <= 14:
		u := v.Uint64()<<2 | 1
		w.byte(byte(u))
		w.byte(byte(u >> 8))
	case v.BitLen() <= 30:
		u := v.Uint64()<<2 | 2
		w.byte(byte(u))
		w.byte(byte(u >> 8))
		w.byte(byte(u >> 16))
		w.byte(byte(u >> 24))
	default:
		be := v.Bytes()
		if len(be) > 16 {
			return errors.New("scale: compact value exceeds u128")
		}
		w.byte(byte((len(be)-4)<<2 | 3))
		le := make([]byte, len(be))
		copy(le, be)
		reverse(le)
		w.raw(le)
	}
	return nil
}

func (w *scaleWriter) compactUint(v uint64) {
	_ = w.compact(new(big.Int).SetUint64(v))
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
