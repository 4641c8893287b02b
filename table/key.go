package table

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/nova-db/stdb/layout"
	"github.com/nova-db/stdb/rowptr"
	"github.com/nova-db/stdb/tableindex"
)

// projectKey builds an ordered index key from the columns named by cols,
// encoding each field so that byte-lexicographic order of the result
// matches the field's natural order (two's-complement sign flip for signed
// integers, sign/mantissa flip for floats, and for strings and byte arrays
// the raw bytes with each 0x00 escaped as 0x00 0xFF, followed by a 0x00 0x01
// terminator, so that composite keys don't become ambiguous at a field
// boundary).
func projectKey(rl layout.RowLayout, v layout.Value, cols []rowptr.ColId) (tableindex.Key, error) {
	var buf bytes.Buffer
	for _, col := range cols {
		if int(col) >= len(rl.Fields) {
			return nil, errors.Errorf("table: column %d out of range", col)
		}
		fl := rl.Fields[col]
		fv := v.Product[col]
		if err := encodeKeyField(&buf, fl, fv); err != nil {
			return nil, err
		}
	}
	return tableindex.Key(buf.Bytes()), nil
}

// directKey builds the 8-byte big-endian dense key a UniqueDirectIndex
// requires: exactly one unsigned-integer or sum-tag column.
func directKey(rl layout.RowLayout, v layout.Value, cols []rowptr.ColId) (tableindex.Key, error) {
	if len(cols) != 1 {
		return nil, errors.New("table: direct index requires exactly one column")
	}
	fl := rl.Fields[cols[0]]
	fv := v.Product[cols[0]]
	var u uint64
	switch fl.Type.Kind {
	case layout.KindU8:
		u = fv.Uint
	case layout.KindU16:
		u = fv.Uint
	case layout.KindU32:
		u = fv.Uint
	case layout.KindU64:
		u = fv.Uint
	case layout.KindSum:
		u = uint64(fv.Sum.Tag)
	default:
		return nil, errors.Errorf("table: direct index unsupported column kind %d", fl.Type.Kind)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, u)
	return tableindex.Key(buf), nil
}

func encodeKeyField(buf *bytes.Buffer, fl layout.FieldLayout, fv layout.Value) error {
	switch {
	case fl.IsVarLen:
		data := []byte(fv.Str)
		if fl.Type.Kind == layout.KindBytes {
			data = fv.Bytes
		}
		for _, b := range data {
			buf.WriteByte(b)
			if b == 0x00 {
				buf.WriteByte(0xFF)
			}
		}
		buf.Write([]byte{0x00, 0x01})
		return nil
	case fl.Type.Kind == layout.KindSum:
		// Index keys over a sum column address only the variant tag; the
		// direct index's whole reason for supporting sum types is dense
		// tag dispatch, not payload comparison.
		buf.WriteByte(fv.Sum.Tag)
		return nil
	case fl.Type.Kind == layout.KindProduct:
		return errors.New("table: nested product columns cannot be indexed directly")
	default:
		return encodeOrderedPrimitive(buf, fl.Type.Kind, fv)
	}
}

func encodeOrderedPrimitive(buf *bytes.Buffer, k layout.Kind, v layout.Value) error {
	switch k {
	case layout.KindBool:
		if v.Bool {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case layout.KindU8:
		buf.WriteByte(byte(v.Uint))
	case layout.KindU16:
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(v.Uint))
		buf.Write(b[:])
	case layout.KindU32:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(v.Uint))
		buf.Write(b[:])
	case layout.KindU64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v.Uint)
		buf.Write(b[:])
	case layout.KindI8:
		buf.WriteByte(byte(v.Int) ^ 0x80)
	case layout.KindI16:
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(v.Int)^0x8000)
		buf.Write(b[:])
	case layout.KindI32:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(v.Int)^0x80000000)
		buf.Write(b[:])
	case layout.KindI64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.Int)^0x8000000000000000)
		buf.Write(b[:])
	case layout.KindF32:
		bits := math.Float32bits(float32(v.Float))
		if bits&0x80000000 != 0 {
			bits = ^bits
		} else {
			bits |= 0x80000000
		}
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], bits)
		buf.Write(b[:])
	case layout.KindF64:
		bits := math.Float64bits(v.Float)
		if bits&0x8000000000000000 != 0 {
			bits = ^bits
		} else {
			bits |= 0x8000000000000000
		}
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], bits)
		buf.Write(b[:])
	default:
		return errors.Errorf("table: unsupported key column kind %d", k)
	}
	return nil
}

// hashValue computes a stable 64-bit digest of a row's logical content
// (following VLO fields to their decoded bytes, not their VarLenRef
// coordinates), used to key the pointer map for exact-duplicate detection.
func hashValue(rl layout.RowLayout, v layout.Value) uint64 {
	h := xxhash.New()
	hashProduct(h, rl.Fields, v)
	return h.Sum64()
}

func hashProduct(h *xxhash.Digest, fields []layout.FieldLayout, v layout.Value) {
	for i, fl := range fields {
		hashField(h, fl, v.Product[i])
	}
}

func hashField(h *xxhash.Digest, fl layout.FieldLayout, fv layout.Value) {
	switch {
	case fl.IsVarLen:
		if fl.Type.Kind == layout.KindString {
			_, _ = h.Write([]byte(fv.Str))
		} else {
			_, _ = h.Write(fv.Bytes)
		}
	case fl.Type.Kind == layout.KindProduct:
		sub, err := layout.Compute(fl.Type)
		if err != nil {
			return
		}
		hashProduct(h, sub.Fields, fv)
	case fl.Type.Kind == layout.KindSum:
		_, _ = h.Write([]byte{fv.Sum.Tag})
		variant := fl.Type.Variants[fv.Sum.Tag]
		payloadFl := layout.FieldLayout{Type: variant.Type, IsVarLen: layout.IsVarLen(variant.Type.Kind)}
		hashField(h, payloadFl, fv.Sum.Payload)
	default:
		var b [8]byte
		switch fl.Type.Kind {
		case layout.KindBool:
			if fv.Bool {
				b[0] = 1
			}
			_, _ = h.Write(b[:1])
		case layout.KindU8, layout.KindI8:
			if fl.Type.Kind == layout.KindU8 {
				b[0] = byte(fv.Uint)
			} else {
				b[0] = byte(fv.Int)
			}
			_, _ = h.Write(b[:1])
		case layout.KindU16, layout.KindI16:
			if fl.Type.Kind == layout.KindU16 {
				binary.LittleEndian.PutUint16(b[:2], uint16(fv.Uint))
			} else {
				binary.LittleEndian.PutUint16(b[:2], uint16(fv.Int))
			}
			_, _ = h.Write(b[:2])
		case layout.KindU32, layout.KindI32:
			if fl.Type.Kind == layout.KindU32 {
				binary.LittleEndian.PutUint32(b[:4], uint32(fv.Uint))
			} else {
				binary.LittleEndian.PutUint32(b[:4], uint32(fv.Int))
			}
			_, _ = h.Write(b[:4])
		case layout.KindF32:
			binary.LittleEndian.PutUint32(b[:4], math.Float32bits(float32(fv.Float)))
			_, _ = h.Write(b[:4])
		case layout.KindU64, layout.KindI64:
			if fl.Type.Kind == layout.KindU64 {
				binary.LittleEndian.PutUint64(b[:8], fv.Uint)
			} else {
				binary.LittleEndian.PutUint64(b[:8], uint64(fv.Int))
			}
			_, _ = h.Write(b[:8])
		case layout.KindF64:
			binary.LittleEndian.PutUint64(b[:8], math.Float64bits(fv.Float))
			_, _ = h.Write(b[:8])
		}
	}
}
