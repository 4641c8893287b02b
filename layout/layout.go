// Package layout computes BFLATN ("binary flattened") row layouts from an
// algebraic schema and encodes/decodes row values against a page's fixed and
// variable regions, spilling oversized variable-length values into a
// blobstore.
//
// BFLATN lays a row out as a contiguous fixed-size prefix holding every
// primitive field in place and a page.VarLenRef per variable-length field;
// the bytes a VarLenRef names live in the page's granule chain, or in the
// blob store when they exceed the configured threshold.
package layout

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/nova-db/stdb/blobstore"
	"github.com/nova-db/stdb/page"
	"github.com/nova-db/stdb/rowptr"
)

// Kind enumerates the algebraic type constructors BFLATN understands.
type Kind uint8

const (
	KindBool Kind = iota
	KindU8
	KindI8
	KindU16
	KindI16
	KindU32
	KindI32
	KindU64
	KindI64
	KindF32
	KindF64
	KindString
	KindBytes
	KindProduct
	KindSum
)

// AlgebraicType describes the shape of a value: a primitive, a UTF-8
// string, a byte array, a product (struct-like tuple of named fields), or a
// sum (tagged union of named variants).
type AlgebraicType struct {
	Kind     Kind
	Fields   []NamedType // KindProduct
	Variants []NamedType // KindSum
}

// NamedType pairs a field or variant name with its type, used inside
// products and sums.
type NamedType struct {
	Name string
	Type AlgebraicType
}

func Primitive(k Kind) AlgebraicType { return AlgebraicType{Kind: k} }

func Product(fields ...NamedType) AlgebraicType {
	return AlgebraicType{Kind: KindProduct, Fields: fields}
}

func Sum(variants ...NamedType) AlgebraicType {
	return AlgebraicType{Kind: KindSum, Variants: variants}
}

func primSize(k Kind) uint16 {
	switch k {
	case KindBool, KindU8, KindI8:
		return 1
	case KindU16, KindI16:
		return 2
	case KindU32, KindI32, KindF32:
		return 4
	case KindU64, KindI64, KindF64:
		return 8
	default:
		return 0
	}
}

func isVarLen(k Kind) bool { return k == KindString || k == KindBytes }

// IsVarLen reports whether a field of kind k is stored as a page.VarLenRef
// rather than inline fixed bytes. Exported so callers outside this package
// (table's index-key and pointer-map hash projections) can walk a
// RowLayout's fields without reimplementing the product/sum/primitive
// switch here.
func IsVarLen(k Kind) bool { return isVarLen(k) }

// FieldLayout is the computed fixed-region placement of one product field,
// or of a sum's tag/payload slot.
type FieldLayout struct {
	Name     string
	Type     AlgebraicType
	Offset   uint16
	Size     uint16 // for fixed fields; for var-len fields this is the VarLenRef size
	IsVarLen bool
}

// RowLayout is the computed fixed-size footprint of a row's top-level
// product type plus the offsets of each field within it.
type RowLayout struct {
	Type   AlgebraicType
	Size   uint16
	Align  uint16
	Fields []FieldLayout
}

const varLenRefSize = 6 // PageOffset(2) + uint32 length(4)

// Compute walks a product type and assigns byte offsets to every field in
// declaration order, matching BFLATN's "no reordering for cache locality"
// simplicity: field order in memory is field order in the schema.
func Compute(t AlgebraicType) (RowLayout, error) {
	if t.Kind != KindProduct {
		return RowLayout{}, errors.New("layout: row type must be a product")
	}
	rl := RowLayout{Type: t, Align: 1}
	var offset uint16
	for _, f := range t.Fields {
		fl := FieldLayout{Name: f.Name, Type: f.Type}
		switch f.Type.Kind {
		case KindProduct:
			sub, err := computeNested(f.Type)
			if err != nil {
				return RowLayout{}, err
			}
			fl.Size = sub.Size
			if sub.Align > rl.Align {
				rl.Align = sub.Align
			}
			offset = alignUp(offset, sub.Align)
		case KindSum:
			sz, align, err := sumLayout(f.Type)
			if err != nil {
				return RowLayout{}, err
			}
			fl.Size = sz
			if align > rl.Align {
				rl.Align = align
			}
			offset = alignUp(offset, align)
		default:
			if isVarLen(f.Type.Kind) {
				fl.IsVarLen = true
				fl.Size = varLenRefSize
				offset = alignUp(offset, 2)
			} else {
				fl.Size = primSize(f.Type.Kind)
				if fl.Size > rl.Align {
					rl.Align = fl.Size
				}
				offset = alignUp(offset, fl.Size)
			}
		}
		fl.Offset = offset
		offset += fl.Size
		rl.Fields = append(rl.Fields, fl)
	}
	rl.Size = alignUp(offset, rl.Align)
	return rl, nil
}

func computeNested(t AlgebraicType) (RowLayout, error) {
	return Compute(t)
}

// sumLayout computes a sum type's (tag: u8, payload: largest variant)
// layout, padded so every variant's payload fits.
func sumLayout(t AlgebraicType) (size, align uint16, err error) {
	align = 1
	var payload uint16
	for _, v := range t.Variants {
		var vsz, valign uint16
		switch v.Type.Kind {
		case KindProduct:
			sub, e := Compute(v.Type)
			if e != nil {
				return 0, 0, e
			}
			vsz, valign = sub.Size, sub.Align
		case KindSum:
			vsz, valign, err = sumLayout(v.Type)
			if err != nil {
				return 0, 0, err
			}
		default:
			if isVarLen(v.Type.Kind) {
				vsz, valign = varLenRefSize, 2
			} else {
				vsz, valign = primSize(v.Type.Kind), primSize(v.Type.Kind)
			}
		}
		if vsz > payload {
			payload = vsz
		}
		if valign > align {
			align = valign
		}
	}
	tagSize := uint16(1)
	size = alignUp(tagSize, align) + payload
	return size, align, nil
}

func alignUp(n, align uint16) uint16 {
	if align <= 1 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}

// Value is a dynamically-typed row value: exactly one of its fields is
// meaningful, selected by the AlgebraicType it's being read or written
// against.
type Value struct {
	Bool    bool
	Int     int64
	Uint    uint64
	Float   float64
	Str     string
	Bytes   []byte
	Product []Value
	Sum     *SumValue
}

// SumValue is a tagged union value: Tag selects the active variant and
// Payload holds its value.
type SumValue struct {
	Tag     uint8
	Payload Value
}

func U(v uint64) Value  { return Value{Uint: v} }
func I(v int64) Value   { return Value{Int: v} }
func B(v bool) Value    { return Value{Bool: v} }
func F(v float64) Value { return Value{Float: v} }
func S(v string) Value  { return Value{Str: v} }
func Bs(v []byte) Value { return Value{Bytes: v} }
func P(vs ...Value) Value {
	return Value{Product: vs}
}

// WriteRow encodes value into a freshly allocated fixed slot of p,
// spilling any variable-length field whose length meets or exceeds
// blobThreshold into blobs rather than the page's granule chain.
func WriteRow(p *page.Page, blobs *blobstore.Store, rl RowLayout, value Value, blobThreshold int) (rowptr.PageOffset, error) {
	off, buf, err := p.AllocFixed(rl.Size, rl.Align)
	if err != nil {
		return 0, errors.Wrap(err, "layout: write row")
	}
	if err := writeProduct(p, blobs, rl.Fields, buf, value, blobThreshold); err != nil {
		p.FreeFixed(off)
		return 0, err
	}
	return off, nil
}

func writeProduct(p *page.Page, blobs *blobstore.Store, fields []FieldLayout, buf []byte, value Value, threshold int) error {
	if len(value.Product) != len(fields) {
		return errors.Errorf("layout: product arity mismatch: want %d, got %d", len(fields), len(value.Product))
	}
	for i, fl := range fields {
		fv := value.Product[i]
		slot := buf[fl.Offset : fl.Offset+fl.Size]
		if err := writeField(p, blobs, fl, slot, fv, threshold); err != nil {
			return errors.Wrapf(err, "field %q", fl.Name)
		}
	}
	return nil
}

func writeField(p *page.Page, blobs *blobstore.Store, fl FieldLayout, slot []byte, fv Value, threshold int) error {
	switch {
	case fl.IsVarLen:
		return writeVarLen(p, blobs, slot, []byte(valueBytes(fl.Type, fv)), threshold)
	case fl.Type.Kind == KindProduct:
		sub, err := Compute(fl.Type)
		if err != nil {
			return err
		}
		return writeProduct(p, blobs, sub.Fields, slot, fv, threshold)
	case fl.Type.Kind == KindSum:
		return writeSum(p, blobs, fl.Type, slot, fv, threshold)
	default:
		return writePrimitive(fl.Type.Kind, slot, fv)
	}
}

func valueBytes(t AlgebraicType, v Value) []byte {
	if t.Kind == KindString {
		return []byte(v.Str)
	}
	return v.Bytes
}

func writeVarLen(p *page.Page, blobs *blobstore.Store, slot []byte, data []byte, threshold int) error {
	if len(data) >= threshold {
		h := blobs.Insert(data)
		g, err := p.AllocGranule()
		if err != nil {
			return err
		}
		p.WriteGranuleChain([]rowptr.PageOffset{g}, h[:])
		binary.LittleEndian.PutUint16(slot[0:2], uint16(g))
		binary.LittleEndian.PutUint32(slot[2:6], page.LargeBlobSentinel)
		return nil
	}
	n := len(data)
	granulesNeeded := (n + page.GranulePayloadSize - 1) / page.GranulePayloadSize
	if n == 0 {
		binary.LittleEndian.PutUint16(slot[0:2], uint16(page.NullOffset))
		binary.LittleEndian.PutUint32(slot[2:6], 0)
		return nil
	}
	granules := make([]rowptr.PageOffset, granulesNeeded)
	for i := range granules {
		g, err := p.AllocGranule()
		if err != nil {
			return err
		}
		granules[i] = g
	}
	p.WriteGranuleChain(granules, data)
	binary.LittleEndian.PutUint16(slot[0:2], uint16(granules[0]))
	binary.LittleEndian.PutUint32(slot[2:6], uint32(n))
	return nil
}

func writeSum(p *page.Page, blobs *blobstore.Store, t AlgebraicType, slot []byte, fv Value, threshold int) error {
	if fv.Sum == nil {
		return errors.New("layout: sum value missing")
	}
	if int(fv.Sum.Tag) >= len(t.Variants) {
		return errors.Errorf("layout: sum tag %d out of range", fv.Sum.Tag)
	}
	variant := t.Variants[fv.Sum.Tag]
	_, align, err := sumLayout(t)
	if err != nil {
		return err
	}
	slot[0] = fv.Sum.Tag
	payloadOff := alignUp(1, align)
	payloadFl := FieldLayout{Type: variant.Type, IsVarLen: isVarLen(variant.Type.Kind)}
	return writeField(p, blobs, payloadFl, slot[payloadOff:], fv.Sum.Payload, threshold)
}

func writePrimitive(k Kind, slot []byte, v Value) error {
	switch k {
	case KindBool:
		if v.Bool {
			slot[0] = 1
		} else {
			slot[0] = 0
		}
	case KindU8:
		slot[0] = byte(v.Uint)
	case KindI8:
		slot[0] = byte(v.Int)
	case KindU16:
		binary.LittleEndian.PutUint16(slot, uint16(v.Uint))
	case KindI16:
		binary.LittleEndian.PutUint16(slot, uint16(int16(v.Int)))
	case KindU32:
		binary.LittleEndian.PutUint32(slot, uint32(v.Uint))
	case KindI32:
		binary.LittleEndian.PutUint32(slot, uint32(v.Int))
	case KindF32:
		binary.LittleEndian.PutUint32(slot, math.Float32bits(float32(v.Float)))
	case KindU64:
		binary.LittleEndian.PutUint64(slot, v.Uint)
	case KindI64:
		binary.LittleEndian.PutUint64(slot, uint64(v.Int))
	case KindF64:
		binary.LittleEndian.PutUint64(slot, math.Float64bits(v.Float))
	default:
		return errors.Errorf("layout: unsupported primitive kind %d", k)
	}
	return nil
}

// ReadRow decodes the row at off against rl, resolving variable-length
// fields through p's granule chains and blobs for spilled values.
func ReadRow(p *page.Page, blobs *blobstore.Store, rl RowLayout, off rowptr.PageOffset) (Value, error) {
	buf := p.GetRowData(off, rl.Size)
	return readProduct(p, blobs, rl.Fields, buf)
}

func readProduct(p *page.Page, blobs *blobstore.Store, fields []FieldLayout, buf []byte) (Value, error) {
	out := Value{Product: make([]Value, len(fields))}
	for i, fl := range fields {
		slot := buf[fl.Offset : fl.Offset+fl.Size]
		v, err := readField(p, blobs, fl, slot)
		if err != nil {
			return Value{}, errors.Wrapf(err, "field %q", fl.Name)
		}
		out.Product[i] = v
	}
	return out, nil
}

func readField(p *page.Page, blobs *blobstore.Store, fl FieldLayout, slot []byte) (Value, error) {
	switch {
	case fl.IsVarLen:
		data, err := readVarLen(p, blobs, slot)
		if err != nil {
			return Value{}, err
		}
		if fl.Type.Kind == KindString {
			return S(string(data)), nil
		}
		return Bs(data), nil
	case fl.Type.Kind == KindProduct:
		sub, err := Compute(fl.Type)
		if err != nil {
			return Value{}, err
		}
		return readProduct(p, blobs, sub.Fields, slot)
	case fl.Type.Kind == KindSum:
		return readSum(p, blobs, fl.Type, slot)
	default:
		return readPrimitive(fl.Type.Kind, slot)
	}
}

func readVarLen(p *page.Page, blobs *blobstore.Store, slot []byte) ([]byte, error) {
	first := rowptr.PageOffset(binary.LittleEndian.Uint16(slot[0:2]))
	length := binary.LittleEndian.Uint32(slot[2:6])
	if first == page.NullOffset {
		return nil, nil
	}
	if length == page.LargeBlobSentinel {
		it := p.IterVLOData(first)
		payload, _ := it.Next()
		var h blobstore.Hash
		copy(h[:], payload[:blobstore.HashLen])
		return blobs.Get(h)
	}
	out := make([]byte, 0, length)
	it := p.IterVLOData(first)
	remaining := int(length)
	for remaining > 0 {
		chunk, ok := it.Next()
		if !ok {
			return nil, errors.New("layout: truncated granule chain")
		}
		n := remaining
		if n > len(chunk) {
			n = len(chunk)
		}
		out = append(out, chunk[:n]...)
		remaining -= n
	}
	return out, nil
}

func readSum(p *page.Page, blobs *blobstore.Store, t AlgebraicType, slot []byte) (Value, error) {
	tag := slot[0]
	if int(tag) >= len(t.Variants) {
		return Value{}, errors.Errorf("layout: sum tag %d out of range", tag)
	}
	variant := t.Variants[tag]
	_, align, err := sumLayout(t)
	if err != nil {
		return Value{}, err
	}
	payloadOff := alignUp(1, align)
	payloadFl := FieldLayout{Type: variant.Type, IsVarLen: isVarLen(variant.Type.Kind)}
	payload, err := readField(p, blobs, payloadFl, slot[payloadOff:])
	if err != nil {
		return Value{}, err
	}
	return Value{Sum: &SumValue{Tag: tag, Payload: payload}}, nil
}

func readPrimitive(k Kind, slot []byte) (Value, error) {
	switch k {
	case KindBool:
		return B(slot[0] != 0), nil
	case KindU8:
		return U(uint64(slot[0])), nil
	case KindI8:
		return I(int64(int8(slot[0]))), nil
	case KindU16:
		return U(uint64(binary.LittleEndian.Uint16(slot))), nil
	case KindI16:
		return I(int64(int16(binary.LittleEndian.Uint16(slot)))), nil
	case KindU32:
		return U(uint64(binary.LittleEndian.Uint32(slot))), nil
	case KindI32:
		return I(int64(int32(binary.LittleEndian.Uint32(slot)))), nil
	case KindF32:
		return F(float64(math.Float32frombits(binary.LittleEndian.Uint32(slot)))), nil
	case KindU64:
		return U(binary.LittleEndian.Uint64(slot)), nil
	case KindI64:
		return I(int64(binary.LittleEndian.Uint64(slot))), nil
	case KindF64:
		return F(math.Float64frombits(binary.LittleEndian.Uint64(slot))), nil
	default:
		return Value{}, errors.Errorf("layout: unsupported primitive kind %d", k)
	}
}

// FreeRow releases a row's fixed slot and any granule chains or blobs its
// variable-length fields reference.
func FreeRow(p *page.Page, blobs *blobstore.Store, rl RowLayout, off rowptr.PageOffset) error {
	buf := p.GetRowData(off, rl.Size)
	if err := freeProduct(p, blobs, rl.Fields, buf); err != nil {
		return err
	}
	p.FreeFixed(off)
	return nil
}

func freeProduct(p *page.Page, blobs *blobstore.Store, fields []FieldLayout, buf []byte) error {
	for _, fl := range fields {
		slot := buf[fl.Offset : fl.Offset+fl.Size]
		if err := freeField(p, blobs, fl, slot); err != nil {
			return err
		}
	}
	return nil
}

func freeField(p *page.Page, blobs *blobstore.Store, fl FieldLayout, slot []byte) error {
	switch {
	case fl.IsVarLen:
		first := rowptr.PageOffset(binary.LittleEndian.Uint16(slot[0:2]))
		length := binary.LittleEndian.Uint32(slot[2:6])
		if first == page.NullOffset {
			return nil
		}
		if length == page.LargeBlobSentinel {
			it := p.IterVLOData(first)
			payload, _ := it.Next()
			var h blobstore.Hash
			copy(h[:], payload[:blobstore.HashLen])
			p.FreeGranuleChain(first)
			return blobs.Release(h)
		}
		p.FreeGranuleChain(first)
		return nil
	case fl.Type.Kind == KindProduct:
		sub, err := Compute(fl.Type)
		if err != nil {
			return err
		}
		return freeProduct(p, blobs, sub.Fields, slot)
	case fl.Type.Kind == KindSum:
		tag := slot[0]
		if int(tag) >= len(fl.Type.Variants) {
			return nil
		}
		variant := fl.Type.Variants[tag]
		_, align, err := sumLayout(fl.Type)
		if err != nil {
			return err
		}
		payloadOff := alignUp(1, align)
		payloadFl := FieldLayout{Type: variant.Type, IsVarLen: isVarLen(variant.Type.Kind)}
		return freeField(p, blobs, payloadFl, slot[payloadOff:])
	default:
		return nil
	}
}
