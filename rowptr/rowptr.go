// Package rowptr defines the identifiers by which tables, indexes, columns
// and individual rows are addressed inside the engine.
//
// A RowPointer never contains a copy of row data: it is a coordinate into a
// Page, resolved lazily by whoever holds the page it names. Two RowPointers
// compare equal iff they name the same (state, page, offset) triple; the
// reserved bit is masked out of every comparison performed outside the
// tableindex package.
package rowptr

import "fmt"

// TableId identifies a table for the lifetime of the database.
type TableId uint32

// IndexId identifies an index definition.
type IndexId uint32

// ColId identifies a column within a table's schema.
type ColId uint16

// ConstraintId identifies a unique/check constraint.
type ConstraintId uint32

// SequenceId identifies an auto-increment sequence.
type SequenceId uint32

// PageIndex is the position of a Page within a table's page vector.
type PageIndex uint64

// PageOffset is a byte offset within a single page.
type PageOffset uint16

// SquashedOffset distinguishes rows living in the durable CommittedState
// from rows living in a transaction's insert-only overlay.
type SquashedOffset uint8

const (
	// CommittedState marks a pointer into the durable, shared database.
	CommittedState SquashedOffset = 0
	// TxState marks a pointer into the insert table of a single in-flight
	// transaction.
	TxState SquashedOffset = 1
)

func (s SquashedOffset) String() string {
	switch s {
	case CommittedState:
		return "committed"
	case TxState:
		return "tx"
	default:
		return fmt.Sprintf("SquashedOffset(%d)", uint8(s))
	}
}

// RowPointer is a bitpacked (reserved, SquashedOffset, PageIndex, PageOffset)
// quadruple. Layout, from the high bit down:
//
//	bit 63:    reserved     — owned exclusively by tableindex.UniqueDirectIndex
//	bit 62:    SquashedOffset
//	bits 61-16: PageIndex   (46 bits)
//	bits 15-0:  PageOffset  (16 bits)
//
// The reserved bit is never considered by Equal, and no code outside
// tableindex may set it: tableindex's injest/expose helpers go through
// WithReservedBit instead of touching bits directly.
type RowPointer uint64

const (
	offsetShift  = 62
	pageIdxShift = 16
	pageIdxMask  = (uint64(1) << 46) - 1
	pageOffMask  = (uint64(1) << 16) - 1
	reservedBit  = uint64(1) << 63
	squashedBit  = uint64(1) << 62
)

// New builds a RowPointer. reserved should only ever be set by
// tableindex.injest; all other callers pass false.
func New(reserved bool, page PageIndex, offset PageOffset, squashed SquashedOffset) RowPointer {
	v := (uint64(page) & pageIdxMask) << pageIdxShift
	v |= uint64(offset) & pageOffMask
	if squashed == TxState {
		v |= squashedBit
	}
	if reserved {
		v |= reservedBit
	}
	return RowPointer(v)
}

// SquashedOffset reports whether ptr names a committed or tx-local row.
func (p RowPointer) SquashedOffset() SquashedOffset {
	if uint64(p)&squashedBit != 0 {
		return TxState
	}
	return CommittedState
}

// PageIndex returns the page this pointer names.
func (p RowPointer) PageIndex() PageIndex {
	return PageIndex((uint64(p) >> pageIdxShift) & pageIdxMask)
}

// PageOffset returns the byte offset of the fixed slot within the page.
func (p RowPointer) PageOffset() PageOffset {
	return PageOffset(uint64(p) & pageOffMask)
}

// reserved reports the internal liveness bit. Exported only to tableindex
// via WithReservedBit/IsReserved so the bit never leaks further.
func (p RowPointer) reserved() bool {
	return uint64(p)&reservedBit != 0
}

// WithReservedBit returns a copy of p with the reserved bit set as given.
// Only tableindex.injest/expose should call this.
func (p RowPointer) WithReservedBit(set bool) RowPointer {
	if set {
		return RowPointer(uint64(p) | reservedBit)
	}
	return RowPointer(uint64(p) &^ reservedBit)
}

// IsReserved reports the reserved bit. Only tableindex should call this.
func (p RowPointer) IsReserved() bool {
	return p.reserved()
}

// Equal compares two pointers ignoring the reserved bit, which is never
// part of a RowPointer's logical identity.
func (p RowPointer) Equal(o RowPointer) bool {
	return p.WithReservedBit(false) == o.WithReservedBit(false)
}

func (p RowPointer) String() string {
	return fmt.Sprintf("RowPointer{%s, page=%d, off=%d}", p.SquashedOffset(), p.PageIndex(), p.PageOffset())
}
