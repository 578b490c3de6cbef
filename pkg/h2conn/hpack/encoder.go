package hpack

import "io"

// Encoder compresses a sequence of header fields into an HPACK header
// block. Fields must be written in the order they should appear on the
// wire; pseudo-headers should be written before regular fields, matching
// the requirement HTTP/2 places on HEADERS payloads.
type Encoder struct {
	dyn *dynamicTable
	w   io.Writer
	buf []byte

	// pendingSizeUpdate, when set, makes the next field be preceded by
	// dynamic-table-size-update directives (minSizeSinceLast, then
	// sizeUpdateTarget if different), per RFC 7541 §6.3.
	pendingSizeUpdate bool
	minSizeSinceLast  uint32
	sizeUpdateTarget  uint32
}

// NewEncoder returns an Encoder that writes its output to w as each field
// is submitted. The dynamic table starts at RFC 7541's default capacity of
// 4096; call SetMaxDynamicTableSize to match the peer's advertised
// SETTINGS_HEADER_TABLE_SIZE.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		dyn: newDynamicTable(4096),
		w:   w,
	}
}

// SetMaxDynamicTableSize changes the capacity of this encoder's dynamic
// table, to be called whenever the peer's SETTINGS_HEADER_TABLE_SIZE is
// learned or changes. The change is signaled on the wire via a
// dynamic-table-size-update prefixed to the next WriteField call.
func (e *Encoder) SetMaxDynamicTableSize(n uint32) {
	if !e.pendingSizeUpdate {
		e.pendingSizeUpdate = true
		e.minSizeSinceLast = n
	} else if n < e.minSizeSinceLast {
		e.minSizeSinceLast = n
	}
	e.sizeUpdateTarget = n
	e.dyn.setMaxSize(n)
}

// WriteField encodes f and writes the result to the underlying writer.
// Fields marked Sensitive are always emitted as literal-never-indexed and
// never enter the dynamic table, regardless of how well they match an
// existing entry.
func (e *Encoder) WriteField(f HeaderField) error {
	e.buf = e.buf[:0]

	if e.pendingSizeUpdate {
		e.buf = appendVarint(e.buf, 5, 0x20, uint64(e.minSizeSinceLast))
		if e.sizeUpdateTarget != e.minSizeSinceLast {
			e.buf = appendVarint(e.buf, 5, 0x20, uint64(e.sizeUpdateTarget))
		}
		e.pendingSizeUpdate = false
	}

	idx, nameValueMatch := e.dyn.search(f)

	switch {
	case idx > 0 && nameValueMatch && !f.Sensitive:
		e.buf = appendVarint(e.buf, 7, 0x80, uint64(idx))
	case f.Sensitive:
		e.buf = e.writeLiteral(e.buf, 0x10, 4, idx, f)
	default:
		e.buf = e.writeLiteral(e.buf, 0x40, 6, idx, f)
		e.dyn.add(HeaderField{Name: f.Name, Value: f.Value})
	}

	_, err := e.w.Write(e.buf)
	return err
}

// writeLiteral appends a literal representation using instructionBit as the
// top bits of the first byte and prefixBits as the width of the name-index
// field, per RFC 7541 §6.2. idx of 0 means the name itself is a new
// literal; otherwise it indexes an existing name (static or dynamic).
func (e *Encoder) writeLiteral(dst []byte, instructionBit byte, prefixBits uint8, idx int, f HeaderField) []byte {
	if idx > 0 {
		dst = appendVarint(dst, prefixBits, instructionBit, uint64(idx))
	} else {
		dst = append(dst, instructionBit)
		dst = appendString(dst, f.Name)
	}
	return appendString(dst, f.Value)
}
