package hpack

// Decoder expands an HPACK header block back into header fields, driving
// its own dynamic table in lockstep with the peer's encoder. Any error
// returned from Write is a connection-level COMPRESSION_ERROR: the two
// dynamic tables have diverged and the byte stream can no longer be
// interpreted.
type Decoder struct {
	dyn  *dynamicTable
	emit func(HeaderField)

	// maxSizeCeiling bounds how large a peer's dynamic-table-size-update
	// may push the table; 0 means no ceiling has been set.
	maxSizeCeiling uint32
}

// NewDecoder returns a Decoder whose dynamic table starts at maxDynamicSize
// and which invokes emit for every field it decodes, matching the callback
// shape a stream multiplexer needs to attach fields to the right stream as
// they arrive rather than buffering a whole header list itself.
func NewDecoder(maxDynamicSize uint32, emit func(HeaderField)) *Decoder {
	return &Decoder{
		dyn:  newDynamicTable(maxDynamicSize),
		emit: emit,
	}
}

// SetEmit replaces the callback invoked per decoded field. Used to retarget
// a shared Decoder at a new stream's field collector.
func (d *Decoder) SetEmit(emit func(HeaderField)) { d.emit = emit }

// SetMaxDynamicTableSize applies a locally-imposed ceiling on the dynamic
// table (e.g. from this side's own SETTINGS_HEADER_TABLE_SIZE). If the
// table's current capacity exceeds n it is lowered to n at once; otherwise
// the capacity changes only when the peer sends a dynamic-table-size-update
// directive within that ceiling.
func (d *Decoder) SetMaxDynamicTableSize(n uint32) {
	if d.dyn.maxSize > n {
		d.dyn.setMaxSize(n)
	}
	d.maxSizeCeiling = n
}

// maxSizeCeiling is separated from dyn.maxSize because the wire-visible
// dynamic-table-size-update can lower or raise the table up to this
// ceiling, but never past it.
func (d *Decoder) ceiling() uint32 {
	if d.maxSizeCeiling == 0 {
		return ^uint32(0)
	}
	return d.maxSizeCeiling
}

// Write feeds a fragment of a header block (a whole HEADERS+CONTINUATION
// sequence concatenated by the caller) to the decoder. It may be called
// once with the full block or incrementally; state carries between calls
// only via the dynamic table, so a caller that wants incremental behavior
// must accumulate fragments itself and call Write once per complete field
// sequence. This implementation expects the full concatenated block.
func (d *Decoder) Write(block []byte) error {
	for len(block) > 0 {
		n, err := d.decodeOne(block)
		if err != nil {
			return err
		}
		block = block[n:]
	}
	return nil
}

func (d *Decoder) decodeOne(src []byte) (int, error) {
	first := src[0]
	switch {
	case first&0x80 != 0: // indexed header field
		idx, n, err := readVarint(7, src)
		if err != nil {
			return 0, err
		}
		f, err := lookup(d.dyn, int(idx))
		if err != nil {
			return 0, err
		}
		d.emitField(f)
		return n, nil

	case first&0xc0 == 0x40: // literal with incremental indexing
		f, n, err := d.decodeLiteral(src, 6)
		if err != nil {
			return 0, err
		}
		d.dyn.add(HeaderField{Name: f.Name, Value: f.Value})
		d.emitField(f)
		return n, nil

	case first&0xf0 == 0x00: // literal without indexing
		f, n, err := d.decodeLiteral(src, 4)
		if err != nil {
			return 0, err
		}
		d.emitField(f)
		return n, nil

	case first&0xf0 == 0x10: // literal never indexed
		f, n, err := d.decodeLiteral(src, 4)
		if err != nil {
			return 0, err
		}
		f.Sensitive = true
		d.emitField(f)
		return n, nil

	case first&0xe0 == 0x20: // dynamic table size update
		n64, n, err := readVarint(5, src)
		if err != nil {
			return 0, err
		}
		if uint32(n64) > d.ceiling() {
			return 0, newDecodingError("dynamic table size update %d exceeds ceiling %d", n64, d.ceiling())
		}
		d.dyn.setMaxSize(uint32(n64))
		return n, nil

	default:
		return 0, newDecodingError("unrecognized header field representation 0x%02x", first)
	}
}

func (d *Decoder) decodeLiteral(src []byte, prefixBits uint8) (HeaderField, int, error) {
	idx64, n, err := readVarint(prefixBits, src)
	if err != nil {
		return HeaderField{}, 0, err
	}
	var name string
	if idx64 == 0 {
		s, sn, err := readString(src[n:])
		if err != nil {
			return HeaderField{}, 0, err
		}
		name = s
		n += sn
	} else {
		f, err := lookup(d.dyn, int(idx64))
		if err != nil {
			return HeaderField{}, 0, err
		}
		name = f.Name
	}
	value, vn, err := readString(src[n:])
	if err != nil {
		return HeaderField{}, 0, err
	}
	n += vn
	return HeaderField{Name: name, Value: value}, n, nil
}

func (d *Decoder) emitField(f HeaderField) {
	if d.emit != nil {
		d.emit(f)
	}
}
