package hpack

// staticTable is the fixed, 61-entry table of RFC 7541 Appendix A. Index 1
// is the first entry; indices never change and entries are never evicted.
var staticTable = []HeaderField{
	{Name: ":authority", Value: ""},
	{Name: ":method", Value: "GET"},
	{Name: ":method", Value: "POST"},
	{Name: ":path", Value: "/"},
	{Name: ":path", Value: "/index.html"},
	{Name: ":scheme", Value: "http"},
	{Name: ":scheme", Value: "https"},
	{Name: ":status", Value: "200"},
	{Name: ":status", Value: "204"},
	{Name: ":status", Value: "206"},
	{Name: ":status", Value: "304"},
	{Name: ":status", Value: "400"},
	{Name: ":status", Value: "404"},
	{Name: ":status", Value: "500"},
	{Name: "accept-charset", Value: ""},
	{Name: "accept-encoding", Value: "gzip, deflate"},
	{Name: "accept-language", Value: ""},
	{Name: "accept-ranges", Value: ""},
	{Name: "accept", Value: ""},
	{Name: "access-control-allow-origin", Value: ""},
	{Name: "age", Value: ""},
	{Name: "allow", Value: ""},
	{Name: "authorization", Value: ""},
	{Name: "cache-control", Value: ""},
	{Name: "content-disposition", Value: ""},
	{Name: "content-encoding", Value: ""},
	{Name: "content-language", Value: ""},
	{Name: "content-length", Value: ""},
	{Name: "content-location", Value: ""},
	{Name: "content-range", Value: ""},
	{Name: "content-type", Value: ""},
	{Name: "cookie", Value: ""},
	{Name: "date", Value: ""},
	{Name: "etag", Value: ""},
	{Name: "expect", Value: ""},
	{Name: "expires", Value: ""},
	{Name: "from", Value: ""},
	{Name: "host", Value: ""},
	{Name: "if-match", Value: ""},
	{Name: "if-modified-since", Value: ""},
	{Name: "if-none-match", Value: ""},
	{Name: "if-range", Value: ""},
	{Name: "if-unmodified-since", Value: ""},
	{Name: "last-modified", Value: ""},
	{Name: "link", Value: ""},
	{Name: "location", Value: ""},
	{Name: "max-forwards", Value: ""},
	{Name: "proxy-authenticate", Value: ""},
	{Name: "proxy-authorization", Value: ""},
	{Name: "range", Value: ""},
	{Name: "referer", Value: ""},
	{Name: "refresh", Value: ""},
	{Name: "retry-after", Value: ""},
	{Name: "server", Value: ""},
	{Name: "set-cookie", Value: ""},
	{Name: "strict-transport-security", Value: ""},
	{Name: "transfer-encoding", Value: ""},
	{Name: "user-agent", Value: ""},
	{Name: "vary", Value: ""},
	{Name: "via", Value: ""},
	{Name: "www-authenticate", Value: ""},
}

// staticByNameValue and staticByName let the encoder find the best existing
// representation for a field in O(1) instead of scanning staticTable.
var staticByNameValue = make(map[HeaderField]int, len(staticTable))
var staticByName = make(map[string]int, len(staticTable))

func init() {
	for i, f := range staticTable {
		idx := i + 1
		if _, ok := staticByNameValue[f]; !ok {
			staticByNameValue[f] = idx
		}
		if _, ok := staticByName[f.Name]; !ok {
			staticByName[f.Name] = idx
		}
	}
}

// dynamicTable is the size-bounded, FIFO-eviction table each HPACK context
// owns privately. Entries are stored newest-last; HPACK index 1 refers to
// the newest entry, so lookups walk the slice from the end.
type dynamicTable struct {
	entries []HeaderField
	size    uint32 // current accounted size (RFC 7541 §4.1)
	maxSize uint32 // capacity currently in effect
}

func newDynamicTable(maxSize uint32) *dynamicTable {
	return &dynamicTable{maxSize: maxSize}
}

func (t *dynamicTable) len() int { return len(t.entries) }

// add inserts f as the newest entry, evicting the oldest entries as needed
// to stay within maxSize. A single entry larger than maxSize by itself
// empties the table entirely, per RFC 7541 §4.4.
func (t *dynamicTable) add(f HeaderField) {
	t.size += f.Size()
	t.entries = append(t.entries, f)
	t.evictToFit()
}

func (t *dynamicTable) evictToFit() {
	for t.size > t.maxSize && len(t.entries) > 0 {
		oldest := t.entries[0]
		t.size -= oldest.Size()
		t.entries = t.entries[1:]
	}
}

// setMaxSize changes capacity, evicting as necessary. Called on the decoder
// side immediately upon a dynamic-table-size-update directive, and on the
// encoder side whenever the peer's SETTINGS_HEADER_TABLE_SIZE changes.
func (t *dynamicTable) setMaxSize(n uint32) {
	t.maxSize = n
	t.evictToFit()
}

// at returns the entry at HPACK dynamic-table index i (1-based, newest
// first). ok is false if i is out of range.
func (t *dynamicTable) at(i int) (HeaderField, bool) {
	if i < 1 || i > len(t.entries) {
		return HeaderField{}, false
	}
	return t.entries[len(t.entries)-i], true
}

// search looks for a usable representation of f. It returns the combined
// table index (static entries first, then dynamic entries starting at
// len(staticTable)+1) and whether both name and value matched (as opposed
// to name only).
func (t *dynamicTable) search(f HeaderField) (idx int, nameValueMatch bool) {
	if !f.Sensitive {
		if i, ok := staticByNameValue[HeaderField{Name: f.Name, Value: f.Value}]; ok {
			return i, true
		}
	}
	for i := len(t.entries); i >= 1; i-- {
		e, _ := t.at(i)
		if e.Name == f.Name && e.Value == f.Value && !f.Sensitive {
			return len(staticTable) + i, true
		}
	}
	if i, ok := staticByName[f.Name]; ok {
		return i, false
	}
	for i := len(t.entries); i >= 1; i-- {
		e, _ := t.at(i)
		if e.Name == f.Name {
			return len(staticTable) + i, false
		}
	}
	return 0, false
}

// lookup resolves a combined HPACK index (as seen on the wire) to a header
// field, searching the static table then the dynamic table.
func lookup(dyn *dynamicTable, idx int) (HeaderField, error) {
	if idx < 1 {
		return HeaderField{}, newDecodingError("invalid header index %d", idx)
	}
	if idx <= len(staticTable) {
		return staticTable[idx-1], nil
	}
	if f, ok := dyn.at(idx - len(staticTable)); ok {
		return f, nil
	}
	return HeaderField{}, newDecodingError("header index %d out of range", idx)
}
