// Package hpack implements the header compression scheme of RFC 7541,
// independently for an encoder and a decoder context. Each context owns its
// own dynamic table and must advance in exact lock-step with its peer's
// matching context on the other end of the wire: the decoder here consumes
// exactly the bytes the remote encoder produced, and vice versa.
package hpack

import "fmt"

// HeaderField is a single name/value pair as carried on the wire. Sensitive
// fields are always emitted as "literal never indexed" and never enter the
// dynamic table, regardless of the encoder's indexing policy.
type HeaderField struct {
	Name      string
	Value     string
	Sensitive bool
}

// Size is the RFC 7541 §4.1 accounting size of the entry: the length of its
// name and value plus 32 bytes of bookkeeping overhead. The dynamic table's
// capacity is measured in this unit, not in raw byte count.
func (f HeaderField) Size() uint32 {
	return uint32(len(f.Name)+len(f.Value)) + entryOverhead
}

const entryOverhead = 32

// DecodingError wraps a malformed-input condition encountered while
// decoding a header block. Any DecodingError is a connection-level
// COMPRESSION_ERROR per RFC 7541 §4.3/§5: once the two dynamic tables can
// disagree about state, the byte stream can no longer be parsed.
type DecodingError struct {
	Reason string
}

func (e DecodingError) Error() string {
	return fmt.Sprintf("hpack: decoding error: %s", e.Reason)
}

func newDecodingError(format string, args ...any) error {
	return DecodingError{Reason: fmt.Sprintf(format, args...)}
}
