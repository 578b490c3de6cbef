package hpack

import "math"

// appendVarint encodes n using the RFC 7541 §5.1 prefix-varint scheme: the
// low prefixBits bits of the first byte (already OR'd into first) hold n
// directly if it fits, otherwise they're all set to 1 and the remainder is
// continued in base-128 groups with the continuation bit set on all but the
// last.
func appendVarint(dst []byte, prefixBits uint8, first byte, n uint64) []byte {
	max := uint64(1<<prefixBits) - 1
	if n < max {
		return append(dst, first|byte(n))
	}
	dst = append(dst, first|byte(max))
	n -= max
	for n >= 128 {
		dst = append(dst, byte(n%128)+128)
		n /= 128
	}
	return append(dst, byte(n))
}

// readVarint decodes a prefix-varint from src, which must start at the byte
// containing the prefix (its top 8-prefixBits bits are ignored). It returns
// the decoded value and the number of bytes of src consumed.
func readVarint(prefixBits uint8, src []byte) (uint64, int, error) {
	if len(src) == 0 {
		return 0, 0, newDecodingError("empty input")
	}
	max := uint64(1<<prefixBits) - 1
	n := uint64(src[0]) & max
	if n < max {
		return n, 1, nil
	}

	var m uint64
	for i := 1; i < len(src); i++ {
		b := src[i]
		n += uint64(b&0x7f) << m
		if n > math.MaxUint32 {
			return 0, 0, newDecodingError("integer overflow")
		}
		if b&0x80 == 0 {
			return n, i + 1, nil
		}
		m += 7
		if m > 63 {
			return 0, 0, newDecodingError("integer continuation too long")
		}
	}
	return 0, 0, newDecodingError("truncated integer")
}
