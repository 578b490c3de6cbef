package hpack

import (
	"bytes"
	"errors"
	"sync"
)

// huffmanSym is the fixed Huffman code table of RFC 7541 Appendix B: one
// entry per possible byte value. code is right-justified: only its low
// codeLen bits carry meaning, most significant code bit first.
type huffmanSym struct {
	code    uint32
	codeLen uint8
}

var huffmanTable = [256]huffmanSym{
	{0x1ff8, 13}, {0x7fffd8, 23}, {0xfffffe2, 28}, {0xfffffe3, 28},
	{0xfffffe4, 28}, {0xfffffe5, 28}, {0xfffffe6, 28}, {0xfffffe7, 28},
	{0xfffffe8, 28}, {0xffffea, 24}, {0x3ffffffc, 30}, {0xfffffe9, 28},
	{0xfffffea, 28}, {0x3ffffffd, 30}, {0xfffffeb, 28}, {0xfffffec, 28},
	{0xfffffed, 28}, {0xfffffee, 28}, {0xfffffef, 28}, {0xffffff0, 28},
	{0xffffff1, 28}, {0xffffff2, 28}, {0x3ffffffe, 30}, {0xffffff3, 28},
	{0xffffff4, 28}, {0xffffff5, 28}, {0xffffff6, 28}, {0xffffff7, 28},
	{0xffffff8, 28}, {0xffffff9, 28}, {0xffffffa, 28}, {0xffffffb, 28},
	{0x14, 6}, {0x3f8, 10}, {0x3f9, 10}, {0xffa, 12},
	{0x1ff9, 13}, {0x15, 6}, {0xf8, 8}, {0x7fa, 11},
	{0x3fa, 10}, {0x3fb, 10}, {0xf9, 8}, {0x7fb, 11},
	{0xfa, 8}, {0x16, 6}, {0x17, 6}, {0x18, 6},
	{0x0, 5}, {0x1, 5}, {0x2, 5}, {0x19, 6},
	{0x1a, 6}, {0x1b, 6}, {0x1c, 6}, {0x1d, 6},
	{0x1e, 6}, {0x1f, 6}, {0x5c, 7}, {0xfb, 8},
	{0x7ffc, 15}, {0x20, 6}, {0xffb, 12}, {0x3fc, 10},
	{0x1ffa, 13}, {0x21, 6}, {0x5d, 7}, {0x5e, 7},
	{0x5f, 7}, {0x60, 7}, {0x61, 7}, {0x62, 7},
	{0x63, 7}, {0x64, 7}, {0x65, 7}, {0x66, 7},
	{0x67, 7}, {0x68, 7}, {0x69, 7}, {0x6a, 7},
	{0x6b, 7}, {0x6c, 7}, {0x6d, 7}, {0x6e, 7},
	{0x6f, 7}, {0x70, 7}, {0x71, 7}, {0x72, 7},
	{0xfc, 8}, {0x73, 7}, {0xfd, 8}, {0x1ffb, 13},
	{0x7fff0, 19}, {0x1ffc, 13}, {0x3ffc, 14}, {0x22, 6},
	{0x7ffd, 15}, {0x3, 5}, {0x23, 6}, {0x4, 5},
	{0x24, 6}, {0x5, 5}, {0x25, 6}, {0x26, 6},
	{0x27, 6}, {0x6, 5}, {0x74, 7}, {0x75, 7},
	{0x28, 6}, {0x29, 6}, {0x2a, 6}, {0x7, 5},
	{0x2b, 6}, {0x76, 7}, {0x2c, 6}, {0x8, 5},
	{0x9, 5}, {0x2d, 6}, {0x77, 7}, {0x78, 7},
	{0x79, 7}, {0x7a, 7}, {0x7b, 7}, {0x7ffe, 15},
	{0x7fc, 11}, {0x3ffd, 14}, {0x1ffd, 13}, {0xffffffc, 28},
	{0xfffe6, 20}, {0x3fffd2, 22}, {0xfffe7, 20}, {0xfffe8, 20},
	{0x3fffd3, 22}, {0x3fffd4, 22}, {0x3fffd5, 22}, {0x7fffd9, 23},
	{0x3fffd6, 22}, {0x7fffda, 23}, {0x7fffdb, 23}, {0x7fffdc, 23},
	{0x7fffdd, 23}, {0x7fffde, 23}, {0xffffeb, 24}, {0x7fffdf, 23},
	{0xffffec, 24}, {0xffffed, 24}, {0x3fffd7, 22}, {0x7fffe0, 23},
	{0xffffee, 24}, {0x7fffe1, 23}, {0x7fffe2, 23}, {0x7fffe3, 23},
	{0x7fffe4, 23}, {0x1fffdc, 21}, {0x3fffd8, 22}, {0x7fffe5, 23},
	{0x3fffd9, 22}, {0x7fffe6, 23}, {0x7fffe7, 23}, {0xffffef, 24},
	{0x3fffda, 22}, {0x1fffdd, 21}, {0xfffe9, 20}, {0x3fffdb, 22},
	{0x3fffdc, 22}, {0x7fffe8, 23}, {0x7fffe9, 23}, {0x1fffde, 21},
	{0x7fffea, 23}, {0x3fffdd, 22}, {0x3fffde, 22}, {0xfffff0, 24},
	{0x1fffdf, 21}, {0x3fffdf, 22}, {0x7fffeb, 23}, {0x7fffec, 23},
	{0x1fffe0, 21}, {0x1fffe1, 21}, {0x3fffe0, 22}, {0x1fffe2, 21},
	{0x7fffed, 23}, {0x3fffe1, 22}, {0x7fffee, 23}, {0x7fffef, 23},
	{0xfffea, 20}, {0x3fffe2, 22}, {0x3fffe3, 22}, {0x3fffe4, 22},
	{0x7ffff0, 23}, {0x3fffe5, 22}, {0x3fffe6, 22}, {0x7ffff1, 23},
	{0x3ffffe0, 26}, {0x3ffffe1, 26}, {0xfffeb, 20}, {0x7fff1, 19},
	{0x3fffe7, 22}, {0x7ffff2, 23}, {0x3fffe8, 22}, {0x1ffffec, 25},
	{0x3ffffe2, 26}, {0x3ffffe3, 26}, {0x3ffffe4, 26}, {0x7ffffde, 27},
	{0x7ffffdf, 27}, {0x3ffffe5, 26}, {0xfffff1, 24}, {0x1ffffed, 25},
	{0x7fff2, 19}, {0x1fffe3, 21}, {0x3ffffe6, 26}, {0x7ffffe0, 27},
	{0x7ffffe1, 27}, {0x3ffffe7, 26}, {0x7ffffe2, 27}, {0xfffff2, 24},
	{0x1fffe4, 21}, {0x1fffe5, 21}, {0x3ffffe8, 26}, {0x3ffffe9, 26},
	{0xffffffd, 28}, {0x7ffffe3, 27}, {0x7ffffe4, 27}, {0x7ffffe5, 27},
	{0xfffec, 20}, {0xfffff3, 24}, {0xfffed, 20}, {0x1fffe6, 21},
	{0x3fffe9, 22}, {0x1fffe7, 21}, {0x1fffe8, 21}, {0x7ffff3, 23},
	{0x3fffea, 22}, {0x3fffeb, 22}, {0x1ffffee, 25}, {0x1ffffef, 25},
	{0xfffff4, 24}, {0xfffff5, 24}, {0x3ffffea, 26}, {0x7ffff4, 23},
	{0x3ffffeb, 26}, {0x7ffffe6, 27}, {0x3ffffec, 26}, {0x3ffffed, 26},
	{0x7ffffe7, 27}, {0x7ffffe8, 27}, {0x7ffffe9, 27}, {0x7ffffea, 27},
	{0x7ffffeb, 27}, {0xffffffe, 28}, {0x7ffffec, 27}, {0x7ffffed, 27},
	{0x7ffffee, 27}, {0x7ffffef, 27}, {0x7fffff0, 27}, {0x3ffffee, 26},
}

// eosCode/eosNBits are the padding/EOS code of RFC 7541 §5.2, used only to pad the
// final byte of an encoded string; it never occurs as a decoded symbol.
const (
	eosCode   = 0x3fffffff
	eosNBits  = 30
)

// ErrInvalidHuffman signals malformed Huffman-encoded input: a code prefix
// that does not correspond to any symbol, or padding longer than 7 bits, or
// padding bits that are not a prefix of the EOS code.
var ErrInvalidHuffman = errors.New("hpack: invalid huffman-encoded string")

// huffmanNode is an entry in the bitwise decode trie built once at package
// init from huffmanTable above.
type huffmanNode struct {
	children *[256]*huffmanNode // non-nil for internal nodes
	sym      byte
	codeLen  uint8
}

var huffmanRoot = buildHuffmanTrie()

// buildHuffmanTrie constructs an 8-bit-fanout trie so decoding can consume a
// full byte of input at a time instead of walking bit-by-bit.
func buildHuffmanTrie() *huffmanNode {
	root := &huffmanNode{children: new([256]*huffmanNode)}
	leaves := new([256]huffmanNode)

	for sym := 0; sym < 256; sym++ {
		code := huffmanTable[sym].code
		length := huffmanTable[sym].codeLen

		cur := root
		remaining := length
		for remaining > 8 {
			remaining -= 8
			branch := uint8(code >> remaining)
			if cur.children[branch] == nil {
				cur.children[branch] = &huffmanNode{children: new([256]*huffmanNode)}
			}
			cur = cur.children[branch]
		}
		shift := 8 - remaining
		start := int(uint8(code<<shift)) & 0xff
		span := 1 << shift

		leaves[sym].sym = byte(sym)
		leaves[sym].codeLen = remaining
		for i := start; i < start+span; i++ {
			cur.children[i] = &leaves[sym]
		}
	}
	return root
}

// huffmanDecode expands a Huffman-encoded string into buf, consuming a full
// byte of src at a time and descending the trie until a leaf (which may sit
// above the 8-bit boundary) yields a symbol.
func huffmanDecode(buf *bytes.Buffer, src []byte) error {
	n := huffmanRoot
	var cur uint
	var pendingBits uint8
	var sinceSymbol uint8

	for _, b := range src {
		cur = cur<<8 | uint(b)
		pendingBits += 8
		sinceSymbol += 8
		for pendingBits >= 8 {
			idx := byte(cur >> (pendingBits - 8))
			n = n.children[idx]
			if n == nil {
				return ErrInvalidHuffman
			}
			if n.children == nil {
				buf.WriteByte(n.sym)
				pendingBits -= n.codeLen
				n = huffmanRoot
				sinceSymbol = pendingBits
			} else {
				pendingBits -= 8
			}
		}
	}
	for pendingBits > 0 {
		n = n.children[byte(cur<<(8-pendingBits))]
		if n == nil {
			return ErrInvalidHuffman
		}
		if n.children != nil || n.codeLen > pendingBits {
			break
		}
		buf.WriteByte(n.sym)
		pendingBits -= n.codeLen
		n = huffmanRoot
		sinceSymbol = pendingBits
	}
	if sinceSymbol > 7 {
		return ErrInvalidHuffman
	}
	if mask := uint(1<<pendingBits - 1); cur&mask != mask {
		return ErrInvalidHuffman
	}
	return nil
}

// decodeHuffmanString is the entry point used by the literal-string decoder.
func decodeHuffmanString(src []byte) (string, error) {
	buf := huffmanBufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer huffmanBufPool.Put(buf)
	if err := huffmanDecode(buf, src); err != nil {
		return "", err
	}
	return buf.String(), nil
}

var huffmanBufPool = sync.Pool{New: func() interface{} { return new(bytes.Buffer) }}

// appendHuffmanString Huffman-encodes s and appends the result to dst,
// packing codes MSB-first into a 64-bit buffer and flushing whole bytes as
// they accumulate. The maximum code length (30 bits) guarantees the buffer
// never holds more than 32 valid bits when a new code is added, so it never
// overflows a uint64.
func appendHuffmanString(dst []byte, s string) []byte {
	var x uint64
	var nbits uint

	for i := 0; i < len(s); i++ {
		sym := huffmanTable[s[i]]
		nbits += uint(sym.codeLen)
		x <<= uint(sym.codeLen) % 64
		x |= uint64(sym.code)
		if nbits >= 32 {
			nbits -= 32
			word := uint32(x >> nbits)
			dst = append(dst, byte(word>>24), byte(word>>16), byte(word>>8), byte(word))
		}
	}
	if over := nbits % 8; over > 0 {
		pad := 8 - over
		padByte := uint64(eosCode >> (eosNBits - 8))
		x = (x << pad) | (padByte >> over)
		nbits += pad
	}
	switch nbits / 8 {
	case 0:
		return dst
	case 1:
		return append(dst, byte(x))
	case 2:
		y := uint16(x)
		return append(dst, byte(y>>8), byte(y))
	case 3:
		y := uint16(x >> 8)
		return append(dst, byte(y>>8), byte(y), byte(x))
	default:
		y := uint32(x)
		return append(dst, byte(y>>24), byte(y>>16), byte(y>>8), byte(y))
	}
}

// huffmanEncodedLen reports the byte length appendHuffmanString would
// produce for s, rounded up to a whole byte, used to decide whether Huffman
// or plain encoding is shorter for a given literal.
func huffmanEncodedLen(s string) int {
	var bits uint64
	for i := 0; i < len(s); i++ {
		bits += uint64(huffmanTable[s[i]].codeLen)
	}
	return int((bits + 7) / 8)
}
