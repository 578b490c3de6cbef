package hpack_test

import (
	"bytes"
	"testing"

	"github.com/relaycore/h2conn/pkg/h2conn/hpack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func encodeAll(t *testing.T, fields []hpack.HeaderField) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := hpack.NewEncoder(&buf)
	for _, f := range fields {
		require.NoError(t, enc.WriteField(f))
	}
	return buf.Bytes()
}

func decodeAll(t *testing.T, block []byte) []hpack.HeaderField {
	t.Helper()
	var got []hpack.HeaderField
	dec := hpack.NewDecoder(4096, func(f hpack.HeaderField) { got = append(got, f) })
	require.NoError(t, dec.Write(block))
	return got
}

func TestRoundTrip_StaticAndLiteralFields(t *testing.T) {
	defer goleak.VerifyNone(t)

	fields := []hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":path", Value: "/widgets"},
		{Name: "user-agent", Value: "h2conn/1.0"},
		{Name: "x-request-id", Value: "abc-123-def"},
	}

	block := encodeAll(t, fields)
	got := decodeAll(t, block)

	require.Len(t, got, len(fields))
	for i, f := range fields {
		assert.Equal(t, f.Name, got[i].Name)
		assert.Equal(t, f.Value, got[i].Value)
	}
}

func TestRoundTrip_RepeatedFieldUsesDynamicTable(t *testing.T) {
	defer goleak.VerifyNone(t)

	fields := []hpack.HeaderField{
		{Name: "x-custom-header", Value: "some-fairly-long-value-worth-indexing"},
		{Name: "x-custom-header", Value: "some-fairly-long-value-worth-indexing"},
	}

	firstBlock := encodeAll(t, fields[:1])
	fullBlock := encodeAll(t, fields)

	// The second occurrence, once it has entered the dynamic table, encodes
	// far more compactly than the first literal did.
	secondOnly := fullBlock[len(firstBlock):]
	assert.Less(t, len(secondOnly), len(firstBlock))

	got := decodeAll(t, fullBlock)
	require.Len(t, got, 2)
	assert.Equal(t, fields[0], got[0])
	assert.Equal(t, fields[1], got[1])
}

func TestSensitiveFieldNeverIndexed(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := hpack.HeaderField{Name: "authorization", Value: "Bearer secret-token", Sensitive: true}
	block := encodeAll(t, []hpack.HeaderField{f, f})

	var got []hpack.HeaderField
	dec := hpack.NewDecoder(4096, func(hf hpack.HeaderField) { got = append(got, hf) })
	require.NoError(t, dec.Write(block))

	require.Len(t, got, 2)
	assert.True(t, got[0].Sensitive)
	assert.True(t, got[1].Sensitive)
	assert.Equal(t, f.Value, got[0].Value)

	// Never-indexed literals are the same length every time: nothing about
	// the second occurrence should have gotten cheaper.
	half := len(block) / 2
	assert.Equal(t, block[:half], block[half:])
}

func TestDynamicTableSizeUpdateOrdering(t *testing.T) {
	defer goleak.VerifyNone(t)

	var buf bytes.Buffer
	enc := hpack.NewEncoder(&buf)
	enc.SetMaxDynamicTableSize(0)
	require.NoError(t, enc.WriteField(hpack.HeaderField{Name: "x-a", Value: "1"}))
	enc.SetMaxDynamicTableSize(4096)
	require.NoError(t, enc.WriteField(hpack.HeaderField{Name: "x-b", Value: "2"}))

	got := decodeAll(t, buf.Bytes())
	require.Len(t, got, 2)
	assert.Equal(t, "x-a", got[0].Name)
	assert.Equal(t, "x-b", got[1].Name)
}

func TestDecoderRejectsSizeUpdateAboveCeiling(t *testing.T) {
	defer goleak.VerifyNone(t)

	var buf bytes.Buffer
	enc := hpack.NewEncoder(&buf)
	enc.SetMaxDynamicTableSize(8192)
	require.NoError(t, enc.WriteField(hpack.HeaderField{Name: "x-a", Value: "1"}))

	dec := hpack.NewDecoder(4096, func(hpack.HeaderField) {})
	dec.SetMaxDynamicTableSize(4096)
	err := dec.Write(buf.Bytes())
	assert.Error(t, err)
	assert.IsType(t, hpack.DecodingError{}, err)
}

// A string of all 256 byte values is longer Huffman-coded than raw, so
// appendString sends it as a raw literal.
func TestRoundTripAllByteValues(t *testing.T) {
	defer goleak.VerifyNone(t)

	var raw []byte
	for i := 0; i < 256; i++ {
		raw = append(raw, byte(i))
	}
	s := string(raw)

	block := encodeAll(t, []hpack.HeaderField{{Name: "x-binary", Value: s}})
	got := decodeAll(t, block)
	require.Len(t, got, 1)
	assert.Equal(t, s, got[0].Value)
}

func TestDynamicTableEviction(t *testing.T) {
	defer goleak.VerifyNone(t)

	var buf bytes.Buffer
	enc := hpack.NewEncoder(&buf)
	enc.SetMaxDynamicTableSize(64) // room for roughly one small entry

	fields := []hpack.HeaderField{
		{Name: "x-one", Value: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
		{Name: "x-two", Value: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"},
	}
	for _, f := range fields {
		require.NoError(t, enc.WriteField(f))
	}
	// Re-encode the first field: it should have been evicted, so this must
	// fall back to a literal rather than referencing a stale dynamic index.
	require.NoError(t, enc.WriteField(fields[0]))

	got := decodeAll(t, buf.Bytes())
	require.Len(t, got, 3)
	assert.Equal(t, fields[0].Value, got[2].Value)
}
