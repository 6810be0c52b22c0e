package pgsession

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeEncodingName(t *testing.T) {
	assert.Equal(t, "UTF8", normalizeEncodingName("utf-8"))
	assert.Equal(t, "UTF8", normalizeEncodingName("UNICODE"))
	assert.Equal(t, "LATIN1", normalizeEncodingName("iso-8859-1"))
	assert.Equal(t, "WIN1252", normalizeEncodingName("win_1252"))
	assert.Equal(t, "EUCJP", normalizeEncodingName("euc jp"))
}

func TestCodecPassthrough(t *testing.T) {
	for _, name := range []string{"UTF8", "SQL_ASCII", "totally-unknown"} {
		codec := codecForEncoding(name)
		s, err := codec.Decode([]byte("héllo"))
		require.NoError(t, err)
		assert.Equal(t, "héllo", s)

		b, err := codec.Encode("héllo")
		require.NoError(t, err)
		assert.Equal(t, []byte("héllo"), b)
	}
}

func TestCodecLatin1(t *testing.T) {
	codec := codecForEncoding("LATIN1")

	// 0xE9 is é in ISO 8859-1.
	s, err := codec.Decode([]byte{0x63, 0x61, 0x66, 0xE9})
	require.NoError(t, err)
	assert.Equal(t, "café", s)

	b, err := codec.Encode("café")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x63, 0x61, 0x66, 0xE9}, b)
}

func TestCodecWin1251(t *testing.T) {
	codec := codecForEncoding("WIN1251")

	s, err := codec.Decode([]byte{0xEF, 0xF0, 0xE8})
	require.NoError(t, err)
	assert.Equal(t, "при", s)
}
