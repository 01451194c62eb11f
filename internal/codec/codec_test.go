package codec

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompress_RoundTrip(t *testing.T) {
	raw := bytes.Repeat([]byte(`{"event_name":"buy","values":{"item":"book"}},`), 200)

	cases := map[string]struct {
		codec    string
		encoding string
	}{
		"gzip":            {codec: Gzip, encoding: Gzip},
		"default is gzip": {codec: "", encoding: Gzip},
		"zstd":            {codec: Zstd, encoding: Zstd},
		"lz4":             {codec: LZ4, encoding: LZ4},
		"none":            {codec: "none", encoding: ""},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			c, err := New(tc.codec)
			require.NoError(t, err)

			body, encoding, err := Compress(c, raw)
			require.NoError(t, err)
			require.Equal(t, tc.encoding, encoding)
			if encoding != "" {
				require.Less(t, len(body), len(raw))
			}

			again, _, err := Compress(c, raw)
			require.NoError(t, err)
			require.Equal(t, body, again)

			decoded, err := Decode(encoding, body, 0)
			require.NoError(t, err)
			require.Equal(t, raw, decoded)
		})
	}
}

func TestCompress_IncompressibleFallsBack(t *testing.T) {
	raw := make([]byte, 64)
	_, err := rand.Read(raw)
	require.NoError(t, err)

	c, err := New(Gzip)
	require.NoError(t, err)

	body, encoding, err := Compress(c, raw)
	require.NoError(t, err)
	require.Empty(t, encoding)
	require.Equal(t, raw, body)
}

func TestDecode(t *testing.T) {
	raw := bytes.Repeat([]byte("a"), 1024)
	c, err := New(Gzip)
	require.NoError(t, err)
	body, encoding, err := Compress(c, raw)
	require.NoError(t, err)

	_, err = Decode(encoding, body, 100)
	require.ErrorIs(t, err, ErrTooLarge)

	_, err = Decode("br", body, 0)
	require.ErrorIs(t, err, ErrUnsupportedEncoding)

	_, err = Decode(Gzip, []byte("not gzip"), 0)
	require.Error(t, err)
}

func TestNew_Unknown(t *testing.T) {
	_, err := New("snappy")
	require.ErrorIs(t, err, ErrUnsupportedEncoding)
}
