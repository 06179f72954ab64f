package proxy

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func zstdBytes(t *testing.T, s string) []byte {
	t.Helper()
	zw, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer zw.Close()
	return zw.EncodeAll([]byte(s), nil)
}

func TestDecode(t *testing.T) {
	plain := `{"hello":"world"}`

	got, err := Decode("", []byte(plain))
	require.NoError(t, err)
	assert.Equal(t, plain, string(got))

	got, err = Decode("GZIP", gzipBytes(t, plain))
	require.NoError(t, err)
	assert.Equal(t, plain, string(got))

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, _ = zw.Write([]byte(plain))
	require.NoError(t, zw.Close())
	got, err = Decode("deflate", buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, plain, string(got))

	got, err = Decode("zstd", zstdBytes(t, plain))
	require.NoError(t, err)
	assert.Equal(t, plain, string(got))
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode("gzip", []byte("definitely not gzip"))
	assert.Error(t, err)

	truncated := gzipBytes(t, "some longer body that gets cut")
	_, err = Decode("gzip", truncated[:len(truncated)-6])
	assert.Error(t, err)

	_, err = Decode("br", []byte("x"))
	assert.ErrorIs(t, err, ErrUnsupportedEncoding)

	_, err = Decode("zstd", []byte("not zstd either"))
	assert.Error(t, err)
}

func TestOutboundEncoding(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"gzip, deflate, br, zstd", "gzip, zstd, deflate"},
		{"br", ""},
		{"br;q=1.0, gzip;q=0.8", "gzip"},
		{"gzip;q=0, deflate", "deflate"},
		{"x-gzip", "gzip"},
		{"*", "gzip, zstd, deflate"},
		{"identity", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, OutboundEncoding(tc.in), tc.in)
	}
}
