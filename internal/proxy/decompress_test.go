package proxy

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipBytes(t *testing.T, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestDecompressGzip(t *testing.T) {
	payload := []byte("hello compressed world")
	out := decompressBody(gzipBytes(t, payload), "gzip", slog.Default())
	assert.Equal(t, payload, out)
}

func TestDecompressBrotli(t *testing.T) {
	payload := []byte("brotli payload")
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	_, err := w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	out := decompressBody(buf.Bytes(), "br", slog.Default())
	assert.Equal(t, payload, out)
}

func TestDecompressDeflate(t *testing.T) {
	payload := []byte("deflate payload")
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	out := decompressBody(buf.Bytes(), "deflate", slog.Default())
	assert.Equal(t, payload, out)
}

func TestDecompressIdentityPassthrough(t *testing.T) {
	payload := []byte("plain")
	assert.Equal(t, payload, decompressBody(payload, "", slog.Default()))
	assert.Equal(t, payload, decompressBody(payload, "identity", slog.Default()))
}

func TestDecompressUnknownEncodingPassthrough(t *testing.T) {
	payload := []byte("mystery")
	assert.Equal(t, payload, decompressBody(payload, "zstd-custom", slog.Default()))
}

func TestDecompressCorruptFallsBackToOriginal(t *testing.T) {
	corrupt := []byte("definitely not gzip")
	out := decompressBody(corrupt, "gzip", slog.Default())
	assert.Equal(t, corrupt, out, "corrupt payload returns original bytes, no panic")
}
