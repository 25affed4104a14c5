package proxy

import (
	"bytes"
	"io"
	"log/slog"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

// decompressBody decodes the payload per Content-Encoding. Unrecognized
// encodings and decode failures return the original bytes with a
// warning: a corrupt capture is better than a lost one.
func decompressBody(body []byte, contentEncoding string, logger *slog.Logger) []byte {
	encoding := strings.ToLower(strings.TrimSpace(contentEncoding))
	if encoding == "" || encoding == "identity" || len(body) == 0 {
		return body
	}

	var reader io.Reader
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			logger.Warn("gzip decode failed, keeping raw body", "error", err)
			return body
		}
		defer gz.Close()
		reader = gz
	case "br":
		reader = brotli.NewReader(bytes.NewReader(body))
	case "deflate":
		fr := flate.NewReader(bytes.NewReader(body))
		defer fr.Close()
		reader = fr
	default:
		return body
	}

	decoded, err := io.ReadAll(reader)
	if err != nil {
		logger.Warn("decompression failed, keeping raw body",
			"encoding", encoding, "error", err)
		return body
	}
	return decoded
}
