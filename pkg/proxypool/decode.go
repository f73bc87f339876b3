package proxypool

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// gzipMagic is the two-byte prefix of a gzip stream.
var gzipMagic = []byte{0x1f, 0x8b}

// IsGzip reports whether body starts with the gzip magic number.
func IsGzip(body []byte) bool {
	return bytes.HasPrefix(body, gzipMagic)
}

// Decode returns body unchanged unless it starts with the gzip magic number,
// in which case the decompressed content is returned.
func Decode(body []byte) ([]byte, error) {
	if !IsGzip(body) {
		return body, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("open gzip body: %w", err)
	}
	defer zr.Close()

	content, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress gzip body: %w", err)
	}
	return content, nil
}
