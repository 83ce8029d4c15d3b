package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// decodeBody wraps body with decoders for the Content-Encoding header value.
// Codings are listed in the order they were applied, so they are undone in
// reverse. Unknown codings are passed through untouched.
func decodeBody(contentEncoding string, body io.Reader) (io.ReadCloser, error) {
	codings := strings.Split(contentEncoding, ",")
	r := io.NopCloser(body)
	for i := len(codings) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(codings[i]))
		next, err := decoder(coding, r)
		if err != nil {
			return nil, fmt.Errorf("decode %s body: %w", coding, err)
		}
		r = next
	}
	return r, nil
}

func decoder(coding string, r io.ReadCloser) (io.ReadCloser, error) {
	switch coding {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(r)
		if errors.Is(err, io.EOF) {
			// Empty body despite the header.
			return io.NopCloser(strings.NewReader("")), nil
		}
		if err != nil {
			return nil, err
		}
		return zr, nil
	case "deflate":
		return newDeflateReader(r)
	case "br":
		return io.NopCloser(brotli.NewReader(r)), nil
	default:
		return r, nil
	}
}

// newDeflateReader accepts both zlib-wrapped deflate (RFC 1950, as HTTP
// defines it) and raw deflate (RFC 1951, which some servers send).
func newDeflateReader(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	header, err := br.Peek(2)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return io.NopCloser(br), nil
		}
		return nil, err
	}
	if isZlibHeader(header[0], header[1]) {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}

func isZlibHeader(cmf, flg byte) bool {
	return cmf&0x0f == 8 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}
