package fetch

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"io"
	"strings"
)

// decodeContentEncoding transparently decodes body according to the
// HTTP Content-Encoding header value (case-insensitive): "gzip" and
// "x-gzip" are un-gzipped; "deflate" first tries zlib framing, falling
// back to raw DEFLATE if that fails. Any other (or empty) encoding is
// returned unchanged.
func decodeContentEncoding(encoding string, body []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip", "x-gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case "deflate":
		return decodeDeflate(body)
	default:
		return body, nil
	}
}

// decodeDeflate tries zlib-framed deflate first (the common case for
// a well-behaved server), falling back to raw DEFLATE for servers that
// omit the zlib header/checksum.
func decodeDeflate(body []byte) ([]byte, error) {
	if data, err := decodeZlib(body); err == nil {
		return data, nil
	}
	r := flate.NewReader(bytes.NewReader(body))
	defer r.Close()
	return io.ReadAll(r)
}

func decodeZlib(body []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
