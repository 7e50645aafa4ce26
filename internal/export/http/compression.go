package http

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Compression algorithms accepted in Config.Compression.
const (
	CompressionNone   = "none"
	CompressionGzip   = "gzip"
	CompressionZstd   = "zstd"
	CompressionZlib   = "zlib"
	CompressionSnappy = "snappy"
)

// contentEncodings maps an algorithm to its Content-Encoding header.
var contentEncodings = map[string]string{
	CompressionNone:   "",
	CompressionGzip:   "gzip",
	CompressionZstd:   "zstd",
	CompressionZlib:   "deflate",
	CompressionSnappy: "snappy",
}

// ValidCompression reports whether algorithm is supported. The empty
// string selects the default.
func ValidCompression(algorithm string) bool {
	if algorithm == "" {
		return true
	}

	_, ok := contentEncodings[algorithm]

	return ok
}

// Compressor compresses NDJSON batch bodies.
type Compressor struct {
	algorithm string
	zstd      *zstd.Encoder
}

// NewCompressor creates a Compressor for algorithm.
func NewCompressor(algorithm string) (*Compressor, error) {
	if !ValidCompression(algorithm) {
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}

	c := &Compressor{algorithm: algorithm}

	if algorithm == CompressionZstd {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}

		c.zstd = enc
	}

	return c, nil
}

// Compress returns data compressed with the configured algorithm.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	switch c.algorithm {
	case CompressionNone, "":
		return data, nil
	case CompressionZstd:
		return c.zstd.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	case CompressionSnappy:
		return snappy.Encode(nil, data), nil
	case CompressionGzip:
		return writeThrough(data, func(w io.Writer) io.WriteCloser { return gzip.NewWriter(w) })
	case CompressionZlib:
		return writeThrough(data, func(w io.Writer) io.WriteCloser { return zlib.NewWriter(w) })
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", c.algorithm)
	}
}

// ContentEncoding returns the Content-Encoding header value.
func (c *Compressor) ContentEncoding() string {
	return contentEncodings[c.algorithm]
}

// Close releases the zstd encoder.
func (c *Compressor) Close() error {
	if c.zstd != nil {
		return c.zstd.Close()
	}

	return nil
}

func writeThrough(data []byte, wrap func(io.Writer) io.WriteCloser) ([]byte, error) {
	var buf bytes.Buffer

	w := wrap(&buf)

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("writing compressed body: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing compressor: %w", err)
	}

	return buf.Bytes(), nil
}

// Decompress reverses Compress for the given Content-Encoding value.
func Decompress(encoding string, data []byte) ([]byte, error) {
	var (
		r   io.ReadCloser
		err error
	)

	switch encoding {
	case "":
		return data, nil
	case "snappy":
		return snappy.Decode(nil, data)
	case "gzip":
		r, err = gzip.NewReader(bytes.NewReader(data))
	case "deflate":
		r, err = zlib.NewReader(bytes.NewReader(data))
	case "zstd":
		var dec *zstd.Decoder

		dec, err = zstd.NewReader(bytes.NewReader(data))
		if err == nil {
			r = dec.IOReadCloser()
		}
	default:
		return nil, fmt.Errorf("unsupported content encoding: %s", encoding)
	}

	if err != nil {
		return nil, fmt.Errorf("opening %s reader: %w", encoding, err)
	}

	defer r.Close()

	return io.ReadAll(r)
}
