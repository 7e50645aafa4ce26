// Package capture reads and writes files of raw stall stream reads, so a
// sampling session can be recorded on a GPU host and replayed anywhere.
//
// A file starts with a 12 byte header: magic "EUSC", a uint16 version, a
// uint16 flag word and a uint32 sub-device count, all little-endian. The
// body, zstd compressed when FlagZstd is set, is a sequence of chunks of
// {uint32 sub-device index, uint32 size, size bytes of records}.
package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

const (
	// Version is the format version written by this package.
	Version uint16 = 1
	// FlagZstd marks a zstd compressed body.
	FlagZstd uint16 = 1 << 0
	// MaxSubDevices bounds the sub-device count of a capture.
	MaxSubDevices = 64

	headerSize      = 12
	chunkHeaderSize = 8
	maxChunkSize    = 64 << 20
)

var magic = [4]byte{'E', 'U', 'S', 'C'}

var (
	// ErrBadMagic is returned for files that are not captures.
	ErrBadMagic = errors.New("not a stall capture file")
	// ErrUnsupportedVersion is returned for captures of a newer format.
	ErrUnsupportedVersion = errors.New("unsupported capture version")
	// ErrCorrupt is returned when a chunk is malformed.
	ErrCorrupt = errors.New("corrupt capture chunk")
)

// Writer appends chunks to a capture.
type Writer struct {
	buf        *bufio.Writer
	zw         *zstd.Encoder
	body       io.Writer
	subDevices uint32
	scratch    [chunkHeaderSize]byte
}

// NewWriter writes the header to w. Close must be called to flush.
func NewWriter(w io.Writer, subDevices uint32, compress bool) (*Writer, error) {
	if subDevices == 0 || subDevices > MaxSubDevices {
		return nil, fmt.Errorf("capture needs 1 to %d sub-devices, got %d", MaxSubDevices, subDevices)
	}

	cw := &Writer{
		buf:        bufio.NewWriter(w),
		subDevices: subDevices,
	}

	var flags uint16
	if compress {
		flags |= FlagZstd
	}

	var hdr [headerSize]byte

	copy(hdr[:4], magic[:])
	binary.LittleEndian.PutUint16(hdr[4:], Version)
	binary.LittleEndian.PutUint16(hdr[6:], flags)
	binary.LittleEndian.PutUint32(hdr[8:], subDevices)

	if _, err := cw.buf.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("writing capture header: %w", err)
	}

	cw.body = cw.buf

	if compress {
		zw, err := zstd.NewWriter(cw.buf, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}

		cw.zw = zw
		cw.body = zw
	}

	return cw, nil
}

// WriteChunk appends the records read from one sub-device.
func (w *Writer) WriteChunk(subDevice uint32, data []byte) error {
	if subDevice >= w.subDevices {
		return fmt.Errorf("sub-device %d out of range (%d)", subDevice, w.subDevices)
	}

	if len(data) > maxChunkSize {
		return fmt.Errorf("chunk of %d bytes exceeds %d", len(data), maxChunkSize)
	}

	binary.LittleEndian.PutUint32(w.scratch[0:], subDevice)
	binary.LittleEndian.PutUint32(w.scratch[4:], uint32(len(data)))

	if _, err := w.body.Write(w.scratch[:]); err != nil {
		return fmt.Errorf("writing chunk header: %w", err)
	}

	if _, err := w.body.Write(data); err != nil {
		return fmt.Errorf("writing chunk: %w", err)
	}

	return nil
}

// Close flushes buffered data. The underlying writer is not closed.
func (w *Writer) Close() error {
	if w.zw != nil {
		if err := w.zw.Close(); err != nil {
			return fmt.Errorf("closing zstd encoder: %w", err)
		}
	}

	return w.buf.Flush()
}

// Reader iterates the chunks of a capture.
type Reader struct {
	body       io.Reader
	zr         *zstd.Decoder
	flags      uint16
	subDevices uint32
	scratch    [chunkHeaderSize]byte
}

// NewReader reads and checks the header.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)

	var hdr [headerSize]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, fmt.Errorf("reading capture header: %w", err)
	}

	if [4]byte(hdr[:4]) != magic {
		return nil, ErrBadMagic
	}

	if v := binary.LittleEndian.Uint16(hdr[4:]); v != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}

	cr := &Reader{
		body:       br,
		flags:      binary.LittleEndian.Uint16(hdr[6:]),
		subDevices: binary.LittleEndian.Uint32(hdr[8:]),
	}

	if cr.subDevices == 0 || cr.subDevices > MaxSubDevices {
		return nil, fmt.Errorf("%w: %d sub-devices", ErrCorrupt, cr.subDevices)
	}

	if cr.flags&FlagZstd != 0 {
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("creating zstd decoder: %w", err)
		}

		cr.zr = zr
		cr.body = zr
	}

	return cr, nil
}

// SubDevices returns the sub-device count recorded in the header.
func (r *Reader) SubDevices() uint32 {
	return r.subDevices
}

// Compressed reports whether the body is zstd compressed.
func (r *Reader) Compressed() bool {
	return r.flags&FlagZstd != 0
}

// Next returns the next chunk, or io.EOF after the last one.
func (r *Reader) Next() (uint32, []byte, error) {
	if _, err := io.ReadFull(r.body, r.scratch[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil, io.EOF
		}

		return 0, nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	idx := binary.LittleEndian.Uint32(r.scratch[0:])
	size := binary.LittleEndian.Uint32(r.scratch[4:])

	if idx >= r.subDevices {
		return 0, nil, fmt.Errorf("%w: sub-device %d of %d", ErrCorrupt, idx, r.subDevices)
	}

	if size > maxChunkSize {
		return 0, nil, fmt.Errorf("%w: chunk of %d bytes", ErrCorrupt, size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r.body, data); err != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	return idx, data, nil
}

// Close releases the decoder.
func (r *Reader) Close() {
	if r.zr != nil {
		r.zr.Close()
	}
}

// Capture is a fully loaded capture with records concatenated per
// sub-device.
type Capture struct {
	SubDevices uint32
	Data       [][]byte
	Chunks     int
}

// ReadAll loads every chunk of r.
func ReadAll(r io.Reader) (*Capture, error) {
	cr, err := NewReader(r)
	if err != nil {
		return nil, err
	}

	defer cr.Close()

	c := &Capture{
		SubDevices: cr.SubDevices(),
		Data:       make([][]byte, cr.SubDevices()),
	}

	for {
		idx, data, err := cr.Next()
		if errors.Is(err, io.EOF) {
			return c, nil
		}

		if err != nil {
			return nil, err
		}

		c.Data[idx] = append(c.Data[idx], data...)
		c.Chunks++
	}
}
