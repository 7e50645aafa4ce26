// Package framing multiplexes per sub-device stall data into one buffer.
//
// Each sub-device segment is preceded by a 16 byte little-endian header:
//
//	magic       uint32 (0xFEEDBCBA)
//	rawDataSize uint32
//	setIndex    uint32
//	reserved    uint32
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethpandaops/eustall/internal/report"
	"github.com/ethpandaops/eustall/internal/status"
)

const (
	// Magic identifies a frame header.
	Magic = 0xFEEDBCBA
	// HeaderSize is the encoded size of a Header.
	HeaderSize = 16
)

// ErrNotFramed is returned by Unframe when the buffer does not start with
// a frame header.
var ErrNotFramed = errors.New("buffer is not framed")

// Header precedes every sub-device segment.
type Header struct {
	RawDataSize uint32
	SetIndex    uint32
}

// Segment is one sub-device's raw data.
type Segment struct {
	SetIndex uint32
	Data     []byte
}

// PutHeader encodes h into the first HeaderSize bytes of dst.
func PutHeader(dst []byte, h Header) {
	binary.LittleEndian.PutUint32(dst[0:4], Magic)
	binary.LittleEndian.PutUint32(dst[4:8], h.RawDataSize)
	binary.LittleEndian.PutUint32(dst[8:12], h.SetIndex)
	binary.LittleEndian.PutUint32(dst[12:16], 0)
}

// ParseHeader decodes a header from the start of buf.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf(
			"%w: %d bytes left for frame header", status.ErrInvalidSize, len(buf),
		)
	}

	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != Magic {
		return Header{}, fmt.Errorf(
			"%w: bad frame magic 0x%08x", status.ErrInvalidSize, magic,
		)
	}

	return Header{
		RawDataSize: binary.LittleEndian.Uint32(buf[4:8]),
		SetIndex:    binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

// IsFramed reports whether buf starts with a frame header.
func IsFramed(buf []byte) bool {
	return len(buf) >= HeaderSize &&
		binary.LittleEndian.Uint32(buf[0:4]) == Magic
}

// FrameSize returns the bytes needed to frame segments without truncation.
func FrameSize(segments []Segment) int {
	size := 0
	for _, s := range segments {
		size += HeaderSize + len(s.Data)
	}

	return size
}

// Payload returns the part of dst after a frame header, holding at most
// maxData bytes rounded down to whole records. It returns nil when no
// record fits.
func Payload(dst []byte, maxData int) []byte {
	room := min(len(dst)-HeaderSize, maxData)
	if room < report.RecordSize {
		return nil
	}

	return dst[HeaderSize : HeaderSize+alignDown(room)]
}

// Seal writes the header for n bytes of setIndex data already placed in
// the Payload of dst and returns the frame length.
func Seal(dst []byte, setIndex uint32, n int) (int, error) {
	if n < 0 || n%report.RecordSize != 0 || n > len(dst)-HeaderSize {
		return 0, fmt.Errorf(
			"%w: %d bytes of frame data in %d bytes", status.ErrInvalidSize, n, len(dst),
		)
	}

	PutHeader(dst, Header{RawDataSize: uint32(n), SetIndex: setIndex})

	return HeaderSize + n, nil
}

// Frame writes each segment, in order, as a header followed by its data.
// When dst runs out of room the current segment is truncated to whole
// records and framing stops. It returns the bytes written. Segments that
// are not whole records are rejected before anything is written.
func Frame(dst []byte, segments []Segment) (int, error) {
	for _, s := range segments {
		if len(s.Data)%report.RecordSize != 0 {
			return 0, fmt.Errorf(
				"%w: segment of sub-device %d has %d bytes, not a multiple of %d",
				status.ErrInvalidSize, s.SetIndex, len(s.Data), report.RecordSize,
			)
		}
	}

	written := 0

	for _, s := range segments {
		if len(dst)-written < HeaderSize {
			break
		}

		n := 0
		if payload := Payload(dst[written:], len(s.Data)); payload != nil {
			n = copy(payload, s.Data)
		}

		size, err := Seal(dst[written:], s.SetIndex, n)
		if err != nil {
			return written, err
		}

		written += size

		if n < len(s.Data) {
			break
		}
	}

	return written, nil
}

// Unframe splits buf into its segments. Segment data aliases buf.
func Unframe(buf []byte) ([]Segment, error) {
	if !IsFramed(buf) {
		return nil, ErrNotFramed
	}

	segments := make([]Segment, 0, 2)

	for off := 0; off < len(buf); {
		h, err := ParseHeader(buf[off:])
		if err != nil {
			return nil, err
		}

		start := off + HeaderSize
		if uint64(h.RawDataSize) > uint64(len(buf)-start) {
			return nil, fmt.Errorf(
				"%w: frame declares %d bytes, %d remain",
				status.ErrInvalidSize, h.RawDataSize, len(buf)-start,
			)
		}

		end := start + int(h.RawDataSize)
		segments = append(segments, Segment{
			SetIndex: h.SetIndex,
			Data:     buf[start:end],
		})

		off = end
	}

	return segments, nil
}

func alignDown(n int) int {
	return n - n%report.RecordSize
}
