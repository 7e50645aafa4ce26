// Package report decodes EU stall sample records and describes the
// metrics they carry.
package report

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// RecordSize is the size in bytes of one hardware stall record.
	RecordSize = 64

	// ipMask keeps the 29 instruction pointer bits of the first qword.
	ipMask = 0x1fffffff

	// counterOffset is the byte holding the first packed counter. Each
	// counter is 8 bits wide and starts 5 bits into its byte pair.
	counterOffset = 3
	counterShift  = 5
	counterMask   = 0xff

	// infoOffset is where the driver appends {subslice u16, flags u16}.
	infoOffset = 48

	// FlagOverflowDrop marks a record captured after the hardware buffer
	// filled up and dropped lines.
	FlagOverflowDrop = 1 << 8
)

// ErrShortRecord is returned when fewer than RecordSize bytes remain.
var ErrShortRecord = errors.New("short stall record")

// Counter identifies a packed stall counter in hardware order.
type Counter uint8

const (
	CounterActive Counter = iota
	CounterOther
	CounterControl
	CounterPipe
	CounterSend
	CounterDist
	CounterSbid
	CounterSync
	CounterInstFetch

	// NumCounters is the number of packed counters per record.
	NumCounters = 9
)

// RawReport is one decoded stall record.
type RawReport struct {
	IP       uint64
	Counters [NumCounters]uint64
	Subslice uint16
	Flags    uint16
}

// Overflow reports whether the hardware dropped data before this record.
func (r RawReport) Overflow() bool {
	return r.Flags&FlagOverflowDrop != 0
}

// Values returns the record laid out in native metric order.
func (r RawReport) Values() [MetricCount]uint64 {
	return [MetricCount]uint64{
		MetricIP:              r.IP,
		MetricActive:          r.Counters[CounterActive],
		MetricControlStall:    r.Counters[CounterControl],
		MetricPipeStall:       r.Counters[CounterPipe],
		MetricSendStall:       r.Counters[CounterSend],
		MetricDistStall:       r.Counters[CounterDist],
		MetricSbidStall:       r.Counters[CounterSbid],
		MetricSyncStall:       r.Counters[CounterSync],
		MetricInstrFetchStall: r.Counters[CounterInstFetch],
		MetricOtherStall:      r.Counters[CounterOther],
	}
}

// Decode decodes exactly one record from the start of data.
func Decode(data []byte) (RawReport, error) {
	if len(data) < RecordSize {
		return RawReport{}, fmt.Errorf(
			"%w: %d bytes", ErrShortRecord, len(data),
		)
	}

	r := RawReport{
		IP:       binary.LittleEndian.Uint64(data[0:8]) & ipMask,
		Subslice: binary.LittleEndian.Uint16(data[infoOffset : infoOffset+2]),
		Flags:    binary.LittleEndian.Uint16(data[infoOffset+2 : infoOffset+4]),
	}

	for i := range r.Counters {
		off := counterOffset + i
		word := binary.LittleEndian.Uint16(data[off : off+2])
		r.Counters[i] = uint64(word>>counterShift) & counterMask
	}

	return r, nil
}

// Encode writes r into dst in the hardware layout. Counters wider than 8
// bits are truncated. It is the inverse of Decode for valid records and
// is used to synthesize capture data.
func Encode(dst []byte, r RawReport) error {
	if len(dst) < RecordSize {
		return fmt.Errorf("%w: %d bytes", ErrShortRecord, len(dst))
	}

	clear(dst[:RecordSize])

	binary.LittleEndian.PutUint64(dst[0:8], r.IP&ipMask)

	// Counter k occupies bits [29+8k, 37+8k) of the record, so each one
	// straddles the byte pair starting at 3+k.
	for i, v := range r.Counters {
		bit := 29 + 8*i
		val := (v & counterMask) << (bit % 8)

		for b := 0; val != 0; b++ {
			dst[bit/8+b] |= byte(val)
			val >>= 8
		}
	}

	binary.LittleEndian.PutUint16(dst[infoOffset:infoOffset+2], r.Subslice)
	binary.LittleEndian.PutUint16(dst[infoOffset+2:infoOffset+4], r.Flags)

	return nil
}

// AppendRecord appends the encoded form of r to dst.
func AppendRecord(dst []byte, r RawReport) []byte {
	n := len(dst)
	dst = append(dst, make([]byte, RecordSize)...)
	_ = Encode(dst[n:], r)

	return dst
}
