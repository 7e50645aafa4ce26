package framing

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/eustall/internal/report"
	"github.com/ethpandaops/eustall/internal/status"
)

func records(n int, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, n*report.RecordSize)
}

func TestFrameUnframe_RoundTrip(t *testing.T) {
	segments := []Segment{
		{SetIndex: 0, Data: records(3, 0xa0)},
		{SetIndex: 1, Data: records(1, 0xb1)},
		{SetIndex: 0, Data: records(2, 0xc2)},
		{SetIndex: 2, Data: []byte{}},
	}

	dst := make([]byte, FrameSize(segments))
	n, err := Frame(dst, segments)
	require.NoError(t, err)
	require.Equal(t, len(dst), n)

	got, err := Unframe(dst[:n])
	require.NoError(t, err)
	require.Len(t, got, len(segments))

	for i := range segments {
		assert.Equal(t, segments[i].SetIndex, got[i].SetIndex)
		assert.True(t, bytes.Equal(segments[i].Data, got[i].Data), "segment %d", i)
	}
}

func TestFrame_HeaderLayout(t *testing.T) {
	dst := make([]byte, HeaderSize+report.RecordSize)
	n, err := Frame(dst, []Segment{{SetIndex: 7, Data: records(1, 1)}})
	require.NoError(t, err)
	require.Equal(t, len(dst), n)

	assert.Equal(t, uint32(0xFEEDBCBA), binary.LittleEndian.Uint32(dst[0:4]))
	assert.Equal(t, uint32(report.RecordSize), binary.LittleEndian.Uint32(dst[4:8]))
	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(dst[8:12]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(dst[12:16]))
}

func TestFrame_TruncatesAtRecordBoundary(t *testing.T) {
	segments := []Segment{
		{SetIndex: 0, Data: records(2, 1)},
		{SetIndex: 1, Data: records(3, 2)},
		{SetIndex: 2, Data: records(1, 3)},
	}

	// Room for the first frame plus a header and 1.5 records.
	capacity := HeaderSize + 2*report.RecordSize + HeaderSize + report.RecordSize + report.RecordSize/2
	dst := make([]byte, capacity)

	n, err := Frame(dst, segments)
	require.NoError(t, err)
	assert.Equal(t, 2*HeaderSize+3*report.RecordSize, n)

	got, err := Unframe(dst[:n])
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint32(1), got[1].SetIndex)
	assert.Len(t, got[1].Data, report.RecordSize)
}

func TestFrame_NoRoomForHeader(t *testing.T) {
	dst := make([]byte, HeaderSize-1)
	n, err := Frame(dst, []Segment{{Data: records(1, 0)}})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFrame_RejectsPartialRecords(t *testing.T) {
	dst := make([]byte, 4*HeaderSize+4*report.RecordSize)
	segments := []Segment{
		{SetIndex: 0, Data: records(1, 1)},
		{SetIndex: 1, Data: append(records(1, 2), 0xff)},
	}

	n, err := Frame(dst, segments)
	require.ErrorIs(t, err, status.ErrInvalidSize)
	assert.Zero(t, n)
	assert.Equal(t, make([]byte, len(dst)), dst)
}

func TestPayloadSeal(t *testing.T) {
	dst := make([]byte, HeaderSize+2*report.RecordSize+report.RecordSize/2)

	payload := Payload(dst, 10*report.RecordSize)
	require.Len(t, payload, 2*report.RecordSize)

	payload = Payload(dst, report.RecordSize+1)
	require.Len(t, payload, report.RecordSize)
	copy(payload, records(1, 0xab))

	size, err := Seal(dst, 3, len(payload))
	require.NoError(t, err)
	assert.Equal(t, HeaderSize+report.RecordSize, size)

	got, err := Unframe(dst[:size])
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint32(3), got[0].SetIndex)
	assert.Equal(t, records(1, 0xab), got[0].Data)

	assert.Nil(t, Payload(dst[:HeaderSize+report.RecordSize-1], report.RecordSize))
	assert.Nil(t, Payload(dst[:HeaderSize-1], report.RecordSize))

	_, err = Seal(dst, 0, report.RecordSize-1)
	require.ErrorIs(t, err, status.ErrInvalidSize)

	_, err = Seal(dst, 0, 3*report.RecordSize)
	require.ErrorIs(t, err, status.ErrInvalidSize)
}

func TestUnframe_Errors(t *testing.T) {
	valid := make([]byte, HeaderSize+report.RecordSize)
	PutHeader(valid, Header{RawDataSize: report.RecordSize, SetIndex: 0})

	tests := []struct {
		name    string
		buf     func() []byte
		wantErr error
	}{
		{
			name:    "unframed data",
			buf:     func() []byte { return records(2, 0) },
			wantErr: ErrNotFramed,
		},
		{
			name:    "empty",
			buf:     func() []byte { return nil },
			wantErr: ErrNotFramed,
		},
		{
			name: "size past end",
			buf: func() []byte {
				b := bytes.Clone(valid)
				binary.LittleEndian.PutUint32(b[4:8], 2*report.RecordSize)

				return b
			},
			wantErr: status.ErrInvalidSize,
		},
		{
			name: "second header corrupt",
			buf: func() []byte {
				b := append(bytes.Clone(valid), make([]byte, HeaderSize)...)

				return b
			},
			wantErr: status.ErrInvalidSize,
		},
		{
			name: "trailing partial header",
			buf: func() []byte {
				return append(bytes.Clone(valid), 0xBA, 0xBC)
			},
			wantErr: status.ErrInvalidSize,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unframe(tt.buf())
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestIsFramed(t *testing.T) {
	buf := make([]byte, HeaderSize)
	assert.False(t, IsFramed(buf))

	PutHeader(buf, Header{})
	assert.True(t, IsFramed(buf))
	assert.False(t, IsFramed(buf[:HeaderSize-1]))
}

func TestPutParseHeader(t *testing.T) {
	buf := make([]byte, HeaderSize)
	PutHeader(buf, Header{RawDataSize: 128, SetIndex: 3})

	h, err := ParseHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, Header{RawDataSize: 128, SetIndex: 3}, h)

	_, err = ParseHeader(buf[:HeaderSize-1])
	require.ErrorIs(t, err, status.ErrInvalidSize)

	binary.LittleEndian.PutUint32(buf[0:4], 0xdeadbeef)

	_, err = ParseHeader(buf)
	require.ErrorIs(t, err, status.ErrInvalidSize)
}
