package capture

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run(map[bool]string{false: "plain", true: "zstd"}[compress], func(t *testing.T) {
			var buf bytes.Buffer

			w, err := NewWriter(&buf, 2, compress)
			require.NoError(t, err)

			a := bytes.Repeat([]byte{0xaa}, 128)
			b := bytes.Repeat([]byte{0xbb}, 64)

			require.NoError(t, w.WriteChunk(0, a))
			require.NoError(t, w.WriteChunk(1, b))
			require.NoError(t, w.WriteChunk(0, a[:64]))
			require.NoError(t, w.WriteChunk(1, nil))
			require.NoError(t, w.Close())

			c, err := ReadAll(bytes.NewReader(buf.Bytes()))
			require.NoError(t, err)

			assert.Equal(t, uint32(2), c.SubDevices)
			assert.Equal(t, 4, c.Chunks)
			assert.Equal(t, append(append([]byte{}, a...), a[:64]...), c.Data[0])
			assert.Equal(t, b, c.Data[1])
		})
	}
}

func TestReader_Header(t *testing.T) {
	var buf bytes.Buffer

	w, err := NewWriter(&buf, 3, true)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	raw := buf.Bytes()
	assert.Equal(t, []byte("EUSC"), raw[:4])
	assert.Equal(t, Version, binary.LittleEndian.Uint16(raw[4:]))
	assert.Equal(t, FlagZstd, binary.LittleEndian.Uint16(raw[6:]))
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(raw[8:]))

	r, err := NewReader(bytes.NewReader(raw))
	require.NoError(t, err)

	defer r.Close()

	assert.True(t, r.Compressed())
	assert.Equal(t, uint32(3), r.SubDevices())

	_, _, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_Errors(t *testing.T) {
	valid := func() []byte {
		var buf bytes.Buffer

		w, err := NewWriter(&buf, 1, false)
		require.NoError(t, err)
		require.NoError(t, w.WriteChunk(0, make([]byte, 64)))
		require.NoError(t, w.Close())

		return buf.Bytes()
	}

	tests := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{
			name:   "bad magic",
			mutate: func(b []byte) []byte { b[0] = 'X'; return b },
			want:   ErrBadMagic,
		},
		{
			name:   "future version",
			mutate: func(b []byte) []byte { binary.LittleEndian.PutUint16(b[4:], 9); return b },
			want:   ErrUnsupportedVersion,
		},
		{
			name:   "sub-device out of range",
			mutate: func(b []byte) []byte { binary.LittleEndian.PutUint32(b[headerSize:], 4); return b },
			want:   ErrCorrupt,
		},
		{
			name:   "zero sub-devices",
			mutate: func(b []byte) []byte { binary.LittleEndian.PutUint32(b[8:], 0); return b },
			want:   ErrCorrupt,
		},
		{
			name:   "too many sub-devices",
			mutate: func(b []byte) []byte { binary.LittleEndian.PutUint32(b[8:], 0xFFFFFFFF); return b },
			want:   ErrCorrupt,
		},
		{
			name:   "header only with too many sub-devices",
			mutate: func(b []byte) []byte { binary.LittleEndian.PutUint32(b[8:], MaxSubDevices+1); return b[:headerSize] },
			want:   ErrCorrupt,
		},
		{
			name:   "truncated chunk",
			mutate: func(b []byte) []byte { return b[:len(b)-10] },
			want:   ErrCorrupt,
		},
		{
			name:   "oversized chunk",
			mutate: func(b []byte) []byte { binary.LittleEndian.PutUint32(b[headerSize+4:], maxChunkSize+1); return b },
			want:   ErrCorrupt,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadAll(bytes.NewReader(tt.mutate(valid())))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), err.Error())
		})
	}
}

func TestWriter_Errors(t *testing.T) {
	_, err := NewWriter(io.Discard, 0, false)
	require.Error(t, err)

	_, err = NewWriter(io.Discard, MaxSubDevices+1, false)
	require.Error(t, err)

	w, err := NewWriter(io.Discard, 1, false)
	require.NoError(t, err)
	require.Error(t, w.WriteChunk(1, nil))
}
