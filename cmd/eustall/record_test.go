package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/eustall/internal/capture"
	"github.com/ethpandaops/eustall/internal/framing"
)

func TestWriteRead(t *testing.T) {
	dev0 := records(0x10, 0x20)
	dev1 := records(0x30)

	// Empty segments come from sub-devices with nothing to read.
	segments := []framing.Segment{
		{SetIndex: 0, Data: dev0},
		{SetIndex: 1, Data: nil},
		{SetIndex: 1, Data: dev1},
	}

	framed := make([]byte, framing.FrameSize(segments))
	n, err := framing.Frame(framed, segments)
	require.NoError(t, err)

	var out bytes.Buffer

	w, err := capture.NewWriter(&out, 2, false)
	require.NoError(t, err)

	written, err := writeRead(w, true, framed[:n])
	require.NoError(t, err)
	assert.Equal(t, len(dev0)+len(dev1), written)

	written, err = writeRead(w, true, nil)
	require.NoError(t, err)
	assert.Zero(t, written)

	require.NoError(t, w.Close())

	c, err := capture.ReadAll(&out)
	require.NoError(t, err)
	require.Len(t, c.Data, 2)
	assert.Equal(t, dev0, c.Data[0])
	assert.Equal(t, dev1, c.Data[1])
}

func TestWriteRead_RejectsUnframedMultiDevice(t *testing.T) {
	w, err := capture.NewWriter(&bytes.Buffer{}, 2, false)
	require.NoError(t, err)

	_, err = writeRead(w, true, records(0x10))
	require.Error(t, err)
}
