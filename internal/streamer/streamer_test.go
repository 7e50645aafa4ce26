package streamer

import (
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/eustall/internal/framing"
	"github.com/ethpandaops/eustall/internal/report"
	"github.com/ethpandaops/eustall/internal/source"
	"github.com/ethpandaops/eustall/internal/status"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

type fakeStream struct {
	data     []byte
	started  bool
	stopped  int
	ready    bool
	startErr error
	stopErr  error
	readErr  error
}

func (f *fakeStream) Start(_, period uint32) (uint32, error) {
	if f.startErr != nil {
		return 0, f.startErr
	}

	f.started = true

	return period * 2, nil
}

func (f *fakeStream) Stop() error {
	f.stopped++
	f.started = false

	return f.stopErr
}

func (f *fakeStream) Read(buf []byte) (int, error) {
	if f.readErr != nil {
		return 0, f.readErr
	}

	n := copy(buf[:len(buf)-len(buf)%report.RecordSize], f.data)
	f.data = f.data[n:]

	return n, nil
}

func (f *fakeStream) RequiredBufferSize(maxReports uint32) uint64 {
	return uint64(maxReports) * report.RecordSize
}

func (f *fakeStream) UnitReportSize() uint32 { return report.RecordSize }

func (f *fakeStream) ReportsAvailable() bool { return f.ready }

func (f *fakeStream) DependencyAvailable() bool { return true }

func records(n int, ip uint64) []byte {
	var out []byte
	for range n {
		out = report.AppendRecord(out, report.RawReport{IP: ip})
	}

	return out
}

func activeSource(t *testing.T, streams ...source.Stream) *source.MetricSource {
	t.Helper()

	src := source.NewMetricSource(testLog(), streams...)
	require.NoError(t, src.Activate())

	return src
}

func TestOpen_NotActivated(t *testing.T) {
	src := source.NewMetricSource(testLog(), &fakeStream{})

	_, err := Open(testLog(), src, Options{})
	require.ErrorIs(t, err, status.ErrNotReady)
}

func TestOpen_InUse(t *testing.T) {
	fs := &fakeStream{data: records(2, 0x40), ready: true}
	src := activeSource(t, fs)

	s, err := Open(testLog(), src, Options{SamplingPeriodNs: 100})
	require.NoError(t, err)
	assert.Equal(t, uint32(200), s.SamplingPeriod())

	second, err := Open(testLog(), src, Options{})
	require.ErrorIs(t, err, status.ErrHandleObjectInUse)
	assert.Nil(t, second)

	// The open streamer keeps working after the rejected open.
	assert.True(t, fs.started)
	assert.Zero(t, fs.stopped)
	assert.True(t, src.StreamerOpen())
	assert.True(t, s.NotificationState())

	buf := make([]byte, 4*report.RecordSize)
	n, err := s.ReadData(4, buf)
	require.NoError(t, err)
	assert.Equal(t, records(2, 0x40), buf[:n])

	require.NoError(t, s.Close())
	assert.False(t, src.StreamerOpen())

	s, err = Open(testLog(), src, Options{})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestOpen_StartFailureReleases(t *testing.T) {
	startErr := errors.New("busy")
	good := &fakeStream{}
	src := activeSource(t, good, &fakeStream{startErr: startErr})

	_, err := Open(testLog(), src, Options{})
	require.ErrorIs(t, err, startErr)
	assert.False(t, src.StreamerOpen())
	assert.Equal(t, 1, good.stopped)
}

func TestSingle_ReadData(t *testing.T) {
	fs := &fakeStream{data: records(3, 7)}
	src := activeSource(t, fs)

	s, err := Open(testLog(), src, Options{})
	require.NoError(t, err)

	defer s.Close()

	size, err := s.ReadData(5, nil)
	require.NoError(t, err)
	assert.Equal(t, 5*report.RecordSize, size)

	buf := make([]byte, 2*report.RecordSize+10)
	n, err := s.ReadData(5, buf)
	require.NoError(t, err)
	assert.Equal(t, 2*report.RecordSize, n)

	n, err = s.ReadData(5, buf)
	require.NoError(t, err)
	assert.Equal(t, report.RecordSize, n)
}

func TestSingle_ReadError(t *testing.T) {
	readErr := errors.New("io")
	src := activeSource(t, &fakeStream{readErr: readErr})

	s, err := Open(testLog(), src, Options{})
	require.NoError(t, err)

	_, err = s.ReadData(1, make([]byte, 64))
	require.ErrorIs(t, err, readErr)
	require.NoError(t, s.Close())
}

func TestMulti_ReadDataFrames(t *testing.T) {
	a := &fakeStream{data: records(2, 1)}
	b := &fakeStream{data: records(3, 2)}
	src := activeSource(t, a, b)

	s, err := Open(testLog(), src, Options{})
	require.NoError(t, err)

	defer s.Close()

	assert.Equal(t, 2, s.SubDevices())

	size, err := s.ReadData(4, nil)
	require.NoError(t, err)
	assert.Equal(t, 2*(4*report.RecordSize+framing.HeaderSize), size)

	buf := make([]byte, size)
	n, err := s.ReadData(4, buf)
	require.NoError(t, err)
	assert.Equal(t, 2*framing.HeaderSize+5*report.RecordSize, n)

	segs, err := framing.Unframe(buf[:n])
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, uint32(0), segs[0].SetIndex)
	assert.Len(t, segs[0].Data, 2*report.RecordSize)
	assert.Equal(t, uint32(1), segs[1].SetIndex)
	assert.Len(t, segs[1].Data, 3*report.RecordSize)
}

func TestMulti_ReadDataStopsWhenFull(t *testing.T) {
	a := &fakeStream{data: records(4, 1)}
	b := &fakeStream{data: records(4, 2)}
	src := activeSource(t, a, b)

	s, err := Open(testLog(), src, Options{})
	require.NoError(t, err)

	defer s.Close()

	buf := make([]byte, framing.HeaderSize+2*report.RecordSize+20)
	n, err := s.ReadData(4, buf)
	require.NoError(t, err)
	assert.Equal(t, framing.HeaderSize+2*report.RecordSize, n)
	assert.Len(t, b.data, 4*report.RecordSize)
}

func TestMulti_CloseReturnsFirstError(t *testing.T) {
	stopErr := errors.New("stop")
	a := &fakeStream{}
	b := &fakeStream{stopErr: stopErr}
	src := activeSource(t, a, b)

	s, err := Open(testLog(), src, Options{})
	require.NoError(t, err)

	require.ErrorIs(t, s.Close(), stopErr)
	assert.Equal(t, 1, a.stopped)
	assert.Equal(t, 1, b.stopped)
	assert.False(t, src.StreamerOpen())

	require.NoError(t, s.Close())

	_, err = s.ReadData(1, make([]byte, 64))
	assert.True(t, IsClosed(err))
}

func TestNotificationState(t *testing.T) {
	a := &fakeStream{}
	b := &fakeStream{}
	src := activeSource(t, a, b)
	ev := NewEvent()

	s, err := Open(testLog(), src, Options{Event: ev})
	require.NoError(t, err)

	assert.False(t, s.NotificationState())
	assert.False(t, ev.Signalled())

	b.ready = true
	assert.True(t, s.NotificationState())
	assert.True(t, ev.Signalled())

	ev.Reset()
	require.NoError(t, s.Close())
	assert.False(t, s.NotificationState())
	assert.False(t, ev.Signalled())
}

func TestAppendMarkerUnsupported(t *testing.T) {
	src := activeSource(t, &fakeStream{})

	s, err := Open(testLog(), src, Options{})
	require.NoError(t, err)

	defer s.Close()

	require.ErrorIs(t, s.AppendMarker(1), status.ErrUnsupportedFeature)
}
