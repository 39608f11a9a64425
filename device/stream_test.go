package device

import (
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamOrdering(t *testing.T) {
	dev := NewDevice(0)
	s := dev.NewStream("compute")
	defer s.Close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		s.Enqueue(func() error {
			got = append(got, i)
			return nil
		})
	}
	require.NoError(t, s.Synchronize())
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestStreamStickyError(t *testing.T) {
	dev := NewDevice(0)
	s := dev.NewStream("compute")
	defer s.Close()

	var ran atomic.Int32
	s.Enqueue(func() error { return errors.New("boom") })
	s.Enqueue(func() error { return errors.New("later") })
	s.Enqueue(func() error {
		ran.Add(1)
		return nil
	})
	err := s.Synchronize()
	require.ErrorContains(t, err, "boom")
	// The first error wins but later work still ran.
	assert.Equal(t, int32(1), ran.Load())
	assert.ErrorContains(t, s.Err(), "boom")
	// The error stays sticky across further synchronizations.
	assert.ErrorContains(t, s.Synchronize(), "boom")
}

func TestEvents(t *testing.T) {
	dev := NewDevice(0)

	t.Run("cross stream dependency", func(t *testing.T) {
		producer := dev.NewStream("producer")
		consumer := dev.NewStream("consumer")
		defer producer.Close()
		defer consumer.Close()

		var value atomic.Int32
		release := make(chan struct{})
		producer.Enqueue(func() error {
			<-release
			value.Store(42)
			return nil
		})
		ev := producer.RecordEvent()
		consumer.WaitEvent(ev)
		var observed int32
		consumer.Enqueue(func() error {
			observed = value.Load()
			return nil
		})
		assert.False(t, ev.Fired())
		close(release)
		require.NoError(t, consumer.Synchronize())
		assert.Equal(t, int32(42), observed)
		assert.True(t, ev.Fired())
	})

	t.Run("events fire after failures", func(t *testing.T) {
		s := dev.NewStream("failing")
		defer s.Close()
		s.Enqueue(func() error { return errors.New("boom") })
		ev := s.RecordEvent()
		ev.Wait()
		assert.True(t, ev.Fired())
	})

	t.Run("reset rearms", func(t *testing.T) {
		s := dev.NewStream("reset")
		defer s.Close()
		ev := s.RecordEvent()
		ev.Wait()
		ev.Reset()
		assert.False(t, ev.Fired())
		s.Enqueue(func() error {
			ev.signal()
			return nil
		})
		ev.Wait()
		assert.True(t, ev.Fired())
	})
}

func TestEnqueueOnClosedStream(t *testing.T) {
	dev := NewDevice(0)
	s := dev.NewStream("short-lived")
	require.NoError(t, s.Synchronize())
	s.Close()
	s.Enqueue(func() error { return nil })
	assert.ErrorContains(t, s.Err(), "closed stream")
}

func TestGraphCaptureAndReplay(t *testing.T) {
	dev := NewDevice(0)
	s := dev.NewStream("capture")
	defer s.Close()

	var runs atomic.Int32
	require.NoError(t, s.BeginCapture())
	s.Enqueue(func() error {
		runs.Add(1)
		return nil
	})
	ev := s.RecordEvent()
	g, err := s.EndCapture()
	require.NoError(t, err)
	require.Equal(t, 2, g.NumOps())

	// Nothing ran during capture.
	require.NoError(t, s.Synchronize())
	assert.Equal(t, int32(0), runs.Load())
	assert.False(t, ev.Fired())

	for replay := 1; replay <= 3; replay++ {
		g.Reset()
		require.NoError(t, s.Launch(g))
		require.NoError(t, s.Synchronize())
		assert.Equal(t, int32(replay), runs.Load())
		assert.True(t, ev.Fired())
	}
}

func TestGraphLaunchErrors(t *testing.T) {
	dev := NewDevice(0)
	a := dev.NewStream("a")
	b := dev.NewStream("b")
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.BeginCapture())
	a.Enqueue(func() error { return nil })
	g, err := a.EndCapture()
	require.NoError(t, err)

	require.ErrorContains(t, b.Launch(g), "captured on stream")
	require.NoError(t, a.BeginCapture())
	require.ErrorContains(t, a.Launch(g), "while capturing")
	_, err = a.EndCapture()
	require.NoError(t, err)

	_, err = a.EndCapture()
	require.ErrorContains(t, err, "not capturing")
}
