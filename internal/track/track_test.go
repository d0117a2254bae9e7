package track

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFrame = time.Millisecond

type pcmInput struct {
	data     []byte
	seekable bool
	openErr  error
	seekErr  error
}

func frames(n int) []byte {
	return make([]byte, int(DurationToBytes(testFrame))*n)
}

func (p *pcmInput) Open(context.Context) (io.ReadCloser, error) {
	if p.openErr != nil {
		return nil, p.openErr
	}
	return &pcmStream{Reader: bytes.NewReader(p.data), seekErr: p.seekErr}, nil
}

func (p *pcmInput) Seekable() bool { return p.seekable }

func (p *pcmInput) KnownDuration() (time.Duration, bool) {
	return BytesToDuration(int64(len(p.data))), true
}

type pcmStream struct {
	*bytes.Reader
	seekErr error
}

func (s *pcmStream) Close() error { return nil }

func (s *pcmStream) SeekTo(pos time.Duration) (time.Duration, error) {
	if s.seekErr != nil {
		return 0, s.seekErr
	}
	off := DurationToBytes(pos)
	if off > s.Size() {
		return 0, ErrInvalidPosition
	}
	if _, err := s.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return BytesToDuration(off), nil
}

type recorder struct {
	mu     sync.Mutex
	events []EventContext
}

func (r *recorder) OnEvent(_ context.Context, ev EventContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) kinds() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Event)
	}
	return out
}

type countingSink struct {
	n atomic.Int64
}

func (s *countingSink) WriteFrame(frame []byte) error {
	s.n.Add(int64(len(frame)))
	return nil
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting")
	}
}

func newTestTrack(t *testing.T, in Input, sink Sink, opts ...Option) *Handle {
	t.Helper()
	if sink == nil {
		sink = SinkFunc(func([]byte) error { return nil })
	}
	h, err := New(in, sink, append([]Option{WithFrameDuration(testFrame)}, opts...)...)
	require.NoError(t, err)
	return h
}

func TestTrackPlaysToEnd(t *testing.T) {
	sink := &countingSink{}
	data := frames(20)
	h := newTestTrack(t, &pcmInput{data: data}, sink)
	c := h.Controller()

	rec := &recorder{}
	sub, err := c.Subscribe(EventPlayable, rec, EventEnd)
	require.NoError(t, err)

	h.Start(context.Background())
	waitClosed(t, c.Done())
	waitClosed(t, sub.Done())

	assert.Equal(t, []Event{EventPlayable, EventEnd}, rec.kinds())
	assert.Equal(t, int64(len(data)), sink.n.Load())

	st := c.State()
	assert.Equal(t, ModeEnd, st.Mode)
	assert.Equal(t, ReadyPlayable, st.Ready)
	assert.Equal(t, BytesToDuration(int64(len(data))), st.Position)
	assert.NoError(t, st.Err)
}

func TestTrackEventsCarryIncreasingSequence(t *testing.T) {
	h := newTestTrack(t, &pcmInput{data: frames(3)}, nil)
	c := h.Controller()

	rec := &recorder{}
	sub, err := c.Subscribe(EventPreparing, rec, EventPlayable, EventEnd)
	require.NoError(t, err)

	h.Start(context.Background())
	waitClosed(t, sub.Done())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.events, 3)
	for i := 1; i < len(rec.events); i++ {
		assert.Greater(t, rec.events[i].Seq, rec.events[i-1].Seq)
	}
	assert.Equal(t, h.ID(), rec.events[0].Track)
}

func TestTrackEndDeliveredOncePerSubscriber(t *testing.T) {
	h := newTestTrack(t, &pcmInput{data: frames(1)}, nil)
	c := h.Controller()

	var first, second recorder
	s1, err := c.Subscribe(EventEnd, &first)
	require.NoError(t, err)
	s2, err := c.Subscribe(EventEnd, &second)
	require.NoError(t, err)

	c.Stop()
	c.Stop()
	waitClosed(t, s1.Done())
	waitClosed(t, s2.Done())

	assert.Equal(t, []Event{EventEnd}, first.kinds())
	assert.Equal(t, []Event{EventEnd}, second.kinds())
	assert.Equal(t, ModeStop, c.State().Mode)
}

func TestTrackPlayPause(t *testing.T) {
	h := newTestTrack(t, &pcmInput{data: frames(1)}, nil, WithPaused())
	c := h.Controller()

	rec := &recorder{}
	sub, err := c.Subscribe(EventPlay, rec, EventPause)
	require.NoError(t, err)

	require.NoError(t, c.Pause())
	require.NoError(t, c.Play())
	assert.Equal(t, ModePlay, c.State().Mode)
	require.NoError(t, c.Play())
	require.NoError(t, c.Pause())
	assert.Equal(t, ModePause, c.State().Mode)

	c.Stop()
	waitClosed(t, sub.Done())
	assert.Equal(t, []Event{EventPlay, EventPause}, rec.kinds())

	assert.ErrorIs(t, c.Play(), ErrInvalidTransition)
	assert.ErrorIs(t, c.Pause(), ErrInvalidTransition)
}

func TestTrackSetVolume(t *testing.T) {
	c := newTestTrack(t, &pcmInput{}, nil).Controller()
	assert.Equal(t, 1.0, c.State().Volume, "tracks start at unity gain")

	tests := []struct {
		v       float64
		wantErr bool
	}{
		{v: 0},
		{v: 1.5},
		{v: 2.0},
		{v: -0.1, wantErr: true},
		{v: 2.01, wantErr: true},
		{v: math.NaN(), wantErr: true},
		{v: math.Inf(1), wantErr: true},
	}
	for _, tt := range tests {
		before := c.State().Volume
		err := c.SetVolume(tt.v)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrOutOfRange, "volume %v", tt.v)
			assert.Equal(t, before, c.State().Volume)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.v, c.State().Volume)
	}

	wide := newTestTrack(t, &pcmInput{}, nil, WithMaxVolume(3)).Controller()
	assert.NoError(t, wide.SetVolume(3))

	c.Stop()
	assert.ErrorIs(t, c.SetVolume(1), ErrTrackFinished)
}

func TestTrackSeekValidation(t *testing.T) {
	seekable := newTestTrack(t, &pcmInput{data: frames(100), seekable: true}, nil).Controller()

	_, err := seekable.Seek(-time.Millisecond)
	assert.ErrorIs(t, err, ErrInvalidPosition)
	_, err = seekable.Seek(200 * time.Millisecond)
	assert.ErrorIs(t, err, ErrInvalidPosition)

	pos, err := seekable.Seek(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, pos)
	assert.Equal(t, 50*time.Millisecond, seekable.State().Position)

	_, err = seekable.SeekAsync(context.Background(), 200*time.Millisecond)
	assert.ErrorIs(t, err, ErrInvalidPosition)
	assert.Equal(t, 50*time.Millisecond, seekable.State().Position)

	fixed := newTestTrack(t, &pcmInput{data: frames(100)}, nil).Controller()
	_, err = fixed.Seek(time.Millisecond)
	assert.ErrorIs(t, err, ErrSeekUnsupported)
	_, err = fixed.Seek(-time.Millisecond)
	assert.ErrorIs(t, err, ErrSeekUnsupported)
	_, err = fixed.SeekAsync(context.Background(), time.Millisecond)
	assert.ErrorIs(t, err, ErrSeekUnsupported)
	_, err = fixed.SeekAsync(context.Background(), -time.Millisecond)
	assert.ErrorIs(t, err, ErrSeekUnsupported)

	seekable.Stop()
	_, err = seekable.Seek(time.Millisecond)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTrackSeekAsyncRepositions(t *testing.T) {
	h := newTestTrack(t, &pcmInput{data: frames(100), seekable: true}, nil, WithPaused())
	c := h.Controller()
	h.Start(context.Background())
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pos, err := c.SeekAsync(ctx, 40*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 40*time.Millisecond, pos)
	assert.Equal(t, 40*time.Millisecond, c.State().Position)
}

func TestTrackFailedSeekRestoresPosition(t *testing.T) {
	broken := errors.New("stream cannot reposition")
	h := newTestTrack(t, &pcmInput{data: frames(100), seekable: true, seekErr: broken}, nil, WithPaused())
	c := h.Controller()
	h.Start(context.Background())
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.SeekAsync(ctx, 40*time.Millisecond)
	assert.ErrorIs(t, err, broken)
	assert.Equal(t, time.Duration(0), c.State().Position)

	_, err = c.Seek(30 * time.Millisecond)
	require.NoError(t, err)
	_, err = c.Seek(60 * time.Millisecond)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return c.State().Position == 0
	}, 5*time.Second, time.Millisecond)
}

func TestTrackSubscriptionAtCreation(t *testing.T) {
	rec := &recorder{}
	h := newTestTrack(t, &pcmInput{data: frames(2)}, nil,
		WithSubscription(EventPreparing, rec, EventPlayable, EventEnd))
	c := h.Controller()
	subs := c.Subscriptions()
	require.Len(t, subs, 1)

	h.Start(context.Background())
	waitClosed(t, subs[0].Done())
	assert.Equal(t, []Event{EventPreparing, EventPlayable, EventEnd}, rec.kinds())
	assert.Empty(t, c.Subscriptions())
}

func TestTrackInvalidSubscriptionAtCreation(t *testing.T) {
	rec := &recorder{}
	_, err := New(&pcmInput{}, SinkFunc(func([]byte) error { return nil }),
		WithSubscription(EventPlay, rec), WithSubscription(Event(99), rec))
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = New(&pcmInput{}, SinkFunc(func([]byte) error { return nil }),
		WithSubscription(EventEnd, nil))
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestTrackSeekAsyncSuperseded(t *testing.T) {
	h := newTestTrack(t, &pcmInput{data: frames(100), seekable: true}, nil)
	c := h.Controller()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.SeekAsync(context.Background(), 10*time.Millisecond)
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.seek != nil
	}, time.Second, time.Millisecond)

	_, err := c.Seek(20 * time.Millisecond)
	require.NoError(t, err)
	assert.ErrorIs(t, <-errCh, ErrCancelled)
	assert.Equal(t, 20*time.Millisecond, c.State().Position)
}

func TestTrackSeekAsyncContextCancelled(t *testing.T) {
	c := newTestTrack(t, &pcmInput{data: frames(100), seekable: true}, nil).Controller()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.SeekAsync(ctx, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTrackSeekCancelledByStop(t *testing.T) {
	c := newTestTrack(t, &pcmInput{data: frames(100), seekable: true}, nil).Controller()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.SeekAsync(context.Background(), 10*time.Millisecond)
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		c.h.mu.Lock()
		defer c.h.mu.Unlock()
		return c.h.seek != nil
	}, time.Second, time.Millisecond)

	c.Stop()
	assert.ErrorIs(t, <-errCh, ErrCancelled)
}

func TestTrackLoops(t *testing.T) {
	sink := &countingSink{}
	data := frames(5)
	h := newTestTrack(t, &pcmInput{data: data, seekable: true}, sink, WithLoops(2))
	c := h.Controller()

	rec := &recorder{}
	sub, err := c.Subscribe(EventLoop, rec, EventEnd)
	require.NoError(t, err)

	h.Start(context.Background())
	waitClosed(t, sub.Done())

	assert.Equal(t, []Event{EventLoop, EventLoop, EventEnd}, rec.kinds())
	assert.Equal(t, int64(3*len(data)), sink.n.Load())
	assert.Equal(t, 0, c.State().Loops)

	fixed := newTestTrack(t, &pcmInput{data: data}, nil).Controller()
	assert.ErrorIs(t, fixed.Loop(1), ErrSeekUnsupported)
}

func TestTrackOpenError(t *testing.T) {
	boom := errors.New("no such input")
	h := newTestTrack(t, &pcmInput{openErr: boom}, nil)
	c := h.Controller()

	rec := &recorder{}
	sub, err := c.Subscribe(EventError, rec, EventEnd)
	require.NoError(t, err)

	h.Start(context.Background())
	waitClosed(t, sub.Done())

	st := c.State()
	assert.Equal(t, ModeErrored, st.Mode)
	assert.ErrorIs(t, st.Err, boom)
	assert.Equal(t, []Event{EventError}, rec.kinds())
}

func TestTrackSlowListenerDoesNotStallPlayback(t *testing.T) {
	h := newTestTrack(t, &pcmInput{data: frames(10)}, nil)
	c := h.Controller()

	release := make(chan struct{})
	var ends atomic.Int32
	slow, err := c.AddEvent(EventPlayable, func(context.Context, EventContext) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	end, err := c.AddEvent(EventEnd, func(context.Context, EventContext) error {
		ends.Add(1)
		return nil
	})
	require.NoError(t, err)

	h.Start(context.Background())
	waitClosed(t, c.Done())
	waitClosed(t, end.Done())
	assert.Equal(t, int32(1), ends.Load())

	close(release)
	waitClosed(t, slow.Done())
}

func TestTrackContextCancelStops(t *testing.T) {
	h := newTestTrack(t, &pcmInput{data: frames(10000)}, nil)
	c := h.Controller()

	ctx, cancel := context.WithCancel(context.Background())
	h.Start(ctx)
	cancel()
	waitClosed(t, c.Done())
	assert.Equal(t, ModeStop, c.State().Mode)
}

func TestSubscriptionReportsListenerFailures(t *testing.T) {
	c := newTestTrack(t, &pcmInput{}, nil).Controller()

	panicky, err := c.AddEvent(EventEnd, func(context.Context, EventContext) error {
		panic("listener exploded")
	})
	require.NoError(t, err)
	failing, err := c.AddEvent(EventEnd, func(context.Context, EventContext) error {
		return errors.New("listener refused")
	})
	require.NoError(t, err)

	c.Stop()

	perr, ok := <-panicky.Errors()
	require.True(t, ok)
	assert.Contains(t, perr.Error(), "listener exploded")

	ferr, ok := <-failing.Errors()
	require.True(t, ok)
	assert.Contains(t, ferr.Error(), "listener refused")

	waitClosed(t, panicky.Done())
	waitClosed(t, failing.Done())
}

func TestSubscriptionCancel(t *testing.T) {
	c := newTestTrack(t, &pcmInput{}, nil, WithPaused()).Controller()

	rec := &recorder{}
	sub, err := c.Subscribe(EventPlay, rec)
	require.NoError(t, err)
	sub.Cancel()
	waitClosed(t, sub.Done())

	require.NoError(t, c.Play())
	assert.Empty(t, rec.kinds())
}

func TestSubscribeValidation(t *testing.T) {
	c := newTestTrack(t, &pcmInput{}, nil).Controller()

	_, err := c.Subscribe(Event(42), &recorder{})
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = c.Subscribe(EventEnd, nil)
	assert.ErrorIs(t, err, ErrOutOfRange)

	c.Stop()
	_, err = c.Subscribe(EventEnd, &recorder{})
	assert.ErrorIs(t, err, ErrTrackFinished)
}

func TestTrackStateIsConsistentUnderConcurrency(t *testing.T) {
	c := newTestTrack(t, &pcmInput{}, nil).Controller()
	defer c.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if (i+j)%2 == 0 {
					_ = c.Play()
					_ = c.SetVolume(0.5)
				} else {
					_ = c.Pause()
					_ = c.SetVolume(1.5)
				}
			}
		}(i)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				st := c.State()
				assert.Contains(t, []PlayMode{ModePlay, ModePause}, st.Mode)
				assert.Contains(t, []float64{1, 0.5, 1.5}, st.Volume)
			}
		}()
	}
	wg.Wait()
}

func TestScaleVolume(t *testing.T) {
	frame := make([]byte, 6)
	binary.LittleEndian.PutUint16(frame[0:], uint16(int16(1000)))
	binary.LittleEndian.PutUint16(frame[2:], uint16(int16(30000)))
	neg := int16(-30000)
	binary.LittleEndian.PutUint16(frame[4:], uint16(neg))

	scaleVolume(frame, 2)

	assert.Equal(t, int16(2000), int16(binary.LittleEndian.Uint16(frame[0:])))
	assert.Equal(t, int16(math.MaxInt16), int16(binary.LittleEndian.Uint16(frame[2:])))
	assert.Equal(t, int16(math.MinInt16), int16(binary.LittleEndian.Uint16(frame[4:])))
}

func TestParseEvent(t *testing.T) {
	for _, e := range []Event{EventPlay, EventPause, EventEnd, EventLoop, EventPreparing, EventPlayable, EventError} {
		got, err := ParseEvent(e.String())
		require.NoError(t, err)
		assert.Equal(t, e, got)
	}
	_, err := ParseEvent("rewind")
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestDurationConversions(t *testing.T) {
	assert.Equal(t, int64(3840), DurationToBytes(20*time.Millisecond))
	assert.Equal(t, 20*time.Millisecond, BytesToDuration(3840))
	assert.Zero(t, DurationToBytes(time.Nanosecond)%4)
}
