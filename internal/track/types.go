package track

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var (
	ErrInvalidTransition = errors.New("invalid play mode transition")
	ErrOutOfRange        = errors.New("value out of range")
	ErrSeekUnsupported   = errors.New("input does not support seeking")
	ErrInvalidPosition   = errors.New("invalid seek position")
	ErrCancelled         = errors.New("track operation cancelled")
	ErrTrackFinished     = errors.New("track has finished")
)

// PlayMode is the playback status of a track.
type PlayMode int

const (
	ModePlay PlayMode = iota
	ModePause
	// ModeStop: manually stopped, cannot be restarted.
	ModeStop
	// ModeEnd: the input ran out, cannot be restarted.
	ModeEnd
	// ModeErrored: runtime or initialisation error, cannot be restarted.
	ModeErrored
)

func (m PlayMode) String() string {
	switch m {
	case ModePlay:
		return "play"
	case ModePause:
		return "pause"
	case ModeStop:
		return "stop"
	case ModeEnd:
		return "end"
	case ModeErrored:
		return "errored"
	}
	return fmt.Sprintf("PlayMode(%d)", int(m))
}

// Terminal reports whether no further transitions are possible.
func (m PlayMode) Terminal() bool {
	return m == ModeStop || m == ModeEnd || m == ModeErrored
}

// ReadyState tracks how far the input has been initialised.
type ReadyState int

const (
	ReadyUninitialised ReadyState = iota
	ReadyPreparing
	ReadyPlayable
)

func (r ReadyState) String() string {
	switch r {
	case ReadyUninitialised:
		return "uninitialised"
	case ReadyPreparing:
		return "preparing"
	case ReadyPlayable:
		return "playable"
	}
	return fmt.Sprintf("ReadyState(%d)", int(r))
}

// Event is a track lifecycle transition listeners can subscribe to.
type Event int

const (
	// EventPlay fires when a track resumes, not when it first starts.
	EventPlay Event = iota
	EventPause
	// EventEnd fires when the input runs out or the track is stopped.
	EventEnd
	EventLoop
	EventPreparing
	EventPlayable
	EventError
)

var eventNames = [...]string{"play", "pause", "end", "loop", "preparing", "playable", "error"}

func (e Event) String() string {
	if e >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// ParseEvent maps a case-insensitive event name to an Event.
func ParseEvent(s string) (Event, error) {
	for i, name := range eventNames {
		if strings.EqualFold(s, name) {
			return Event(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown track event %q", ErrOutOfRange, s)
}

// State is a consistent snapshot of a track.
type State struct {
	Position time.Duration
	PlayTime time.Duration
	Mode     PlayMode
	// Err is set when Mode is ModeErrored.
	Err    error
	Volume float64
	Ready  ReadyState
	// Loops remaining; -1 loops forever.
	Loops int
}

// Input is a lazily opened audio source. The stream is signed 16-bit little
// endian PCM, 48 kHz stereo, single pass.
type Input interface {
	Open(ctx context.Context) (io.ReadCloser, error)
	Seekable() bool
}

// Seeker is implemented by streams that can reposition.
type Seeker interface {
	SeekTo(pos time.Duration) (time.Duration, error)
}

// Durationer is implemented by inputs or streams that know their length.
type Durationer interface {
	KnownDuration() (time.Duration, bool)
}

// Sink receives encoded-ready frames, normally the voice connection.
type Sink interface {
	WriteFrame(frame []byte) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(frame []byte) error

func (f SinkFunc) WriteFrame(frame []byte) error { return f(frame) }

const (
	SampleRate     = 48000
	Channels       = 2
	bytesPerSample = 2
	BytesPerSecond = SampleRate * Channels * bytesPerSample
)

// BytesToDuration converts a PCM byte count into playback time.
func BytesToDuration(n int64) time.Duration {
	return time.Duration(n * int64(time.Second) / BytesPerSecond)
}

// DurationToBytes converts playback time into a frame-aligned byte offset.
func DurationToBytes(d time.Duration) int64 {
	n := int64(d) * BytesPerSecond / int64(time.Second)
	return n - n%(Channels*bytesPerSample)
}

// Metadata describes an input as reported by its resolver.
type Metadata struct {
	Track      string
	Artist     string
	Album      string
	Date       string
	Channels   uint8
	Channel    string
	StartTime  time.Duration
	Duration   time.Duration
	SampleRate uint32
	SourceURL  string
	Title      string
	Thumbnail  string
}

// MetadataSource is implemented by inputs that can describe themselves.
type MetadataSource interface {
	Metadata(ctx context.Context) (Metadata, error)
}
