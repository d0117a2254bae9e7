package track

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Controller is the caller-facing control surface of a track. Any number of
// controllers may share one Handle; every call is serialized by the handle.
type Controller struct {
	h *Handle
}

func (c *Controller) ID() uuid.UUID { return c.h.id }

// Play resumes a paused track. It is a no-op when already playing.
func (c *Controller) Play() error { return c.h.setMode(ModePlay) }

// Pause suspends playback. It is a no-op when already paused.
func (c *Controller) Pause() error { return c.h.setMode(ModePause) }

// Stop ends the track for good and fires EventEnd.
func (c *Controller) Stop() { c.h.stopTrack() }

// SetVolume sets the gain; 1.0 is unchanged, 0 is silent.
func (c *Controller) SetVolume(v float64) error { return c.h.setVolume(v) }

// Loop sets how many more passes the track makes; n < 0 loops forever.
func (c *Controller) Loop(n int) error { return c.h.setLoops(n) }

// Seek moves the track to pos. The new position is visible in State at
// once; the stream is repositioned by the playback loop.
func (c *Controller) Seek(pos time.Duration) (time.Duration, error) {
	req, err := c.h.requestSeek(pos)
	if err != nil {
		return 0, err
	}
	return req.target, nil
}

// SeekAsync moves the track to pos and waits until the stream has actually
// been repositioned, returning the position reached.
func (c *Controller) SeekAsync(ctx context.Context, pos time.Duration) (time.Duration, error) {
	req, err := c.h.requestSeek(pos)
	if err != nil {
		return 0, err
	}
	select {
	case <-req.done:
		return req.pos, req.err
	case <-ctx.Done():
		c.h.abandonSeek(req, ctx.Err())
		<-req.done
		return req.pos, req.err
	}
}

// State returns a consistent snapshot.
func (c *Controller) State() State { return c.h.snapshot() }

// Done is closed when playback has stopped for good.
func (c *Controller) Done() <-chan struct{} { return c.h.done }

// Metadata asks the input for its description.
func (c *Controller) Metadata(ctx context.Context) (Metadata, error) {
	src, ok := c.h.input.(MetadataSource)
	if !ok {
		return Metadata{}, fmt.Errorf("input %T has no metadata", c.h.input)
	}
	return src.Metadata(ctx)
}

// Subscribe attaches l to one or more event kinds. Events covered by one
// subscription arrive in the order they happened.
func (c *Controller) Subscribe(kind Event, l Listener, more ...Event) (*Subscription, error) {
	return c.h.subscribe(l, append([]Event{kind}, more...))
}

// Subscriptions returns the listeners still attached, oldest first.
func (c *Controller) Subscriptions() []*Subscription { return c.h.subscriptions() }

// AddEvent is Subscribe for a plain function.
func (c *Controller) AddEvent(kind Event, fn func(ctx context.Context, ev EventContext) error) (*Subscription, error) {
	return c.Subscribe(kind, ListenerFunc(fn))
}
