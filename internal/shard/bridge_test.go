package shard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keshon/voicegate/internal/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	mu   sync.Mutex
	got  []VoiceUpdate
	fail error
}

func (g *fakeGateway) SendVoiceUpdate(_ context.Context, u VoiceUpdate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail != nil {
		return g.fail
	}
	g.got = append(g.got, u)
	return nil
}

func (g *fakeGateway) updates() []VoiceUpdate {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]VoiceUpdate(nil), g.got...)
}

func runBridge(t *testing.T, b *Bridge) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = b.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestBridgeSubmitDelivers(t *testing.T) {
	gw := &fakeGateway{}
	b := NewBridge(3, gw)
	runBridge(t, b)

	channel := ids.ChannelID(381612756123648000)
	ack, err := b.Submit(VoiceUpdate{
		ShardID:   99,
		GuildID:   ids.GuildID(323365823572082690),
		ChannelID: &channel,
		SelfDeaf:  true,
	})
	require.NoError(t, err)
	require.NoError(t, ack.Wait(context.Background()))
	assert.NoError(t, ack.Err())

	got := gw.updates()
	require.Len(t, got, 1)
	assert.Equal(t, uint64(3), got[0].ShardID, "bridge overrides the shard id")
	assert.Equal(t, ids.GuildID(323365823572082690), got[0].GuildID)
	assert.Equal(t, channel, *got[0].ChannelID)
	assert.True(t, got[0].SelfDeaf)
	assert.False(t, got[0].SelfMute)
}

func TestBridgeSubmitDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	gw := GatewayFunc(func(ctx context.Context, _ VoiceUpdate) error {
		<-release
		return nil
	})
	b := NewBridge(0, gw, WithQueueSize(2))
	runBridge(t, b)
	defer close(release)

	var acks []*Ack
	var full error
	deadline := time.After(time.Second)
	for full == nil {
		select {
		case <-deadline:
			t.Fatal("submit blocked")
		default:
		}
		ack, err := b.Submit(VoiceUpdate{GuildID: 1})
		if err != nil {
			full = err
			break
		}
		acks = append(acks, ack)
	}
	assert.ErrorIs(t, full, ErrBridgeUnavailable)
	// one in flight plus a full queue
	assert.LessOrEqual(t, len(acks), 3)
	for _, a := range acks {
		assert.NoError(t, a.Err(), "unresolved acks report no error yet")
	}
}

func TestBridgeGatewayErrorResolvesAck(t *testing.T) {
	boom := errors.New("socket closed")
	gw := &fakeGateway{fail: boom}
	b := NewBridge(1, gw)
	runBridge(t, b)

	ack, err := b.Submit(VoiceUpdate{GuildID: 7})
	require.NoError(t, err)
	err = ack.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, ack.Err(), boom)
}

func TestBridgeGatewayPanicIsContained(t *testing.T) {
	var calls atomic.Int32
	gw := GatewayFunc(func(context.Context, VoiceUpdate) error {
		if calls.Add(1) == 1 {
			panic("napi callback exploded")
		}
		return nil
	})
	b := NewBridge(0, gw)
	runBridge(t, b)

	first, err := b.Submit(VoiceUpdate{GuildID: 1})
	require.NoError(t, err)
	assert.Error(t, first.Wait(context.Background()))

	second, err := b.Submit(VoiceUpdate{GuildID: 1})
	require.NoError(t, err)
	assert.NoError(t, second.Wait(context.Background()), "worker survives a panicking gateway")
}

func TestBridgeClosed(t *testing.T) {
	b := NewBridge(0, &fakeGateway{})

	// never started: queued work is failed on close
	queued, err := b.Submit(VoiceUpdate{GuildID: 1})
	require.NoError(t, err)

	b.Close()
	b.Close()

	assert.ErrorIs(t, queued.Wait(context.Background()), ErrBridgeUnavailable)
	_, err = b.Submit(VoiceUpdate{GuildID: 1})
	assert.ErrorIs(t, err, ErrBridgeUnavailable)
	assert.True(t, b.Closed())
}

func TestAckResolvesOnce(t *testing.T) {
	a := newAck()
	assert.NoError(t, a.Err())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				a.resolve(nil)
			} else {
				a.resolve(errors.New("late"))
			}
		}(i)
	}
	wg.Wait()

	first := a.Err()
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, a.Err())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := newAck()
	assert.ErrorIs(t, b.Wait(ctx), context.Canceled)
}

func TestBridgePreservesOrder(t *testing.T) {
	gw := &fakeGateway{}
	b := NewBridge(0, gw, WithQueueSize(128))

	var acks []*Ack
	for i := 1; i <= 50; i++ {
		ack, err := b.Submit(VoiceUpdate{GuildID: ids.GuildID(i)})
		require.NoError(t, err)
		acks = append(acks, ack)
	}
	runBridge(t, b)
	for _, a := range acks {
		require.NoError(t, a.Wait(context.Background()))
	}

	got := gw.updates()
	require.Len(t, got, 50)
	for i, u := range got {
		assert.Equal(t, ids.GuildID(i+1), u.GuildID)
	}
}

func TestBridgeShutdownGivesUpAtDeadline(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	b := NewBridge(0, GatewayFunc(func(ctx context.Context, _ VoiceUpdate) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return ctx.Err()
	}))
	runBridge(t, b)

	inflight, err := b.Submit(VoiceUpdate{GuildID: 1})
	require.NoError(t, err)
	queued, err := b.Submit(VoiceUpdate{GuildID: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	b.Shutdown(ctx)

	assert.True(t, b.Closed())
	_, err = b.Submit(VoiceUpdate{GuildID: 3})
	assert.ErrorIs(t, err, ErrBridgeUnavailable)
	assert.ErrorIs(t, queued.Wait(context.Background()), ErrBridgeUnavailable)
	assert.Error(t, inflight.Wait(context.Background()))
}
