// Package shard maps guilds onto upstream gateway shards and carries outbound
// voice state updates to them.
//
// Routing is the same pure rule the gateway uses, (guild_id >> 22) % count,
// so both ends agree without coordination. Each registered shard owns a
// Bridge whose worker runs as a background job.
package shard

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/keshon/voicegate/internal/ids"
	"github.com/keshon/voicegate/internal/logging"
	"github.com/keshon/voicegate/pkg/jobmgr"
	"github.com/rs/zerolog"
)

// drainTimeout bounds how long a replaced bridge keeps delivering the
// updates queued before it was retired.
const drainTimeout = 5 * time.Second

var (
	ErrConfiguration     = errors.New("invalid shard configuration")
	ErrNoRoute           = errors.New("no shard registered for route")
	ErrBridgeUnavailable = errors.New("signaling bridge unavailable")
)

// Route returns the shard index that owns guild.
func Route(guild ids.GuildID, shardCount uint64) (uint64, error) {
	if shardCount == 0 {
		return 0, fmt.Errorf("%w: shard count must be positive", ErrConfiguration)
	}
	return (uint64(guild) >> 22) % shardCount, nil
}

// RouterOption configures a Router.
type RouterOption func(*Router)

func WithRouterLogger(log zerolog.Logger) RouterOption {
	return func(r *Router) { r.log = log }
}

// WithJobManager lets the caller share a job manager with other services.
func WithJobManager(jm *jobmgr.Manager) RouterOption {
	return func(r *Router) {
		if jm != nil {
			r.jobs = jm
		}
	}
}

// Router is the registry of shard bridges for one shard count.
type Router struct {
	// reconf serializes Reconfigure calls.
	reconf     sync.Mutex
	mu         sync.RWMutex
	shardCount uint64
	epoch      uint64
	bridges    map[uint64]*Bridge
	listeners  []func(epoch uint64)

	jobs   *jobmgr.Manager
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
}

// NewRouter creates an empty router. A zero shardCount is a configuration error.
func NewRouter(shardCount uint64, opts ...RouterOption) (*Router, error) {
	if shardCount == 0 {
		return nil, fmt.Errorf("%w: shard count must be positive", ErrConfiguration)
	}
	r := &Router{
		shardCount: shardCount,
		bridges:    make(map[uint64]*Bridge),
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.jobs == nil {
		r.jobs = jobmgr.NewManager(func(msg string) {
			r.log.Debug().Str("job", msg).Msg("bridge job")
		})
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.log = logging.Component(r.log, "router")
	return r, nil
}

// ShardCount returns the current shard count.
func (r *Router) ShardCount() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.shardCount
}

// Epoch increments on every reconfiguration.
func (r *Router) Epoch() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.epoch
}

// Register installs a bridge at its shard index and starts its worker.
func (r *Router) Register(b *Bridge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(b)
}

// RegisterGateway creates and registers one bridge per shard, all backed by gw.
func (r *Router) RegisterGateway(gw Gateway, opts ...BridgeOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := uint64(0); i < r.shardCount; i++ {
		if err := r.registerLocked(NewBridge(i, gw, opts...)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) registerLocked(b *Bridge) error {
	if b == nil {
		return fmt.Errorf("%w: nil bridge", ErrConfiguration)
	}
	idx := b.ShardID()
	if idx >= r.shardCount {
		return fmt.Errorf("%w: shard %d outside [0, %d)", ErrConfiguration, idx, r.shardCount)
	}
	if _, exists := r.bridges[idx]; exists {
		return fmt.Errorf("%w: shard %d already registered", ErrConfiguration, idx)
	}
	if _, err := r.jobs.StartAsync(r.ctx, jobName(idx), b.Run); err != nil {
		return fmt.Errorf("start shard %d worker: %w", idx, err)
	}
	r.bridges[idx] = b
	r.log.Info().Uint64("shard", idx).Uint64("shards", r.shardCount).Msg("shard registered")
	return nil
}

// Lookup returns the bridge registered at index. A false result means there
// is no route, not a transient failure.
func (r *Router) Lookup(index uint64) (*Bridge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bridges[index]
	return b, ok
}

// RouteGuild computes the shard for guild and returns its bridge.
func (r *Router) RouteGuild(guild ids.GuildID) (uint64, *Bridge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, err := Route(guild, r.shardCount)
	if err != nil {
		return 0, nil, err
	}
	b, ok := r.bridges[idx]
	if !ok {
		return idx, nil, fmt.Errorf("%w: guild %s -> shard %d", ErrNoRoute, guild, idx)
	}
	return idx, b, nil
}

// OnReconfigure registers fn to run after every Reconfigure.
func (r *Router) OnReconfigure(fn func(epoch uint64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Reconfigure replaces the shard count and the full bridge set. The old
// bridges are retired first and listeners are told while those bridges
// still deliver, so the leave updates of torn-down sessions reach the
// gateway. The old bridges are then drained and closed, and the new set is
// installed. Guilds have no route until that happens.
func (r *Router) Reconfigure(shardCount uint64, bridges ...*Bridge) error {
	if shardCount == 0 {
		return fmt.Errorf("%w: shard count must be positive", ErrConfiguration)
	}
	for _, b := range bridges {
		if b == nil || b.ShardID() >= shardCount {
			return fmt.Errorf("%w: bridge outside [0, %d)", ErrConfiguration, shardCount)
		}
	}

	r.reconf.Lock()
	defer r.reconf.Unlock()

	r.mu.Lock()
	old := r.bridges
	r.bridges = make(map[uint64]*Bridge, len(bridges))
	prev := r.shardCount
	r.shardCount = shardCount
	r.epoch++
	epoch := r.epoch
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(epoch)
	}

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	r.drainBridges(ctx, old)
	cancel()

	var errs []error
	r.mu.Lock()
	for _, b := range bridges {
		if err := r.registerLocked(b); err != nil {
			errs = append(errs, err)
		}
	}
	r.mu.Unlock()

	r.log.Warn().Uint64("from", prev).Uint64("to", shardCount).Uint64("epoch", epoch).
		Msg("shard routing reconfigured")
	return errors.Join(errs...)
}

// Shutdown delivers what is still queued on every bridge, waiting until ctx
// is done at most, and then stops the workers.
func (r *Router) Shutdown(ctx context.Context) {
	r.mu.Lock()
	old := r.bridges
	r.bridges = make(map[uint64]*Bridge)
	r.mu.Unlock()

	r.drainBridges(ctx, old)
	r.cancel()
}

// Close stops every bridge worker.
func (r *Router) Close() {
	r.mu.Lock()
	old := r.bridges
	r.bridges = make(map[uint64]*Bridge)
	r.stopBridges(old)
	r.mu.Unlock()
	r.cancel()
}

func (r *Router) drainBridges(ctx context.Context, bridges map[uint64]*Bridge) {
	var wg sync.WaitGroup
	for _, b := range bridges {
		b := b
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Shutdown(ctx)
		}()
	}
	wg.Wait()
	r.stopBridges(bridges)
}

func (r *Router) stopBridges(bridges map[uint64]*Bridge) {
	for idx, b := range bridges {
		b.Close()
		_ = r.jobs.Stop(jobName(idx))
	}
}

func jobName(idx uint64) string {
	return fmt.Sprintf("shard-%d", idx)
}
