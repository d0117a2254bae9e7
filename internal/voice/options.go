package voice

import (
	"time"

	"github.com/keshon/voicegate/internal/metrics"
	"github.com/keshon/voicegate/internal/track"
	"github.com/rs/zerolog"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	defaultShutdownWorkers  = 8
)

type config struct {
	handshakeTimeout time.Duration
	selfMute         bool
	selfDeaf         bool
	trackOpts        []track.Option
	shutdownWorkers  int
	log              zerolog.Logger
	metrics          *metrics.Metrics
}

func newConfig(opts []Option) config {
	cfg := config{
		handshakeTimeout: DefaultHandshakeTimeout,
		selfDeaf:         true,
		shutdownWorkers:  defaultShutdownWorkers,
		log:              zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Option configures connections and the Manager that creates them.
type Option func(*config)

// WithHandshakeTimeout bounds how long Join waits for the handshake after
// the gateway accepted the voice update.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

// WithSelfMute sets the self_mute flag of outbound voice updates.
func WithSelfMute(mute bool) Option {
	return func(c *config) { c.selfMute = mute }
}

// WithSelfDeaf sets the self_deaf flag of outbound voice updates. Defaults
// to true.
func WithSelfDeaf(deaf bool) Option {
	return func(c *config) { c.selfDeaf = deaf }
}

// WithTrackOptions applies opts to every track played on a connection.
func WithTrackOptions(opts ...track.Option) Option {
	return func(c *config) { c.trackOpts = append(c.trackOpts, opts...) }
}

// WithShutdownWorkers bounds how many connections Shutdown tears down at once.
func WithShutdownWorkers(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.shutdownWorkers = n
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *config) { c.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) { c.metrics = m }
}
