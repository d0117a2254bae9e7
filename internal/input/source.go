// Package input resolves caller-supplied descriptors into playable track
// inputs: YouTube videos, HTTP streams and local files. Anything that is not
// raw PCM is decoded to s16le 48 kHz stereo by ffmpeg.
package input

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/keshon/voicegate/internal/logging"
	"github.com/keshon/voicegate/internal/track"
	"github.com/kkdai/youtube/v2"
	"github.com/rs/zerolog"
)

var ErrUnsupportedInput = errors.New("unsupported input")

// Kind is where a source's audio comes from.
type Kind int

const (
	KindYouTube Kind = iota
	KindHTTP
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindYouTube:
		return "youtube"
	case KindHTTP:
		return "http"
	case KindFile:
		return "file"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Resolver turns descriptors into Sources and holds the clients they share.
type Resolver struct {
	http       *http.Client
	youtube    *youtube.Client
	transcoder *Transcoder
	log        zerolog.Logger
}

type ResolverOption func(*Resolver)

func WithHTTPClient(c *http.Client) ResolverOption {
	return func(r *Resolver) { r.http = c }
}

func WithYouTubeClient(c *youtube.Client) ResolverOption {
	return func(r *Resolver) { r.youtube = c }
}

// WithFFmpeg sets the ffmpeg binary used for decoding.
func WithFFmpeg(path string) ResolverOption {
	return func(r *Resolver) { r.transcoder.Path = path }
}

func WithLogger(log zerolog.Logger) ResolverOption {
	return func(r *Resolver) { r.log = log }
}

func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		http:       &http.Client{},
		transcoder: &Transcoder{Path: "ffmpeg"},
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.youtube == nil {
		r.youtube = &youtube.Client{HTTPClient: r.http}
	}
	r.log = logging.Component(r.log, "input")
	r.transcoder.log = logging.Component(r.log, "ffmpeg")
	return r
}

// Resolve picks a source kind for descriptor: YouTube links, other http(s)
// URLs, or a local path.
func (r *Resolver) Resolve(descriptor string) (*Source, error) {
	descriptor = strings.TrimSpace(descriptor)
	if descriptor == "" {
		return nil, fmt.Errorf("%w: empty descriptor", ErrUnsupportedInput)
	}
	if !isURL(descriptor) {
		return r.File(descriptor), nil
	}
	u, err := url.Parse(descriptor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedInput, err)
	}
	if isYouTubeHost(u.Hostname()) {
		return r.YouTube(descriptor)
	}
	return r.HTTP(descriptor), nil
}

// YouTube accepts a video URL or a bare video id.
func (r *Resolver) YouTube(video string) (*Source, error) {
	id, err := youtube.ExtractVideoID(video)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedInput, err)
	}
	return &Source{kind: KindYouTube, identifier: id, r: r}, nil
}

func (r *Resolver) HTTP(rawURL string) *Source {
	return &Source{kind: KindHTTP, identifier: rawURL, r: r}
}

// File plays a local file. Files ending in .pcm or .raw are read as s16le
// 48 kHz stereo and can seek; anything else is decoded by ffmpeg.
func (r *Resolver) File(path string) *Source {
	return &Source{kind: KindFile, identifier: path, raw: isRawPCM(path), r: r}
}

// Source is a lazily opened input. It satisfies track.Input.
type Source struct {
	kind       Kind
	identifier string
	raw        bool
	r          *Resolver
}

func (s *Source) Kind() Kind { return s.kind }

// Identifier is the video id, URL or path of the source.
func (s *Source) Identifier() string { return s.identifier }

func (s *Source) String() string { return s.kind.String() + ":" + s.identifier }

// Seekable reports whether the stream can be repositioned. Only raw PCM
// files can.
func (s *Source) Seekable() bool { return s.kind == KindFile && s.raw }

// KnownDuration reports the length of raw PCM files without opening them.
func (s *Source) KnownDuration() (time.Duration, bool) {
	if !s.Seekable() {
		return 0, false
	}
	size, err := fileSize(s.identifier)
	if err != nil {
		return 0, false
	}
	return track.BytesToDuration(size), true
}

// Open starts reading the source as PCM.
func (s *Source) Open(ctx context.Context) (io.ReadCloser, error) {
	switch s.kind {
	case KindYouTube:
		return s.openYouTube(ctx)
	case KindHTTP:
		return s.openHTTP(ctx)
	case KindFile:
		return s.openFile(ctx)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedInput, s.kind)
}

// Metadata describes the source without reading its audio.
func (s *Source) Metadata(ctx context.Context) (track.Metadata, error) {
	switch s.kind {
	case KindYouTube:
		return s.youtubeMetadata(ctx)
	case KindHTTP:
		return s.httpMetadata(ctx)
	case KindFile:
		return s.fileMetadata()
	}
	return track.Metadata{}, fmt.Errorf("%w: %s", ErrUnsupportedInput, s.kind)
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func isYouTubeHost(host string) bool {
	host = strings.ToLower(host)
	return host == "youtu.be" || host == "youtube.com" || strings.HasSuffix(host, ".youtube.com")
}

func isRawPCM(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pcm", ".raw":
		return true
	}
	return false
}
