package input

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/keshon/voicegate/internal/track"
)

// rawPCMTypes are served as-is; everything else goes through ffmpeg.
var rawPCMTypes = map[string]bool{
	"audio/pcm": true,
	"audio/l16": true,
}

func isRawContentType(ct string) bool {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return rawPCMTypes[strings.ToLower(mt)]
}

func (s *Source) openHTTP(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.identifier, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedInput, err)
	}
	resp, err := s.r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", s.identifier, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: unexpected status %s", s.identifier, resp.Status)
	}
	if isRawContentType(resp.Header.Get("Content-Type")) {
		return &httpStream{ReadCloser: resp.Body, length: resp.ContentLength}, nil
	}
	return s.r.transcoder.FromReader(ctx, resp.Body)
}

func (s *Source) httpMetadata(ctx context.Context) (track.Metadata, error) {
	md := track.Metadata{SourceURL: s.identifier}
	if u, err := url.Parse(s.identifier); err == nil {
		md.Title = path.Base(u.Path)
		if md.Title == "/" || md.Title == "." {
			md.Title = u.Hostname()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.identifier, nil)
	if err != nil {
		return md, fmt.Errorf("%w: %v", ErrUnsupportedInput, err)
	}
	resp, err := s.r.http.Do(req)
	if err != nil {
		return md, fmt.Errorf("head %s: %w", s.identifier, err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return md, fmt.Errorf("head %s: unexpected status %s", s.identifier, resp.Status)
	}

	// Internet radio announces itself with icy headers.
	if name := resp.Header.Get("icy-name"); name != "" {
		md.Title = name
		md.Channel = name
	}
	if genre := resp.Header.Get("icy-genre"); genre != "" {
		md.Album = genre
	}
	if isRawContentType(resp.Header.Get("Content-Type")) {
		md.Channels = track.Channels
		md.SampleRate = track.SampleRate
		if resp.ContentLength > 0 {
			md.Duration = track.BytesToDuration(resp.ContentLength)
		}
	}
	return md, nil
}

type httpStream struct {
	io.ReadCloser
	length int64
}

func (h *httpStream) KnownDuration() (time.Duration, bool) {
	if h.length <= 0 {
		return 0, false
	}
	return track.BytesToDuration(h.length), true
}
