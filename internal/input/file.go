package input

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/keshon/voicegate/internal/track"
)

func fileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if fi.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}
	return fi.Size(), nil
}

func (s *Source) openFile(ctx context.Context) (io.ReadCloser, error) {
	if !s.raw {
		if _, err := fileSize(s.identifier); err != nil {
			return nil, fmt.Errorf("open %s: %w", s.identifier, err)
		}
		return s.r.transcoder.FromLocation(ctx, s.identifier)
	}
	f, err := os.Open(s.identifier)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fileStream{File: f, size: fi.Size()}, nil
}

func (s *Source) fileMetadata() (track.Metadata, error) {
	size, err := fileSize(s.identifier)
	if err != nil {
		return track.Metadata{}, fmt.Errorf("stat %s: %w", s.identifier, err)
	}
	base := filepath.Base(s.identifier)
	md := track.Metadata{
		Title:     strings.TrimSuffix(base, filepath.Ext(base)),
		SourceURL: s.identifier,
	}
	if s.raw {
		md.Channels = track.Channels
		md.SampleRate = track.SampleRate
		md.Duration = track.BytesToDuration(size)
	}
	return md, nil
}

// fileStream is raw PCM on disk.
type fileStream struct {
	*os.File
	size int64
}

func (f *fileStream) KnownDuration() (time.Duration, bool) {
	return track.BytesToDuration(f.size), true
}

func (f *fileStream) SeekTo(pos time.Duration) (time.Duration, error) {
	off := track.DurationToBytes(pos)
	if off < 0 || off > f.size {
		return 0, fmt.Errorf("%w: %s past end of %s", track.ErrInvalidPosition, pos, f.Name())
	}
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return track.BytesToDuration(off), nil
}
