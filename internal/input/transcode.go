package input

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/keshon/voicegate/internal/track"
	"github.com/rs/zerolog"
)

// Transcoder decodes arbitrary audio into s16le PCM with ffmpeg.
type Transcoder struct {
	Path string
	log  zerolog.Logger
}

func (t *Transcoder) args(input string) []string {
	return []string{
		"-i", input,
		"-f", "s16le",
		"-ar", strconv.Itoa(track.SampleRate),
		"-ac", strconv.Itoa(track.Channels),
		"-loglevel", "warning",
		"pipe:1",
	}
}

// FromReader decodes src, which is closed with the returned stream.
func (t *Transcoder) FromReader(ctx context.Context, src io.ReadCloser) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, t.Path, t.args("pipe:0")...)
	cmd.Stdin = src
	out, err := t.start(cmd, src)
	if err != nil {
		src.Close()
		return nil, err
	}
	return out, nil
}

// FromLocation decodes a file path or URL that ffmpeg can open itself.
func (t *Transcoder) FromLocation(ctx context.Context, location string) (io.ReadCloser, error) {
	args := t.args(location)
	if isURL(location) {
		args = append([]string{"-reconnect", "1", "-reconnect_streamed", "1", "-reconnect_delay_max", "5"}, args...)
	}
	return t.start(exec.CommandContext(ctx, t.Path, args...), nil)
}

func (t *Transcoder) start(cmd *exec.Cmd, src io.Closer) (io.ReadCloser, error) {
	cmd.Stderr = t.log
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg start: %w", err)
	}
	return &process{ReadCloser: stdout, cmd: cmd, src: src}, nil
}

// process is a running decoder; closing it stops ffmpeg.
type process struct {
	io.ReadCloser
	cmd  *exec.Cmd
	src  io.Closer
	once sync.Once
}

func (p *process) Close() error {
	p.once.Do(func() {
		if p.src != nil {
			p.src.Close()
		}
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.cmd.Wait()
	})
	return nil
}
