package input

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/keshon/voicegate/internal/track"
	"github.com/kkdai/youtube/v2"
)

const youtubeWatchURL = "https://www.youtube.com/watch?v="

func (s *Source) video(ctx context.Context) (*youtube.Video, youtube.FormatList, error) {
	video, err := s.r.youtube.GetVideoContext(ctx, s.identifier)
	if err != nil {
		return nil, nil, fmt.Errorf("youtube video %s: %w", s.identifier, err)
	}
	formats := video.Formats.WithAudioChannels()
	if len(formats) == 0 {
		return video, nil, errors.New("no audio formats found for video")
	}
	return video, formats, nil
}

func (s *Source) openYouTube(ctx context.Context) (io.ReadCloser, error) {
	video, formats, err := s.video(ctx)
	if err != nil {
		return nil, err
	}
	stream, _, err := s.r.youtube.GetStreamContext(ctx, video, &formats[0])
	if err != nil {
		return nil, fmt.Errorf("youtube stream %s: %w", s.identifier, err)
	}
	s.r.log.Debug().Str("video", video.ID).Str("title", video.Title).
		Str("mime", formats[0].MimeType).Msg("youtube stream opened")
	return s.r.transcoder.FromReader(ctx, stream)
}

func (s *Source) youtubeMetadata(ctx context.Context) (track.Metadata, error) {
	video, formats, err := s.video(ctx)
	if video == nil {
		return track.Metadata{}, err
	}
	md := track.Metadata{
		Track:     video.Title,
		Title:     video.Title,
		Artist:    video.Author,
		Channel:   video.Author,
		Duration:  video.Duration,
		SourceURL: youtubeWatchURL + video.ID,
	}
	if !video.PublishDate.IsZero() {
		md.Date = video.PublishDate.Format("2006-01-02")
	}
	var widest uint
	for _, th := range video.Thumbnails {
		if th.Width >= widest {
			widest = th.Width
			md.Thumbnail = th.URL
		}
	}
	if len(formats) > 0 {
		md.Channels = uint8(formats[0].AudioChannels)
		if rate, perr := strconv.ParseUint(formats[0].AudioSampleRate, 10, 32); perr == nil {
			md.SampleRate = uint32(rate)
		}
	}
	return md, nil
}
