package provider

import (
	"context"
	"fmt"
	"math"

	"github.com/kkdai/youtube/v2"
)

// videoClient is the subset of youtube.Client used for metadata.
type videoClient interface {
	GetVideoContext(ctx context.Context, id string) (*youtube.Video, error)
}

// YouTubeMetadata reads title and duration from YouTube.
type YouTubeMetadata struct {
	client videoClient
}

func NewYouTubeMetadata() *YouTubeMetadata {
	return &YouTubeMetadata{client: &youtube.Client{}}
}

func (y *YouTubeMetadata) FetchMetadata(ctx context.Context, contentID string) (Metadata, error) {
	video, err := y.client.GetVideoContext(ctx, contentID)
	if err != nil {
		return Metadata{}, fmt.Errorf("youtube lookup %s: %w", contentID, err)
	}
	seconds := int(math.Ceil(video.Duration.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return Metadata{Title: video.Title, DurationSeconds: seconds}, nil
}
