package provider

import (
	"context"

	"media-download-service/internal/models"
)

// Metadata describes a piece of remote content.
type Metadata struct {
	Title           string
	DurationSeconds int
}

// ConvertRequest is what the converter needs to produce one artifact.
type ConvertRequest struct {
	JobID           int64
	ContentID       string
	Format          models.Format
	Title           string
	DurationSeconds int
}

// Artifact is the stored result of a conversion. SizeBytes is zero when the converter
// does not know the real output size.
type Artifact struct {
	Ref       string
	SizeBytes int64
}

// MetadataSource looks up title and duration for a content id.
type MetadataSource interface {
	FetchMetadata(ctx context.Context, contentID string) (Metadata, error)
}

// Converter turns content into a stored artifact of the requested format.
type Converter interface {
	Convert(ctx context.Context, req ConvertRequest) (Artifact, error)
}

// Provider is the full capability set the lifecycle engine drives.
type Provider interface {
	MetadataSource
	Converter
}

type composite struct {
	MetadataSource
	Converter
}

// Compose pairs a metadata source with a converter.
func Compose(meta MetadataSource, conv Converter) Provider {
	return composite{MetadataSource: meta, Converter: conv}
}
