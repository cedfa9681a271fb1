package models

import (
	"fmt"
	"strings"
)

// Format is the requested output container. Values are the wire names.
type Format string

const (
	FormatMP3 Format = "mp3"
	FormatMP4 Format = "mp4"
	FormatWAV Format = "wav"
)

// Formats lists the closed set of supported output formats.
var Formats = []Format{FormatMP3, FormatMP4, FormatWAV}

var formatAliases = map[string]Format{
	"mp3":                FormatMP3,
	"audio-compressed":   FormatMP3,
	"mp4":                FormatMP4,
	"video":              FormatMP4,
	"wav":                FormatWAV,
	"audio-uncompressed": FormatWAV,
}

// ParseFormat canonicalises either a wire name or a descriptive name.
func ParseFormat(raw string) (Format, error) {
	if f, ok := formatAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return f, nil
	}
	return "", fmt.Errorf("unsupported format %q", raw)
}

// Valid reports whether f is one of the supported formats.
func (f Format) Valid() bool {
	switch f {
	case FormatMP3, FormatMP4, FormatWAV:
		return true
	}
	return false
}

// BytesPerSecond is the nominal output throughput used to size artifacts.
func (f Format) BytesPerSecond() int64 {
	switch f {
	case FormatMP3:
		return 16000 // ~128kbps
	case FormatWAV:
		return 176400 // 44.1kHz 16-bit stereo
	case FormatMP4:
		return 125000 // ~1Mbps
	default:
		return 50000
	}
}

// EstimateSize is the deterministic artifact size for a clip of the given length.
func (f Format) EstimateSize(durationSeconds int) int64 {
	if durationSeconds <= 0 {
		return 0
	}
	return int64(durationSeconds) * f.BytesPerSecond()
}

// ConversionName names the conversion step that produces this format.
func (f Format) ConversionName() string {
	switch f {
	case FormatMP3:
		return "mp3 audio extraction"
	case FormatMP4:
		return "mp4 video remux"
	case FormatWAV:
		return "wav audio decode"
	default:
		return string(f) + " conversion"
	}
}

func (f Format) ContentType() string {
	switch f {
	case FormatMP3:
		return "audio/mpeg"
	case FormatMP4:
		return "video/mp4"
	case FormatWAV:
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

// Kind is the descriptive category of the format.
func (f Format) Kind() string {
	switch f {
	case FormatMP3:
		return "audio-compressed"
	case FormatMP4:
		return "video"
	case FormatWAV:
		return "audio-uncompressed"
	default:
		return "unknown"
	}
}
