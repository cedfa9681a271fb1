package models

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// DisplayTimeLayout is how timestamps are rendered for people, e.g. "Mar 4, 2025 2:07 PM".
const DisplayTimeLayout = "Jan 2, 2006 3:04 PM"

const unknown = "Unknown"

// Snapshot is the reduced projection of a job returned to polling clients.
type Snapshot struct {
	ID           int64   `json:"id"`
	Status       Status  `json:"status"`
	Title        *string `json:"title"`
	FileSize     string  `json:"file_size"`
	Duration     string  `json:"duration"`
	ErrorMessage *string `json:"error_message"`
	CompletedAt  *string `json:"completed_at"`
}

// Detail is the full job plus its human readable renderings.
type Detail struct {
	Job
	FormattedSize        string  `json:"formatted_size"`
	FormattedDuration    string  `json:"formatted_duration"`
	FormattedCreatedAt   string  `json:"formatted_created_at"`
	FormattedStartedAt   *string `json:"formatted_started_at"`
	FormattedCompletedAt *string `json:"formatted_completed_at"`
}

// Snapshot projects the job for polling.
func (j Job) Snapshot() Snapshot {
	return Snapshot{
		ID:           j.ID,
		Status:       j.Status,
		Title:        j.Title,
		FileSize:     FormatSize(j.SizeBytes),
		Duration:     FormatDuration(j.DurationSeconds),
		ErrorMessage: j.ErrorReason,
		CompletedAt:  formatTime(j.CompletedAt),
	}
}

// Detail renders the job for lookups and history listings.
func (j Job) Detail() Detail {
	return Detail{
		Job:                  j,
		FormattedSize:        FormatSize(j.SizeBytes),
		FormattedDuration:    FormatDuration(j.DurationSeconds),
		FormattedCreatedAt:   j.CreatedAt.Format(DisplayTimeLayout),
		FormattedStartedAt:   formatTime(j.StartedAt),
		FormattedCompletedAt: formatTime(j.CompletedAt),
	}
}

// FormatSize renders a byte count using binary units with at most two decimals.
func FormatSize(size *int64) string {
	if size == nil || *size <= 0 {
		return unknown
	}
	units := []string{"B", "KB", "MB", "GB"}
	value := float64(*size)
	i := 0
	for value > 1024 && i < len(units)-1 {
		value /= 1024
		i++
	}
	rounded := math.Round(value*100) / 100
	return strconv.FormatFloat(rounded, 'f', -1, 64) + " " + units[i]
}

// FormatDuration renders seconds as m:ss.
func FormatDuration(seconds *int) string {
	if seconds == nil || *seconds <= 0 {
		return unknown
	}
	return fmt.Sprintf("%d:%02d", *seconds/60, *seconds%60)
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(DisplayTimeLayout)
	return &s
}
