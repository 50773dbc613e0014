package transfer

import (
	"path/filepath"
	"time"
)

// Info describes a completed transfer.
type Info struct {
	BytesTransferred int64         `json:"bytes_transferred"`
	TransferSpeed    float64       `json:"transfer_speed"` // in MB/s
	RequestID        string        `json:"request_id,omitempty"`
	Duration         time.Duration `json:"duration"`
	ContentType      string        `json:"content_type,omitempty"`
}

// NewInfo derives the transfer speed from the byte count and elapsed time.
func NewInfo(bytes int64, duration time.Duration, requestID string) *Info {
	return &Info{
		BytesTransferred: bytes,
		TransferSpeed:    calculateTransferSpeedMBps(bytes, duration),
		RequestID:        requestID,
		Duration:         duration,
	}
}

// calculateTransferSpeedMBps calculates transfer speed in MB/s (decimal megabytes)
// using the formula: bytes / duration_in_seconds / 1,000,000
func calculateTransferSpeedMBps(bytes int64, duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}
	return float64(bytes) / duration.Seconds() / 1000 / 1000
}

var contentTypes = map[string]string{
	"zip": "application/zip",
	"tgz": "application/gzip",
	"tar": "application/x-tar",
	"zst": "application/zstd",
}

// ContentType maps a file's extension to the content type stored on the blob.
// Only the cache archive formats are known; anything else gets no content type.
func ContentType(path string) (string, bool) {
	ext := filepath.Ext(filepath.Base(path))
	if ext == "" {
		return "", false
	}

	ct, ok := contentTypes[ext[1:]]
	return ct, ok
}
