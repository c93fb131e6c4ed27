package netutil

import (
	"errors"
	"fmt"
	"io"
)

// LimitedReader reads at most Limit bytes from R and fails once the
// source holds more than that.
type LimitedReader struct {
	R     io.Reader
	Limit int64
	read  int64
}

// NewLimitedReader wraps r with a size ceiling.
func NewLimitedReader(r io.Reader, limit int64) *LimitedReader {
	return &LimitedReader{R: r, Limit: limit}
}

func (l *LimitedReader) Read(p []byte) (int, error) {
	remaining := l.Limit - l.read
	if remaining <= 0 {
		// peek at one more byte
		var peek [1]byte
		n, err := l.R.Read(peek[:])
		if n > 0 {
			return 0, &SizeLimitExceededError{Limit: l.Limit, Read: l.read + int64(n)}
		}
		if err == nil {
			err = io.EOF
		}
		return 0, err
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := l.R.Read(p)
	l.read += int64(n)
	return n, err
}

// BytesRead returns the number of bytes handed out so far.
func (l *LimitedReader) BytesRead() int64 {
	return l.read
}

// ReadAllLimited reads r to EOF, failing with SizeLimitExceededError past limit.
func ReadAllLimited(r io.Reader, limit int64) ([]byte, error) {
	return io.ReadAll(NewLimitedReader(r, limit))
}

// SizeLimitExceededError is returned when a body is larger than allowed.
type SizeLimitExceededError struct {
	Limit int64
	Read  int64
}

func (e *SizeLimitExceededError) Error() string {
	return fmt.Sprintf("size limit exceeded: read %s, limit is %s", FormatSize(e.Read), FormatSize(e.Limit))
}

// IsSizeLimitExceededError reports whether err is a SizeLimitExceededError.
func IsSizeLimitExceededError(err error) bool {
	var sizeErr *SizeLimitExceededError
	return errors.As(err, &sizeErr)
}

// FormatSize renders a byte count for humans.
func FormatSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
