package host

import (
	"log/slog"
	"time"
)

// Default limits applied by NewBackend and NewInvoker.
const (
	DefaultTimeout        = 30 * time.Second
	DefaultHTTPTimeout    = 30 * time.Second
	DefaultMaxHTTPBody    = 10 * 1024 * 1024
	DefaultMaxMemoryPages = 4096 // 256 MiB
)

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the host logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithLogSink routes guest log records to sink. By default records are
// buffered by an AsyncSink in front of the host logger.
func WithLogSink(sink LogSink) Option {
	return func(b *Backend) {
		b.sink = sink
	}
}

// WithCompilationCacheDir persists compiled modules under dir across runs.
func WithCompilationCacheDir(dir string) Option {
	return func(b *Backend) {
		b.cacheDir = dir
	}
}

// WithMaxMemoryPages caps the linear memory of every instance. A granted
// limit.memory lowers it per instance.
func WithMaxMemoryPages(pages uint32) Option {
	return func(b *Backend) {
		if pages > 0 {
			b.maxPages = pages
		}
	}
}

// WithHTTPTimeout bounds each http_request call.
func WithHTTPTimeout(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.httpTimeout = d
		}
	}
}

// WithMaxHTTPBody bounds the response body returned to a guest.
func WithMaxHTTPBody(size int64) Option {
	return func(b *Backend) {
		if size > 0 {
			b.maxHTTPBody = size
		}
	}
}

// WithEnviron replaces os.Environ as the source of granted env variables.
func WithEnviron(environ func() []string) Option {
	return func(b *Backend) {
		b.environ = environ
	}
}

// WithDenialHandler observes run-time capability denials.
func WithDenialHandler(h DenialHandler) Option {
	return func(b *Backend) {
		b.denialHandler = h
	}
}
