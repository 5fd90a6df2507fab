package ublk

import "github.com/ublkgo/ublk/internal/interfaces"

// Backend defines the interface that all ublk backends must implement.
// This interface is intentionally similar to standard Go interfaces like
// io.ReaderAt and io.WriterAt for familiarity and composability.
type Backend = interfaces.Backend

// DiscardBackend is an optional interface that backends can implement
// to support TRIM/DISCARD operations efficiently.
type DiscardBackend = interfaces.DiscardBackend

// WriteZeroesBackend is an optional interface for efficient zero-writing.
type WriteZeroesBackend = interfaces.WriteZeroesBackend

// SyncBackend is an optional interface for fine-grained sync control.
type SyncBackend = interfaces.SyncBackend

// StatBackend is an optional interface that provides device statistics.
type StatBackend = interfaces.StatBackend

// ResizeBackend is an optional interface for backends that support resizing.
type ResizeBackend = interfaces.ResizeBackend

// Logger receives free-form progress and debug messages from a running
// device. *logging.Logger does not satisfy this on its own; wrap it or
// supply your own implementation (e.g. a small adapter around log.Printf).
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}
