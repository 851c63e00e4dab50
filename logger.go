package rtas

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/rtas/internal/arena"
	"github.com/gogpu/rtas/internal/geometry"
)

// nopHandler is a slog.Handler that silently discards all log records.
// The Enabled method returns false so the caller skips message formatting
// entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for rtas and its internal packages.
// By default rtas produces no log output. Pass nil to restore the silent
// default.
//
// Log levels used by rtas:
//   - [slog.LevelDebug]: buffer growth, BLAS creation and deletion, builds
//   - [slog.LevelInfo]: TLAS assembly
//   - [slog.LevelWarn]: non-fatal issues (resource release errors)
//
// Devices created before SetLogger keep their logger until the next
// acceleration structure is created on them.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)
	arena.SetLogger(l)
	geometry.SetLogger(l)
}

// Logger returns the current logger used by rtas.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

// loggerSetter is implemented by devices that accept a logger.
type loggerSetter interface {
	SetLogger(*slog.Logger)
}

// propagateLogger passes the current logger to a device if it accepts one.
func propagateLogger(dev any) {
	if ls, ok := dev.(loggerSetter); ok {
		ls.SetLogger(Logger())
	}
}
