package native

import "errors"

// Package errors for the native backend.
var (
	// ErrNoGPU is returned when no GPU adapter is available.
	ErrNoGPU = errors.New("native: no GPU adapter available")

	// ErrNoHAL is returned when a device provider does not expose HAL types.
	ErrNoHAL = errors.New("native: provider does not expose HAL device and queue")

	// ErrTimeout is returned when submitted work does not complete in time.
	ErrTimeout = errors.New("native: GPU timeout")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("native: device closed")
)
