package core

import "errors"

var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrDeviceNotFound   = errors.New("microphone not found")
	ErrBackpressure     = errors.New("backpressure")
	ErrClosed           = errors.New("closed")
)
