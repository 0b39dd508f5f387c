package capture

import "errors"

var (
	// ErrNotReady rejects a start while the model is not loaded.
	ErrNotReady = errors.New("capture: model not loaded")
	// ErrDeviceBusy rejects a device switch while recording.
	ErrDeviceBusy       = errors.New("capture: device busy")
	ErrAlreadyRecording = errors.New("capture: already recording")
	ErrUnknownDevice    = errors.New("capture: unknown device")
	ErrInputTruncated   = errors.New("capture: input longer than the buffer window")
)
