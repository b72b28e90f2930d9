package exporter

import "errors"

// Sentinel errors returned through the completion callback or from
// session construction. Underlying reader/writer errors are wrapped
// with %w so callers can match with errors.Is.
var (
	ErrNoTracks             = errors.New("exporter: asset has no video or audio tracks")
	ErrCannotAddVideoOutput = errors.New("exporter: cannot add video output to reader")
	ErrCannotAddVideoInput  = errors.New("exporter: cannot add video input to writer")
	ErrCannotAddAudioOutput = errors.New("exporter: cannot add audio output to reader")
	ErrCannotAddAudioInput  = errors.New("exporter: cannot add audio input to writer")
	ErrCannotStartReading   = errors.New("exporter: cannot start reading from source")
	ErrCannotStartWriting   = errors.New("exporter: cannot start writing to destination")
	ErrInvalidStatus        = errors.New("exporter: export requested in an invalid session state")
	ErrCancelled            = errors.New("exporter: export cancelled")
)
