package types

import "errors"

var (
	// ErrNoManifestFormats indicates no adaptive-streaming formats were found.
	ErrNoManifestFormats = errors.New("no manifest formats found")

	// ErrNoSuitableStreams indicates neither a video-only nor an audio-only track exists.
	ErrNoSuitableStreams = errors.New("no suitable streams found")
)
