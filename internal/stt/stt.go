// Package stt bridges the audio pipeline to an external streaming
// speech-to-text service.
package stt

import (
	"context"
	"errors"
)

// Result is one transcription event from the external service.
type Result struct {
	Text       string  // The transcribed text
	Confidence float64 // Confidence score (0-1)
	IsFinal    bool    // Whether this is a final or interim result
}

// StreamConfig describes the audio being streamed.
type StreamConfig struct {
	SampleRate int    // Hz, linear PCM
	Channels   int    // 1 for mono
	Language   string // BCP-47 code
	Model      string // provider-specific model name
}

// Stream is a live transcription session.
type Stream interface {
	// Send queues one PCM chunk for delivery to the service.
	Send(chunk []byte) error

	// Results returns the channel of transcription events. Closed when the
	// session ends.
	Results() <-chan Result

	// Errors returns the channel of transport errors.
	Errors() <-chan error

	// Close terminates the session cleanly.
	Close() error
}

// Provider opens streaming transcription sessions.
type Provider interface {
	Open(ctx context.Context, cfg StreamConfig) (Stream, error)
}

// Unconfigured is the provider used when no STT credentials are set. Every
// open fails, so frames cycle through the retry queue and are eventually
// discarded with warnings instead of crashing the pipeline.
type Unconfigured struct{}

// Open always fails.
func (Unconfigured) Open(ctx context.Context, cfg StreamConfig) (Stream, error) {
	return nil, errors.New("stt: no api key configured")
}
