// Package audio fetches and decodes narration clips and plays them back.
package audio

import (
	"context"
	"errors"
	"fmt"
)

// Common errors
var (
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrEmptyClip         = errors.New("audio clip has no samples")
	ErrFetch             = errors.New("audio fetch failed")
)

// AudioFormat represents audio encoding format
type AudioFormat string

const (
	FormatWAV AudioFormat = "wav"
	FormatMP3 AudioFormat = "mp3"
)

// Clip is a decoded narration clip. Samples hold the first channel only,
// normalized to [-1, 1].
type Clip struct {
	Path       string
	Format     AudioFormat
	Samples    []float32
	SampleRate int
	Channels   int
	Duration   float64 // seconds
}

// DecodeError wraps any failure to fetch or decode a clip
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Player plays a clip on some output. Play blocks until the clip has
// finished or ctx is cancelled.
type Player interface {
	Play(ctx context.Context, clip *Clip) error
}
