// Package media defines the seekable loop source the engine drives, and a
// headless implementation advanced by a real media clock.
package media

import (
	"context"
	"errors"
)

// Common errors
var (
	ErrNotLoaded   = errors.New("media not loaded")
	ErrSeekRange   = errors.New("seek position out of range")
	ErrPlayRefused = errors.New("source refused to play")
)

// EventType identifies a source notification
type EventType string

const (
	EventTimeUpdate EventType = "timeupdate"
	EventEnded      EventType = "ended"
	EventError      EventType = "error"
)

// Event is a notification from the rendering side
type Event struct {
	Type     EventType
	Position float64 // seconds on the source's time axis
	Err      error
}

// Listener receives source events. Listeners must not block.
type Listener func(Event)

// Metadata is reported once the source is ready
type Metadata struct {
	Path     string
	Duration float64
	Width    int
	Height   int
}

// Source is the seekable loop video or sprite animation.
//
// Seek returns once the seek has completed. Play returns once playback has
// started, or with ctx's error if it is cancelled first, and advances the
// position from wherever it is; the position is reported through
// EventTimeUpdate notifications until Pause is called or the end of the
// source is reached (EventEnded).
type Source interface {
	Load(ctx context.Context, path string) (Metadata, error)
	Seek(ctx context.Context, position float64) error
	Play(ctx context.Context) error
	Pause()
	Position() float64
	Subscribe(fn Listener) (unsubscribe func())
}
