package audio

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// ClockPlayer is a headless output: it "plays" a clip by waiting for its
// duration. Used when the clip is rendered elsewhere or not at all.
type ClockPlayer struct {
	logger zerolog.Logger
}

// NewClockPlayer creates a headless player
func NewClockPlayer(logger zerolog.Logger) *ClockPlayer {
	return &ClockPlayer{logger: logger.With().Str("component", "audio-clock").Logger()}
}

// Play blocks for the clip's duration or until ctx is done
func (p *ClockPlayer) Play(ctx context.Context, clip *Clip) error {
	if clip == nil || clip.Duration <= 0 {
		return nil
	}

	d := time.Duration(clip.Duration * float64(time.Second))
	p.logger.Debug().Str("path", clip.Path).Dur("duration", d).Msg("Playing clip")

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
