package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chongxuan2024/live2dSpeek/internal/media"
	"github.com/chongxuan2024/live2dSpeek/internal/schedule"
)

// PlaybackError reports a step the source would not play. The engine logs
// it and moves on to the next step.
type PlaybackError struct {
	Step schedule.Step
	Op   string
	Err  error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("%s step [%.3f, %.3f]: %s: %v", e.Step.Kind, e.Step.Start, e.Step.End, e.Op, e.Err)
}

func (e *PlaybackError) Unwrap() error {
	return e.Err
}

// playStep runs one step with exclusive use of the source. The active
// step marker is set for exactly the time the source is playing it.
func (e *Engine) playStep(ctx context.Context, step schedule.Step) error {
	e.sourceMu.Lock()
	defer e.sourceMu.Unlock()

	e.setActiveStep(&step)
	defer e.setActiveStep(nil)

	overrun, err := e.playRange(ctx, step)
	if err != nil {
		return err
	}
	e.metrics.RecordStep(step.Kind.String(), overrun)
	return nil
}

// playRange seeks to the step start, plays until the source reports a
// position at or past the step end, then pauses and pins the position to
// exactly the end. It returns how far past the end the source got.
// Caller holds sourceMu.
func (e *Engine) playRange(ctx context.Context, step schedule.Step) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var (
		started atomic.Bool
		once    sync.Once
		last    media.Event
		done    = make(chan struct{})
	)
	finish := func(ev media.Event) {
		once.Do(func() {
			last = ev
			close(done)
		})
	}

	unsubscribe := e.source.Subscribe(func(ev media.Event) {
		if !started.Load() {
			return
		}
		switch ev.Type {
		case media.EventTimeUpdate:
			if ev.Position >= step.End {
				finish(ev)
			}
		case media.EventEnded, media.EventError:
			finish(ev)
		}
	})
	defer unsubscribe()

	if err := e.source.Seek(ctx, step.Start); err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, &PlaybackError{Step: step, Op: "seek", Err: err}
	}
	if step.End <= step.Start {
		return 0, nil
	}

	started.Store(true)
	if err := e.source.Play(ctx); err != nil {
		if ctx.Err() != nil {
			e.source.Pause()
			return 0, ctx.Err()
		}
		return 0, &PlaybackError{Step: step, Op: "play", Err: err}
	}

	select {
	case <-done:
	case <-ctx.Done():
		e.source.Pause()
		return 0, ctx.Err()
	}
	e.source.Pause()

	if last.Type == media.EventError {
		err := last.Err
		if err == nil {
			err = media.ErrPlayRefused
		}
		return 0, &PlaybackError{Step: step, Op: "play", Err: err}
	}

	// Pin to the step end so the next step starts from a known frame even
	// when the source overshot between position updates.
	if err := e.source.Seek(context.WithoutCancel(ctx), step.End); err != nil {
		e.logger.Debug().Err(err).Float64("end", step.End).Msg("Could not pin position to step end")
	}
	return max(0, last.Position-step.End), nil
}
