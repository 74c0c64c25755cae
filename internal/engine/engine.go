// Package engine drives the avatar's loop source. It keeps an idle loop
// running over the silence range and, on request, plays a step sequence
// derived from a narration clip alongside the clip's audio.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chongxuan2024/live2dSpeek/internal/audio"
	"github.com/chongxuan2024/live2dSpeek/internal/bus"
	"github.com/chongxuan2024/live2dSpeek/internal/media"
	"github.com/chongxuan2024/live2dSpeek/internal/metrics"
	"github.com/chongxuan2024/live2dSpeek/internal/schedule"
	"github.com/chongxuan2024/live2dSpeek/internal/segment"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Common errors
var (
	ErrNotLoaded      = errors.New("loop asset not loaded")
	ErrSyncInProgress = errors.New("sync already in progress")
	ErrSourceBusy     = errors.New("idle loop did not release the source in time")
	ErrClosed         = errors.New("engine closed")
)

// Pause between idle repetitions after a failed one
const idleFailureBackoff = 250 * time.Millisecond

// ClipLoader fetches and decodes a narration clip
type ClipLoader interface {
	Load(ctx context.Context, path string) (*audio.Clip, error)
}

// Options configures an Engine
type Options struct {
	Source media.Source
	Loader ClipLoader
	Player audio.Player

	Table   schedule.RangeTable
	Segment segment.Config
	Plan    schedule.Options

	SettleDelay     time.Duration // wait after the idle loop stops, before the first step
	IdleGap         time.Duration // pause between idle repetitions
	IdleStopTimeout time.Duration // how long a sync waits for the idle loop to let go

	Logger  zerolog.Logger
	Bus     *bus.EventBus
	Metrics *metrics.Metrics
}

// Engine owns one loop source and its idle/sync state
type Engine struct {
	source   media.Source
	loader   ClipLoader
	player   audio.Player
	table    schedule.RangeTable
	segCfg   segment.Config
	planOpts schedule.Options

	settleDelay     time.Duration
	idleGap         time.Duration
	idleStopTimeout time.Duration

	logger  zerolog.Logger
	bus     *bus.EventBus
	metrics *metrics.Metrics

	// ctx is cancelled by Close; the idle loop plays under it
	ctx    context.Context
	cancel context.CancelFunc

	// sourceMu is held while a step or an asset load touches the source
	sourceMu sync.Mutex

	mu          sync.Mutex
	phase       Phase
	loaded      bool
	meta        media.Metadata
	idleActive  bool
	idleDone    chan struct{} // closed when the running idle goroutine exits
	syncing     bool
	interrupt   bool
	cancelAudio context.CancelFunc
	activeStep  *schedule.Step
	closed      bool
}

// New creates an Engine. The range table must be valid.
func New(opts Options) (*Engine, error) {
	if opts.Source == nil || opts.Loader == nil || opts.Player == nil {
		return nil, errors.New("engine: source, loader and player are required")
	}
	if err := opts.Table.Validate(); err != nil {
		return nil, err
	}
	if opts.Segment.FPS <= 0 {
		opts.Segment = segment.DefaultConfig()
	}
	if opts.IdleStopTimeout <= 0 {
		opts.IdleStopTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		source:          opts.Source,
		loader:          opts.Loader,
		player:          opts.Player,
		table:           opts.Table,
		segCfg:          opts.Segment,
		planOpts:        opts.Plan,
		settleDelay:     opts.SettleDelay,
		idleGap:         opts.IdleGap,
		idleStopTimeout: opts.IdleStopTimeout,
		logger:          opts.Logger.With().Str("component", "engine").Logger(),
		bus:             opts.Bus,
		metrics:         opts.Metrics,
		ctx:             ctx,
		cancel:          cancel,
		phase:           PhaseStopped,
	}, nil
}

// LoadLoopAsset loads the loop source and starts the idle loop once its
// metadata is known. A load failure is returned to the caller.
func (e *Engine) LoadLoopAsset(ctx context.Context, path string) error {
	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return ErrClosed
	case e.syncing:
		e.mu.Unlock()
		return ErrSyncInProgress
	}
	e.mu.Unlock()

	if err := e.waitIdleStopped(ctx, e.StopIdleLoop()); err != nil {
		return err
	}

	e.sourceMu.Lock()
	meta, err := e.source.Load(ctx, path)
	e.sourceMu.Unlock()

	if err != nil {
		e.mu.Lock()
		e.loaded = false
		e.mu.Unlock()

		e.logger.Error().Err(err).Str("path", path).Msg("Failed to load loop asset")
		e.bus.Publish(bus.Event{Type: bus.EventTypeAssetFailed, Data: map[string]any{"path": path, "error": err.Error()}})
		return fmt.Errorf("load loop asset %s: %w", path, err)
	}

	if maxEnd := e.table.MaxEnd(); maxEnd > meta.Duration {
		e.logger.Warn().
			Float64("tableEnd", maxEnd).
			Float64("duration", meta.Duration).
			Msg("Range table extends past the end of the loop asset")
	}

	e.mu.Lock()
	e.loaded = true
	e.meta = meta
	e.mu.Unlock()

	e.logger.Info().Str("path", path).Float64("duration", meta.Duration).Msg("Loop asset loaded")
	e.bus.Publish(bus.Event{Type: bus.EventTypeAssetLoaded, Data: map[string]any{
		"path":     path,
		"duration": meta.Duration,
		"width":    meta.Width,
		"height":   meta.Height,
	}})

	if err := e.StartIdleLoop(); err != nil && !errors.Is(err, ErrSyncInProgress) {
		return err
	}
	return nil
}

// Unload forgets the loop source, for when it has gone away, and stops the
// idle loop. Neither the idle loop nor a finishing sync run restarts it
// until LoadLoopAsset succeeds again. The returned channel is closed once
// the idle loop has exited.
func (e *Engine) Unload() <-chan struct{} {
	e.mu.Lock()
	wasLoaded := e.loaded
	e.loaded = false
	e.mu.Unlock()

	if wasLoaded {
		e.logger.Info().Msg("Loop asset unloaded")
	}
	return e.StopIdleLoop()
}

// Metadata returns what the loop source reported when it was loaded
func (e *Engine) Metadata() media.Metadata {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.meta
}

// StartIdleLoop starts repeating the silence range. It is a no-op when the
// loop is already running.
func (e *Engine) StartIdleLoop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.closed:
		return ErrClosed
	case !e.loaded:
		return ErrNotLoaded
	case e.syncing:
		return ErrSyncInProgress
	}
	e.startIdleLocked()
	return nil
}

func (e *Engine) startIdleLocked() {
	if e.idleActive {
		return
	}
	e.idleActive = true
	e.phase = PhaseIdle
	e.metrics.SetIdleLoopActive(true)
	e.bus.Publish(bus.Event{Type: bus.EventTypeIdleStarted})

	// A loop that is still finishing its last step sees the flag again
	// and keeps going.
	if e.idleDone != nil {
		return
	}
	done := make(chan struct{})
	e.idleDone = done
	go e.idleLoop(done)
}

// StopIdleLoop asks the idle loop to exit after its current repetition.
// The returned channel is closed once the loop no longer uses the source.
func (e *Engine) StopIdleLoop() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.idleActive = false
	if e.idleDone == nil {
		if e.phase == PhaseIdle {
			e.phase = PhaseStopped
		}
		return closedChan
	}
	if e.phase == PhaseIdle {
		e.phase = PhaseStopping
	}
	return e.idleDone
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

func (e *Engine) idleLoop(done chan struct{}) {
	start, end := e.table.Range(segment.Silence)
	step := schedule.Step{Kind: segment.Silence, Start: start, End: end}
	if g := e.planOpts.SilenceEndGuard; g > 0 && end-g > start {
		step.End = end - g
	}

	e.logger.Debug().Float64("start", step.Start).Float64("end", step.End).Msg("Idle loop running")

	for e.idleContinue(done) {
		gap := e.idleGap
		err := e.playStep(e.ctx, step)
		switch {
		case err == nil:
			e.metrics.RecordIdleIteration()
		case e.ctx.Err() != nil:
			continue
		default:
			e.logger.Warn().Err(err).Msg("Idle repetition failed")
			e.metrics.RecordStepFailure()
			gap = max(gap, idleFailureBackoff)
		}
		_ = sleepCtx(e.ctx, gap)
	}
}

// idleContinue reports whether the idle loop should run another repetition.
// When it should not, the loop's exit is recorded under the same lock so a
// concurrent start cannot miss it.
func (e *Engine) idleContinue(done chan struct{}) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.idleActive && !e.closed {
		return true
	}
	e.idleDone = nil
	if e.phase == PhaseIdle || e.phase == PhaseStopping {
		e.phase = PhaseStopped
	}
	close(done)

	e.metrics.SetIdleLoopActive(false)
	e.bus.Publish(bus.Event{Type: bus.EventTypeIdleStopped})
	e.logger.Debug().Msg("Idle loop stopped")
	return false
}

func (e *Engine) waitIdleStopped(ctx context.Context, done <-chan struct{}) error {
	timer := time.NewTimer(e.idleStopTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrSourceBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SyncWithAudio decodes the clip, plans its steps and plays them while the
// clip's audio plays. The idle loop is stopped for the run and restarted
// when the steps run out, whatever the outcome. It returns once both the
// steps and the audio have finished.
func (e *Engine) SyncWithAudio(ctx context.Context, audioPath string) (err error) {
	began := time.Now()

	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return ErrClosed
	case !e.loaded:
		e.mu.Unlock()
		return ErrNotLoaded
	case e.syncing:
		e.mu.Unlock()
		e.metrics.RecordSync(metrics.OutcomeRejected, 0)
		return ErrSyncInProgress
	}
	e.syncing = true
	e.interrupt = false
	e.mu.Unlock()

	runID := uuid.NewString()
	log := e.logger.With().Str("run", runID).Str("clip", audioPath).Logger()

	e.metrics.SetSyncInProgress(true)
	e.bus.Publish(bus.Event{Type: bus.EventTypeSyncStarted, Data: map[string]any{"run": runID, "clip": audioPath}})
	log.Info().Msg("Sync started")

	outcome := metrics.OutcomeFailed
	defer func() {
		e.finishSync(log, runID, outcome, time.Since(began), err)
	}()

	clip, err := e.loader.Load(ctx, audioPath)
	if err != nil {
		e.metrics.RecordDecodeFailure()
		return err
	}

	segments := segment.Analyze(clip.Samples, clip.SampleRate, e.segCfg)
	steps := schedule.Plan(segments, e.table, e.planOpts)
	e.metrics.RecordClip(clip.Duration, len(segments))

	log.Info().
		Float64("duration", clip.Duration).
		Int("segments", len(segments)).
		Int("steps", len(steps)).
		Float64("scheduled", schedule.Total(steps)).
		Msg("Sync planned")
	e.bus.Publish(bus.Event{Type: bus.EventTypeSyncPlanned, Data: map[string]any{
		"run":      runID,
		"clip":     audioPath,
		"duration": clip.Duration,
		"segments": segments,
		"steps":    steps,
	}})

	if err := e.waitIdleStopped(ctx, e.StopIdleLoop()); err != nil {
		return err
	}
	if err := sleepCtx(ctx, e.settleDelay); err != nil {
		return err
	}

	audioCtx, cancelAudio := context.WithCancel(ctx)
	defer cancelAudio()

	e.mu.Lock()
	e.phase = PhaseSyncing
	e.cancelAudio = cancelAudio
	interrupted := e.interrupt
	e.mu.Unlock()
	if interrupted {
		cancelAudio()
	}

	audioDone := make(chan error, 1)
	go func() {
		audioDone <- e.player.Play(audioCtx, clip)
	}()

	stepErr := e.runSteps(ctx, log, runID, steps)

	// Back to idling as soon as the steps run out, even while the
	// narration is still playing.
	e.mu.Lock()
	if !e.closed && e.loaded {
		e.startIdleLocked()
	}
	interrupted = e.interrupt
	e.mu.Unlock()

	audioErr := <-audioDone

	switch {
	case stepErr != nil:
		return stepErr
	case interrupted:
		outcome = metrics.OutcomeInterrupted
		return nil
	case audioErr != nil:
		return fmt.Errorf("play audio %s: %w", audioPath, audioErr)
	}
	outcome = metrics.OutcomeCompleted
	return nil
}

// runSteps plays steps in order. The interrupt flag is checked between
// steps only; a refused step is logged and skipped.
func (e *Engine) runSteps(ctx context.Context, log zerolog.Logger, runID string, steps []schedule.Step) error {
	for i, step := range steps {
		if e.interruptRequested() {
			log.Info().Int("step", i).Int("skipped", len(steps)-i).Msg("Sync interrupted")
			return nil
		}

		e.bus.Publish(bus.Event{Type: bus.EventTypeStepStarted, Data: stepData(runID, i, step)})

		err := e.playStep(ctx, step)
		var perr *PlaybackError
		switch {
		case err == nil:
			e.bus.Publish(bus.Event{Type: bus.EventTypeStepCompleted, Data: stepData(runID, i, step)})
		case errors.As(err, &perr):
			log.Warn().Err(err).Int("step", i).Msg("Step failed, continuing")
			e.metrics.RecordStepFailure()
			data := stepData(runID, i, step)
			data["error"] = err.Error()
			e.bus.Publish(bus.Event{Type: bus.EventTypeStepFailed, Data: data})
		default:
			return err
		}
	}
	return nil
}

func (e *Engine) finishSync(log zerolog.Logger, runID, outcome string, elapsed time.Duration, err error) {
	e.mu.Lock()
	e.syncing = false
	e.interrupt = false
	e.cancelAudio = nil
	if e.phase == PhaseSyncing {
		e.phase = PhaseStopped
	}
	if !e.closed && e.loaded {
		e.startIdleLocked()
	}
	e.mu.Unlock()

	e.metrics.SetSyncInProgress(false)
	e.metrics.RecordSync(outcome, elapsed.Seconds())

	data := map[string]any{"run": runID, "outcome": outcome, "elapsed": elapsed.Seconds()}
	switch outcome {
	case metrics.OutcomeCompleted:
		log.Info().Dur("elapsed", elapsed).Msg("Sync completed")
		e.bus.Publish(bus.Event{Type: bus.EventTypeSyncCompleted, Data: data})
	case metrics.OutcomeInterrupted:
		log.Info().Dur("elapsed", elapsed).Msg("Sync ended by interrupt")
		e.bus.Publish(bus.Event{Type: bus.EventTypeSyncInterrupted, Data: data})
	default:
		if err != nil {
			data["error"] = err.Error()
		}
		log.Error().Err(err).Dur("elapsed", elapsed).Msg("Sync failed")
		e.bus.Publish(bus.Event{Type: bus.EventTypeSyncFailed, Data: data})
	}
}

// Interrupt ends the current sync run before its next step and stops its
// audio. The step already playing finishes first.
func (e *Engine) Interrupt() {
	e.mu.Lock()
	if !e.syncing || e.interrupt {
		e.mu.Unlock()
		return
	}
	e.interrupt = true
	cancel := e.cancelAudio
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.logger.Info().Msg("Interrupt requested")
}

func (e *Engine) interruptRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interrupt
}

// IsAnimating reports whether a step is playing right now
func (e *Engine) IsAnimating() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeStep != nil
}

// State returns a snapshot of the engine state
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := State{
		Phase:              e.phase,
		IdleLoopActive:     e.idleActive,
		SyncInProgress:     e.syncing,
		InterruptRequested: e.interrupt,
		Loaded:             e.loaded,
	}
	if e.activeStep != nil {
		step := *e.activeStep
		s.ActiveStep = &step
	}
	return s
}

func (e *Engine) setActiveStep(step *schedule.Step) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if step == nil {
		e.activeStep = nil
		return
	}
	s := *step
	e.activeStep = &s
}

// Close stops the idle loop, interrupts any sync run and waits for the
// idle loop to release the source.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.idleActive = false
	if e.syncing {
		e.interrupt = true
	}
	cancelAudio := e.cancelAudio
	done := e.idleDone
	e.mu.Unlock()

	if cancelAudio != nil {
		cancelAudio()
	}
	e.cancel()

	if done == nil {
		return nil
	}
	return e.waitIdleStopped(context.Background(), done)
}

func stepData(runID string, index int, step schedule.Step) map[string]any {
	return map[string]any{
		"run":   runID,
		"index": index,
		"kind":  step.Kind.String(),
		"start": step.Start,
		"end":   step.End,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
