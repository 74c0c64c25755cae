package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/chongxuan2024/live2dSpeek/internal/audio"
	"github.com/chongxuan2024/live2dSpeek/internal/bus"
	"github.com/chongxuan2024/live2dSpeek/internal/config"
	"github.com/chongxuan2024/live2dSpeek/internal/engine"
	"github.com/chongxuan2024/live2dSpeek/internal/media"
	"github.com/chongxuan2024/live2dSpeek/internal/metrics"
	"github.com/chongxuan2024/live2dSpeek/internal/schedule"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newPlayCmd() *cobra.Command {
	var (
		interruptAfter time.Duration
		assetName      string
	)

	cmd := &cobra.Command{
		Use:   "play [clip]",
		Short: "Run a sync against a simulated loop source and print each step",
		Long: `Plays a narration clip against an in-process clock standing in for the
loop video. Steps are printed as the engine runs them, so the schedule can be
checked without a browser.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if assetName != "" {
				cfg.Avatar.Active = assetName
			}
			asset, err := cfg.ActiveAsset()
			if err != nil {
				return err
			}

			logger, err := newLogger(cfg, false)
			if err != nil {
				return err
			}
			defer logger.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			b := bus.NewEventBus()
			printSteps(b)

			source := media.NewClockSource(asset.Table().MaxEnd(), media.DefaultUpdateInterval)
			eng, err := newEngine(cfg, source, audio.NewClockPlayer(logger.Zerolog()), logger.Zerolog(), b, nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			if err := eng.LoadLoopAsset(ctx, asset.Path); err != nil {
				return err
			}

			if interruptAfter > 0 {
				timer := time.AfterFunc(interruptAfter, eng.Interrupt)
				defer timer.Stop()
			}
			// Ctrl-C ends the run the same way the UI's interrupt does
			go func() {
				<-ctx.Done()
				eng.Interrupt()
			}()

			start := time.Now()
			if err := eng.SyncWithAudio(context.WithoutCancel(ctx), args[0]); err != nil {
				return err
			}
			fmt.Println(dimStyle.Render(fmt.Sprintf("Finished in %s", time.Since(start).Round(time.Millisecond))))
			return nil
		},
	}

	cmd.Flags().DurationVar(&interruptAfter, "interrupt-after", 0, "interrupt the run after this long")
	cmd.Flags().StringVar(&assetName, "asset", "", "avatar asset to use (default: the active one)")
	return cmd
}

// newEngine wires an engine from configuration around a source and player
func newEngine(cfg *config.Config, source media.Source, player audio.Player, logger zerolog.Logger, b *bus.EventBus, m *metrics.Metrics) (*engine.Engine, error) {
	asset, err := cfg.ActiveAsset()
	if err != nil {
		return nil, err
	}

	loader := audio.NewLoader(audio.LoaderConfig{
		AssetRoot:    cfg.Audio.AssetRoot,
		FetchTimeout: cfg.Audio.FetchTimeout,
	}, logger)

	return engine.New(engine.Options{
		Source:          source,
		Loader:          loader,
		Player:          player,
		Table:           asset.Table(),
		Segment:         cfg.SegmentConfig(),
		Plan:            cfg.ScheduleOptions(),
		SettleDelay:     cfg.Sync.SettleDelay,
		IdleGap:         cfg.Sync.IdleGap,
		IdleStopTimeout: cfg.Sync.IdleStopTimeout,
		Logger:          logger,
		Bus:             b,
		Metrics:         m,
	})
}

// printSteps prints sync and step events as they arrive
func printSteps(b *bus.EventBus) {
	var mu sync.Mutex
	b.SubscribeMultiple([]bus.EventType{
		bus.EventTypeSyncPlanned,
		bus.EventTypeStepStarted,
		bus.EventTypeStepFailed,
		bus.EventTypeSyncCompleted,
		bus.EventTypeSyncInterrupted,
		bus.EventTypeSyncFailed,
	}, func(e bus.Event) {
		mu.Lock()
		defer mu.Unlock()

		switch e.Type {
		case bus.EventTypeSyncPlanned:
			steps, _ := e.Data["steps"].([]schedule.Step)
			fmt.Println(titleStyle.Render(fmt.Sprintf("Planned %d steps for %.3fs of audio", len(steps), e.Data["duration"])))
		case bus.EventTypeStepStarted:
			label := fmt.Sprintf("%-8v", e.Data["kind"])
			if e.Data["kind"] == "speaking" {
				label = speakingStyle.Render(label)
			} else {
				label = silenceStyle.Render(label)
			}
			fmt.Printf("  %3v  %s  %7.3f -> %7.3f\n", e.Data["index"], label, e.Data["start"], e.Data["end"])
		case bus.EventTypeStepFailed:
			fmt.Println(errorStyle.Render(fmt.Sprintf("  %3v  step failed: %v", e.Data["index"], e.Data["error"])))
		case bus.EventTypeSyncCompleted:
			fmt.Println(successLine("Sync completed"))
		case bus.EventTypeSyncInterrupted:
			fmt.Println(dimStyle.Render("Sync interrupted"))
		case bus.EventTypeSyncFailed:
			fmt.Println(errorStyle.Render(fmt.Sprintf("Sync failed: %v", e.Data["error"])))
		}
	})
}

func successLine(s string) string {
	return speakingStyle.Render("✓ " + s)
}
