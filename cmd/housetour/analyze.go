package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/chongxuan2024/live2dSpeek/internal/audio"
	"github.com/chongxuan2024/live2dSpeek/internal/config"
	"github.com/chongxuan2024/live2dSpeek/internal/schedule"
	"github.com/chongxuan2024/live2dSpeek/internal/segment"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// analysisReport is what analyze prints, as text or YAML
type analysisReport struct {
	Clip       string              `yaml:"clip"`
	Duration   float64             `yaml:"duration"`
	SampleRate int                 `yaml:"sample_rate"`
	Asset      string              `yaml:"asset"`
	Table      schedule.RangeTable `yaml:"table"`
	Raw        []segment.Segment   `yaml:"raw,omitempty"`
	Segments   []segment.Segment   `yaml:"segments"`
	Steps      []schedule.Step     `yaml:"steps"`
	Scheduled  float64             `yaml:"scheduled"`
}

func newAnalyzeCmd() *cobra.Command {
	var (
		asYAML    bool
		showRaw   bool
		assetName string
	)

	cmd := &cobra.Command{
		Use:   "analyze [clip]",
		Short: "Show the speaking/silence segments and playback steps for a clip",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg, false)
			if err != nil {
				return err
			}
			defer logger.Close()

			report, err := analyze(cmd.Context(), cfg, logger.Component("analyze"), args[0], assetName, showRaw)
			if err != nil {
				return err
			}

			if asYAML {
				enc := yaml.NewEncoder(os.Stdout)
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(report)
			}
			printReport(report)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print the report as YAML")
	cmd.Flags().BoolVar(&showRaw, "raw", false, "include segments before merging")
	cmd.Flags().StringVar(&assetName, "asset", "", "avatar asset to map onto (default: the active one)")
	return cmd
}

func analyze(ctx context.Context, cfg *config.Config, logger zerolog.Logger, clipPath, assetName string, raw bool) (*analysisReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if assetName == "" {
		assetName = cfg.Avatar.Active
	}
	asset, err := cfg.Asset(assetName)
	if err != nil {
		return nil, err
	}

	loader := audio.NewLoader(audio.LoaderConfig{
		AssetRoot:    cfg.Audio.AssetRoot,
		FetchTimeout: cfg.Audio.FetchTimeout,
	}, logger)
	clip, err := loader.Load(ctx, clipPath)
	if err != nil {
		return nil, err
	}

	segCfg := cfg.SegmentConfig()
	segments := segment.Analyze(clip.Samples, clip.SampleRate, segCfg)
	steps := schedule.Plan(segments, asset.Table(), cfg.ScheduleOptions())

	report := &analysisReport{
		Clip:       clipPath,
		Duration:   clip.Duration,
		SampleRate: clip.SampleRate,
		Asset:      strings.ToLower(assetName),
		Table:      asset.Table(),
		Segments:   segments,
		Steps:      steps,
		Scheduled:  schedule.Total(steps),
	}
	if raw {
		report.Raw = segment.Scan(clip.Samples, clip.SampleRate, segCfg)
	}
	return report, nil
}

func printReport(r *analysisReport) {
	fmt.Println(titleStyle.Render("Clip"))
	fmt.Printf("  Path:        %s\n", r.Clip)
	fmt.Printf("  Duration:    %.3fs\n", r.Duration)
	fmt.Printf("  Sample rate: %d Hz\n", r.SampleRate)
	fmt.Printf("  Asset:       %s %s\n", r.Asset, dimStyle.Render(fmt.Sprintf(
		"(speaking %.3f-%.3f, silence %.3f-%.3f)",
		r.Table.SpeakingStart, r.Table.SpeakingEnd, r.Table.SilenceStart, r.Table.SilenceEnd)))
	fmt.Println()

	if len(r.Raw) > 0 {
		fmt.Println(titleStyle.Render(fmt.Sprintf("Raw segments (%d)", len(r.Raw))))
		printSegments(r.Raw)
		fmt.Println()
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("Segments (%d)", len(r.Segments))))
	printSegments(r.Segments)
	fmt.Println()

	fmt.Println(titleStyle.Render(fmt.Sprintf("Steps (%d)", len(r.Steps))))
	for i, s := range r.Steps {
		fmt.Printf("  %3d  %s  %7.3f -> %7.3f  %s\n", i, kindLabel(s.Kind), s.Start, s.End,
			dimStyle.Render(fmt.Sprintf("%.3fs", s.Duration())))
	}
	fmt.Println()
	fmt.Println(dimStyle.Render(fmt.Sprintf("Scheduled %.3fs of source for %.3fs of audio", r.Scheduled, r.Duration)))
}

func printSegments(segs []segment.Segment) {
	for i, s := range segs {
		fmt.Printf("  %3d  %s  %7.3f -> %7.3f  %s\n", i, kindLabel(s.Kind), s.Start, s.End,
			dimStyle.Render(fmt.Sprintf("%.3fs", s.Duration())))
	}
}

func kindLabel(k segment.Kind) string {
	label := fmt.Sprintf("%-8s", k)
	if k == segment.Speaking {
		return speakingStyle.Render(label)
	}
	return silenceStyle.Render(label)
}
