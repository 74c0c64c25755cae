// Package schedule maps speaking/silence segments onto sub-ranges of a loop source.
package schedule

import (
	"errors"
	"fmt"

	"github.com/chongxuan2024/live2dSpeek/internal/segment"
)

// ErrInvalidTable is returned when a range table has an empty or inverted range
var ErrInvalidTable = errors.New("invalid source range table")

// RangeTable holds the calibration of one loop asset: which part of its time
// axis depicts a talking cycle and which depicts an idle cycle.
type RangeTable struct {
	SpeakingStart float64 `mapstructure:"speaking_start" yaml:"speaking_start" json:"speaking_start"`
	SpeakingEnd   float64 `mapstructure:"speaking_end" yaml:"speaking_end" json:"speaking_end"`
	SilenceStart  float64 `mapstructure:"silence_start" yaml:"silence_start" json:"silence_start"`
	SilenceEnd    float64 `mapstructure:"silence_end" yaml:"silence_end" json:"silence_end"`
}

// Validate checks both ranges are non-empty
func (t RangeTable) Validate() error {
	if t.SpeakingEnd <= t.SpeakingStart {
		return fmt.Errorf("%w: speaking range [%.3f, %.3f]", ErrInvalidTable, t.SpeakingStart, t.SpeakingEnd)
	}
	if t.SilenceEnd <= t.SilenceStart {
		return fmt.Errorf("%w: silence range [%.3f, %.3f]", ErrInvalidTable, t.SilenceStart, t.SilenceEnd)
	}
	if t.SpeakingStart < 0 || t.SilenceStart < 0 {
		return fmt.Errorf("%w: negative range start", ErrInvalidTable)
	}
	return nil
}

// Range returns the source range for a kind
func (t RangeTable) Range(kind segment.Kind) (start, end float64) {
	if kind == segment.Silence {
		return t.SilenceStart, t.SilenceEnd
	}
	return t.SpeakingStart, t.SpeakingEnd
}

// MaxEnd returns the furthest point of the source any step can reach
func (t RangeTable) MaxEnd() float64 {
	return max(t.SpeakingEnd, t.SilenceEnd)
}

// Step is one slice of the loop source to play once
type Step struct {
	Kind  segment.Kind `json:"kind" yaml:"kind"`
	Start float64      `json:"start" yaml:"start"`
	End   float64      `json:"end" yaml:"end"`
}

// Duration returns the length of the step on the source's time axis
func (s Step) Duration() float64 {
	return s.End - s.Start
}

// Options tune the mapping
type Options struct {
	// CoalesceEpsilon: a tile remainder at or below this is added to the
	// previous step of the same kind instead of becoming its own step.
	CoalesceEpsilon float64
	// SilenceEndGuard trims idle steps so they stop short of the range end.
	SilenceEndGuard float64
	// DropTrailingSilence removes a final idle step; the idle loop covers it.
	DropTrailingSilence bool
}

// DefaultOptions returns the standard mapping options
func DefaultOptions() Options {
	return Options{CoalesceEpsilon: 0.1}
}

// Plan tiles each segment with its kind's source range, in segment order.
// A segment longer than the range loops the range as many times as needed;
// the last tile is clamped to the remainder.
func Plan(segments []segment.Segment, table RangeTable, opts Options) []Step {
	var steps []Step

	for _, seg := range segments {
		kindStart, kindEnd := table.Range(seg.Kind)
		span := kindEnd - kindStart
		if span <= 0 {
			continue
		}

		remaining := seg.Duration()
		for remaining > 0 {
			if n := len(steps); n > 0 && remaining <= opts.CoalesceEpsilon && steps[n-1].Kind == seg.Kind {
				steps[n-1].End = min(kindEnd, steps[n-1].End+remaining)
				break
			}

			end := min(kindEnd, kindStart+remaining)
			if seg.Kind == segment.Silence && opts.SilenceEndGuard > 0 {
				end = max(kindStart, end-opts.SilenceEndGuard)
			}
			if end > kindStart {
				steps = append(steps, Step{Kind: seg.Kind, Start: kindStart, End: end})
			}
			remaining -= span
		}
	}

	if opts.DropTrailingSilence {
		if n := len(steps); n > 0 && steps[n-1].Kind == segment.Silence {
			steps = steps[:n-1]
		}
	}
	return steps
}

// Total sums the source-axis length of all steps
func Total(steps []Step) float64 {
	var total float64
	for _, s := range steps {
		total += s.Duration()
	}
	return total
}
