// Package segment classifies a narration clip into speaking and silence intervals.
package segment

import (
	"math"
)

// Kind identifies what a segment depicts
type Kind int

const (
	Speaking Kind = iota
	Silence
)

// String returns the lower-case kind name
func (k Kind) String() string {
	switch k {
	case Speaking:
		return "speaking"
	case Silence:
		return "silence"
	default:
		return "unknown"
	}
}

// MarshalText lets kinds render as names in YAML/JSON reports
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Segment is a maximal interval of one kind, in seconds from clip start
type Segment struct {
	Kind  Kind    `json:"kind" yaml:"kind"`
	Start float64 `json:"start" yaml:"start"`
	End   float64 `json:"end" yaml:"end"`
}

// Duration returns End - Start
func (s Segment) Duration() float64 {
	return s.End - s.Start
}

// Config holds analysis parameters
type Config struct {
	FPS            float64 // analysis windows per second
	ThresholdDB    float64 // windows below this level are silent
	SpeechDebounce float64 // speaking must last this long before silence may open
	MinSilence     float64 // shorter silences are merged away
}

// DefaultConfig returns the calibration used by the front end
func DefaultConfig() Config {
	return Config{
		FPS:            30,
		ThresholdDB:    -40,
		SpeechDebounce: 0.5,
		MinSilence:     0.5,
	}
}

// Analyze scans samples and returns the normalized segment list.
// The result always covers [0, duration) where duration = len(samples)/sampleRate.
// A clip in which no window reaches the threshold carries no speech at all and
// yields the single full-length Speaking fallback segment.
func Analyze(samples []float32, sampleRate int, cfg Config) []Segment {
	duration := ClipDuration(len(samples), sampleRate)
	if duration <= 0 || cfg.FPS <= 0 {
		return []Segment{{Kind: Speaking, Start: 0, End: 0}}
	}

	levels := WindowLevels(samples, sampleRate, cfg.FPS)
	if !anyAudible(levels, cfg.ThresholdDB) {
		return Normalize(nil, duration, cfg.MinSilence)
	}
	raw := scanLevels(levels, windowSize(sampleRate, cfg.FPS), sampleRate, duration, cfg)
	return Normalize(raw, duration, cfg.MinSilence)
}

// ClipDuration converts a sample count to seconds
func ClipDuration(n, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(n) / float64(sampleRate)
}

// Scan runs the debounced speaking/silence state machine over the analysis
// windows without any post-merge pass. The last segment is closed at the
// clip's true duration, not at the last window boundary.
func Scan(samples []float32, sampleRate int, cfg Config) []Segment {
	duration := ClipDuration(len(samples), sampleRate)
	if duration <= 0 || cfg.FPS <= 0 {
		return []Segment{{Kind: Speaking, Start: 0, End: 0}}
	}
	levels := WindowLevels(samples, sampleRate, cfg.FPS)
	return scanLevels(levels, windowSize(sampleRate, cfg.FPS), sampleRate, duration, cfg)
}

func scanLevels(levels []float64, window, sampleRate int, duration float64, cfg Config) []Segment {
	var segments []Segment
	current := Speaking
	segStart := 0.0

	for i, db := range levels {
		t := float64(i*window) / float64(sampleRate)
		silent := db < cfg.ThresholdDB

		switch {
		case silent && current == Speaking:
			// no debounce on resume, only on entering silence
			if t-segStart > cfg.SpeechDebounce {
				segments = append(segments, Segment{Kind: Speaking, Start: segStart, End: t})
				segStart = t
				current = Silence
			}
		case !silent && current == Silence:
			segments = append(segments, Segment{Kind: Silence, Start: segStart, End: t})
			segStart = t
			current = Speaking
		}
	}

	return append(segments, Segment{Kind: current, Start: segStart, End: duration})
}

func anyAudible(levels []float64, thresholdDB float64) bool {
	for _, db := range levels {
		if db >= thresholdDB {
			return true
		}
	}
	return false
}

// WindowLevels returns the mean-absolute level of each analysis window in dBFS.
// An all-zero window yields -Inf.
func WindowLevels(samples []float32, sampleRate int, fps float64) []float64 {
	window := windowSize(sampleRate, fps)
	if window <= 0 || len(samples) == 0 {
		return nil
	}

	levels := make([]float64, 0, (len(samples)+window-1)/window)
	for start := 0; start < len(samples); start += window {
		end := min(start+window, len(samples))
		var sum float64
		for _, s := range samples[start:end] {
			sum += math.Abs(float64(s))
		}
		levels = append(levels, toDB(sum/float64(end-start)))
	}
	return levels
}

func windowSize(sampleRate int, fps float64) int {
	if sampleRate <= 0 || fps <= 0 {
		return 0
	}
	n := int(math.Round(float64(sampleRate) / fps))
	if n < 1 {
		n = 1
	}
	return n
}

func toDB(meanAbs float64) float64 {
	if meanAbs <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(meanAbs)
}
