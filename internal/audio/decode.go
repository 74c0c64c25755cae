package audio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/wav"
	"github.com/gopxl/beep/mp3"
	"github.com/rs/zerolog"
)

// Default bound on the size of one clip
const maxClipBytes = 64 << 20

// LoaderConfig configures where clips come from
type LoaderConfig struct {
	AssetRoot    string        // base directory for relative clip paths
	FetchTimeout time.Duration // per-request timeout for http(s) clips
	MaxBytes     int64         // larger clips are rejected; 0 means 64 MiB
}

// Loader fetches and decodes narration clips
type Loader struct {
	root     string
	maxBytes int64
	client   *http.Client
	logger zerolog.Logger
}

// NewLoader creates a clip loader
func NewLoader(cfg LoaderConfig, logger zerolog.Logger) *Loader {
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = maxClipBytes
	}
	return &Loader{
		root:     cfg.AssetRoot,
		maxBytes: maxBytes,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "audio-loader").Logger(),
	}
}

// Load fetches path (a local file or http(s) URL) and decodes it.
// Every failure is returned as a *DecodeError.
func (l *Loader) Load(ctx context.Context, path string) (*Clip, error) {
	start := time.Now()

	data, err := l.fetch(ctx, path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}

	clip, err := Decode(path, data)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}

	l.logger.Debug().
		Str("path", path).
		Str("format", string(clip.Format)).
		Int("sampleRate", clip.SampleRate).
		Float64("duration", clip.Duration).
		Dur("took", time.Since(start)).
		Msg("Clip decoded")
	return clip, nil
}

func (l *Loader) fetch(ctx context.Context, path string) ([]byte, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFetch, err)
		}
		resp, err := l.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFetch, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: status %d", ErrFetch, resp.StatusCode)
		}
		return l.readAll(resp.Body)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.root != "" && !filepath.IsAbs(path) {
		path = filepath.Join(l.root, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer f.Close()
	return l.readAll(f)
}

// readAll reads r whole, failing rather than truncating past maxBytes
func (l *Loader) readAll(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, l.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	if int64(len(data)) > l.maxBytes {
		return nil, fmt.Errorf("%w: clip larger than %d bytes", ErrFetch, l.maxBytes)
	}
	return data, nil
}

// Decode detects the container from its header (falling back to the file
// extension) and decodes it to a mono clip.
func Decode(name string, data []byte) (*Clip, error) {
	var (
		clip *Clip
		err  error
	)

	switch detectFormat(name, data) {
	case FormatWAV:
		clip, err = decodeWAV(data)
	case FormatMP3:
		clip, err = decodeMP3(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(name))
	}
	if err != nil {
		return nil, err
	}
	if len(clip.Samples) == 0 || clip.SampleRate <= 0 {
		return nil, ErrEmptyClip
	}

	clip.Path = name
	clip.Duration = float64(len(clip.Samples)) / float64(clip.SampleRate)
	return clip, nil
}

func detectFormat(name string, data []byte) AudioFormat {
	if len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE" {
		return FormatWAV
	}
	if len(data) >= 3 && string(data[0:3]) == "ID3" {
		return FormatMP3
	}
	if len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0 {
		return FormatMP3
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".wav", ".wave":
		return FormatWAV
	case ".mp3":
		return FormatMP3
	}
	return ""
}

func decodeWAV(data []byte) (*Clip, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: not a valid wav file", ErrUnsupportedFormat)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read pcm: %w", err)
	}

	channels := buf.Format.NumChannels
	if channels < 1 {
		channels = 1
	}
	bitDepth := int(dec.BitDepth)
	isFloat := dec.WavAudioFormat == 3

	samples := make([]float32, 0, len(buf.Data)/channels)
	for i := 0; i < len(buf.Data); i += channels {
		samples = append(samples, normalizePCM(buf.Data[i], bitDepth, isFloat))
	}

	return &Clip{
		Format:     FormatWAV,
		Samples:    samples,
		SampleRate: buf.Format.SampleRate,
		Channels:   channels,
	}, nil
}

func normalizePCM(v, bitDepth int, isFloat bool) float32 {
	switch {
	case isFloat && bitDepth == 32:
		return math.Float32frombits(uint32(v))
	case bitDepth == 8:
		// 8-bit wav is unsigned
		return float32(v-128) / 128
	case bitDepth > 0:
		return float32(float64(v) / float64(int64(1)<<(bitDepth-1)))
	default:
		return 0
	}
}

func decodeMP3(data []byte) (*Clip, error) {
	streamer, format, err := mp3.Decode(io.NopCloser(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("mp3: %w", err)
	}
	defer streamer.Close()

	samples := make([]float32, 0, max(streamer.Len(), 0))
	buf := make([][2]float64, 1024)
	for {
		n, ok := streamer.Stream(buf)
		for i := 0; i < n; i++ {
			samples = append(samples, float32(buf[i][0]))
		}
		if !ok {
			break
		}
	}
	if err := streamer.Err(); err != nil {
		return nil, fmt.Errorf("mp3 stream: %w", err)
	}

	return &Clip{
		Format:     FormatMP3,
		Samples:    samples,
		SampleRate: int(format.SampleRate),
		Channels:   format.NumChannels,
	}, nil
}
