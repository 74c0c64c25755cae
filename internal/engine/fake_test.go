package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chongxuan2024/live2dSpeek/internal/audio"
	"github.com/chongxuan2024/live2dSpeek/internal/media"
)

// fakeSource is a loop source whose clock runs fast: every millisecond
// of wall time advances the position by speed seconds. It counts any use
// of the source while another range is still playing.
type fakeSource struct {
	mu        sync.Mutex
	duration  float64
	speed     float64
	pos       float64
	playing   bool
	gen       int
	listeners map[int]media.Listener
	nextID    int

	loadErr  error
	refuse   func(pos float64) bool
	plays    []float64
	overlaps int
}

func newFakeSource(duration float64) *fakeSource {
	return &fakeSource{
		duration:  duration,
		speed:     0.05,
		listeners: make(map[int]media.Listener),
	}
}

func (f *fakeSource) Load(ctx context.Context, path string) (media.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return media.Metadata{}, f.loadErr
	}
	return media.Metadata{Path: path, Duration: f.duration}, nil
}

func (f *fakeSource) Seek(ctx context.Context, position float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playing {
		f.overlaps++
	}
	f.pos = position
	return nil
}

func (f *fakeSource) Play(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playing {
		f.overlaps++
	}
	if f.refuse != nil && f.refuse(f.pos) {
		return media.ErrPlayRefused
	}
	f.playing = true
	f.gen++
	f.plays = append(f.plays, f.pos)
	go f.run(f.gen)
	return nil
}

func (f *fakeSource) run(gen int) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		f.mu.Lock()
		if !f.playing || f.gen != gen {
			f.mu.Unlock()
			return
		}
		f.pos += f.speed
		ended := f.pos >= f.duration
		if ended {
			f.pos = f.duration
			f.playing = false
		}
		pos := f.pos
		listeners := make([]media.Listener, 0, len(f.listeners))
		for _, l := range f.listeners {
			listeners = append(listeners, l)
		}
		f.mu.Unlock()

		for _, l := range listeners {
			l(media.Event{Type: media.EventTimeUpdate, Position: pos})
		}
		if ended {
			for _, l := range listeners {
				l(media.Event{Type: media.EventEnded, Position: pos})
			}
			return
		}
	}
}

func (f *fakeSource) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing = false
}

func (f *fakeSource) Position() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos
}

func (f *fakeSource) Subscribe(fn media.Listener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *fakeSource) playsFrom(start float64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.plays {
		if p == start {
			n++
		}
	}
	return n
}

func (f *fakeSource) overlapCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overlaps
}

// fakeLoader serves prepared clips by path
type fakeLoader struct {
	clips map[string]*audio.Clip
}

func (l *fakeLoader) Load(ctx context.Context, path string) (*audio.Clip, error) {
	clip, ok := l.clips[path]
	if !ok {
		return nil, &audio.DecodeError{Path: path, Err: audio.ErrFetch}
	}
	return clip, nil
}

// fakePlayer blocks for wait or until cancelled
type fakePlayer struct {
	wait      time.Duration
	started   atomic.Int32
	cancelled atomic.Bool
}

func (p *fakePlayer) Play(ctx context.Context, clip *audio.Clip) error {
	p.started.Add(1)
	select {
	case <-time.After(p.wait):
		return nil
	case <-ctx.Done():
		p.cancelled.Store(true)
		return ctx.Err()
	}
}

// toneClip builds a clip from alternating loud and quiet runs, in seconds
func toneClip(path string, runs ...float64) *audio.Clip {
	const rate = 1000
	var samples []float32
	for i, secs := range runs {
		n := int(secs * rate)
		for j := 0; j < n; j++ {
			if i%2 == 0 {
				samples = append(samples, 0.5)
			} else {
				samples = append(samples, 0)
			}
		}
	}
	return &audio.Clip{
		Path:       path,
		Format:     audio.FormatWAV,
		Samples:    samples,
		SampleRate: rate,
		Channels:   1,
		Duration:   float64(len(samples)) / rate,
	}
}
