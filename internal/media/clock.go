package media

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultUpdateInterval matches the cadence browsers fire timeupdate at
// during smooth playback on a busy page.
const DefaultUpdateInterval = 15 * time.Millisecond

// ClockSource is a headless loop source. Its position advances with real
// elapsed time while playing and is reported on a fixed update interval.
type ClockSource struct {
	mu sync.Mutex

	interval time.Duration
	duration float64

	loaded   bool
	path     string
	position float64
	playing  bool
	lastTick time.Time
	stop     chan struct{}

	listeners map[int]Listener
	nextID    int
}

// NewClockSource creates a source with the given timeline length in seconds
func NewClockSource(duration float64, interval time.Duration) *ClockSource {
	if interval <= 0 {
		interval = DefaultUpdateInterval
	}
	return &ClockSource{
		interval:  interval,
		duration:  duration,
		listeners: make(map[int]Listener),
	}
}

// Load marks the source ready and reports its metadata
func (c *ClockSource) Load(ctx context.Context, path string) (Metadata, error) {
	if err := ctx.Err(); err != nil {
		return Metadata{}, err
	}
	if c.duration <= 0 {
		return Metadata{}, fmt.Errorf("load %s: %w", path, ErrNotLoaded)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = true
	c.path = path
	c.position = 0
	return Metadata{Path: path, Duration: c.duration}, nil
}

// Seek moves the playhead; it completes synchronously
func (c *ClockSource) Seek(ctx context.Context, position float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		return ErrNotLoaded
	}
	if position < 0 || position > c.duration {
		return fmt.Errorf("%w: %.3f not in [0, %.3f]", ErrSeekRange, position, c.duration)
	}
	c.position = position
	c.lastTick = time.Now()
	return nil
}

// Play starts the clock
func (c *ClockSource) Play(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		return ErrNotLoaded
	}
	if c.playing {
		return nil
	}
	if c.position >= c.duration {
		return fmt.Errorf("%w: at end of source", ErrPlayRefused)
	}

	c.playing = true
	c.lastTick = time.Now()
	c.stop = make(chan struct{})
	go c.run(c.stop)
	return nil
}

// Pause stops the clock, keeping the position
func (c *ClockSource) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.playing {
		return
	}
	c.advanceLocked(time.Now())
	c.playing = false
	close(c.stop)
}

// Position returns the current playhead
func (c *ClockSource) Position() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playing {
		c.advanceLocked(time.Now())
	}
	return c.position
}

// Playing reports whether the clock is running
func (c *ClockSource) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

// Subscribe registers a listener
func (c *ClockSource) Subscribe(fn Listener) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *ClockSource) run(stop chan struct{}) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			if !c.playing || c.stop != stop {
				c.mu.Unlock()
				return
			}
			c.advanceLocked(now)
			pos := c.position
			ended := pos >= c.duration
			if ended {
				c.playing = false
			}
			listeners := c.snapshotLocked()
			c.mu.Unlock()

			emit(listeners, Event{Type: EventTimeUpdate, Position: pos})
			if ended {
				emit(listeners, Event{Type: EventEnded, Position: pos})
				return
			}
		}
	}
}

func (c *ClockSource) advanceLocked(now time.Time) {
	if now.After(c.lastTick) {
		c.position += now.Sub(c.lastTick).Seconds()
	}
	c.lastTick = now
	if c.position > c.duration {
		c.position = c.duration
	}
}

func (c *ClockSource) snapshotLocked() []Listener {
	out := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		out = append(out, l)
	}
	return out
}

func emit(listeners []Listener, ev Event) {
	for _, l := range listeners {
		l(ev)
	}
}
