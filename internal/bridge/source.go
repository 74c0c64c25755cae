package bridge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chongxuan2024/live2dSpeek/internal/audio"
	"github.com/chongxuan2024/live2dSpeek/internal/media"
	"github.com/google/uuid"
)

var (
	_ media.Source = (*RemoteSource)(nil)
	_ audio.Player = (*RemotePlayer)(nil)
)

// RemoteSource drives the browser's loop video element
type RemoteSource struct {
	server *Server

	mu        sync.Mutex
	position  float64
	listeners map[int]media.Listener
	nextID    int
}

func newRemoteSource(s *Server) *RemoteSource {
	return &RemoteSource{
		server:    s,
		listeners: make(map[int]media.Listener),
	}
}

// Load asks the browser to load path and waits for its metadata
func (r *RemoteSource) Load(ctx context.Context, path string) (media.Metadata, error) {
	reply, err := r.server.request(ctx, Message{Type: MsgVideoLoad, Src: r.server.assetURL(path)}, r.server.cfg.RequestTimeout)
	if err != nil {
		return media.Metadata{}, err
	}
	if reply.Type == MsgVideoError {
		return media.Metadata{}, fmt.Errorf("%w: %s", media.ErrNotLoaded, reply.Error)
	}

	r.mu.Lock()
	r.position = 0
	r.mu.Unlock()

	return media.Metadata{
		Path:     path,
		Duration: reply.Duration,
		Width:    reply.Width,
		Height:   reply.Height,
	}, nil
}

// Seek waits for the browser's seeked notification
func (r *RemoteSource) Seek(ctx context.Context, position float64) error {
	reply, err := r.server.request(ctx, Message{Type: MsgVideoSeek, Time: position}, r.server.cfg.RequestTimeout)
	if err != nil {
		return err
	}
	if reply.Type == MsgVideoError {
		return fmt.Errorf("%w: %s", media.ErrSeekRange, reply.Error)
	}

	r.mu.Lock()
	r.position = position
	r.mu.Unlock()
	return nil
}

// Play waits for the browser to confirm playback started
func (r *RemoteSource) Play(ctx context.Context) error {
	reply, err := r.server.request(ctx, Message{Type: MsgVideoPlay}, r.server.cfg.RequestTimeout)
	if err != nil {
		return err
	}
	if reply.Type == MsgVideoError {
		return fmt.Errorf("%w: %s", media.ErrPlayRefused, reply.Error)
	}
	return nil
}

// Pause is fire-and-forget
func (r *RemoteSource) Pause() {
	if err := r.server.send(Message{Type: MsgVideoPause}); err != nil && !errors.Is(err, ErrNoClient) {
		r.server.logger.Debug().Err(err).Msg("Pause failed")
	}
}

// Position returns the last position the browser reported
func (r *RemoteSource) Position() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.position
}

// Subscribe registers fn for timeupdate, ended and error notifications
func (r *RemoteSource) Subscribe(fn media.Listener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *RemoteSource) dispatch(msg Message) {
	var ev media.Event
	switch msg.Type {
	case MsgVideoTimeUpdate:
		ev = media.Event{Type: media.EventTimeUpdate, Position: msg.Time}
	case MsgVideoEnded:
		ev = media.Event{Type: media.EventEnded, Position: msg.Time}
	case MsgVideoError:
		ev = media.Event{Type: media.EventError, Position: msg.Time, Err: fmt.Errorf("%w: %s", media.ErrPlayRefused, msg.Error)}
	default:
		return
	}
	r.emit(ev, true)
}

// fail reports err to every listener, ending any step in flight
func (r *RemoteSource) fail(err error) {
	r.emit(media.Event{Type: media.EventError, Position: r.Position(), Err: err}, false)
}

func (r *RemoteSource) emit(ev media.Event, track bool) {
	r.mu.Lock()
	if track {
		r.position = ev.Position
	}
	listeners := make([]media.Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		listeners = append(listeners, l)
	}
	r.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}

// RemotePlayer plays narration through the browser's audio element
type RemotePlayer struct {
	server *Server
}

// Play asks the browser to play the clip and waits for it to end. When ctx
// is cancelled first the browser is told to stop.
func (p *RemotePlayer) Play(ctx context.Context, clip *audio.Clip) error {
	if clip == nil {
		return nil
	}

	id := uuid.NewString()
	timeout := secondsToDuration(clip.Duration) + p.server.cfg.RequestTimeout

	reply, err := p.server.request(ctx, Message{Type: MsgAudioPlay, ID: id, Src: p.server.assetURL(clip.Path), Duration: clip.Duration}, timeout)
	if err != nil {
		if ctx.Err() != nil {
			if serr := p.server.send(Message{Type: MsgAudioStop, ID: id}); serr != nil && !errors.Is(serr, ErrNoClient) {
				p.server.logger.Debug().Err(serr).Msg("Audio stop failed")
			}
			return ctx.Err()
		}
		return err
	}
	if reply.Type == MsgAudioError {
		return fmt.Errorf("%w: %s", ErrAudioRejected, reply.Error)
	}
	return nil
}

// assetURL maps a local path under the asset root to the URL the browser
// fetches it from. URLs and paths outside the root pass through.
func (s *Server) assetURL(path string) string {
	if s.cfg.AssetRoot == "" || strings.Contains(path, "://") {
		return path
	}
	rel := path
	if filepath.IsAbs(path) {
		root, err := filepath.Abs(s.cfg.AssetRoot)
		if err != nil {
			return path
		}
		rel, err = filepath.Rel(root, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			return path
		}
	}
	return "/assets/" + filepath.ToSlash(rel)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
