package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chongxuan2024/live2dSpeek/internal/audio"
	"github.com/chongxuan2024/live2dSpeek/internal/bus"
	"github.com/chongxuan2024/live2dSpeek/internal/engine"
	"github.com/chongxuan2024/live2dSpeek/internal/media"
	"github.com/chongxuan2024/live2dSpeek/internal/metrics"
	"github.com/chongxuan2024/live2dSpeek/internal/schedule"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBrowser answers the video/audio protocol the way the front end does.
// Its clock advances 0.1s every 2ms while playing.
type fakeBrowser struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu         sync.Mutex
	pos        float64
	playing    bool
	gen        int
	refusePlay bool
	holdPlay   bool
	holdAudio  bool

	inbox  chan Message
	closed chan struct{}
}

func dialBrowser(t *testing.T, ts *httptest.Server) *fakeBrowser {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	b := &fakeBrowser{
		conn:   conn,
		inbox:  make(chan Message, 256),
		closed: make(chan struct{}),
	}
	go b.loop()
	t.Cleanup(func() { conn.Close() })
	return b
}

func (b *fakeBrowser) send(msg Message) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = b.conn.WriteJSON(msg)
}

func (b *fakeBrowser) loop() {
	defer close(b.closed)
	for {
		var m Message
		if err := b.conn.ReadJSON(&m); err != nil {
			return
		}
		switch m.Type {
		case MsgVideoLoad:
			b.send(Message{Type: MsgVideoMetadata, ID: m.ID, Duration: 10, Width: 640, Height: 480})
		case MsgVideoSeek:
			b.mu.Lock()
			b.pos = m.Time
			b.mu.Unlock()
			b.send(Message{Type: MsgVideoSeeked, ID: m.ID, Time: m.Time})
		case MsgVideoPlay:
			b.mu.Lock()
			hold := b.holdPlay
			b.mu.Unlock()
			if hold {
				b.inbox <- m
				continue
			}
			b.mu.Lock()
			refuse := b.refusePlay
			if !refuse {
				b.playing = true
				b.gen++
				go b.tick(b.gen)
			}
			b.mu.Unlock()
			if refuse {
				b.send(Message{Type: MsgVideoError, ID: m.ID, Error: "NotAllowedError"})
			} else {
				b.send(Message{Type: MsgVideoPlaying, ID: m.ID})
			}
		case MsgVideoPause:
			b.mu.Lock()
			b.playing = false
			b.mu.Unlock()
		case MsgAudioPlay:
			b.mu.Lock()
			hold := b.holdAudio
			b.mu.Unlock()
			if !hold {
				go func(id string) {
					time.Sleep(10 * time.Millisecond)
					b.send(Message{Type: MsgAudioEnded, ID: id})
				}(m.ID)
				continue
			}
			b.inbox <- m
		default:
			select {
			case b.inbox <- m:
			default:
			}
		}
	}
}

func (b *fakeBrowser) tick(gen int) {
	for {
		time.Sleep(2 * time.Millisecond)
		b.mu.Lock()
		if !b.playing || b.gen != gen {
			b.mu.Unlock()
			return
		}
		b.pos += 0.1
		pos := b.pos
		b.mu.Unlock()
		b.send(Message{Type: MsgVideoTimeUpdate, Time: pos})
	}
}

// expect waits for a message matching fn
func (b *fakeBrowser) expect(t *testing.T, fn func(Message) bool) Message {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case m := <-b.inbox:
			if fn(m) {
				return m
			}
		case <-deadline:
			t.Fatal("expected message never arrived")
			return Message{}
		}
	}
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(Config{MetricsPath: "/metrics", RequestTimeout: 2 * time.Second}, zerolog.Nop(), bus.NewEventBus(), metrics.NewMetrics())
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func connect(t *testing.T, srv *Server, ts *httptest.Server) *fakeBrowser {
	t.Helper()
	b := dialBrowser(t, ts)
	require.Eventually(t, srv.Connected, time.Second, time.Millisecond)
	return b
}

func TestServer_Healthz(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["connected"])
}

func TestServer_Metrics(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRemoteSource_NoClient(t *testing.T) {
	srv, _ := newTestServer(t)

	_, err := srv.Source().Load(context.Background(), "loop.mp4")
	assert.ErrorIs(t, err, ErrNoClient)
	assert.ErrorIs(t, srv.Source().Play(context.Background()), ErrNoClient)
	assert.NotPanics(t, srv.Source().Pause)
}

func TestRemoteSource_LoadSeekPlay(t *testing.T) {
	srv, ts := newTestServer(t)
	b := connect(t, srv, ts)
	src := srv.Source()
	ctx := context.Background()

	meta, err := src.Load(ctx, "loop.mp4")
	require.NoError(t, err)
	assert.Equal(t, media.Metadata{Path: "loop.mp4", Duration: 10, Width: 640, Height: 480}, meta)

	require.NoError(t, src.Seek(ctx, 2))
	assert.Equal(t, 2.0, src.Position())

	updates := make(chan float64, 64)
	unsubscribe := src.Subscribe(func(ev media.Event) {
		if ev.Type == media.EventTimeUpdate {
			select {
			case updates <- ev.Position:
			default:
			}
		}
	})
	defer unsubscribe()

	require.NoError(t, src.Play(context.Background()))
	select {
	case pos := <-updates:
		assert.Greater(t, pos, 2.0)
	case <-time.After(2 * time.Second):
		t.Fatal("no timeupdate")
	}
	src.Pause()

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return !b.playing
	}, time.Second, time.Millisecond)
}

func TestRemoteSource_PlayRefused(t *testing.T) {
	srv, ts := newTestServer(t)
	b := connect(t, srv, ts)
	b.mu.Lock()
	b.refusePlay = true
	b.mu.Unlock()

	err := srv.Source().Play(context.Background())
	assert.ErrorIs(t, err, media.ErrPlayRefused)
}

func TestRemoteSource_PlayHonoursCancel(t *testing.T) {
	srv := NewServer(Config{RequestTimeout: 30 * time.Second}, zerolog.Nop(), bus.NewEventBus(), nil)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	b := connect(t, srv, ts)
	b.mu.Lock()
	b.holdPlay = true
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Source().Play(ctx) }()

	b.expect(t, func(m Message) bool { return m.Type == MsgVideoPlay })
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Play kept waiting after its context was cancelled")
	}
}

func TestRemoteSource_DisconnectFailsListeners(t *testing.T) {
	srv, ts := newTestServer(t)
	b := connect(t, srv, ts)

	got := make(chan error, 1)
	unsubscribe := srv.Source().Subscribe(func(ev media.Event) {
		if ev.Type == media.EventError {
			select {
			case got <- ev.Err:
			default:
			}
		}
	})
	defer unsubscribe()

	b.conn.Close()
	select {
	case err := <-got:
		assert.ErrorIs(t, err, ErrNoClient)
	case <-time.After(2 * time.Second):
		t.Fatal("listeners not told about disconnect")
	}
	require.Eventually(t, func() bool { return !srv.Connected() }, time.Second, time.Millisecond)
}

func TestRemotePlayer_PlayAndStop(t *testing.T) {
	srv, ts := newTestServer(t)
	b := connect(t, srv, ts)
	clip := &audio.Clip{Path: "talk.wav", Duration: 1}

	require.NoError(t, srv.Audio().Play(context.Background(), clip))

	b.mu.Lock()
	b.holdAudio = true
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Audio().Play(ctx, clip) }()

	play := b.expect(t, func(m Message) bool { return m.Type == MsgAudioPlay })
	cancel()

	assert.ErrorIs(t, <-errc, context.Canceled)
	stop := b.expect(t, func(m Message) bool { return m.Type == MsgAudioStop })
	assert.Equal(t, play.ID, stop.ID)
}

func TestServer_ReplacesPeer(t *testing.T) {
	srv, ts := newTestServer(t)
	first := connect(t, srv, ts)

	second := dialBrowser(t, ts)
	select {
	case <-first.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("first connection was not closed")
	}

	_, err := srv.Source().Load(context.Background(), "loop.mp4")
	require.NoError(t, err)
	assert.True(t, srv.Connected())
	_ = second
}

type clipLoader map[string]*audio.Clip

func (l clipLoader) Load(ctx context.Context, path string) (*audio.Clip, error) {
	if c, ok := l[path]; ok {
		return c, nil
	}
	return nil, &audio.DecodeError{Path: path, Err: errors.New("not found")}
}

func loudClip(path string, seconds float64) *audio.Clip {
	const rate = 1000
	samples := make([]float32, int(seconds*rate))
	for i := range samples {
		samples[i] = 0.5
	}
	return &audio.Clip{Path: path, Samples: samples, SampleRate: rate, Channels: 1, Duration: seconds}
}

func TestServer_SyncCommandEndToEnd(t *testing.T) {
	b := bus.NewEventBus()
	srv := NewServer(Config{RequestTimeout: 2 * time.Second}, zerolog.Nop(), b, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()
	defer srv.Close()

	eng, err := engine.New(engine.Options{
		Source:          srv.Source(),
		Loader:          clipLoader{"talk.wav": loudClip("talk.wav", 2)},
		Player:          srv.Audio(),
		Table:           schedule.RangeTable{SpeakingStart: 0, SpeakingEnd: 1.6, SilenceStart: 2, SilenceEnd: 3},
		Plan:            schedule.DefaultOptions(),
		IdleStopTimeout: 2 * time.Second,
		Logger:          zerolog.Nop(),
		Bus:             b,
	})
	require.NoError(t, err)
	defer eng.Close()

	srv.SetController(eng)
	srv.ForwardEvents(b)
	srv.SetOnConnect(func(ctx context.Context) {
		_ = eng.LoadLoopAsset(ctx, "loop.mp4")
	})

	browser := connect(t, srv, ts)
	require.Eventually(t, func() bool { return eng.State().IdleLoopActive }, 2*time.Second, time.Millisecond)

	browser.send(Message{Type: MsgSync, ID: "c1", Src: "talk.wav"})
	var acked, completed bool
	browser.expect(t, func(m Message) bool {
		if m.ID == "c1" {
			assert.Equal(t, MsgAck, m.Type)
			acked = true
		}
		if m.Type == MsgEvent && m.Event == string(bus.EventTypeSyncCompleted) {
			completed = true
		}
		return acked && completed
	})

	browser.send(Message{Type: MsgSync, ID: "c2", Src: "missing.wav"})
	nack := browser.expect(t, func(m Message) bool { return m.ID == "c2" })
	assert.Equal(t, MsgError, nack.Type)
	assert.Contains(t, nack.Error, "missing.wav")

	browser.send(Message{Type: MsgStatus, ID: "s1"})
	status := browser.expect(t, func(m Message) bool { return m.ID == "s1" })
	assert.Equal(t, MsgStatus, status.Type)
	data, ok := status.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, data["connected"])
}

func TestServer_SyncWithoutController(t *testing.T) {
	srv, ts := newTestServer(t)
	b := connect(t, srv, ts)

	b.send(Message{Type: MsgSync, ID: "x", Src: "talk.wav"})
	reply := b.expect(t, func(m Message) bool { return m.ID == "x" })
	assert.Equal(t, MsgError, reply.Type)
	assert.Equal(t, ErrNoController.Error(), reply.Error)
}

func TestServer_AssetURL(t *testing.T) {
	root := t.TempDir()
	srv := NewServer(Config{AssetRoot: root}, zerolog.Nop(), nil, nil)
	defer srv.Close()

	tests := []struct {
		name string
		path string
		want string
	}{
		{"relative", "clips/room1.wav", "/assets/clips/room1.wav"},
		{"absolute under root", filepath.Join(root, "loop.mp4"), "/assets/loop.mp4"},
		{"absolute outside root", "/elsewhere/a.wav", "/elsewhere/a.wav"},
		{"url", "https://cdn.example.com/a.mp3", "https://cdn.example.com/a.mp3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, srv.assetURL(tt.path))
		})
	}

	plain := NewServer(Config{}, zerolog.Nop(), nil, nil)
	defer plain.Close()
	assert.Equal(t, "clips/room1.wav", plain.assetURL("clips/room1.wav"))
}

func TestServer_DisconnectStopsIdleLoop(t *testing.T) {
	b := bus.NewEventBus()
	m := metrics.NewMetrics()
	srv := NewServer(Config{RequestTimeout: 2 * time.Second}, zerolog.Nop(), b, m)
	ts := httptest.NewServer(srv)
	defer ts.Close()
	defer srv.Close()

	eng, err := engine.New(engine.Options{
		Source:          srv.Source(),
		Loader:          clipLoader{},
		Player:          srv.Audio(),
		Table:           schedule.RangeTable{SpeakingStart: 0, SpeakingEnd: 1.6, SilenceStart: 2, SilenceEnd: 3},
		IdleGap:         time.Millisecond,
		IdleStopTimeout: 2 * time.Second,
		Logger:          zerolog.Nop(),
		Bus:             b,
		Metrics:         m,
	})
	require.NoError(t, err)
	defer eng.Close()

	srv.SetOnConnect(func(ctx context.Context) {
		_ = eng.LoadLoopAsset(ctx, "loop.mp4")
	})
	srv.SetOnDisconnect(func() { eng.Unload() })

	browser := connect(t, srv, ts)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.IdleLoops) >= 1
	}, 2*time.Second, time.Millisecond)

	browser.conn.Close()
	require.Eventually(t, func() bool {
		st := eng.State()
		return !st.IdleLoopActive && st.Phase == engine.PhaseStopped
	}, 2*time.Second, time.Millisecond)

	failures := testutil.ToFloat64(m.StepFailures)
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, failures, testutil.ToFloat64(m.StepFailures))
	assert.False(t, eng.State().IdleLoopActive)
	assert.False(t, eng.State().Loaded)

	// A new page brings the loop back.
	connect(t, srv, ts)
	require.Eventually(t, func() bool { return eng.State().IdleLoopActive }, 2*time.Second, time.Millisecond)
}

func TestServer_StalePeerDropLeavesSuccessorAlone(t *testing.T) {
	srv, ts := newTestServer(t)
	connect(t, srv, ts)
	first := srv.currentPeer()
	require.NotNil(t, first)

	earlyErrs := make(chan error, 4)
	unsubEarly := srv.Source().Subscribe(func(ev media.Event) {
		if ev.Type == media.EventError {
			select {
			case earlyErrs <- ev.Err:
			default:
			}
		}
	})
	defer unsubEarly()

	dialBrowser(t, ts)
	require.Eventually(t, func() bool {
		p := srv.currentPeer()
		return p != nil && p != first
	}, time.Second, time.Millisecond)

	// Listeners waiting on the replaced page are told at once.
	select {
	case err := <-earlyErrs:
		assert.ErrorIs(t, err, ErrNoClient)
	case <-time.After(time.Second):
		t.Fatal("listeners not told about the replaced page")
	}

	var late atomic.Int32
	unsubLate := srv.Source().Subscribe(func(ev media.Event) {
		if ev.Type == media.EventError {
			late.Add(1)
		}
	})
	defer unsubLate()

	// The old read loop finishing late must not touch the new page's steps.
	srv.dropPeer(first)
	assert.Never(t, func() bool { return late.Load() > 0 }, 100*time.Millisecond, 5*time.Millisecond)
	assert.True(t, srv.Connected())
}
