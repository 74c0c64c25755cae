package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chongxuan2024/live2dSpeek/internal/bus"
	"github.com/chongxuan2024/live2dSpeek/internal/engine"
	"github.com/chongxuan2024/live2dSpeek/internal/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Controller is what browser UI commands drive
type Controller interface {
	SyncWithAudio(ctx context.Context, audioPath string) error
	Interrupt()
	IsAnimating() bool
	State() engine.State
}

// Config configures the Server
type Config struct {
	WSPath         string
	MetricsPath    string
	AssetRoot      string // served under /assets/ when set
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
}

// Server accepts one browser peer at a time. A new connection replaces
// the previous one.
type Server struct {
	cfg      Config
	logger   zerolog.Logger
	bus      *bus.EventBus
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	ctx    context.Context
	cancel context.CancelFunc

	source *RemoteSource
	player *RemotePlayer

	mu         sync.Mutex
	peer       *peer
	controller Controller
	onConnect    func(ctx context.Context)
	onDisconnect func()
	unforward    func()
}

// NewServer creates a Server
func NewServer(cfg Config, logger zerolog.Logger, b *bus.EventBus, m *metrics.Metrics) *Server {
	if cfg.WSPath == "" {
		cfg.WSPath = "/ws"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		logger:  logger.With().Str("component", "bridge").Logger(),
		bus:     b,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		mux:    http.NewServeMux(),
		ctx:    ctx,
		cancel: cancel,
	}
	s.source = newRemoteSource(s)
	s.player = &RemotePlayer{server: s}

	s.mux.HandleFunc(cfg.WSPath, s.handleWS)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if cfg.MetricsPath != "" && m != nil {
		s.mux.Handle(cfg.MetricsPath, m.Handler())
	}
	if cfg.AssetRoot != "" {
		s.mux.Handle("/assets/", http.StripPrefix("/assets/", http.FileServer(http.Dir(cfg.AssetRoot))))
	}
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Source returns the browser video element as a media.Source
func (s *Server) Source() *RemoteSource {
	return s.source
}

// Audio returns the browser audio element as an audio.Player
func (s *Server) Audio() *RemotePlayer {
	return s.player
}

// SetController sets the target of UI commands
func (s *Server) SetController(c Controller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controller = c
}

// SetOnConnect sets a hook run in its own goroutine after each browser connects
func (s *Server) SetOnConnect(fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = fn
}

// SetOnDisconnect sets a hook run when the attached browser goes away
// without a replacement
func (s *Server) SetOnDisconnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = fn
}

// Connected reports whether a browser is attached
func (s *Server) Connected() bool {
	return s.currentPeer() != nil
}

// ForwardEvents relays engine events to the browser until Close
func (s *Server) ForwardEvents(b *bus.EventBus) {
	if b == nil {
		return
	}
	unsub := b.SubscribeMultiple(bus.AllEventTypes(), func(e bus.Event) {
		p := s.currentPeer()
		if p == nil {
			return
		}
		if err := p.send(Message{Type: MsgEvent, Event: string(e.Type), Data: e.Data}); err != nil {
			s.logger.Debug().Err(err).Str("event", string(e.Type)).Msg("Failed to forward event")
		}
	})

	s.mu.Lock()
	prev := s.unforward
	s.unforward = unsub
	s.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// Notify sends a one-way message to the browser, if one is attached
func (s *Server) Notify(msg Message) error {
	err := s.send(msg)
	if errors.Is(err, ErrNoClient) {
		return nil
	}
	return err
}

// Close drops the browser connection and cancels running UI commands
func (s *Server) Close() error {
	s.cancel()

	s.mu.Lock()
	p := s.peer
	s.peer = nil
	unforward := s.unforward
	s.unforward = nil
	s.mu.Unlock()

	if unforward != nil {
		unforward()
	}
	if p != nil {
		p.close()
		s.source.fail(ErrNoClient)
	}
	return nil
}

func (s *Server) currentPeer() *peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"connected": s.Connected(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	p := newPeer(conn, s.cfg.WriteTimeout)

	s.mu.Lock()
	old := s.peer
	s.peer = p
	onConnect := s.onConnect
	s.mu.Unlock()

	if old != nil {
		s.logger.Info().Str("old", old.id).Str("new", p.id).Msg("Replacing browser connection")
		old.close()
		// Steps waiting on the old page end now, before the new page is driven
		s.source.fail(ErrNoClient)
	}

	s.logger.Info().Str("peer", p.id).Str("remote", r.RemoteAddr).Msg("Browser connected")
	s.metrics.SetClients(1)
	s.bus.Publish(bus.Event{Type: bus.EventTypeClientConnected, Data: map[string]any{"peer": p.id, "remote": r.RemoteAddr}})

	if onConnect != nil {
		go onConnect(s.ctx)
	}

	s.readLoop(p)
}

func (s *Server) readLoop(p *peer) {
	defer s.dropPeer(p)

	for {
		var msg Message
		if err := p.conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Str("peer", p.id).Msg("Read failed")
			}
			return
		}
		s.route(p, msg)
	}
}

func (s *Server) dropPeer(p *peer) {
	p.close()

	s.mu.Lock()
	current := s.peer == p
	if current {
		s.peer = nil
	}
	onDisconnect := s.onDisconnect
	s.mu.Unlock()

	// A replaced peer was already failed in handleWS; the listeners now
	// belong to its successor
	if !current {
		return
	}

	// Whatever step was playing on this peer will never finish
	s.source.fail(ErrNoClient)

	s.logger.Info().Str("peer", p.id).Msg("Browser disconnected")
	s.metrics.SetClients(0)
	s.bus.Publish(bus.Event{Type: bus.EventTypeClientDisconnected, Data: map[string]any{"peer": p.id}})
	if onDisconnect != nil {
		onDisconnect()
	}
}

func (s *Server) route(p *peer, msg Message) {
	if msg.ID != "" && p.resolve(msg) {
		return
	}

	switch msg.Type {
	case MsgVideoTimeUpdate, MsgVideoEnded, MsgVideoError:
		s.source.dispatch(msg)
	case MsgSync:
		go s.handleSync(p, msg)
	case MsgInterrupt:
		if c := s.getController(); c != nil {
			c.Interrupt()
		}
		s.reply(p, Message{Type: MsgAck, ID: msg.ID})
	case MsgStatus:
		s.reply(p, Message{Type: MsgStatus, ID: msg.ID, Data: s.status()})
	default:
		s.logger.Debug().Str("type", string(msg.Type)).Msg("Ignoring message")
	}
}

func (s *Server) handleSync(p *peer, msg Message) {
	c := s.getController()
	if c == nil {
		s.reply(p, Message{Type: MsgError, ID: msg.ID, Error: ErrNoController.Error()})
		return
	}

	if err := c.SyncWithAudio(s.ctx, msg.Src); err != nil {
		s.reply(p, Message{Type: MsgError, ID: msg.ID, Src: msg.Src, Error: err.Error()})
		return
	}
	s.reply(p, Message{Type: MsgAck, ID: msg.ID, Src: msg.Src})
}

func (s *Server) status() StatusData {
	st := StatusData{Connected: s.Connected()}
	if c := s.getController(); c != nil {
		st.Animating = c.IsAnimating()
		st.State = c.State()
	}
	return st
}

func (s *Server) getController() Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controller
}

func (s *Server) reply(p *peer, msg Message) {
	if err := p.send(msg); err != nil {
		s.logger.Debug().Err(err).Str("type", string(msg.Type)).Msg("Reply failed")
	}
}

// send delivers a message to the current peer without waiting for a reply
func (s *Server) send(msg Message) error {
	p := s.currentPeer()
	if p == nil {
		return ErrNoClient
	}
	return p.send(msg)
}

// request sends msg to the current peer and waits for the message that
// carries its ID. A zero timeout waits as long as ctx allows.
func (s *Server) request(ctx context.Context, msg Message, timeout time.Duration) (Message, error) {
	p := s.currentPeer()
	if p == nil {
		return Message{}, ErrNoClient
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	ch := p.register(msg.ID)
	defer p.unregister(msg.ID)

	if err := p.send(msg); err != nil {
		return Message{}, fmt.Errorf("send %s: %w", msg.Type, err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-p.done:
		return Message{}, ErrNoClient
	case <-ctx.Done():
		return Message{}, fmt.Errorf("%s: %w", msg.Type, ctx.Err())
	}
}

// peer is one browser connection
type peer struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Message

	done chan struct{}
	once sync.Once
}

func newPeer(conn *websocket.Conn, writeTimeout time.Duration) *peer {
	return &peer{
		id:           uuid.NewString()[:8],
		conn:         conn,
		writeTimeout: writeTimeout,
		pending:      make(map[string]chan Message),
		done:         make(chan struct{}),
	}
}

func (p *peer) send(msg Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	select {
	case <-p.done:
		return ErrNoClient
	default:
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	return p.conn.WriteJSON(msg)
}

func (p *peer) register(id string) chan Message {
	ch := make(chan Message, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
	return ch
}

func (p *peer) unregister(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// resolve hands msg to the request waiting on its ID
func (p *peer) resolve(msg Message) bool {
	p.mu.Lock()
	ch, ok := p.pending[msg.ID]
	if ok {
		delete(p.pending, msg.ID)
	}
	p.mu.Unlock()

	if ok {
		ch <- msg
	}
	return ok
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}
