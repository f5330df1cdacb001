package voice

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rand/gamemaster/internal/narration"
	"github.com/rand/gamemaster/internal/rlm"
)

const (
	writeWait     = 5 * time.Second
	helloWait     = 5 * time.Second
	readIdle      = 90 * time.Second
	defaultBuffer = 64
)

// TurnHandler runs a finalized utterance as a turn.
type TurnHandler interface {
	HandleTurn(ctx context.Context, turn rlm.Turn) (*narration.Plan, error)
}

// Registry creates campaigns and players on first contact.
type Registry interface {
	EnsureCampaign(ctx context.Context, campaignID, name string) error
	EnsurePlayer(ctx context.Context, campaignID, playerID, name string) error
}

// Interrupter stops narration of a campaign when a player barges in.
type Interrupter interface {
	Interrupt(campaignID string)
}

// Config configures a Server.
type Config struct {
	// Path serves the websocket endpoint. Default: /voice
	Path string

	// AllowedOrigins restricts browser origins. Empty allows all.
	AllowedOrigins []string

	// SendBuffer is the per-connection outgoing queue. A connection whose
	// queue is full is dropped. Default: 64
	SendBuffer int

	Logger *slog.Logger
}

// Server is the voice adapter. It implements narration.Sink by
// broadcasting chunks to every connection of the chunk's campaign.
type Server struct {
	turns       TurnHandler
	registry    Registry
	interrupter Interrupter
	config      Config
	logger      *slog.Logger
	upgrader    websocket.Upgrader

	mu      sync.Mutex
	clients map[string]map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

var _ narration.Sink = (*Server)(nil)

type client struct {
	conn     *websocket.Conn
	campaign string
	session  string
	player   string

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	turnMu     sync.Mutex
	cancelTurn context.CancelFunc
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// startTurn derives the context of the connection's next turn.
func (c *client) startTurn(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	c.turnMu.Lock()
	c.cancelTurn = cancel
	c.turnMu.Unlock()
	return ctx, func() {
		c.turnMu.Lock()
		c.cancelTurn = nil
		c.turnMu.Unlock()
		cancel()
	}
}

// interruptTurn cancels the connection's running turn, if any. A turn
// already committing is not affected.
func (c *client) interruptTurn() bool {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	if c.cancelTurn == nil {
		return false
	}
	c.cancelTurn()
	return true
}

// NewServer creates a server. registry may be nil.
func NewServer(turns TurnHandler, registry Registry, config Config) *Server {
	if config.Path == "" {
		config.Path = "/voice"
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = defaultBuffer
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		turns:    turns,
		registry: registry,
		config:   config,
		logger:   logger,
		clients:  make(map[string]map[*client]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  16 * 1024,
		WriteBufferSize: 16 * 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// SetInterrupter wires barge-in. The narration queue needs the server as
// its sink, so it is attached after construction.
func (s *Server) SetInterrupter(i Interrupter) {
	s.mu.Lock()
	s.interrupter = i
	s.mu.Unlock()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(s.config.AllowedOrigins, origin)
}

// Handler returns the HTTP handler serving the websocket endpoint and a
// health check.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return otelhttp.NewHandler(mux, "voice")
}

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("voice adapter listening", slog.String("addr", addr), slog.String("path", s.config.Path))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	s.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	c, err := s.handshake(r.Context(), conn)
	if err != nil {
		s.logger.Debug("voice handshake failed", slog.String("error", err.Error()))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(time.Second))
		return
	}
	if !s.register(c) {
		return
	}
	defer s.unregister(c)

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	// Writer.
	go func() {
		defer s.wg.Done()
		defer cancel()
		for {
			select {
			case <-c.done:
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
				_ = conn.Close()
				return
			case <-ctx.Done():
				return
			case b := <-c.out:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	// Turns of one connection run in order.
	utterances := make(chan Message, 8)
	go func() {
		defer s.wg.Done()
		for m := range utterances {
			s.runTurn(ctx, c, m)
		}
	}()
	defer close(utterances)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readIdle))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		m, err := decode(raw)
		if err != nil {
			s.send(c, Message{Type: TypeError, Error: err.Error()})
			continue
		}
		switch m.Type {
		case TypeUtterance:
			if m.Partial || strings.TrimSpace(m.Text) == "" {
				continue
			}
			select {
			case utterances <- m:
			default:
				s.send(c, Message{Type: TypeError, Error: "too many pending utterances"})
			}
		case TypeInterrupt:
			if c.interruptTurn() {
				s.logger.Debug("turn interrupted", slog.String("campaign", c.campaign), slog.String("player", c.player))
			}
			s.mu.Lock()
			i := s.interrupter
			s.mu.Unlock()
			if i != nil {
				i.Interrupt(c.campaign)
			}
		default:
			s.send(c, Message{Type: TypeError, Error: "unknown message type " + m.Type})
		}
	}
}

func (s *Server) handshake(ctx context.Context, conn *websocket.Conn) (*client, error) {
	_ = conn.SetReadDeadline(time.Now().Add(helloWait))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	hello, err := decode(raw)
	if err != nil {
		return nil, err
	}
	if hello.Type != TypeHello {
		return nil, errors.New("expected hello")
	}
	if hello.CampaignID == "" || hello.PlayerID == "" {
		return nil, errors.New("hello needs campaign_id and player_id")
	}
	if hello.SessionID == "" {
		hello.SessionID = uuid.NewString()
	}

	if s.registry != nil {
		if err := s.registry.EnsureCampaign(ctx, hello.CampaignID, hello.CampaignName); err != nil {
			return nil, errors.New("campaign unavailable")
		}
		if err := s.registry.EnsurePlayer(ctx, hello.CampaignID, hello.PlayerID, hello.PlayerName); err != nil {
			return nil, errors.New("player unavailable")
		}
	}

	c := &client{
		conn:     conn,
		campaign: hello.CampaignID,
		session:  hello.SessionID,
		player:   hello.PlayerID,
		out:      make(chan []byte, s.config.SendBuffer),
		done:     make(chan struct{}),
	}
	if err := writeJSON(conn, Message{Type: TypeWelcome, CampaignID: c.campaign, SessionID: c.session, PlayerID: c.player}); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Server) runTurn(ctx context.Context, c *client, m Message) {
	turn := rlm.NewTurn(c.campaign, c.session, c.player, m.Text, m.Language)
	tctx, done := c.startTurn(ctx)
	defer done()

	_, err := s.turns.HandleTurn(tctx, turn)
	switch {
	case err == nil, errors.Is(err, rlm.ErrTurnAborted):
		// The plan already carries the narration, including the abort line.
	case tctx.Err() != nil:
		// Interrupted by the player or the connection closed.
	default:
		s.logger.Warn("voice turn failed",
			slog.String("campaign", c.campaign),
			slog.String("turn", turn.ID),
			slog.String("error", err.Error()))
		s.send(c, Message{Type: TypeError, TurnID: turn.ID, Error: "turn failed"})
	}
}

func (s *Server) register(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	set := s.clients[c.campaign]
	if set == nil {
		set = make(map[*client]struct{})
		s.clients[c.campaign] = set
	}
	set[c] = struct{}{}
	// Writer and turn runner.
	s.wg.Add(2)
	return true
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set := s.clients[c.campaign]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(s.clients, c.campaign)
		}
	}
	c.close()
}

// send queues m for c, dropping the connection when it cannot keep up.
func (s *Server) send(c *client, m Message) {
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	select {
	case <-c.done:
	case c.out <- b:
	default:
		s.logger.Warn("voice client too slow, disconnecting",
			slog.String("campaign", c.campaign), slog.String("player", c.player))
		c.close()
	}
}

// Deliver implements narration.Sink.
func (s *Server) Deliver(ctx context.Context, chunk narration.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients[chunk.CampaignID]))
	for c := range s.clients[chunk.CampaignID] {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	m := Message{Type: TypeChunk, CampaignID: chunk.CampaignID, TurnID: chunk.TurnID, Chunk: &chunk}
	for _, c := range targets {
		s.send(c, m)
	}
	return nil
}

// Connections returns how many connections listen to campaignID.
func (s *Server) Connections(campaignID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients[campaignID])
}

// Close disconnects every client and waits for their goroutines.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	for _, set := range s.clients {
		for c := range set {
			c.close()
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}
