// Package gateway serves transcription sessions over client connections.
//
// Every connection gets its own [stream.Adapter]. Commands arriving on the
// connection drive the adapter and the analysis [pipeline.Pipeline]; adapter
// events and room events fan back out to the client through a bounded
// outbound queue drained by one writer goroutine per connection.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/dundra/internal/fanout"
	"github.com/MrWong99/dundra/internal/observe"
	"github.com/MrWong99/dundra/internal/pipeline"
	"github.com/MrWong99/dundra/internal/stream"
	"github.com/MrWong99/dundra/internal/transport"
	"github.com/MrWong99/dundra/pkg/provider/stt"
)

// DefaultQueueSize is the outbound queue length per connection.
const DefaultQueueSize = 256

// ErrShuttingDown is returned by Serve once Shutdown has been called.
var ErrShuttingDown = errors.New("gateway: shutting down")

// Config holds the dependencies of a [Gateway].
type Config struct {
	// STT opens one speech stream per connection.
	STT stt.Provider

	// Pipeline receives final segments and analysis commands.
	Pipeline *pipeline.Pipeline

	// Hub carries room events to joined connections.
	Hub *fanout.Hub

	// Stream configures every connection's adapter.
	Stream stream.Config

	// QueueSize bounds each connection's outbound queue. Defaults to
	// [DefaultQueueSize].
	QueueSize int

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// ServeOptions tune a single connection.
type ServeOptions struct {
	// AutoStart opens the speech stream right after connecting.
	AutoStart bool

	// SessionID binds the connection to a game session on connect.
	SessionID string

	// CampaignID is used when the bound game session has to be created.
	CampaignID string
}

// Info describes a connected client.
type Info struct {
	ID            string            `json:"id"`
	Protocol      string            `json:"protocol"`
	ConnectedAt   time.Time         `json:"connectedAt"`
	GameSessionID string            `json:"gameSessionId,omitempty"`
	Stream        stream.StatusInfo `json:"stream"`
}

// Gateway is the registry of connected sessions. All methods are safe for
// concurrent use.
type Gateway struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool
	wg       sync.WaitGroup
}

// New creates a gateway.
func New(cfg Config) *Gateway {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Stream.Stream.SampleRate == 0 {
		cfg.Stream.Stream = stream.DefaultStreamConfig()
	}
	return &Gateway{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Serve runs conn until the client disconnects, the transport fails or ctx
// is done. The connection is closed when Serve returns.
func (g *Gateway) Serve(ctx context.Context, conn transport.Conn, opts ServeOptions) error {
	s := newSession(g, uuid.NewString(), conn)

	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		_ = conn.Close("server shutting down")
		return ErrShuttingDown
	}
	g.sessions[s.id] = s
	g.wg.Add(1)
	g.mu.Unlock()
	defer g.wg.Done()

	attrs := metric.WithAttributes(observe.Attr("transport", conn.Protocol()))
	g.cfg.Metrics.ActiveConnections.Add(ctx, 1, attrs)
	defer g.cfg.Metrics.ActiveConnections.Add(context.WithoutCancel(ctx), -1, attrs)

	log := slog.With("session_id", s.id, "transport", conn.Protocol())
	log.Info("client connected")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.ctx = ctx

	go s.writeLoop(ctx)
	defer g.teardown(s)

	s.send(EventConnected, connectedEvent{SessionID: s.id})
	if opts.SessionID != "" {
		s.join(opts.CampaignID, opts.SessionID)
	}
	if opts.AutoStart {
		if err := s.adapter.Start(ctx); err != nil {
			log.Error("failed to auto-start transcription", "err", err)
			s.sendError(err)
		}
	}

	for {
		msg, err := conn.Receive(ctx)
		switch {
		case err == nil:
			s.handle(ctx, msg)
		case errors.Is(err, transport.ErrMalformed):
			log.Debug("malformed message", "err", err)
			s.sendErrorText(msgInvalidFormat)
		default:
			log.Info("client disconnected", "reason", err)
			return nil
		}
	}
}

// teardown releases everything a session holds.
func (g *Gateway) teardown(s *Session) {
	s.adapter.Close()
	if left := g.cfg.Hub.LeaveAll(s); len(left) > 0 {
		slog.Debug("left rooms on disconnect", "session_id", s.id, "rooms", left)
	}

	g.mu.Lock()
	delete(g.sessions, s.id)
	g.mu.Unlock()

	s.stop()
	if err := s.conn.Close("session closed"); err != nil {
		slog.Debug("close connection", "session_id", s.id, "err", err)
	}
}

// ActiveSessionCount returns the number of connected clients.
func (g *Gateway) ActiveSessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// SessionInfo describes the connection with the given ID.
func (g *Gateway) SessionInfo(id string) (Info, bool) {
	g.mu.Lock()
	s, ok := g.sessions[id]
	g.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return s.info(), true
}

// Sessions describes every connection, oldest first.
func (g *Gateway) Sessions() []Info {
	g.mu.Lock()
	out := make([]Info, 0, len(g.sessions))
	for _, s := range g.sessions {
		out = append(out, s.info())
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Shutdown refuses new connections, closes every open one and waits for
// their sessions to wind down until ctx is done.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	open := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		open = append(open, s)
	}
	g.mu.Unlock()

	for _, s := range open {
		slog.Info("cleaning up session", "session_id", s.id)
		s.adapter.Stop()
		_ = s.conn.Close("server shutting down")
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
