package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/dundra/internal/fanout"
	"github.com/MrWong99/dundra/internal/stream"
	"github.com/MrWong99/dundra/internal/transport"
	"github.com/MrWong99/dundra/pkg/types"
)

// sendTimeout bounds a single write to the client.
const sendTimeout = 10 * time.Second

// Compile-time interface assertions.
var (
	_ stream.Observer   = (*Session)(nil)
	_ fanout.Subscriber = (*Session)(nil)
)

// Session is one connected client. It observes its own adapter and
// subscribes to the rooms it joined.
type Session struct {
	id          string
	gw          *Gateway
	conn        transport.Conn
	adapter     *stream.Adapter
	connectedAt time.Time

	// ctx is the Serve context, set before any command is handled.
	ctx context.Context

	out      chan transport.Message
	done     chan struct{}
	stopOnce sync.Once

	mu          sync.Mutex
	gameSession string
}

func newSession(g *Gateway, id string, conn transport.Conn) *Session {
	s := &Session{
		id:          id,
		gw:          g,
		conn:        conn,
		connectedAt: time.Now().UTC(),
		ctx:         context.Background(),
		out:         make(chan transport.Message, g.cfg.QueueSize),
		done:        make(chan struct{}),
	}
	s.adapter = stream.New(id, g.cfg.STT, s,
		stream.WithConfig(g.cfg.Stream),
		stream.WithMetrics(g.cfg.Metrics),
	)
	return s
}

// ID returns the connection's session ID.
func (s *Session) ID() string { return s.id }

// SubscriberID implements [fanout.Subscriber].
func (s *Session) SubscriberID() string { return s.id }

// Deliver implements [fanout.Subscriber].
func (s *Session) Deliver(msg transport.Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- msg:
		return true
	default:
		return false
	}
}

// send queues an event for the client. Events that do not fit are dropped.
func (s *Session) send(event string, payload any) {
	msg, err := transport.NewMessage(event, payload)
	if err != nil {
		slog.Error("encode event", "session_id", s.id, "event", event, "err", err)
		return
	}
	if !s.Deliver(msg) {
		select {
		case <-s.done:
			slog.Debug("connection closed, event dropped", "session_id", s.id, "event", event)
		default:
			slog.Warn("outbound queue full, event dropped", "session_id", s.id, "event", event)
		}
	}
}

func (s *Session) sendError(err error) { s.sendErrorText(err.Error()) }

func (s *Session) sendErrorText(text string) {
	s.send(EventError, errorEvent{Error: text})
}

// writeLoop drains the outbound queue until the session stops. Messages
// queued before the stop are still written.
func (s *Session) writeLoop(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for {
		select {
		case msg := <-s.out:
			s.write(ctx, msg)
		case <-s.done:
			for {
				select {
				case msg := <-s.out:
					s.write(ctx, msg)
				default:
					return
				}
			}
		}
	}
}

func (s *Session) write(ctx context.Context, msg transport.Message) {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := s.conn.Send(ctx, msg); err != nil && !errors.Is(err, transport.ErrClosed) {
		slog.Warn("send failed", "session_id", s.id, "event", msg.Type, "err", err)
	}
}

func (s *Session) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// boundSession returns the game session final transcripts feed, or "".
func (s *Session) boundSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gameSession
}

func (s *Session) bind(gameSession string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gameSession = gameSession
}

// unbind clears the binding if it still points at gameSession.
func (s *Session) unbind(gameSession string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gameSession == gameSession {
		s.gameSession = ""
	}
}

func (s *Session) info() Info {
	return Info{
		ID:            s.id,
		Protocol:      s.conn.Protocol(),
		ConnectedAt:   s.connectedAt,
		GameSessionID: s.boundSession(),
		Stream:        s.adapter.Status(),
	}
}

// OnTranscription implements [stream.Observer]. Final results on a bound
// connection go through the analysis pipeline first so the client sees the
// corrected text and the segment ID.
func (s *Session) OnTranscription(t stream.Transcription) {
	s.gw.cfg.Metrics.RecordTranscript(s.ctx, t.IsFinal)

	ev := transcriptionEvent{
		Text:       t.Text,
		Speaker:    t.Speaker,
		SpeakerID:  t.SpeakerTag,
		Confidence: t.Confidence,
		IsFinal:    t.IsFinal,
		Timestamp:  t.Timestamp,
		Words:      t.Words,
	}
	if ev.Speaker == "" {
		ev.Speaker = types.UnknownSpeaker
	}

	if gameSession := s.boundSession(); t.IsFinal && gameSession != "" && t.Text != "" {
		seg, err := s.gw.cfg.Pipeline.HandleSegment(s.ctx, gameSession, types.TranscriptionSegment{
			Text:       t.Text,
			Speaker:    ev.Speaker,
			Timestamp:  t.Timestamp,
			Confidence: t.Confidence,
		})
		if err != nil {
			slog.Debug("final transcript not analyzed", "session_id", s.id, "game_session", gameSession, "err", err)
		} else {
			ev.ID = seg.ID
			if seg.Text != t.Text {
				ev.RawText = t.Text
				ev.Text = seg.Text
			}
		}
	}
	s.send(EventTranscription, ev)
}

// OnSpeakerDetected implements [stream.Observer].
func (s *Session) OnSpeakerDetected(tag string) {
	s.send(EventSpeakerDetected, speakerEvent{SpeakerID: tag})
}

// OnSpeakerMapped implements [stream.Observer].
func (s *Session) OnSpeakerMapped(tag, name string) {
	s.send(EventSpeakerMapped, speakerEvent{SpeakerID: tag, PlayerName: name})
}

// OnStatus implements [stream.Observer].
func (s *Session) OnStatus(st stream.Status) {
	s.send(EventStatus, statusEvent{Status: string(st)})
}

// OnError implements [stream.Observer].
func (s *Session) OnError(err error) {
	slog.Warn("transcription error", "session_id", s.id, "err", err)
	s.sendError(err)
}
