package gateway

import (
	"bytes"
	"context"
	"errors"
	"log/slog"

	"github.com/MrWong99/dundra/internal/fanout"
	"github.com/MrWong99/dundra/internal/pipeline"
	"github.com/MrWong99/dundra/internal/transcriptlog"
	"github.com/MrWong99/dundra/internal/transport"
	"github.com/MrWong99/dundra/pkg/types"
)

// handle dispatches one client command. Failures are reported to the client
// as error events; the connection stays open.
func (s *Session) handle(ctx context.Context, msg transport.Message) {
	slog.Debug("received message", "session_id", s.id, "type", msg.Type)

	var err error
	switch msg.Type {
	case CmdStartTranscription:
		err = s.adapter.Start(ctx)
	case CmdStopTranscription:
		s.adapter.Stop()
	case CmdAudioChunk, CmdAudioFinal:
		err = s.handleAudio(msg)
	case CmdSpeakerMapping:
		err = s.handleSpeakerMapping(msg)
	case CmdGetStatus:
		s.send(EventStatus, s.adapter.Status())
	case CmdJoinSession:
		err = s.handleJoin(msg)
	case CmdLeaveSession:
		err = s.handleLeave(msg)
	case CmdAnalyzeBatch:
		err = s.handleAnalyzeBatch(msg)
	case CmdAnalyzeRealtime, CmdSubmitSegment:
		err = s.handleSegment(ctx, msg)
	case CmdUpsertContext:
		err = s.handleUpsertContext(msg)
	case CmdGetContext:
		err = s.handleGetContext(msg)
	case CmdEndSession:
		err = s.handleEndSession(msg)
	case CmdGetTranscript:
		err = s.handleGetTranscript(ctx, msg)
	default:
		slog.Warn("unknown message type", "session_id", s.id, "type", msg.Type)
		s.sendErrorText(msgUnknownType)
		return
	}

	if err != nil {
		if errors.Is(err, transport.ErrMalformed) {
			slog.Debug("invalid command payload", "session_id", s.id, "type", msg.Type, "err", err)
			s.sendErrorText(msgInvalidFormat)
			return
		}
		s.fail(msg.Type, err)
	}
}

func (s *Session) fail(cmdType string, err error) {
	slog.Debug("command failed", "session_id", s.id, "type", cmdType, "err", err)
	s.sendError(err)
}

// async runs the LLM-bound part of a command on the pipeline so the receive
// loop keeps reading audio. Its result and failure are sent like those of a
// synchronous command.
func (s *Session) async(cmdType string, fn func(ctx context.Context) error) error {
	started := s.gw.cfg.Pipeline.Go(func(ctx context.Context) {
		if err := fn(ctx); err != nil {
			s.fail(cmdType, err)
		}
	})
	if !started {
		return pipeline.ErrClosed
	}
	return nil
}

func (s *Session) handleAudio(msg transport.Message) error {
	audio := msg.Audio
	if audio == nil {
		var err error
		if audio, err = decodeAudio(msg.Data); err != nil {
			return err
		}
	}
	if len(audio) > 0 {
		s.adapter.ProcessAudioChunk(audio)
	}
	return nil
}

// handleSpeakerMapping ignores incomplete mappings.
func (s *Session) handleSpeakerMapping(msg transport.Message) error {
	var cmd speakerMappingCmd
	if err := msg.Decode(&cmd); err != nil {
		return err
	}
	if cmd.SpeakerID != "" && cmd.PlayerName != "" {
		s.adapter.UpdateSpeakerMapping(cmd.SpeakerID, cmd.PlayerName)
	}
	return nil
}

func (s *Session) handleJoin(msg transport.Message) error {
	cmd, err := decodeSessionCmd(msg)
	if err != nil {
		return err
	}
	s.join(cmd.CampaignID, cmd.SessionID)
	return nil
}

// join subscribes to the room of gameSession, creating its context when
// needed, and binds final transcripts to it.
func (s *Session) join(campaignID, gameSession string) {
	gc := s.gw.cfg.Pipeline.JoinSession(campaignID, gameSession)
	s.gw.cfg.Hub.Join(gameSession, s)
	s.bind(gameSession)
	slog.Info("client joined session", "session_id", s.id, "game_session", gameSession)
	s.send(EventSessionJoined, sessionEvent{SessionID: gameSession, Context: &gc})
}

func (s *Session) handleLeave(msg transport.Message) error {
	cmd, err := decodeSessionCmd(msg)
	if err != nil {
		return err
	}
	s.gw.cfg.Hub.Leave(cmd.SessionID, s)
	s.unbind(cmd.SessionID)
	slog.Info("client left session", "session_id", s.id, "game_session", cmd.SessionID)
	return nil
}

func (s *Session) handleAnalyzeBatch(msg transport.Message) error {
	var cmd analyzeBatchCmd
	if err := decodeSession(msg, &cmd.SessionID, &cmd); err != nil {
		return err
	}
	if len(cmd.Segments) == 0 {
		return errors.New(msgSegmentsRequired)
	}
	segs := make([]types.TranscriptionSegment, len(cmd.Segments))
	for i, p := range cmd.Segments {
		segs[i] = p.segment()
	}
	if _, err := s.gw.cfg.Pipeline.GetContext(cmd.SessionID); err != nil {
		return err
	}
	return s.async(msg.Type, func(ctx context.Context) error {
		res, gc, err := s.gw.cfg.Pipeline.AnalyzeBatch(ctx, cmd.SessionID, segs)
		if err != nil {
			return err
		}
		s.replyOutsideRoom(cmd.SessionID, fanout.EventAnalysisComplete, pipeline.AnalysisComplete{
			SessionID:      cmd.SessionID,
			AnalysisResult: res,
			Context:        gc,
		})
		return nil
	})
}

// handleSegment serves analyze_realtime and submit_segment. A submitted
// segment without the realtime flag joins the batch path like a spoken one;
// real-time analysis runs in the background.
func (s *Session) handleSegment(ctx context.Context, msg transport.Message) error {
	var cmd segmentCmd
	if err := decodeSession(msg, &cmd.SessionID, &cmd); err != nil {
		return err
	}
	if cmd.Segment.Text == "" {
		return errors.New(msgSegmentRequired)
	}
	seg := cmd.Segment.segment()

	if msg.Type == CmdSubmitSegment && !cmd.Realtime {
		_, err := s.gw.cfg.Pipeline.HandleSegment(ctx, cmd.SessionID, seg)
		return err
	}

	if _, err := s.gw.cfg.Pipeline.GetContext(cmd.SessionID); err != nil {
		return err
	}
	return s.async(msg.Type, func(ctx context.Context) error {
		res, err := s.gw.cfg.Pipeline.AnalyzeRealtime(ctx, cmd.SessionID, seg)
		if err != nil {
			return err
		}
		if res.TriggerCard {
			s.replyOutsideRoom(cmd.SessionID, fanout.EventImmediateTrigger, pipeline.ImmediateTrigger{
				SessionID: cmd.SessionID,
				Segment:   seg,
				Actions:   res.ImmediateActions,
			})
		}
		if len(res.UrgentUpdates) > 0 {
			s.replyOutsideRoom(cmd.SessionID, fanout.EventUrgentUpdates, pipeline.CharacterUpdates{
				SessionID: cmd.SessionID,
				Updates:   res.UrgentUpdates,
			})
		}
		return nil
	})
}

func (s *Session) handleUpsertContext(msg transport.Message) error {
	var cmd upsertContextCmd
	if err := decodeSession(msg, &cmd.SessionID, &cmd); err != nil {
		return err
	}
	gc, err := s.gw.cfg.Pipeline.UpsertContext(cmd.CampaignID, cmd.SessionID, cmd.Fields)
	if err != nil {
		return err
	}
	s.send(EventContext, sessionEvent{SessionID: cmd.SessionID, Context: &gc})
	return nil
}

func (s *Session) handleGetContext(msg transport.Message) error {
	cmd, err := decodeSessionCmd(msg)
	if err != nil {
		return err
	}
	gc, err := s.gw.cfg.Pipeline.GetContext(cmd.SessionID)
	if err != nil {
		return err
	}
	s.send(EventContext, sessionEvent{SessionID: cmd.SessionID, Context: &gc})
	return nil
}

// handleEndSession tears the game session down and tells every former room
// member, the requester included.
func (s *Session) handleEndSession(msg transport.Message) error {
	cmd, err := decodeSessionCmd(msg)
	if err != nil {
		return err
	}
	members, ok := s.gw.cfg.Pipeline.EndSession(cmd.SessionID)
	if !ok {
		return pipeline.ErrNoContext
	}

	ended, err := transport.NewMessage(EventSessionEnded, sessionEvent{SessionID: cmd.SessionID})
	if err != nil {
		return err
	}
	notified := false
	for _, m := range members {
		if other, ok := m.(*Session); ok {
			other.unbind(cmd.SessionID)
		}
		m.Deliver(ended)
		notified = notified || m.SubscriberID() == s.id
	}
	s.unbind(cmd.SessionID)
	if !notified {
		s.Deliver(ended)
	}
	return nil
}

func (s *Session) handleGetTranscript(ctx context.Context, msg transport.Message) error {
	var cmd transcriptCmd
	if err := decodeSession(msg, &cmd.SessionID, &cmd); err != nil {
		return err
	}
	if cmd.Limit <= 0 {
		cmd.Limit = defaultTranscriptLimit
	}
	entries, err := s.gw.cfg.Pipeline.Transcript(ctx, cmd.SessionID, cmd.Limit)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []transcriptlog.Entry{}
	}
	s.send(EventTranscript, transcriptEvent{SessionID: cmd.SessionID, Entries: entries})
	return nil
}

// replyOutsideRoom sends a room event to the requester when it is not a
// member of the room and therefore did not receive the published copy.
func (s *Session) replyOutsideRoom(gameSession, event string, payload any) {
	if !s.gw.cfg.Hub.IsMember(gameSession, s) {
		s.send(event, payload)
	}
}

// decodeSessionCmd accepts {"sessionId": ...} objects as well as a bare
// session ID string.
func decodeSessionCmd(msg transport.Message) (sessionCmd, error) {
	var cmd sessionCmd
	if data := bytes.TrimSpace(msg.Data); len(data) > 0 && data[0] == '"' {
		if err := msg.Decode(&cmd.SessionID); err != nil {
			return cmd, err
		}
		if cmd.SessionID == "" {
			return cmd, errors.New(msgSessionRequired)
		}
		return cmd, nil
	}
	return cmd, decodeSession(msg, &cmd.SessionID, &cmd)
}

// decodeSession decodes msg into v and checks that the session ID it
// carries is set.
func decodeSession(msg transport.Message, sessionID *string, v any) error {
	if err := msg.Decode(v); err != nil {
		return err
	}
	if *sessionID == "" {
		return errors.New(msgSessionRequired)
	}
	return nil
}
