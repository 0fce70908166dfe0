package relay

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/voicebridge/voicebridge/internal/events"
	"github.com/voicebridge/voicebridge/internal/history"
	"github.com/voicebridge/voicebridge/internal/upstream"
)

const defaultAudioMime = "audio/pcm"

// downstreamMessage is the decoded shape of one framed message from the
// downstream client.
type downstreamMessage struct {
	Type     string   `json:"type"`
	Data     string   `json:"data,omitempty"`
	MimeType string   `json:"mime_type,omitempty"`
	Text     []string `json:"text,omitempty"`
}

// HandleDownstream routes one raw downstream message. Malformed messages are
// logged and skipped; the session continues unaffected. Unrecognized types
// are ignored.
func (s *Session) HandleDownstream(raw []byte) {
	var msg downstreamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Warn("dropping malformed downstream message", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.msgCount++

	switch msg.Type {
	case "audio_chunk":
		s.handleAudioChunk(msg)
	case "turn_complete":
		s.handleTurnComplete()
	case "interrupt":
		s.handleInterrupt()
	case "clear_history":
		s.handleClearHistory()
	case "user_transcript":
		s.handleUserTranscript(msg)
	}
}

// handleAudioChunk buffers the fragment for the current turn and forwards it
// iff the upstream connection is open. Audio arriving during a reconnect
// window is dropped, not queued: most recent connection state wins.
func (s *Session) handleAudioChunk(msg downstreamMessage) {
	s.pendingAudio = append(s.pendingAudio, msg.Data)

	if s.conn == nil || !s.conn.IsOpen() {
		return
	}
	mime := msg.MimeType
	if mime == "" {
		mime = defaultAudioMime
	}
	if err := s.conn.SendAudio(mime, msg.Data); err != nil {
		s.logger.Debug("audio forward failed", "error", err)
	}
}

// handleTurnComplete forwards the end-of-turn marker and flushes the user
// utterance accumulator into history.
func (s *Session) handleTurnComplete() {
	if s.conn != nil && s.conn.IsOpen() {
		if err := s.conn.SendTurnComplete(); err != nil {
			s.logger.Debug("turn complete forward failed", "error", err)
		}
	}

	s.log.Append(history.RoleUser, s.userBuf)
	s.userBuf = ""
	s.pendingAudio = nil
}

func (s *Session) handleInterrupt() {
	if s.conn != nil && s.conn.IsOpen() {
		if err := s.conn.SendInterrupt(); err != nil {
			s.logger.Debug("interrupt forward failed", "error", err)
		}
	}
}

// handleClearHistory wipes all local conversational state. The live upstream
// connection keeps its already-primed context; only connections established
// after this point see the cleared history.
func (s *Session) handleClearHistory() {
	s.log.Clear()
	s.userBuf = ""
	s.assistantBuf = ""
	s.pendingAudio = nil

	s.client.Send(newHistoryCleared())
	s.reg.publish(events.HistoryCleared, nil, s.id)
}

// handleUserTranscript appends client-supplied transcription text to the
// user utterance accumulator.
func (s *Session) handleUserTranscript(msg downstreamMessage) {
	joined := strings.Join(msg.Text, " ")
	if strings.TrimSpace(joined) == "" {
		return
	}
	if s.userBuf != "" {
		s.userBuf += " "
	}
	s.userBuf += joined
}

// handleUpstreamEvent extracts local state from one upstream event, then
// forwards it verbatim to the downstream client wrapped in the passthrough
// envelope. Malformed payloads are logged and not forwarded; the session
// continues.
func (s *Session) handleUpstreamEvent(c *upstream.Conn, raw []byte) {
	var msg upstream.ServerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Warn("dropping malformed upstream message", "error", err)
		return
	}

	s.mu.Lock()
	if !s.current(c) {
		s.mu.Unlock()
		return
	}
	s.msgCount++

	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			s.accumulateModelTurn(sc.ModelTurn)
		}
		if sc.TurnComplete {
			s.log.Append(history.RoleAssistant, s.assistantBuf)
			s.assistantBuf = ""
		}
	}
	s.mu.Unlock()

	s.client.Send(newPassthrough(raw))
}

// accumulateModelTurn collects text fragments, decoding inline base64 text
// payloads. Decode failures are swallowed, not propagated. Caller holds mu.
func (s *Session) accumulateModelTurn(turn *upstream.ModelTurn) {
	for _, part := range turn.Parts {
		if part.Text != "" {
			s.assistantBuf += part.Text
			continue
		}
		if part.InlineData != nil && strings.HasPrefix(part.InlineData.MimeType, "text/") {
			if decoded, ok := decodeInline(part.InlineData.Data); ok {
				s.assistantBuf += decoded
			}
		}
	}
}

func decodeInline(data string) (string, bool) {
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", false
	}
	return string(decoded), true
}
