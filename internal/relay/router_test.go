package relay

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/voicebridge/voicebridge/internal/history"
)

func TestRouterDownstream(t *testing.T) {
	t.Run("User_Turn_Flushes_Transcript", func(t *testing.T) {
		script := &dialScript{}
		r, _ := newTestRegistry(script)
		client, s := connect(t, r, script)
		defer r.Disconnect(client.ID())

		sendJSON(s, `{"type":"user_transcript","text":["hola"]}`)
		sendJSON(s, `{"type":"audio_chunk","data":"AAAA"}`)
		sendJSON(s, `{"type":"audio_chunk","data":"BBBB"}`)
		sendJSON(s, `{"type":"audio_chunk","data":"CCCC"}`)
		sendJSON(s, `{"type":"turn_complete"}`)

		entries := s.historyForTest()
		if len(entries) != 1 {
			t.Fatalf("expected exactly one history entry, got %d", len(entries))
		}
		if entries[0].Role != history.RoleUser || entries[0].Text != "hola" {
			t.Errorf("expected user entry %q, got %s %q", "hola", entries[0].Role, entries[0].Text)
		}

		userBuf, _, pending, _ := s.snapshotForTest()
		if userBuf != "" {
			t.Errorf("user accumulator should be cleared, got %q", userBuf)
		}
		if pending != 0 {
			t.Errorf("pending audio should be cleared, got %d fragments", pending)
		}

		written := script.lastTransport().writtenMessages()
		audio, endOfTurn := 0, 0
		for _, m := range written[1:] { // written[0] is the setup handshake
			switch {
			case strings.Contains(m, "media_chunks"):
				audio++
			case strings.Contains(m, "realtime_input"):
				endOfTurn++
			}
		}
		if audio != 3 {
			t.Errorf("expected 3 forwarded audio chunks, got %d", audio)
		}
		if endOfTurn != 1 {
			t.Errorf("expected exactly one end-of-turn marker, got %d", endOfTurn)
		}
	})

	t.Run("Empty_Turn_Adds_No_History", func(t *testing.T) {
		script := &dialScript{}
		r, _ := newTestRegistry(script)
		client, s := connect(t, r, script)
		defer r.Disconnect(client.ID())

		sendJSON(s, `{"type":"user_transcript","text":["   "]}`)
		sendJSON(s, `{"type":"turn_complete"}`)

		if n := len(s.historyForTest()); n != 0 {
			t.Errorf("whitespace-only turn must not create a history entry, got %d", n)
		}
	})

	t.Run("Clear_History_Resets_Everything", func(t *testing.T) {
		script := &dialScript{}
		r, _ := newTestRegistry(script)
		client, s := connect(t, r, script)
		defer r.Disconnect(client.ID())

		sendJSON(s, `{"type":"user_transcript","text":["hello","there"]}`)
		sendJSON(s, `{"type":"audio_chunk","data":"AAAA"}`)
		sendJSON(s, `{"type":"turn_complete"}`)
		sendJSON(s, `{"type":"user_transcript","text":["pending"]}`)
		sendJSON(s, `{"type":"audio_chunk","data":"BBBB"}`)

		sendJSON(s, `{"type":"clear_history"}`)

		userBuf, assistantBuf, pending, historyLen := s.snapshotForTest()
		if userBuf != "" || assistantBuf != "" || pending != 0 || historyLen != 0 {
			t.Errorf("clear_history left state behind: user=%q assistant=%q pending=%d history=%d",
				userBuf, assistantBuf, pending, historyLen)
		}
		if n := client.countType("history_cleared"); n != 1 {
			t.Errorf("expected one history_cleared acknowledgment, got %d", n)
		}
	})

	t.Run("Interrupt_Forwards_Without_State_Change", func(t *testing.T) {
		script := &dialScript{}
		r, _ := newTestRegistry(script)
		client, s := connect(t, r, script)
		defer r.Disconnect(client.ID())

		sendJSON(s, `{"type":"user_transcript","text":["keep me"]}`)
		sendJSON(s, `{"type":"interrupt"}`)

		userBuf, _, _, _ := s.snapshotForTest()
		if userBuf != "keep me" {
			t.Errorf("interrupt must not touch the accumulator, got %q", userBuf)
		}

		written := script.lastTransport().writtenMessages()
		if !strings.Contains(written[len(written)-1], "interrupt") {
			t.Error("interrupt signal was not forwarded upstream")
		}
	})

	t.Run("Malformed_And_Unknown_Messages_Ignored", func(t *testing.T) {
		script := &dialScript{}
		r, _ := newTestRegistry(script)
		client, s := connect(t, r, script)
		defer r.Disconnect(client.ID())

		sendJSON(s, `{not json at all`)
		sendJSON(s, `{"type":"made_up_type","data":"x"}`)
		sendJSON(s, `{"type":"user_transcript","text":["still works"]}`)

		userBuf, _, _, _ := s.snapshotForTest()
		if userBuf != "still works" {
			t.Errorf("session should continue after malformed input, got %q", userBuf)
		}
	})

	t.Run("Audio_Buffered_But_Not_Forwarded_While_Disconnected", func(t *testing.T) {
		script := &dialScript{}
		r, _ := newTestRegistry(script)
		client, s := connect(t, r, script)
		defer r.Disconnect(client.ID())

		script.transport(0).closeFromServer(1001, "idle")
		waitFor(t, "reconnecting envelope", func() bool { return client.countType("reconnecting") == 1 })

		before := len(script.transport(0).writtenMessages())
		sendJSON(s, `{"type":"audio_chunk","data":"AAAA"}`)

		_, _, pending, _ := s.snapshotForTest()
		if pending != 1 {
			t.Errorf("audio should still be buffered for bookkeeping, got %d", pending)
		}
		if len(script.transport(0).writtenMessages()) != before {
			t.Error("audio must not be written to a closed connection")
		}
	})
}

func TestRouterUpstream(t *testing.T) {
	t.Run("Assistant_Turn_Accumulates_Fragments", func(t *testing.T) {
		script := &dialScript{}
		r, _ := newTestRegistry(script)
		client, s := connect(t, r, script)
		defer r.Disconnect(client.ID())

		tr := script.transport(0)
		tr.deliver(map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{"parts": []map[string]any{{"text": "Hola"}}},
			},
		})
		tr.deliver(map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{"parts": []map[string]any{{"text": " mundo"}}},
			},
		})
		tr.deliver(map[string]any{
			"serverContent": map[string]any{"turnComplete": true},
		})

		waitFor(t, "assistant history entry", func() bool { return len(s.historyForTest()) == 1 })
		entries := s.historyForTest()
		if entries[0].Role != history.RoleAssistant || entries[0].Text != "Hola mundo" {
			t.Errorf("expected assistant entry %q, got %s %q", "Hola mundo", entries[0].Role, entries[0].Text)
		}

		if n := client.countType("gemini_response"); n != 3 {
			t.Errorf("every upstream event should be forwarded, got %d of 3", n)
		}
	})

	t.Run("Inline_Text_Payloads_Decoded", func(t *testing.T) {
		script := &dialScript{}
		r, _ := newTestRegistry(script)
		client, s := connect(t, r, script)
		defer r.Disconnect(client.ID())

		tr := script.transport(0)
		encoded := base64.StdEncoding.EncodeToString([]byte("decoded text"))
		tr.deliver(map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{"parts": []map[string]any{
					{"inlineData": map[string]any{"mimeType": "text/plain", "data": encoded}},
					{"inlineData": map[string]any{"mimeType": "text/plain", "data": "!!!not-base64!!!"}},
					{"inlineData": map[string]any{"mimeType": "audio/pcm", "data": encoded}},
				}},
			},
		})
		tr.deliver(map[string]any{
			"serverContent": map[string]any{"turnComplete": true},
		})

		waitFor(t, "assistant entry", func() bool { return len(s.historyForTest()) == 1 })
		if got := s.historyForTest()[0].Text; got != "decoded text" {
			t.Errorf("expected only the decodable text payload, got %q", got)
		}
	})

	t.Run("Malformed_Upstream_Payload_Not_Forwarded", func(t *testing.T) {
		script := &dialScript{}
		r, _ := newTestRegistry(script)
		client, s := connect(t, r, script)
		defer r.Disconnect(client.ID())

		tr := script.transport(0)
		tr.deliverRaw([]byte(`{broken json`))
		tr.deliver(map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{"parts": []map[string]any{{"text": "ok"}}},
			},
		})

		waitFor(t, "valid event forwarded", func() bool { return client.countType("gemini_response") == 1 })
		_, assistantBuf, _, _ := s.snapshotForTest()
		if assistantBuf != "ok" {
			t.Errorf("session should survive a malformed upstream payload, got %q", assistantBuf)
		}
	})

	t.Run("Superseded_Connection_Cannot_Mutate_State", func(t *testing.T) {
		script := &dialScript{}
		r, mock := newTestRegistry(script)
		client, s := connect(t, r, script)
		defer r.Disconnect(client.ID())

		stale := script.transport(0)
		stale.closeFromServer(1001, "idle")
		waitFor(t, "reconnecting envelope", func() bool { return client.countType("reconnecting") == 1 })

		mock.Add(testTiming().ReconnectDelay)
		waitFor(t, "second ready", func() bool { return len(client.readies()) == 2 })

		// An event attributed to the superseded connection must be a
		// no-op even though its payload is well-formed.
		s.handleUpstreamEvent(nil, []byte(`{"serverContent":{"modelTurn":{"parts":[{"text":"stale"}]}}}`))

		_, assistantBuf, _, _ := s.snapshotForTest()
		if assistantBuf != "" {
			t.Errorf("superseded connection mutated session state: %q", assistantBuf)
		}
	})
}
