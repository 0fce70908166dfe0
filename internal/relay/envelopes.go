package relay

import "encoding/json"

// Envelope types sent to the downstream client. Every message the client
// receives is one of these.

type readyEnvelope struct {
	Type            string `json:"type"`
	HistoryRestored bool   `json:"historyRestored"`
	ReconnectCount  int    `json:"reconnectCount"`
}

type reconnectingEnvelope struct {
	Type           string `json:"type"`
	Message        string `json:"message"`
	ReconnectCount int    `json:"reconnectCount"`
}

// passthroughEnvelope wraps a raw upstream event for the downstream client.
type passthroughEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type errorEnvelope struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ackEnvelope struct {
	Type string `json:"type"`
}

func newReady(historyRestored bool, reconnectCount int) readyEnvelope {
	return readyEnvelope{Type: "ready", HistoryRestored: historyRestored, ReconnectCount: reconnectCount}
}

func newReconnecting(message string, reconnectCount int) reconnectingEnvelope {
	return reconnectingEnvelope{Type: "reconnecting", Message: message, ReconnectCount: reconnectCount}
}

func newPassthrough(raw []byte) passthroughEnvelope {
	return passthroughEnvelope{Type: "gemini_response", Data: json.RawMessage(raw)}
}

func newError(message string) errorEnvelope {
	return errorEnvelope{Type: "error", Message: message}
}

func newHistoryCleared() ackEnvelope {
	return ackEnvelope{Type: "history_cleared"}
}
