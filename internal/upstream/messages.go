package upstream

// Outbound wire shapes for the BidiGenerateContent WebSocket protocol. The
// service accepts snake_case on this surface.

// SetupMessage is the one-time configuration handshake sent after open.
type SetupMessage struct {
	Setup Setup `json:"setup"`
}

// Setup carries the model, response parameters and the system instruction
// that re-injects conversational context after a reconnect.
type Setup struct {
	Model             string           `json:"model"`
	GenerationConfig  GenerationConfig `json:"generation_config"`
	SystemInstruction *Content         `json:"system_instruction,omitempty"`
}

// GenerationConfig selects the response modality and voice.
type GenerationConfig struct {
	ResponseModalities []string      `json:"response_modalities"`
	SpeechConfig       *SpeechConfig `json:"speech_config,omitempty"`
}

// SpeechConfig wraps the voice selection.
type SpeechConfig struct {
	VoiceConfig VoiceConfig `json:"voice_config"`
}

// VoiceConfig selects a prebuilt voice.
type VoiceConfig struct {
	PrebuiltVoiceConfig PrebuiltVoiceConfig `json:"prebuilt_voice_config"`
}

// PrebuiltVoiceConfig names the voice.
type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voice_name"`
}

// Content is a list of parts forming one instruction or turn.
type Content struct {
	Parts []TextPart `json:"parts"`
}

// TextPart is a plain text fragment.
type TextPart struct {
	Text string `json:"text"`
}

// RealtimeInputMessage carries streaming media. With an empty MediaChunks it
// doubles as the explicit end-of-turn marker.
type RealtimeInputMessage struct {
	RealtimeInput RealtimeInput `json:"realtime_input"`
}

// RealtimeInput is the realtime media payload.
type RealtimeInput struct {
	MediaChunks []MediaChunk `json:"media_chunks,omitempty"`
}

// MediaChunk is one base64-encoded media fragment.
type MediaChunk struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// InterruptMessage asks the model to stop the in-progress response.
type InterruptMessage struct {
	Interrupt struct{} `json:"interrupt"`
}

// Inbound wire shapes. The service emits camelCase on this surface.

// ServerMessage is one inbound event from the service.
type ServerMessage struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *ServerContent `json:"serverContent,omitempty"`
}

// ServerContent carries model output and turn boundaries.
type ServerContent struct {
	ModelTurn    *ModelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

// ModelTurn is an in-progress model response.
type ModelTurn struct {
	Parts []ServerPart `json:"parts"`
}

// ServerPart is one fragment of a model turn: plain text or inline
// base64-encoded data.
type ServerPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

// InlineData is a base64-encoded payload with its mime type.
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}
