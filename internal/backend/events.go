// Package backend terminates the speech-backend side of a relay: a websocket
// connection to the realtime conversational speech API. Inbound call audio is
// appended to the backend's input buffer as it arrives; backend JSON events
// are decoded into a closed event union consumed by the relay's outbound
// pump.
package backend

// Event is the closed union of decoded backend events. The relay's outbound
// pump switches over the concrete types exhaustively; unknown wire events are
// logged and skipped before reaching this union, so the protocol can evolve
// without breaking the relay.
type Event interface {
	isEvent()
}

// SessionReady signals that the backend acknowledged the session
// configuration and will accept audio.
type SessionReady struct{}

// SpeechStarted signals that the backend's turn detection heard the caller
// start speaking. While an assistant utterance is playing out, this is a
// barge-in.
type SpeechStarted struct{}

// SpeechStopped signals that the backend's turn detection heard the caller
// stop speaking.
type SpeechStopped struct{}

// AudioDelta carries one chunk of synthesized assistant audio. ItemID
// identifies the utterance the chunk belongs to; Payload is raw μ-law bytes,
// already base64-decoded.
type AudioDelta struct {
	ItemID  string
	Payload []byte
}

// TurnDone signals that the backend finished generating the current response.
type TurnDone struct{}

// ErrorEvent carries an explicit error reported by the backend. It does not
// by itself terminate the session.
type ErrorEvent struct {
	Message string
}

func (SessionReady) isEvent()  {}
func (SpeechStarted) isEvent() {}
func (SpeechStopped) isEvent() {}
func (AudioDelta) isEvent()    {}
func (TurnDone) isEvent()      {}
func (ErrorEvent) isEvent()    {}

// ── Wire message types ─────────────────────────────────────────────────────────

// serverEvent is the envelope for incoming backend messages; only the fields
// the relay consumes are declared.
type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta
	Delta  string `json:"delta,omitempty"`
	ItemID string `json:"item_id,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// serverErrorDetail is the nested error object:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string       `json:"modalities,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
	Temperature       float64        `json:"temperature,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded μ-law
}

type truncateItemMessage struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   uint64 `json:"audio_end_ms"`
}
