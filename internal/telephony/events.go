// Package telephony terminates the call-leg side of a relay: the persistent
// websocket a telephony media stream opens against the server. It decodes the
// provider's JSON envelopes into a closed event union consumed by the relay's
// inbound pump, and encodes outbound audio and playback markers back into the
// same envelope shape.
//
// The package performs framing only. Protocol interpretation (what a marker
// ack means, when to drain) lives in the relay package.
package telephony

import (
	"github.com/MrWong99/voxbridge/pkg/audio"
)

// Event is the closed union of inbound call-leg events. The relay's inbound
// pump switches over the concrete types; adding a variant requires touching
// that switch, which is the point.
type Event interface {
	isEvent()
}

// StreamStarted signals that the telephony side opened a media stream and
// assigned it an identifier. Format carries the declared media format, which
// has already been validated against [audio.MulawFormat].
type StreamStarted struct {
	ID     string
	CallID string
	Format audio.Format
}

// MediaFrame carries one decoded inbound audio frame.
type MediaFrame struct {
	Frame audio.AudioFrame
}

// MarkerAcked signals that the telephony side finished playing all audio sent
// before the named marker.
type MarkerAcked struct {
	Token string
}

// StreamStopped signals that the telephony side ended the media stream.
type StreamStopped struct{}

func (StreamStarted) isEvent() {}
func (MediaFrame) isEvent()    {}
func (MarkerAcked) isEvent()   {}
func (StreamStopped) isEvent() {}

// ── Wire envelopes ─────────────────────────────────────────────────────────────

// Inbound and outbound messages share one envelope shape:
// {"event": "...", "streamSid": "...", "media": {...}, "mark": {...}}.
// Numeric fields arrive as JSON strings.
type envelope struct {
	Event          string        `json:"event"`
	StreamSid      string        `json:"streamSid,omitempty"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	Start          *startPayload `json:"start,omitempty"`
	Media          *mediaPayload `json:"media,omitempty"`
	Mark           *markPayload  `json:"mark,omitempty"`
}

type startPayload struct {
	StreamSid   string      `json:"streamSid"`
	CallSid     string      `json:"callSid"`
	MediaFormat mediaFormat `json:"mediaFormat"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}
