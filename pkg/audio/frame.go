// Package audio defines the audio frame type exchanged between the telephony
// and backend legs of a call, and the codec for the wire representation of a
// single frame.
//
// The relay assumes 8-bit companded mono telephony audio (G.711 μ-law at
// 8 kHz). Frames whose declared media format deviates from that are rejected
// with a [DecodeError] rather than silently forwarded.
package audio

import (
	"encoding/base64"
	"fmt"
)

// Telephony media-stream format constants.
const (
	// EncodingMulaw is the μ-law encoding identifier used by telephony
	// media streams (8-bit companded samples).
	EncodingMulaw = "audio/x-mulaw"

	// SampleRate is the telephony sample rate in Hz.
	SampleRate = 8000

	// Channels is the telephony channel count (mono).
	Channels = 1
)

// AudioFrame is a single chunk of call audio. Payload holds raw μ-law bytes;
// Timestamp is the source-side capture timestamp in milliseconds, relative to
// stream start. Frames are immutable once constructed.
type AudioFrame struct {
	Payload   []byte
	Timestamp uint64
}

// Format describes the media format declared by the telephony side when a
// stream starts.
type Format struct {
	Encoding   string
	SampleRate int
	Channels   int
}

// MulawFormat is the only format the relay accepts.
var MulawFormat = Format{Encoding: EncodingMulaw, SampleRate: SampleRate, Channels: Channels}

// DecodeErrorKind classifies why a frame or format was rejected.
type DecodeErrorKind string

const (
	// BadFormat means the declared media format is not 8-bit companded mono.
	BadFormat DecodeErrorKind = "bad_format"

	// BadPayload means the frame payload could not be decoded (invalid
	// base64 or empty).
	BadPayload DecodeErrorKind = "bad_payload"
)

// DecodeError reports a rejected frame or media format.
type DecodeError struct {
	Kind DecodeErrorKind
	Err  error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("audio: decode (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("audio: decode (%s)", e.Kind)
}

// Unwrap returns the underlying cause, if any.
func (e *DecodeError) Unwrap() error { return e.Err }

// Validate checks f against [MulawFormat]. A zero value in f is treated as
// "unspecified" and accepted, since some telephony peers omit individual
// format fields.
func (f Format) Validate() error {
	if f.Encoding != "" && f.Encoding != EncodingMulaw {
		return &DecodeError{Kind: BadFormat, Err: fmt.Errorf("encoding %q, want %q", f.Encoding, EncodingMulaw)}
	}
	if f.SampleRate != 0 && f.SampleRate != SampleRate {
		return &DecodeError{Kind: BadFormat, Err: fmt.Errorf("sample rate %d, want %d", f.SampleRate, SampleRate)}
	}
	if f.Channels != 0 && f.Channels != Channels {
		return &DecodeError{Kind: BadFormat, Err: fmt.Errorf("%d channels, want %d", f.Channels, Channels)}
	}
	return nil
}

// DecodePayload decodes a base64 wire payload into an [AudioFrame] with the
// given timestamp. Empty or malformed payloads yield a [DecodeError].
func DecodePayload(payload string, timestamp uint64) (AudioFrame, error) {
	if payload == "" {
		return AudioFrame{}, &DecodeError{Kind: BadPayload, Err: fmt.Errorf("empty payload")}
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return AudioFrame{}, &DecodeError{Kind: BadPayload, Err: err}
	}
	if len(data) == 0 {
		return AudioFrame{}, &DecodeError{Kind: BadPayload, Err: fmt.Errorf("empty payload")}
	}
	return AudioFrame{Payload: data, Timestamp: timestamp}, nil
}

// EncodePayload encodes raw μ-law bytes into the base64 wire representation.
func EncodePayload(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
