package audio_test

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

func TestDecodePayload_RoundTrip(t *testing.T) {
	t.Parallel()

	raw := []byte{0x7f, 0xff, 0x00, 0x55}
	frame, err := audio.DecodePayload(audio.EncodePayload(raw), 160)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if !bytes.Equal(frame.Payload, raw) {
		t.Errorf("payload = %x; want %x", frame.Payload, raw)
	}
	if frame.Timestamp != 160 {
		t.Errorf("timestamp = %d; want 160", frame.Timestamp)
	}
}

func TestDecodePayload_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
	}{
		{"empty", ""},
		{"invalid base64", "!!!not-base64!!!"},
		{"decodes to nothing", base64.StdEncoding.EncodeToString(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := audio.DecodePayload(tt.payload, 0)
			var decErr *audio.DecodeError
			if !errors.As(err, &decErr) {
				t.Fatalf("err = %v; want *audio.DecodeError", err)
			}
			if decErr.Kind != audio.BadPayload {
				t.Errorf("kind = %q; want %q", decErr.Kind, audio.BadPayload)
			}
		})
	}
}

func TestFormatValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		format  audio.Format
		wantErr bool
	}{
		{"exact mulaw", audio.MulawFormat, false},
		{"unspecified fields accepted", audio.Format{}, false},
		{"encoding only", audio.Format{Encoding: audio.EncodingMulaw}, false},
		{"wrong encoding", audio.Format{Encoding: "audio/x-l16", SampleRate: 8000, Channels: 1}, true},
		{"wrong sample rate", audio.Format{Encoding: audio.EncodingMulaw, SampleRate: 16000, Channels: 1}, true},
		{"stereo rejected", audio.Format{Encoding: audio.EncodingMulaw, SampleRate: 8000, Channels: 2}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.format.Validate()
			if tt.wantErr {
				var decErr *audio.DecodeError
				if !errors.As(err, &decErr) {
					t.Fatalf("err = %v; want *audio.DecodeError", err)
				}
				if decErr.Kind != audio.BadFormat {
					t.Errorf("kind = %q; want %q", decErr.Kind, audio.BadFormat)
				}
			} else if err != nil {
				t.Fatalf("Validate: %v", err)
			}
		})
	}
}
