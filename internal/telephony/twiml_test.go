package telephony_test

import (
	"encoding/xml"
	"strings"
	"testing"

	"github.com/MrWong99/voxbridge/internal/telephony"
)

func TestConnectStreamTwiML_WithGreeting(t *testing.T) {
	t.Parallel()
	doc, err := telephony.ConnectStreamTwiML("Hello caller", "wss://example.com/media-stream")
	if err != nil {
		t.Fatalf("ConnectStreamTwiML() error: %v", err)
	}

	s := string(doc)
	if !strings.HasPrefix(s, xml.Header) {
		t.Error("document should start with the XML header")
	}
	if !strings.Contains(s, "<Say>Hello caller</Say>") {
		t.Errorf("missing greeting Say verb:\n%s", s)
	}
	if !strings.Contains(s, `<Pause length="1"`) {
		t.Errorf("missing pause after greeting:\n%s", s)
	}
	if !strings.Contains(s, `<Stream url="wss://example.com/media-stream"`) {
		t.Errorf("missing stream URL:\n%s", s)
	}

	// The Say verb must come before Connect so the caller hears the
	// greeting before media starts.
	if strings.Index(s, "<Say>") > strings.Index(s, "<Connect>") {
		t.Errorf("greeting must precede the stream connection:\n%s", s)
	}
}

func TestConnectStreamTwiML_NoGreeting(t *testing.T) {
	t.Parallel()
	doc, err := telephony.ConnectStreamTwiML("", "wss://example.com/media-stream")
	if err != nil {
		t.Fatalf("ConnectStreamTwiML() error: %v", err)
	}

	s := string(doc)
	if strings.Contains(s, "<Say>") || strings.Contains(s, "<Pause") {
		t.Errorf("empty greeting must not render Say or Pause:\n%s", s)
	}
	if !strings.Contains(s, "<Connect>") {
		t.Errorf("missing Connect verb:\n%s", s)
	}
}

func TestConnectStreamTwiML_IsWellFormed(t *testing.T) {
	t.Parallel()
	doc, err := telephony.ConnectStreamTwiML("Hi & welcome", "wss://example.com/media-stream?x=1&y=2")
	if err != nil {
		t.Fatalf("ConnectStreamTwiML() error: %v", err)
	}

	var parsed struct {
		XMLName xml.Name `xml:"Response"`
		Say     string   `xml:"Say"`
		Connect struct {
			Stream struct {
				URL string `xml:"url,attr"`
			} `xml:"Stream"`
		} `xml:"Connect"`
	}
	if err := xml.Unmarshal(doc, &parsed); err != nil {
		t.Fatalf("document is not well-formed XML: %v\n%s", err, doc)
	}
	if parsed.Say != "Hi & welcome" {
		t.Errorf("Say = %q, want escaped ampersand round-trip", parsed.Say)
	}
	if parsed.Connect.Stream.URL != "wss://example.com/media-stream?x=1&y=2" {
		t.Errorf("Stream url = %q", parsed.Connect.Stream.URL)
	}
}
