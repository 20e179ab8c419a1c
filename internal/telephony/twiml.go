package telephony

import (
	"encoding/xml"
	"fmt"
)

// TwiML document types for the call-setup webhook response. Only the verbs
// the relay needs are modelled: an optional spoken greeting followed by a
// <Connect><Stream> pointing the telephony side at the media-stream endpoint.

type voiceResponse struct {
	XMLName xml.Name `xml:"Response"`
	Say     []say
	Pause   *pause
	Connect connect
}

type say struct {
	XMLName xml.Name `xml:"Say"`
	Text    string   `xml:",chardata"`
}

type pause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr"`
}

type connect struct {
	XMLName xml.Name `xml:"Connect"`
	Stream  stream
}

type stream struct {
	XMLName xml.Name `xml:"Stream"`
	URL     string   `xml:"url,attr"`
}

// ConnectStreamTwiML renders the webhook response that tells the telephony
// side to open its media stream against streamURL. A non-empty greeting is
// spoken before the stream connects, followed by a one second pause so the
// caller is not clipped.
func ConnectStreamTwiML(greeting, streamURL string) ([]byte, error) {
	resp := voiceResponse{
		Connect: connect{Stream: stream{URL: streamURL}},
	}
	if greeting != "" {
		resp.Say = []say{{Text: greeting}}
		resp.Pause = &pause{Length: 1}
	}

	body, err := xml.MarshalIndent(resp, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("telephony: render twiml: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
