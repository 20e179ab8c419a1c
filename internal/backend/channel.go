package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxbridge/internal/token"
	"github.com/MrWong99/voxbridge/pkg/audio"
)

// ErrClosed is returned by send methods after the channel has closed.
var ErrClosed = errors.New("backend: channel closed")

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// eventBuf is the buffer depth of the decoded event channel.
	eventBuf = 64
)

// Config describes one backend session. Voice, Instructions, Temperature and
// TurnDetection are passed through to the backend opaquely; the audio format
// is always μ-law because that is what the call leg speaks.
type Config struct {
	// Model selects the realtime model. Empty means the package default.
	Model string

	// BaseURL overrides the websocket endpoint. Primarily used in tests.
	BaseURL string

	// Credentials supplies the bearer token for the connection.
	Credentials token.Supplier

	// Voice is the backend voice identifier (e.g. "alloy").
	Voice string

	// Instructions is the system persona prompt.
	Instructions string

	// Temperature is the sampling temperature; 0 means backend default.
	Temperature float64

	// TurnDetection selects the backend's turn-detection mode. Empty means
	// "server_vad".
	TurnDetection string

	// TurnThreshold and TurnSilenceMs tune server-side turn detection.
	// Zero values are omitted from the session configuration.
	TurnThreshold float64
	TurnSilenceMs int
}

// Channel is one live backend connection. Events delivers decoded backend
// events in arrival order until the connection dies, then closes. AppendAudio
// and RequestTruncate are safe for concurrent use with each other and with
// Close.
type Channel struct {
	conn *websocket.Conn
	log  *slog.Logger

	events chan Event

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Dial connects to the backend, sends the initial session configuration, and
// starts decoding events. The session is not usable until the backend
// acknowledges the configuration with a [SessionReady] event; awaiting that
// acknowledgement is the relay's job.
func Dial(ctx context.Context, cfg Config) (*Channel, error) {
	if cfg.Credentials == nil {
		return nil, errors.New("backend: no credential supplier")
	}
	cred, err := cfg.Credentials.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("backend: credential: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	wsURL := fmt.Sprintf("%s?model=%s", baseURL, model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + cred},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("backend: dial: %w", err)
	}

	chanCtx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		conn:   conn,
		log:    slog.With("component", "backend"),
		events: make(chan Event, eventBuf),
		ctx:    chanCtx,
		cancel: cancel,
	}

	if err := c.sendSessionUpdate(cfg); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("backend: session update: %w", err)
	}

	go c.readLoop()

	return c, nil
}

// sendSessionUpdate configures audio formats, turn detection and persona.
func (c *Channel) sendSessionUpdate(cfg Config) error {
	td := &turnDetection{
		Type:              cfg.TurnDetection,
		Threshold:         cfg.TurnThreshold,
		SilenceDurationMs: cfg.TurnSilenceMs,
	}
	if td.Type == "" {
		td.Type = "server_vad"
	}

	params := sessionParams{
		Modalities:        []string{"text", "audio"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "g711_ulaw",
		OutputAudioFormat: "g711_ulaw",
		TurnDetection:     td,
		Temperature:       cfg.Temperature,
	}
	return c.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// Events returns the decoded event stream. The channel closes when the
// connection terminates; check [Channel.Err] afterwards to distinguish a
// clean close from a fault.
func (c *Channel) Events() <-chan Event { return c.events }

// readLoop reads backend messages until the connection dies. It owns c.events
// and closes it on exit. A decode failure on one message skips that message
// only; connection-level failures terminate the stream.
func (c *Channel) readLoop() {
	defer close(c.events)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.setErr(err)
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			c.log.Warn("skipping malformed backend message", "err", err)
			continue
		}

		decoded := c.translate(&evt)
		if decoded == nil {
			continue
		}

		select {
		case c.events <- decoded:
		case <-c.ctx.Done():
			return
		}
	}
}

// translate maps one wire event to the Event union. A nil return means the
// event is skipped.
func (c *Channel) translate(evt *serverEvent) Event {
	switch evt.Type {
	case "session.created", "session.updated":
		return SessionReady{}

	case "input_audio_buffer.speech_started":
		return SpeechStarted{}

	case "input_audio_buffer.speech_stopped":
		return SpeechStopped{}

	case "response.audio.delta":
		if evt.Delta == "" {
			return nil
		}
		data, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(data) == 0 {
			c.log.Warn("skipping undecodable audio delta", "item_id", evt.ItemID, "err", err)
			return nil
		}
		return AudioDelta{ItemID: evt.ItemID, Payload: data}

	case "response.done":
		return TurnDone{}

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		return ErrorEvent{Message: msg}

	default:
		c.log.Debug("ignoring backend event", "type", evt.Type)
		return nil
	}
}

// AppendAudio streams one inbound call frame to the backend's input buffer.
func (c *Channel) AppendAudio(frame audio.AudioFrame) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: audio.EncodePayload(frame.Payload),
	})
}

// RequestTruncate tells the backend how many milliseconds of itemID's audio
// the caller actually heard before an interruption, so the backend can
// reconcile its transcript with reality.
func (c *Channel) RequestTruncate(itemID string, playedMS uint64) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.writeJSON(truncateItemMessage{
		Type:       "conversation.item.truncate",
		ItemID:     itemID,
		AudioEndMs: playedMS,
	})
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("backend: marshal: %w", err)
	}
	if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("backend: write: %w", err)
	}
	return nil
}

func (c *Channel) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}

// Err returns the first error that terminated the connection, or nil after a
// clean close.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close releases the underlying connection and unblocks the read loop.
// Idempotent.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()
		_ = c.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
