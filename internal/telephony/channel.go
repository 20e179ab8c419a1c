package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

// ErrClosed is returned by send methods after the channel has closed.
var ErrClosed = errors.New("telephony: channel closed")

// eventBuf is the buffer depth of the inbound event channel. It absorbs the
// media frames that arrive while the relay is still negotiating its backend
// connection.
const eventBuf = 64

// Channel is one accepted call-leg connection. Events delivers inbound
// events in arrival order until the connection dies, then closes; a closed
// channel is not restartable. SendAudio and SendMark are safe for concurrent
// use with each other and with Close.
type Channel struct {
	conn *websocket.Conn
	log  *slog.Logger

	events chan Event

	mu        sync.Mutex
	streamSid string
	errVal    error
	closed    bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Accept upgrades r to a websocket and starts reading media-stream envelopes.
// The caller owns the returned Channel and must call Close when done.
func Accept(w http.ResponseWriter, r *http.Request) (*Channel, error) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("telephony: accept: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		conn:   conn,
		log:    slog.With("component", "telephony"),
		events: make(chan Event, eventBuf),
		ctx:    ctx,
		cancel: cancel,
	}

	go c.readLoop()

	return c, nil
}

// Events returns the inbound event stream. The channel closes when the
// connection terminates; check [Channel.Err] afterwards to distinguish a
// clean close from a fault.
func (c *Channel) Events() <-chan Event { return c.events }

// readLoop reads envelopes until the connection dies. It owns c.events and
// closes it on exit.
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

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("skipping malformed envelope", "err", err)
			continue
		}

		evt, fatal := c.translate(&env)
		if fatal != nil {
			c.setErr(fatal)
			return
		}
		if evt == nil {
			continue
		}

		select {
		case c.events <- evt:
		case <-c.ctx.Done():
			return
		}
	}
}

// translate maps one envelope to an Event. A nil, nil return means the
// envelope is skipped. A non-nil fatal error terminates the stream.
func (c *Channel) translate(env *envelope) (Event, error) {
	switch env.Event {
	case "connected":
		// Handshake preamble, carries no call state.
		return nil, nil

	case "start":
		if env.Start == nil {
			c.log.Warn("start envelope without start payload")
			return nil, nil
		}
		format := audio.Format{
			Encoding:   env.Start.MediaFormat.Encoding,
			SampleRate: env.Start.MediaFormat.SampleRate,
			Channels:   env.Start.MediaFormat.Channels,
		}
		if err := format.Validate(); err != nil {
			return nil, fmt.Errorf("telephony: stream %s: %w", env.Start.StreamSid, err)
		}
		c.mu.Lock()
		c.streamSid = env.Start.StreamSid
		c.mu.Unlock()
		return StreamStarted{ID: env.Start.StreamSid, CallID: env.Start.CallSid, Format: format}, nil

	case "media":
		if env.Media == nil {
			c.log.Warn("media envelope without media payload")
			return nil, nil
		}
		ts, err := strconv.ParseUint(env.Media.Timestamp, 10, 64)
		if err != nil {
			c.log.Warn("skipping media frame with bad timestamp", "timestamp", env.Media.Timestamp, "err", err)
			return nil, nil
		}
		frame, err := audio.DecodePayload(env.Media.Payload, ts)
		if err != nil {
			c.log.Warn("skipping undecodable media frame", "err", err)
			return nil, nil
		}
		return MediaFrame{Frame: frame}, nil

	case "mark":
		if env.Mark == nil {
			c.log.Warn("mark envelope without mark payload")
			return nil, nil
		}
		return MarkerAcked{Token: env.Mark.Name}, nil

	case "stop":
		return StreamStopped{}, nil

	default:
		c.log.Debug("ignoring unknown envelope", "event", env.Event)
		return nil, nil
	}
}

// SendAudio forwards one outbound audio frame to the telephony leg. It fails
// when the channel is closed or no stream has started yet.
func (c *Channel) SendAudio(frame audio.AudioFrame) error {
	sid, err := c.sendableStream()
	if err != nil {
		return err
	}
	return c.writeJSON(envelope{
		Event:     "media",
		StreamSid: sid,
		Media:     &mediaPayload{Payload: audio.EncodePayload(frame.Payload)},
	})
}

// SendMark requests a playback-position acknowledgement for token.
func (c *Channel) SendMark(token string) error {
	sid, err := c.sendableStream()
	if err != nil {
		return err
	}
	return c.writeJSON(envelope{
		Event:     "mark",
		StreamSid: sid,
		Mark:      &markPayload{Name: token},
	})
}

func (c *Channel) sendableStream() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrClosed
	}
	if c.streamSid == "" {
		return "", fmt.Errorf("telephony: no media stream started")
	}
	return c.streamSid, nil
}

func (c *Channel) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("telephony: marshal: %w", err)
	}
	if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("telephony: write: %w", err)
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
		_ = c.conn.Close(websocket.StatusNormalClosure, "call ended")
	})
	return nil
}
