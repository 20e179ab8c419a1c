// Package relay bridges one telephony call leg to one speech-backend session.
//
// A [Relay] owns the per-call [Session] state and runs two concurrent pumps:
// the inbound pump forwards caller audio from the call leg to the backend,
// the outbound pump forwards synthesized audio from the backend to the call
// leg. The pumps are independently paced and never block each other; the only
// coupling between them is the Session, whose mutators serialize behind one
// mutex and never perform I/O.
//
// The relay's defining correctness property is barge-in reconciliation: when
// the caller starts speaking while an assistant utterance is still playing
// out, the relay computes how much of that utterance was actually heard
// (inbound clock distance since playback began, tracked via playback markers
// round-tripped through the call leg) and tells the backend to truncate the
// utterance at that point. Without this the backend believes the caller heard
// everything, and the assistant talks over itself after every interruption.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxbridge/internal/backend"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/telephony"
	"github.com/MrWong99/voxbridge/pkg/audio"
)

// ErrSetupTimeout is returned by [Relay.Run] when the backend never
// acknowledges the session configuration within the negotiation timeout.
var ErrSetupTimeout = errors.New("relay: backend setup timed out")

// BackendError wraps an explicit error event reported by the backend. It is
// delivered to the registered error handler and does not by itself end the
// call.
type BackendError struct {
	Message string
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	return fmt.Sprintf("relay: backend error: %s", e.Message)
}

const (
	defaultNegotiateTimeout = 10 * time.Second
	defaultDrainGrace       = 5 * time.Second
)

// State is the relay lifecycle phase.
type State int32

const (
	// StateIdle means Run has not been called yet.
	StateIdle State = iota

	// StateNegotiating means the backend session configuration is awaiting
	// acknowledgement.
	StateNegotiating

	// StateActive means both channels are live and the pumps are running.
	StateActive

	// StateDraining means one side has terminated and the relay is flushing
	// the other within a bounded grace period.
	StateDraining

	// StateClosed is terminal: both channels are closed.
	StateClosed
)

// String returns the lowercase phase name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// CallLeg is the telephony side of a relay, satisfied by
// [telephony.Channel].
type CallLeg interface {
	Events() <-chan telephony.Event
	SendAudio(frame audio.AudioFrame) error
	SendMark(token string) error
	Err() error
	Close() error
}

// Backend is the speech-backend side of a relay, satisfied by
// [backend.Channel].
type Backend interface {
	Events() <-chan backend.Event
	AppendAudio(frame audio.AudioFrame) error
	RequestTruncate(itemID string, playedMS uint64) error
	Err() error
	Close() error
}

// Compile-time assertions that the real channels satisfy the relay's views.
var _ CallLeg = (*telephony.Channel)(nil)
var _ Backend = (*backend.Channel)(nil)

// Option is a functional option for configuring a [Relay].
type Option func(*Relay)

// WithNegotiateTimeout bounds how long the relay waits for the backend's
// session acknowledgement. The default is 10 seconds.
func WithNegotiateTimeout(d time.Duration) Option {
	return func(r *Relay) { r.negotiateTimeout = d }
}

// WithDrainGrace bounds how long the surviving channel may keep working after
// the other side terminates, before the relay forces closure. The default is
// 5 seconds.
func WithDrainGrace(d time.Duration) Option {
	return func(r *Relay) { r.drainGrace = d }
}

// WithErrorHandler registers a callback for non-fatal backend error events.
// The callback runs on the outbound pump goroutine and must not block.
func WithErrorHandler(handler func(error)) Option {
	return func(r *Relay) { r.errorHandler = handler }
}

// WithMetrics wires relay counters into m. A nil m disables instrumentation.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithMarkerMint overrides the marker token generator. Used in tests to make
// tokens predictable.
func WithMarkerMint(mint func() string) Option {
	return func(r *Relay) { r.mintMarker = mint }
}

// WithStreamStartFunc registers a callback invoked once the call leg announces
// its media stream, with the stream and call identifiers. The callback runs on
// the inbound pump goroutine and must not block.
func WithStreamStartFunc(fn func(streamSID, callSID string)) Option {
	return func(r *Relay) { r.onStreamStart = fn }
}

// Relay wires one CallLeg to one Backend for the lifetime of a call. Create
// with [New], drive with [Run]. A Relay is single-use.
type Relay struct {
	leg CallLeg
	be  Backend

	sess *Session
	log  *slog.Logger

	negotiateTimeout time.Duration
	drainGrace       time.Duration
	errorHandler     func(error)
	metrics          *observe.Metrics
	mintMarker       func() string
	onStreamStart    func(streamSID, callSID string)

	state atomic.Int32

	// supersededItem is the id of the last utterance cut short by a
	// barge-in. Deltas still in flight for it are dropped. Only the
	// outbound pump touches this field.
	supersededItem string

	drainOnce sync.Once
	closeOnce sync.Once
}

// New creates a Relay over the given channels. The relay takes ownership of
// both: Run closes them before returning.
func New(leg CallLeg, be Backend, opts ...Option) *Relay {
	r := &Relay{
		leg:              leg,
		be:               be,
		sess:             NewSession(),
		log:              slog.With("component", "relay"),
		negotiateTimeout: defaultNegotiateTimeout,
		drainGrace:       defaultDrainGrace,
		mintMarker:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Session returns the relay's session state. Exposed for inspection; all
// mutation happens inside the pumps.
func (r *Relay) Session() *Session { return r.sess }

// State returns the current lifecycle phase.
func (r *Relay) State() State { return State(r.state.Load()) }

func (r *Relay) setState(s State) {
	old := State(r.state.Swap(int32(s)))
	if old != s {
		r.log.Debug("state transition", "from", old, "to", s)
	}
}

// Run drives the relay through its lifecycle: negotiate the backend session,
// pump both directions until either side terminates, drain, and close both
// channels. It blocks until the call is fully torn down and returns the
// first fatal error, or nil when the call ended cleanly.
func (r *Relay) Run(ctx context.Context) error {
	defer r.closeChannels()
	defer r.setState(StateClosed)

	r.setState(StateNegotiating)
	if err := r.negotiate(ctx); err != nil {
		return err
	}
	r.setState(StateActive)

	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The first pump to exit flips the relay into Draining and arms the
	// grace timer; when it fires, both channels are force-closed, which
	// unblocks a pump parked on a read or a write.
	var graceTimer *time.Timer
	defer func() {
		if graceTimer != nil {
			graceTimer.Stop()
		}
	}()
	beginDrain := func() {
		r.drainOnce.Do(func() {
			if r.State() == StateActive {
				r.setState(StateDraining)
			}
			graceTimer = time.AfterFunc(r.drainGrace, func() {
				cancel()
				r.closeChannels()
			})
		})
	}

	g, gctx := errgroup.WithContext(pumpCtx)
	g.Go(func() error {
		defer beginDrain()
		return r.inboundPump(gctx)
	})
	g.Go(func() error {
		defer beginDrain()
		return r.outboundPump(gctx)
	})

	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return err
}

// negotiate waits for the backend to acknowledge the session configuration.
// Inbound call-leg events accumulate in the channel buffer meanwhile and are
// processed once the pumps start.
func (r *Relay) negotiate(ctx context.Context) error {
	timer := time.NewTimer(r.negotiateTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-timer.C:
			return ErrSetupTimeout

		case evt, ok := <-r.be.Events():
			if !ok {
				if err := r.be.Err(); err != nil {
					return fmt.Errorf("relay: backend closed during setup: %w", err)
				}
				return errors.New("relay: backend closed during setup")
			}
			switch e := evt.(type) {
			case backend.SessionReady:
				return nil
			case backend.ErrorEvent:
				// Not necessarily fatal; the timeout still bounds setup.
				r.reportBackendError(e)
			default:
				r.log.Debug("dropping pre-ready backend event", "event", fmt.Sprintf("%T", e))
			}
		}
	}
}

// inboundPump consumes call-leg events in arrival order: caller audio is
// appended to the backend, marker acks settle the pending FIFO, and a stream
// stop drives the relay toward Draining.
func (r *Relay) inboundPump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-r.leg.Events():
			if !ok {
				if err := r.leg.Err(); err != nil {
					return fmt.Errorf("relay: call leg: %w", err)
				}
				return nil
			}

			switch e := evt.(type) {
			case telephony.StreamStarted:
				r.sess.StartStream(e.ID)
				r.log.Info("media stream started", "stream_id", e.ID, "call_id", e.CallID)
				if r.onStreamStart != nil {
					r.onStreamStart(e.ID, e.CallID)
				}

			case telephony.MediaFrame:
				r.sess.ObserveInbound(e.Frame.Timestamp)
				if err := r.be.AppendAudio(e.Frame); err != nil {
					return fmt.Errorf("relay: append audio: %w", err)
				}
				r.countInboundFrame()

			case telephony.MarkerAcked:
				if !r.sess.AckMarker(e.Token) {
					r.log.Warn("marker ack does not match pending head", "token", e.Token)
					r.countProtocolWarning()
				}

			case telephony.StreamStopped:
				r.log.Info("media stream stopped", "stream_id", r.sess.StreamID())
				return nil
			}
		}
	}
}

// outboundPump consumes backend events in arrival order: synthesized audio is
// forwarded to the call leg with a fresh playback marker per chunk, and a
// speech start while an utterance is in flight is handled as a barge-in.
func (r *Relay) outboundPump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-r.be.Events():
			if !ok {
				if err := r.be.Err(); err != nil {
					return fmt.Errorf("relay: backend: %w", err)
				}
				return nil
			}

			switch e := evt.(type) {
			case backend.SessionReady:
				// Configuration re-acks after negotiation carry no new state.

			case backend.SpeechStarted:
				if err := r.handleBargeIn(); err != nil {
					return err
				}

			case backend.SpeechStopped:
				// Turn detection bookkeeping only; nothing to relay.

			case backend.AudioDelta:
				if err := r.handleAudioDelta(e); err != nil {
					return err
				}

			case backend.TurnDone:
				r.sess.EndOutboundItem()

			case backend.ErrorEvent:
				r.reportBackendError(e)
			}
		}
	}
}

// handleBargeIn runs when the caller starts speaking. If an assistant
// utterance is still playing out, the backend is told exactly how much of it
// was heard and the remainder of the utterance is dropped.
func (r *Relay) handleBargeIn() error {
	item := r.sess.ActiveItem()
	if item == "" {
		return nil
	}

	played := r.sess.PlayedMS()
	if err := r.be.RequestTruncate(item, played); err != nil {
		return fmt.Errorf("relay: truncate %s: %w", item, err)
	}
	r.sess.EndOutboundItem()
	r.supersededItem = item
	r.countBargeIn()
	r.log.Info("barge-in: truncated assistant utterance", "item_id", item, "played_ms", played)
	return nil
}

// handleAudioDelta forwards one chunk of assistant audio to the call leg and
// requests a playback marker for it. Chunks belonging to an utterance that a
// barge-in already cut short are dropped.
func (r *Relay) handleAudioDelta(e backend.AudioDelta) error {
	if e.ItemID != "" && e.ItemID == r.supersededItem {
		r.log.Debug("dropping audio for superseded item", "item_id", e.ItemID)
		return nil
	}

	if e.ItemID != "" {
		switch active := r.sess.ActiveItem(); active {
		case e.ItemID:
			// Continuation of the current utterance.
		case "":
			r.sess.BeginOutboundItem(e.ItemID)
		default:
			// Item succession without an intervening turn-done event.
			r.log.Debug("assistant item changed mid-turn", "old", active, "new", e.ItemID)
			r.sess.EndOutboundItem()
			r.sess.BeginOutboundItem(e.ItemID)
		}
	}

	if err := r.leg.SendAudio(audio.AudioFrame{Payload: e.Payload}); err != nil {
		return fmt.Errorf("relay: send audio: %w", err)
	}

	token := r.mintMarker()
	r.sess.EnqueueMarker(token)
	if err := r.leg.SendMark(token); err != nil {
		return fmt.Errorf("relay: send marker: %w", err)
	}
	r.countOutboundChunk()
	return nil
}

func (r *Relay) reportBackendError(e backend.ErrorEvent) {
	r.log.Error("backend reported error", "message", e.Message)
	r.countBackendError()
	if r.errorHandler != nil {
		r.errorHandler(&BackendError{Message: e.Message})
	}
}

// closeChannels tears down both legs. Idempotent; guarantees no connection
// outlives the relay.
func (r *Relay) closeChannels() {
	r.closeOnce.Do(func() {
		if err := r.be.Close(); err != nil {
			r.log.Warn("backend close error", "err", err)
		}
		if err := r.leg.Close(); err != nil {
			r.log.Warn("call leg close error", "err", err)
		}
	})
}

// ── Metrics helpers (nil-safe) ─────────────────────────────────────────────────

func (r *Relay) countInboundFrame() {
	if r.metrics != nil {
		r.metrics.InboundFrames.Add(context.Background(), 1)
	}
}

func (r *Relay) countOutboundChunk() {
	if r.metrics != nil {
		r.metrics.OutboundChunks.Add(context.Background(), 1)
	}
}

func (r *Relay) countBargeIn() {
	if r.metrics != nil {
		r.metrics.BargeIns.Add(context.Background(), 1)
	}
}

func (r *Relay) countProtocolWarning() {
	if r.metrics != nil {
		r.metrics.ProtocolWarnings.Add(context.Background(), 1)
	}
}

func (r *Relay) countBackendError() {
	if r.metrics != nil {
		r.metrics.BackendErrors.Add(context.Background(), 1)
	}
}
