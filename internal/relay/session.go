package relay

import "sync"

// Session is the per-call mutable record shared by the two relay pumps. It
// tracks the active telephony stream, the running inbound audio clock, the
// assistant utterance currently playing out, and the FIFO of playback-marker
// tokens awaiting acknowledgement.
//
// All methods are safe for concurrent use and never block on I/O: every
// mutator acquires one internal mutex, mutates plain fields, and returns.
// Keeping all shared call state behind this single boundary is what makes the
// orchestrator's concurrency reasoning tractable.
type Session struct {
	mu sync.Mutex

	// streamID is the identifier assigned by the telephony side when the
	// media stream starts. Empty until then.
	streamID string

	// latestInbound is the highest inbound media timestamp observed on the
	// current stream, in milliseconds.
	latestInbound uint64

	// activeItem identifies the assistant utterance currently being streamed
	// to the telephony leg. Empty when none is in flight.
	activeItem string

	// outboundStart is the latestInbound value captured when activeItem
	// began playing out. Only meaningful while activeItem is set.
	outboundStart uint64

	// pendingMarkers holds marker tokens sent to the telephony leg, in send
	// order. Acks must arrive in the same order.
	pendingMarkers []string
}

// NewSession returns an empty Session for one call.
func NewSession() *Session {
	return &Session{}
}

// StartStream records a new telephony stream identifier and resets the
// inbound clock, the active utterance, and the marker queue. A stream restart
// mid-call discards all bookkeeping from the previous stream.
func (s *Session) StartStream(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamID = id
	s.latestInbound = 0
	s.activeItem = ""
	s.outboundStart = 0
	s.pendingMarkers = s.pendingMarkers[:0]
}

// ObserveInbound updates the inbound clock with the timestamp of a received
// media frame. Timestamps are monotonically non-decreasing within one stream;
// a regression is ignored so the clock never runs backwards.
func (s *Session) ObserveInbound(timestamp uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timestamp > s.latestInbound {
		s.latestInbound = timestamp
	}
}

// BeginOutboundItem marks itemID as the utterance now playing out and pins
// the current inbound clock as its playback start.
func (s *Session) BeginOutboundItem(itemID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeItem = itemID
	s.outboundStart = s.latestInbound
}

// EndOutboundItem clears the active utterance, either because the turn
// completed or because it was truncated after a barge-in.
func (s *Session) EndOutboundItem() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeItem = ""
	s.outboundStart = 0
}

// EnqueueMarker appends a playback-marker token to the pending FIFO.
func (s *Session) EnqueueMarker(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingMarkers = append(s.pendingMarkers, token)
}

// AckMarker removes token from the head of the pending FIFO. It returns false
// and leaves the queue unchanged when token does not match the head (or the
// queue is empty): markers are acknowledged strictly in send order, so a
// mismatch is a protocol violation the caller logs and ignores.
func (s *Session) AckMarker(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pendingMarkers) == 0 || s.pendingMarkers[0] != token {
		return false
	}
	s.pendingMarkers = s.pendingMarkers[1:]
	return true
}

// StreamID returns the current telephony stream identifier, or "" before the
// stream has started.
func (s *Session) StreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamID
}

// LatestInbound returns the inbound clock in milliseconds.
func (s *Session) LatestInbound() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestInbound
}

// ActiveItem returns the identifier of the utterance currently playing out,
// or "" when none is in flight.
func (s *Session) ActiveItem() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeItem
}

// PendingMarkers returns a copy of the outstanding marker tokens in send
// order.
func (s *Session) PendingMarkers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.pendingMarkers))
	copy(out, s.pendingMarkers)
	return out
}

// PlayedMS reports how many milliseconds of the active utterance the caller
// has heard so far: the distance the inbound clock has travelled since the
// utterance began, clamped to zero. Returns 0 when no utterance is active.
func (s *Session) PlayedMS() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeItem == "" || s.latestInbound < s.outboundStart {
		return 0
	}
	return s.latestInbound - s.outboundStart
}
