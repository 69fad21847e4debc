/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Studygram Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// ---- Wire messages ----
//
// Each message type travels as its own broadcast event on the room
// channel. The set is closed: Send and the inbound dispatcher both
// enumerate it exhaustively, so adding a variant without handling it is a
// compile-time or immediate runtime error rather than a silent drop.

const (
	signalOffer       = "call-offer"
	signalAnswer      = "call-answer"
	signalCandidate   = "ice-candidate"
	signalMuteStatus  = "mute-status"
	signalVideoStatus = "video-status"
	signalScreenState = "screen-status"
)

// Message is one signaling message exchanged between call participants.
// The concrete types are Offer, Answer, IceCandidate, MuteStatus,
// VideoStatus and ScreenStatus; no other implementations exist.
type Message interface {
	signalingMessage()
}

// Offer carries a session description from the initiator to one target.
type Offer struct {
	Sender string `json:"sender"`
	Target string `json:"target"`
	SDP    string `json:"sdp"`
}

// Answer carries the responder's session description back to the offerer.
type Answer struct {
	Sender string `json:"sender"`
	Target string `json:"target"`
	SDP    string `json:"sdp"`
}

// IceCandidate carries one trickled ICE candidate between two peers.
type IceCandidate struct {
	Sender    string                  `json:"sender"`
	Target    string                  `json:"target"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// MuteStatus announces the sender's microphone state to the whole room.
type MuteStatus struct {
	Sender string `json:"sender"`
	Muted  bool   `json:"muted"`
}

// VideoStatus announces the sender's camera state to the whole room.
type VideoStatus struct {
	Sender   string `json:"sender"`
	VideoOff bool   `json:"video_off"`
}

// ScreenStatus announces the sender's screen-share state to the whole
// room.
type ScreenStatus struct {
	Sender  string `json:"sender"`
	Sharing bool   `json:"sharing"`
}

func (Offer) signalingMessage()        {}
func (Answer) signalingMessage()       {}
func (IceCandidate) signalingMessage() {}
func (MuteStatus) signalingMessage()   {}
func (VideoStatus) signalingMessage()  {}
func (ScreenStatus) signalingMessage() {}

// ---- Transport ----

// RoomChannel is the slice of the realtime channel API the signaling
// client needs. *realtime.Channel satisfies it; tests substitute an
// in-memory bus.
type RoomChannel interface {
	Join() error
	Track(meta interface{}) error
	Broadcast(event string, payload interface{}) error
	OnBroadcast(event string, handler func(payload json.RawMessage))
	OnPresenceJoin(handler func(key string, meta map[string]interface{}))
	OnPresenceLeave(handler func(key string))
	Leave() error
}

// RoomTopic returns the realtime topic for a study session's call room.
func RoomTopic(sessionID string) string {
	return "call:" + sessionID
}

// ---- Signaling client ----

// SignalingClient multiplexes call signaling over one room channel. It
// filters out the local participant's own broadcasts and any directed
// message addressed to someone else, so handlers only ever see relevant
// traffic. Handlers run on the channel's delivery goroutine, one frame at
// a time.
type SignalingClient struct {
	channel RoomChannel
	localID string
	logger  Logger

	mu     sync.Mutex
	joined bool
	left   bool

	onPeerJoined  func(id string, state PresenceState)
	onPeerLeft    func(id string)
	onOffer       func(Offer)
	onAnswer      func(Answer)
	onCandidate   func(IceCandidate)
	onMuteStatus  func(MuteStatus)
	onVideoStatus func(VideoStatus)
	onScreenState func(ScreenStatus)
}

// NewSignalingClient creates a signaling client for the local participant
// over the given room channel. Register handlers before calling Join.
func NewSignalingClient(channel RoomChannel, localID string, logger Logger) *SignalingClient {
	return &SignalingClient{
		channel: channel,
		localID: localID,
		logger:  logger,
	}
}

// OnPeerJoined registers the handler for participants appearing in the
// room, with the presence state they announced.
func (s *SignalingClient) OnPeerJoined(handler func(id string, state PresenceState)) {
	s.onPeerJoined = handler
}

// OnPeerLeft registers the handler for participants leaving the room.
func (s *SignalingClient) OnPeerLeft(handler func(id string)) {
	s.onPeerLeft = handler
}

// OnOffer registers the handler for offers addressed to this client.
func (s *SignalingClient) OnOffer(handler func(Offer)) {
	s.onOffer = handler
}

// OnAnswer registers the handler for answers addressed to this client.
func (s *SignalingClient) OnAnswer(handler func(Answer)) {
	s.onAnswer = handler
}

// OnIceCandidate registers the handler for candidates addressed to this
// client.
func (s *SignalingClient) OnIceCandidate(handler func(IceCandidate)) {
	s.onCandidate = handler
}

// OnMuteStatus registers the handler for room-wide mute announcements.
func (s *SignalingClient) OnMuteStatus(handler func(MuteStatus)) {
	s.onMuteStatus = handler
}

// OnVideoStatus registers the handler for room-wide camera announcements.
func (s *SignalingClient) OnVideoStatus(handler func(VideoStatus)) {
	s.onVideoStatus = handler
}

// OnScreenStatus registers the handler for room-wide screen-share
// announcements.
func (s *SignalingClient) OnScreenStatus(handler func(ScreenStatus)) {
	s.onScreenState = handler
}

// Join subscribes to the room and then announces the local participant's
// presence. Presence is announced only after the subscription is
// acknowledged; announcing earlier would race the server-side presence
// sync and peers could miss the join.
func (s *SignalingClient) Join(initial PresenceState) error {
	s.mu.Lock()
	if s.joined {
		s.mu.Unlock()
		return nil
	}
	if s.left {
		s.mu.Unlock()
		return fmt.Errorf("signaling client has already left the room")
	}
	s.mu.Unlock()

	s.subscribe()

	if err := s.channel.Join(); err != nil {
		return fmt.Errorf("failed to join call room: %w", err)
	}
	if err := s.channel.Track(initial); err != nil {
		return fmt.Errorf("failed to announce presence: %w", err)
	}

	s.mu.Lock()
	s.joined = true
	s.mu.Unlock()
	return nil
}

// Announce re-publishes the local presence state, for example after the
// underlying socket reconnected or a status flag changed.
func (s *SignalingClient) Announce(state PresenceState) error {
	return s.channel.Track(state)
}

// Send publishes one signaling message on the room channel. Directed
// messages (Offer, Answer, IceCandidate) are still broadcast to the whole
// room; receivers discard traffic not addressed to them.
func (s *SignalingClient) Send(msg Message) error {
	switch m := msg.(type) {
	case Offer:
		return s.channel.Broadcast(signalOffer, m)
	case Answer:
		return s.channel.Broadcast(signalAnswer, m)
	case IceCandidate:
		return s.channel.Broadcast(signalCandidate, m)
	case MuteStatus:
		return s.channel.Broadcast(signalMuteStatus, m)
	case VideoStatus:
		return s.channel.Broadcast(signalVideoStatus, m)
	case ScreenStatus:
		return s.channel.Broadcast(signalScreenState, m)
	default:
		return fmt.Errorf("unknown signaling message type %T", msg)
	}
}

// Leave tears down the room subscription. Idempotent.
func (s *SignalingClient) Leave() error {
	s.mu.Lock()
	if s.left {
		s.mu.Unlock()
		return nil
	}
	s.left = true
	s.joined = false
	s.mu.Unlock()
	return s.channel.Leave()
}

// subscribe wires the broadcast and presence handlers onto the channel.
func (s *SignalingClient) subscribe() {
	s.channel.OnPresenceJoin(func(key string, meta map[string]interface{}) {
		if key == s.localID || s.onPeerJoined == nil {
			return
		}
		s.onPeerJoined(key, decodePresence(meta))
	})
	s.channel.OnPresenceLeave(func(key string) {
		if key == s.localID || s.onPeerLeft == nil {
			return
		}
		s.onPeerLeft(key)
	})

	s.channel.OnBroadcast(signalOffer, func(payload json.RawMessage) {
		var m Offer
		if !s.decodeDirected(signalOffer, payload, &m, &m.Sender, &m.Target) {
			return
		}
		if s.onOffer != nil {
			s.onOffer(m)
		}
	})
	s.channel.OnBroadcast(signalAnswer, func(payload json.RawMessage) {
		var m Answer
		if !s.decodeDirected(signalAnswer, payload, &m, &m.Sender, &m.Target) {
			return
		}
		if s.onAnswer != nil {
			s.onAnswer(m)
		}
	})
	s.channel.OnBroadcast(signalCandidate, func(payload json.RawMessage) {
		var m IceCandidate
		if !s.decodeDirected(signalCandidate, payload, &m, &m.Sender, &m.Target) {
			return
		}
		if s.onCandidate != nil {
			s.onCandidate(m)
		}
	})
	s.channel.OnBroadcast(signalMuteStatus, func(payload json.RawMessage) {
		var m MuteStatus
		if !s.decodeBroadcast(signalMuteStatus, payload, &m, &m.Sender) {
			return
		}
		if s.onMuteStatus != nil {
			s.onMuteStatus(m)
		}
	})
	s.channel.OnBroadcast(signalVideoStatus, func(payload json.RawMessage) {
		var m VideoStatus
		if !s.decodeBroadcast(signalVideoStatus, payload, &m, &m.Sender) {
			return
		}
		if s.onVideoStatus != nil {
			s.onVideoStatus(m)
		}
	})
	s.channel.OnBroadcast(signalScreenState, func(payload json.RawMessage) {
		var m ScreenStatus
		if !s.decodeBroadcast(signalScreenState, payload, &m, &m.Sender) {
			return
		}
		if s.onScreenState != nil {
			s.onScreenState(m)
		}
	})
}

// decodeDirected unmarshals a directed message and reports whether it is
// addressed to the local participant. Messages from the local participant
// itself (broadcast self-delivery) are dropped.
func (s *SignalingClient) decodeDirected(event string, payload json.RawMessage, into interface{}, sender, target *string) bool {
	if err := json.Unmarshal(payload, into); err != nil {
		s.logf("signaling: malformed %s payload: %v", event, err)
		return false
	}
	if *sender == s.localID {
		return false
	}
	if *target != "" && *target != s.localID {
		return false
	}
	return true
}

// decodeBroadcast unmarshals a room-wide status message, dropping the
// local participant's own echoes.
func (s *SignalingClient) decodeBroadcast(event string, payload json.RawMessage, into interface{}, sender *string) bool {
	if err := json.Unmarshal(payload, into); err != nil {
		s.logf("signaling: malformed %s payload: %v", event, err)
		return false
	}
	return *sender != s.localID
}

// decodePresence maps raw presence meta into a PresenceState. Unknown or
// missing fields default to zero values; JoinedAt of zero sorts the peer
// as earliest, which only affects offer direction, never correctness.
func decodePresence(meta map[string]interface{}) PresenceState {
	var state PresenceState
	raw, err := json.Marshal(meta)
	if err != nil {
		return state
	}
	_ = json.Unmarshal(raw, &state)
	return state
}

func (s *SignalingClient) logf(format string, v ...interface{}) {
	if s.logger != nil {
		s.logger.Printf(format, v...)
	}
}
