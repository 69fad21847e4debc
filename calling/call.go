/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Studygram Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/Tokyorchid/studygram-call-sdk/capture"
)

// ErrCallActive is returned by Start when the session is already running.
var ErrCallActive = errors.New("calling: call already started")

// ErrCallEnded is returned when an operation is attempted on a session
// that has been ended. Sessions are single-use.
var ErrCallEnded = errors.New("calling: call has ended")

// Session is one participant's side of a full-mesh study-session call.
// It owns local media, the signaling subscription, the peer connection
// registry and the per-peer lifecycle state machines.
//
// All mutation happens under one mutex. Events are emitted after the
// mutex is released, so event handlers may call back into the session.
type Session struct {
	mu sync.Mutex

	config    *Config
	localID   string
	sessionID string
	signaling *SignalingClient
	media     *capture.Manager
	registry  *Registry

	// Emitter delivers session events to the render layer.
	Emitter *EventEmitter

	started bool
	ended   bool

	joinedAt     int64
	localStream  *capture.Stream
	screenStream *capture.Stream
	micTrack     capture.Track
	cameraTrack  capture.Track
	screenTrack  capture.Track

	muted     bool
	videoOff  bool
	audioOnly bool
	sharing   bool

	peers           map[string]*peerEntry
	reconnectTimers map[string]*time.Timer
	roster          map[string]Participant
}

// peerEntry is participant-scoped call state. It survives connection
// teardown during reconnects, unlike the registry's connection-scoped
// state.
type peerEntry struct {
	id       string
	joinedAt int64
	phase    PeerLifecycle
	attempts int

	muted    bool
	videoOff bool
	sharing  bool
}

// NewSession assembles a call session. roster provides display names for
// participants; an empty roster is valid and falls back to the configured
// placeholder policy. The session does nothing until Start.
func NewSession(channel RoomChannel, factory ConnectionFactory, media *capture.Manager, localID, sessionID string, roster []Participant, config *Config) *Session {
	config = config.withDefaults()

	s := &Session{
		config:          config,
		localID:         localID,
		sessionID:       sessionID,
		media:           media,
		Emitter:         NewEventEmitter(),
		peers:           make(map[string]*peerEntry),
		reconnectTimers: make(map[string]*time.Timer),
		roster:          make(map[string]Participant),
	}
	s.signaling = NewSignalingClient(channel, localID, config.Logger)
	s.registry = NewRegistry(factory, config.Logger)
	for _, p := range roster {
		s.roster[p.ParticipantID] = p
	}
	return s
}

// Start acquires local media and joins the call room. Media comes first:
// joining signaling before capture succeeds would invite offers the
// session cannot answer with tracks.
//
// For a video call, camera failure degrades the start to audio-only and
// surfaces a Notice; microphone failure is fatal.
func (s *Session) Start(video bool) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ErrCallEnded
	}
	if s.started {
		s.mu.Unlock()
		return ErrCallActive
	}
	s.started = true
	s.mu.Unlock()

	acq, err := s.media.Acquire(capture.Config{Audio: true, Video: video})
	if err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		s.Emitter.Emit(string(CallEventError), err)
		return fmt.Errorf("failed to start call: %w", err)
	}

	s.mu.Lock()
	if s.ended {
		// End raced the device open; the stream must not leak.
		s.mu.Unlock()
		acq.Stream.Release()
		return ErrCallEnded
	}
	s.localStream = acq.Stream
	s.audioOnly = acq.AudioOnly
	if tracks := acq.Stream.AudioTracks(); len(tracks) > 0 {
		s.micTrack = tracks[0]
	}
	if tracks := acq.Stream.VideoTracks(); len(tracks) > 0 {
		s.cameraTrack = tracks[0]
	}
	s.joinedAt = time.Now().UnixMilli()
	presence := PresenceState{
		JoinedAt: s.joinedAt,
		Muted:    s.muted,
		VideoOff: s.videoOff || s.audioOnly,
	}
	degraded := video && acq.AudioOnly
	s.mu.Unlock()

	s.wireSignaling()

	if err := s.signaling.Join(presence); err != nil {
		s.mu.Lock()
		s.started = false
		s.localStream = nil
		s.micTrack = nil
		s.cameraTrack = nil
		s.mu.Unlock()
		acq.Stream.Release()
		s.Emitter.Emit(string(CallEventError), err)
		return fmt.Errorf("failed to start call: %w", err)
	}

	if degraded {
		s.Emitter.Emit(string(CallEventNotice), Notice{
			Level:   NoticeWarning,
			Message: "camera unavailable, joined with audio only",
		})
	}
	s.emitLocalState()
	return nil
}

// End tears the call down: late callbacks become no-ops first, then the
// room subscription, peer connections and local media go, in that order.
// Idempotent.
func (s *Session) End() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	for id, timer := range s.reconnectTimers {
		timer.Stop()
		delete(s.reconnectTimers, id)
	}
	localStream := s.localStream
	screenStream := s.screenStream
	s.sharing = false
	s.mu.Unlock()

	if err := s.signaling.Leave(); err != nil {
		s.logf("call: error leaving room %s: %v", s.sessionID, err)
	}
	s.registry.DestroyAll()
	if screenStream != nil {
		screenStream.Release()
	}
	if localStream != nil {
		localStream.Release()
	}

	s.emitLocalState()
	s.Emitter.Emit(string(CallEventEnded), nil)
}

// Ended reports whether End has run.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// LocalState returns a snapshot of the local side of the call.
func (s *Session) LocalState() LocalCallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localStateLocked()
}

// Peers returns snapshots of every known peer, ordered by participant ID.
func (s *Session) Peers() []PeerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PeerSnapshot, 0, len(s.peers))
	for _, entry := range s.peers {
		out = append(out, s.peerSnapshotLocked(entry))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ParticipantID < out[j].ParticipantID
	})
	return out
}

// PeerState returns the lifecycle state of one peer.
func (s *Session) PeerState(participantID string) (PeerLifecycle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.peers[participantID]
	if !ok {
		return "", false
	}
	return entry.phase, true
}

// ---- Signaling handlers ----
//
// The realtime channel delivers frames one at a time on a single
// goroutine, so these handlers never race each other; the mutex guards
// against timers, transport callbacks and API calls.

func (s *Session) wireSignaling() {
	s.signaling.OnPeerJoined(s.handlePeerJoined)
	s.signaling.OnPeerLeft(s.handlePeerLeft)
	s.signaling.OnOffer(s.handleOffer)
	s.signaling.OnAnswer(s.handleAnswer)
	s.signaling.OnIceCandidate(s.handleIceCandidate)
	s.signaling.OnMuteStatus(s.handleMuteStatus)
	s.signaling.OnVideoStatus(s.handleVideoStatus)
	s.signaling.OnScreenStatus(s.handleScreenStatus)
}

func (s *Session) handlePeerJoined(id string, state PresenceState) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	entry, known := s.peers[id]
	if !known {
		entry = &peerEntry{
			id:       id,
			joinedAt: state.JoinedAt,
			phase:    PeerStateNew,
			muted:    state.Muted,
			videoOff: state.VideoOff,
			sharing:  state.Sharing,
		}
		s.peers[id] = entry
	} else {
		entry.joinedAt = state.JoinedAt
		entry.muted = state.Muted
		entry.videoOff = state.VideoOff
		entry.sharing = state.Sharing
	}
	joinedSnap := s.peerSnapshotLocked(entry)

	var stateSnap *PeerSnapshot
	var notice *Notice
	if s.isInitiatorLocked(entry) {
		notice = s.startOfferLocked(entry)
		snap := s.peerSnapshotLocked(entry)
		stateSnap = &snap
	}
	local := s.localStateLocked()
	s.mu.Unlock()

	s.Emitter.Emit(string(CallEventPeerJoined), joinedSnap)
	if stateSnap != nil {
		s.Emitter.Emit(string(CallEventPeerState), *stateSnap)
	}
	s.Emitter.Emit(string(CallEventLocalState), local)
	if notice != nil {
		s.Emitter.Emit(string(CallEventNotice), *notice)
	}
}

func (s *Session) handlePeerLeft(id string) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	if timer, ok := s.reconnectTimers[id]; ok {
		timer.Stop()
		delete(s.reconnectTimers, id)
	}
	_, known := s.peers[id]
	delete(s.peers, id)
	local := s.localStateLocked()
	s.mu.Unlock()

	s.registry.Destroy(id)
	if known {
		s.Emitter.Emit(string(CallEventPeerLeft), id)
		s.Emitter.Emit(string(CallEventLocalState), local)
	}
}

func (s *Session) handleOffer(m Offer) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	if s.registry.Has(m.Sender) {
		// A live connection already exists; a second offer here is a
		// duplicate delivery or stale retransmission.
		s.mu.Unlock()
		s.logf("call: dropping duplicate offer from %s", m.Sender)
		return
	}

	entry := s.ensurePeerLocked(m.Sender)
	peer, err := s.createPeerLocked(entry)
	if err != nil {
		s.mu.Unlock()
		s.logf("call: failed to build connection for offer from %s: %v", m.Sender, err)
		return
	}

	if err := peer.Conn().SetRemoteOffer(m.SDP); err != nil {
		notice := s.failSetupLocked(entry, fmt.Errorf("failed to apply offer from %s: %w", m.Sender, err))
		s.mu.Unlock()
		if notice != nil {
			s.Emitter.Emit(string(CallEventNotice), *notice)
		}
		return
	}
	if err := peer.RemoteDescriptionSet(); err != nil {
		s.logf("call: candidate flush for %s: %v", m.Sender, err)
	}

	sdp, err := peer.Conn().CreateAnswer()
	if err != nil {
		notice := s.failSetupLocked(entry, fmt.Errorf("failed to answer %s: %w", m.Sender, err))
		s.mu.Unlock()
		if notice != nil {
			s.Emitter.Emit(string(CallEventNotice), *notice)
		}
		return
	}

	entry.phase = PeerStateAnswerPending
	snap := s.peerSnapshotLocked(entry)
	s.mu.Unlock()

	if err := s.signaling.Send(Answer{Sender: s.localID, Target: m.Sender, SDP: sdp}); err != nil {
		s.logf("call: failed to send answer to %s: %v", m.Sender, err)
	}
	s.Emitter.Emit(string(CallEventPeerState), snap)
}

func (s *Session) handleAnswer(m Answer) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	entry, known := s.peers[m.Sender]
	peer, live := s.registry.Get(m.Sender)
	if !known || !live || entry.phase != PeerStateOffering {
		s.mu.Unlock()
		s.logf("call: dropping unexpected answer from %s", m.Sender)
		return
	}
	if err := peer.Conn().SetRemoteAnswer(m.SDP); err != nil {
		s.mu.Unlock()
		s.logf("call: failed to apply answer from %s: %v", m.Sender, err)
		return
	}
	if err := peer.RemoteDescriptionSet(); err != nil {
		s.logf("call: candidate flush for %s: %v", m.Sender, err)
	}
	s.mu.Unlock()
}

func (s *Session) handleIceCandidate(m IceCandidate) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	peer, ok := s.registry.Get(m.Sender)
	s.mu.Unlock()

	if !ok {
		s.logf("call: dropping candidate from unknown peer %s", m.Sender)
		return
	}
	if err := peer.QueueOrAddCandidate(m.Candidate); err != nil {
		s.logf("call: failed to apply candidate from %s: %v", m.Sender, err)
	}
}

func (s *Session) handleMuteStatus(m MuteStatus) {
	s.updatePeerStatus(m.Sender, func(entry *peerEntry) {
		entry.muted = m.Muted
	})
}

func (s *Session) handleVideoStatus(m VideoStatus) {
	s.updatePeerStatus(m.Sender, func(entry *peerEntry) {
		entry.videoOff = m.VideoOff
	})
}

func (s *Session) handleScreenStatus(m ScreenStatus) {
	s.updatePeerStatus(m.Sender, func(entry *peerEntry) {
		entry.sharing = m.Sharing
	})
}

func (s *Session) updatePeerStatus(id string, apply func(*peerEntry)) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	entry, known := s.peers[id]
	if !known {
		s.mu.Unlock()
		return
	}
	apply(entry)
	snap := s.peerSnapshotLocked(entry)
	s.mu.Unlock()

	s.Emitter.Emit(string(CallEventPeerState), snap)
}

// ---- Offer/reconnect machinery ----

// isInitiatorLocked reports whether the local participant initiates the
// offer toward the peer. The earlier joiner initiates; the participant ID
// breaks ties, so both sides always agree on the direction.
func (s *Session) isInitiatorLocked(entry *peerEntry) bool {
	if s.joinedAt != entry.joinedAt {
		return s.joinedAt < entry.joinedAt
	}
	return s.localID < entry.id
}

// startOfferLocked builds a connection for the peer and sends an offer.
// Any existing connection is torn down first; the registry holds at most
// one connection per participant. The returned Notice, if any, must be
// emitted after the mutex is released.
func (s *Session) startOfferLocked(entry *peerEntry) *Notice {
	if s.registry.Has(entry.id) {
		s.registry.Destroy(entry.id)
	}

	peer, err := s.createPeerLocked(entry)
	if err != nil {
		return s.failSetupLocked(entry, fmt.Errorf("failed to build connection to %s: %w", entry.id, err))
	}

	sdp, err := peer.Conn().CreateOffer()
	if err != nil {
		return s.failSetupLocked(entry, fmt.Errorf("failed to create offer for %s: %w", entry.id, err))
	}

	entry.phase = PeerStateOffering
	if err := s.signaling.Send(Offer{Sender: s.localID, Target: entry.id, SDP: sdp}); err != nil {
		s.logf("call: failed to send offer to %s: %v", entry.id, err)
	}
	return nil
}

// createPeerLocked registers a connection, attaches the local stream and
// wires the transport callbacks. The senders are then brought in line
// with the current control state: an active screen share is switched
// onto the video sender so late joiners see it, and muted or camera-off
// senders are detached so no stale media leaves the process.
func (s *Session) createPeerLocked(entry *peerEntry) (*Peer, error) {
	peer, err := s.registry.Create(entry.id)
	if err != nil {
		return nil, err
	}
	if err := peer.attachStream(s.localStream); err != nil {
		s.registry.Destroy(entry.id)
		return nil, err
	}
	if s.sharing && s.screenTrack != nil {
		for _, sender := range peer.VideoSenders() {
			if err := sender.ReplaceTrack(s.screenTrack.Local()); err != nil {
				s.logf("call: failed to switch %s to screen track: %v", entry.id, err)
			}
		}
	}
	if s.muted {
		for _, sender := range peer.AudioSenders() {
			if err := sender.ReplaceTrack(nil); err != nil {
				s.logf("call: failed to detach audio for %s: %v", entry.id, err)
			}
		}
	}
	if s.videoOff && !s.sharing {
		for _, sender := range peer.VideoSenders() {
			if err := sender.ReplaceTrack(nil); err != nil {
				s.logf("call: failed to detach video for %s: %v", entry.id, err)
			}
		}
	}

	id := entry.id
	peer.Conn().OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		s.sendCandidate(id, candidate)
	})
	peer.Conn().OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.handleTransportState(id, state)
	})
	peer.Conn().OnTrack(func(track *webrtc.TrackRemote) {
		s.handleRemoteTrack(id, track)
	})
	return peer, nil
}

// failSetupLocked records a setup failure as a failed attempt, feeding
// the same bounded retry path as a transport failure.
func (s *Session) failSetupLocked(entry *peerEntry, err error) *Notice {
	s.logf("call: %v", err)
	return s.beginReconnectLocked(entry)
}

func (s *Session) sendCandidate(id string, candidate webrtc.ICECandidateInit) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	err := s.signaling.Send(IceCandidate{Sender: s.localID, Target: id, Candidate: candidate})
	if err != nil {
		s.logf("call: failed to send candidate to %s: %v", id, err)
	}
}

// handleTransportState reacts to peer connection transport changes.
// Runs on the transport's callback goroutine.
func (s *Session) handleTransportState(id string, state webrtc.PeerConnectionState) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	entry, known := s.peers[id]
	if !known {
		s.mu.Unlock()
		return
	}

	var snaps []PeerSnapshot
	var notice *Notice
	switch state {
	case webrtc.PeerConnectionStateConnected:
		entry.phase = PeerStateConnected
		entry.attempts = 0
		snaps = append(snaps, s.peerSnapshotLocked(entry))

	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		notice = s.beginReconnectLocked(entry)
		snaps = append(snaps, s.peerSnapshotLocked(entry))
	}
	local := s.localStateLocked()
	s.mu.Unlock()

	for _, snap := range snaps {
		s.Emitter.Emit(string(CallEventPeerState), snap)
	}
	s.Emitter.Emit(string(CallEventLocalState), local)
	if notice != nil {
		s.Emitter.Emit(string(CallEventNotice), *notice)
	}
}

// beginReconnectLocked tears down the peer's connection and either
// schedules a retry or, once the budget is spent, marks the peer
// Disconnected for good. Failures are isolated: only this peer's
// connection is touched. The returned Notice, if any, must be emitted by
// the caller after the mutex is released.
func (s *Session) beginReconnectLocked(entry *peerEntry) *Notice {
	if entry.phase == PeerStateReconnecting || entry.phase == PeerStateDisconnected {
		return nil
	}

	s.registry.Destroy(entry.id)

	if entry.attempts >= s.config.MaxReconnectAttempts {
		entry.phase = PeerStateDisconnected
		return &Notice{
			Level:   NoticeWarning,
			Message: fmt.Sprintf("lost connection to %s", s.displayNameLocked(entry.id)),
		}
	}

	entry.attempts++
	entry.phase = PeerStateReconnecting

	id := entry.id
	timer := time.AfterFunc(s.config.ReconnectBackoff, func() {
		s.retryPeer(id)
	})
	s.reconnectTimers[id] = timer
	return nil
}

// retryPeer re-runs connection setup after the backoff. Only the
// initiator re-offers; the responder stays in Reconnecting until the
// initiator's fresh offer arrives.
func (s *Session) retryPeer(id string) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	delete(s.reconnectTimers, id)
	entry, known := s.peers[id]
	if !known || entry.phase != PeerStateReconnecting {
		s.mu.Unlock()
		return
	}

	var notice *Notice
	if s.isInitiatorLocked(entry) {
		notice = s.startOfferLocked(entry)
	}
	snap := s.peerSnapshotLocked(entry)
	local := s.localStateLocked()
	s.mu.Unlock()

	s.Emitter.Emit(string(CallEventPeerState), snap)
	s.Emitter.Emit(string(CallEventLocalState), local)
	if notice != nil {
		s.Emitter.Emit(string(CallEventNotice), *notice)
	}
}

func (s *Session) handleRemoteTrack(id string, track *webrtc.TrackRemote) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	peer, ok := s.registry.Get(id)
	if ok {
		peer.MarkRemoteMedia()
	}
	entry, known := s.peers[id]
	var snap PeerSnapshot
	if known {
		snap = s.peerSnapshotLocked(entry)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	s.Emitter.Emit(string(CallEventRemoteTrack), RemoteTrack{ParticipantID: id, Track: track})
	if known {
		s.Emitter.Emit(string(CallEventPeerState), snap)
	}
}

// ---- Internal helpers (mutex held) ----

func (s *Session) ensurePeerLocked(id string) *peerEntry {
	entry, known := s.peers[id]
	if !known {
		// Offer arrived before the presence join; register the peer so
		// its state is tracked from here on.
		entry = &peerEntry{id: id, phase: PeerStateNew}
		s.peers[id] = entry
	}
	return entry
}

func (s *Session) peerSnapshotLocked(entry *peerEntry) PeerSnapshot {
	snap := PeerSnapshot{
		ParticipantID: entry.id,
		Username:      s.displayNameLocked(entry.id),
		State:         entry.phase,
		Muted:         entry.muted,
		VideoOff:      entry.videoOff,
		ScreenSharing: entry.sharing,
	}
	if p, ok := s.roster[entry.id]; ok {
		snap.AvatarURL = p.AvatarURL
	}
	if peer, ok := s.registry.Get(entry.id); ok {
		snap.HasRemoteMedia = peer.HasRemoteMedia()
	}
	return snap
}

// displayNameLocked resolves a participant ID to a name, following the
// configured fallback for participants missing from the roster.
func (s *Session) displayNameLocked(id string) string {
	if p, ok := s.roster[id]; ok && p.Username != "" {
		return p.Username
	}
	if s.config.RosterPlaceholders {
		return "Study Buddy"
	}
	return id
}

func (s *Session) localStateLocked() LocalCallState {
	return LocalCallState{
		InCall:          s.started && !s.ended,
		Muted:           s.muted,
		VideoOff:        s.videoOff || s.audioOnly,
		AudioOnly:       s.audioOnly,
		ScreenSharing:   s.sharing,
		ConnectionState: s.aggregateStateLocked(),
	}
}

// aggregateStateLocked derives the call-wide connection state from the
// per-peer states. A connected peer wins over everything; reconnecting
// wins over connecting. When peers exist but every one of them has spent
// its reconnection budget, the call is disconnected. A participant alone
// in an empty room is connected to the call even with nobody to stream
// to; departed peers are removed from the map, so the room empties back
// into that state.
func (s *Session) aggregateStateLocked() ConnectionState {
	if s.ended {
		return ConnectionStateDisconnected
	}
	if !s.started {
		return ConnectionStateIdle
	}

	var reconnecting, pending bool
	for _, entry := range s.peers {
		switch entry.phase {
		case PeerStateConnected:
			return ConnectionStateConnected
		case PeerStateReconnecting:
			reconnecting = true
		case PeerStateNew, PeerStateOffering, PeerStateAnswerPending:
			pending = true
		}
	}
	if reconnecting {
		return ConnectionStateReconnecting
	}
	if pending {
		return ConnectionStateConnecting
	}
	if len(s.peers) > 0 {
		return ConnectionStateDisconnected
	}
	return ConnectionStateConnected
}

func (s *Session) emitLocalState() {
	s.mu.Lock()
	state := s.localStateLocked()
	s.mu.Unlock()
	s.Emitter.Emit(string(CallEventLocalState), state)
}

func (s *Session) logf(format string, v ...interface{}) {
	if s.config.Logger != nil {
		s.config.Logger.Printf(format, v...)
		return
	}
	log.Printf(format, v...)
}
