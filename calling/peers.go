/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Studygram Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/Tokyorchid/studygram-call-sdk/capture"
)

// ErrPeerExists is returned when a peer connection is created for a
// participant that already has a live one. The existing connection must
// be destroyed first; two connections to the same peer would cross
// signaling.
var ErrPeerExists = errors.New("calling: peer connection already exists for participant")

// ErrPeerNotFound is returned when an operation targets a participant
// with no registered connection.
var ErrPeerNotFound = errors.New("calling: no peer connection for participant")

// TrackSender is one outbound track attachment on a peer connection.
type TrackSender interface {
	// Track returns the currently attached local track.
	Track() webrtc.TrackLocal

	// ReplaceTrack swaps the outgoing track without renegotiation. The
	// replacement must be of the same kind.
	ReplaceTrack(track webrtc.TrackLocal) error
}

// PeerConnection is the slice of the WebRTC peer connection API the call
// engine uses. The production implementation wraps pion/webrtc; tests
// substitute fakes.
type PeerConnection interface {
	// AddTrack attaches a local track for sending.
	AddTrack(track webrtc.TrackLocal) (TrackSender, error)

	// Senders returns every outbound track attachment.
	Senders() []TrackSender

	// CreateOffer builds an offer, installs it as the local description
	// and returns its SDP. ICE candidates trickle via OnICECandidate.
	CreateOffer() (string, error)

	// CreateAnswer builds an answer to the current remote offer, installs
	// it as the local description and returns its SDP.
	CreateAnswer() (string, error)

	// SetRemoteOffer installs a remote offer.
	SetRemoteOffer(sdp string) error

	// SetRemoteAnswer installs a remote answer.
	SetRemoteAnswer(sdp string) error

	// AddICECandidate adds a remote candidate. The remote description
	// must already be set.
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	// OnICECandidate registers the local candidate handler. nil clears.
	OnICECandidate(handler func(candidate webrtc.ICECandidateInit))

	// OnConnectionStateChange registers the transport state handler.
	// nil clears.
	OnConnectionStateChange(handler func(state webrtc.PeerConnectionState))

	// OnTrack registers the inbound media handler. nil clears.
	OnTrack(handler func(track *webrtc.TrackRemote))

	// ConnectionState reports the current transport state.
	ConnectionState() webrtc.PeerConnectionState

	// Close tears the connection down.
	Close() error
}

// ConnectionFactory builds a fresh peer connection.
type ConnectionFactory func() (PeerConnection, error)

// RemoteTrack is inbound media from one peer, delivered via the
// CallEventRemoteTrack event for the render layer to sink.
type RemoteTrack struct {
	ParticipantID string
	Track         *webrtc.TrackRemote
}

// Peer is one registered peer connection and its connection-scoped state.
// Participant-scoped state (lifecycle phase, remote status flags) lives
// on the session, since it outlives connection teardown during
// reconnects.
type Peer struct {
	participantID string
	conn          PeerConnection

	mu            sync.Mutex
	senders       []peerSender
	pending       []webrtc.ICECandidateInit
	remoteDescSet bool
	hasRemote     bool
	closed        bool
}

// peerSender pairs an outbound attachment with the kind of track it was
// created for. The kind is recorded at attach time because the sender's
// current track can be detached (nil) while muted or camera-off, and the
// sender must stay addressable for the restore.
type peerSender struct {
	sender TrackSender
	kind   webrtc.RTPCodecType
}

// ParticipantID returns the participant this connection belongs to.
func (p *Peer) ParticipantID() string {
	return p.participantID
}

// Conn returns the underlying peer connection.
func (p *Peer) Conn() PeerConnection {
	return p.conn
}

// Senders returns the outbound track attachments made through the
// registry.
func (p *Peer) Senders() []TrackSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TrackSender, 0, len(p.senders))
	for _, s := range p.senders {
		out = append(out, s.sender)
	}
	return out
}

// AudioSenders returns the attachments created for audio tracks.
func (p *Peer) AudioSenders() []TrackSender {
	return p.sendersOfKind(webrtc.RTPCodecTypeAudio)
}

// VideoSenders returns the attachments created for video tracks.
func (p *Peer) VideoSenders() []TrackSender {
	return p.sendersOfKind(webrtc.RTPCodecTypeVideo)
}

func (p *Peer) sendersOfKind(kind webrtc.RTPCodecType) []TrackSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []TrackSender
	for _, s := range p.senders {
		if s.kind == kind {
			out = append(out, s.sender)
		}
	}
	return out
}

// AddTrack attaches a local track and records its sender.
func (p *Peer) AddTrack(track webrtc.TrackLocal) (TrackSender, error) {
	sender, err := p.conn.AddTrack(track)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.senders = append(p.senders, peerSender{sender: sender, kind: track.Kind()})
	p.mu.Unlock()
	return sender, nil
}

// QueueOrAddCandidate applies a remote ICE candidate, queueing it when
// the remote description has not been installed yet. Candidates routinely
// arrive before the offer or answer they belong to; applying them early
// would fail.
func (p *Peer) QueueOrAddCandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if !p.remoteDescSet {
		p.pending = append(p.pending, candidate)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.conn.AddICECandidate(candidate)
}

// RemoteDescriptionSet marks the remote description installed and flushes
// any queued candidates.
func (p *Peer) RemoteDescriptionSet() error {
	p.mu.Lock()
	p.remoteDescSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, candidate := range pending {
		if err := p.conn.AddICECandidate(candidate); err != nil {
			return fmt.Errorf("failed to apply queued candidate: %w", err)
		}
	}
	return nil
}

// MarkRemoteMedia records that inbound media has arrived.
func (p *Peer) MarkRemoteMedia() {
	p.mu.Lock()
	p.hasRemote = true
	p.mu.Unlock()
}

// HasRemoteMedia reports whether inbound media has arrived.
func (p *Peer) HasRemoteMedia() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasRemote
}

// destroy detaches every handler before closing so that no callback from
// the dying connection can reach the session afterwards, then closes the
// connection. Idempotent.
func (p *Peer) destroy() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.conn.OnICECandidate(nil)
	p.conn.OnConnectionStateChange(nil)
	p.conn.OnTrack(nil)
	_ = p.conn.Close()
}

// Registry owns the live peer connections of a call, at most one per
// participant.
type Registry struct {
	factory ConnectionFactory
	logger  Logger

	mu    sync.Mutex
	peers map[string]*Peer
}

// NewRegistry creates an empty registry over the given factory.
func NewRegistry(factory ConnectionFactory, logger Logger) *Registry {
	return &Registry{
		factory: factory,
		logger:  logger,
		peers:   make(map[string]*Peer),
	}
}

// Create builds and registers a connection for the participant. Returns
// ErrPeerExists if one is already registered.
func (r *Registry) Create(participantID string) (*Peer, error) {
	r.mu.Lock()
	if _, exists := r.peers[participantID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPeerExists, participantID)
	}
	r.mu.Unlock()

	conn, err := r.factory()
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	peer := &Peer{participantID: participantID, conn: conn}

	r.mu.Lock()
	if _, exists := r.peers[participantID]; exists {
		r.mu.Unlock()
		peer.destroy()
		return nil, fmt.Errorf("%w: %s", ErrPeerExists, participantID)
	}
	r.peers[participantID] = peer
	r.mu.Unlock()
	return peer, nil
}

// Get returns the registered connection for the participant, if any.
func (r *Registry) Get(participantID string) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.peers[participantID]
	return peer, ok
}

// Has reports whether the participant has a registered connection.
func (r *Registry) Has(participantID string) bool {
	_, ok := r.Get(participantID)
	return ok
}

// All returns every registered connection.
func (r *Registry) All() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		out = append(out, peer)
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Destroy removes and tears down the participant's connection. Destroying
// an absent peer is a no-op, so teardown paths can call it
// unconditionally.
func (r *Registry) Destroy(participantID string) {
	r.mu.Lock()
	peer, ok := r.peers[participantID]
	delete(r.peers, participantID)
	r.mu.Unlock()

	if ok {
		peer.destroy()
	}
}

// DestroyAll tears down every registered connection.
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	peers := r.peers
	r.peers = make(map[string]*Peer)
	r.mu.Unlock()

	for _, peer := range peers {
		peer.destroy()
	}
}

// attachStream adds every track of a local stream to the peer. A nil
// stream attaches nothing, which yields a receive-only connection.
func (p *Peer) attachStream(stream *capture.Stream) error {
	if stream == nil {
		return nil
	}
	for _, track := range stream.Tracks() {
		if _, err := p.AddTrack(track.Local()); err != nil {
			return fmt.Errorf("failed to attach %s track: %w", track.Kind(), err)
		}
	}
	return nil
}
