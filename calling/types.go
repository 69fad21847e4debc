/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Studygram Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// ---- Peer & Call State Enums ----

// PeerLifecycle is the per-peer connection state machine.
//
// Happy path: New -> Offering (initiator) or New -> AnswerPending
// (responder) -> Connected. Failure path: Connected -> Reconnecting ->
// Connected, or -> Disconnected once the reconnection budget is spent.
type PeerLifecycle string

const (
	PeerStateNew           PeerLifecycle = "new"
	PeerStateOffering      PeerLifecycle = "offering"
	PeerStateAnswerPending PeerLifecycle = "answer_pending"
	PeerStateConnected     PeerLifecycle = "connected"
	PeerStateReconnecting  PeerLifecycle = "reconnecting"
	PeerStateDisconnected  PeerLifecycle = "disconnected"
)

// ConnectionState is the aggregate state of the whole call, derived from
// the per-peer states.
type ConnectionState string

const (
	ConnectionStateIdle         ConnectionState = "idle"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
	ConnectionStateDisconnected ConnectionState = "disconnected"
)

// ---- Participants ----

// Participant identifies one user in a study session.
type Participant struct {
	ParticipantID string `json:"participant_id"`
	Username      string `json:"username"`
	AvatarURL     string `json:"avatar_url,omitempty"`
}

// PresenceState is the per-participant state announced over room presence
// when joining a call and re-announced after a signaling reconnect.
// JoinedAt orders participants: of any two, the one that joined earlier
// initiates the WebRTC offer toward the later one.
type PresenceState struct {
	JoinedAt int64 `json:"joined_at"`
	Muted    bool  `json:"muted"`
	VideoOff bool  `json:"video_off"`
	Sharing  bool  `json:"sharing,omitempty"`
}

// ---- Snapshots for the render layer ----

// PeerSnapshot is an immutable view of one remote peer for rendering.
type PeerSnapshot struct {
	ParticipantID  string
	Username       string
	AvatarURL      string
	State          PeerLifecycle
	Muted          bool
	VideoOff       bool
	ScreenSharing  bool
	HasRemoteMedia bool
}

// LocalCallState is an immutable view of the local side of the call.
type LocalCallState struct {
	InCall          bool
	Muted           bool
	VideoOff        bool
	AudioOnly       bool
	ScreenSharing   bool
	ConnectionState ConnectionState
}

// Notice is a non-fatal condition surfaced to the user interface, such as
// a degraded audio-only start or an exhausted reconnection budget.
type Notice struct {
	Level   NoticeLevel
	Message string
}

// NoticeLevel grades a Notice.
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
)

// ---- Configuration ----

// Config holds the call engine configuration. A nil Config selects
// DefaultConfig.
type Config struct {
	// ICEServers are handed to every peer connection.
	ICEServers []webrtc.ICEServer

	// ReconnectBackoff is the fixed delay between tearing down a failed
	// peer connection and retrying it.
	ReconnectBackoff time.Duration

	// MaxReconnectAttempts bounds retries per peer. Once spent, the peer
	// is marked Disconnected and left alone until it rejoins.
	MaxReconnectAttempts int

	// RosterPlaceholders controls the roster-lookup failure path: when
	// true, peers missing from the roster get a synthesized placeholder
	// name; when false they are rendered by raw participant ID.
	RosterPlaceholders bool

	// Logger receives diagnostic output. Defaults to the standard logger.
	Logger Logger
}

// Logger is the minimal logging interface used by the call engine.
type Logger interface {
	Printf(format string, v ...interface{})
}

// DefaultConfig returns the default call engine configuration.
func DefaultConfig() *Config {
	return &Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
			{URLs: []string{"stun:stun1.l.google.com:19302"}},
		},
		ReconnectBackoff:     2 * time.Second,
		MaxReconnectAttempts: 3,
		RosterPlaceholders:   true,
	}
}

// withDefaults fills the zero-valued fields of a possibly-nil config.
func (c *Config) withDefaults() *Config {
	def := DefaultConfig()
	if c == nil {
		return def
	}
	out := *c
	if out.ICEServers == nil {
		out.ICEServers = def.ICEServers
	}
	if out.ReconnectBackoff <= 0 {
		out.ReconnectBackoff = def.ReconnectBackoff
	}
	if out.MaxReconnectAttempts <= 0 {
		out.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	return &out
}
