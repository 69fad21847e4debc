/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Studygram Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package realtime

import "encoding/json"

// Socket events defined by the channel protocol. Everything else is an
// application-level broadcast event name.
const (
	eventJoin          = "phx_join"
	eventLeave         = "phx_leave"
	eventReply         = "phx_reply"
	eventError         = "phx_error"
	eventClose         = "phx_close"
	eventHeartbeat     = "heartbeat"
	eventBroadcast     = "broadcast"
	eventPresence      = "presence"
	eventPresenceState = "presence_state"
	eventPresenceDiff  = "presence_diff"
)

// heartbeatTopic is the reserved topic for socket-level heartbeats.
const heartbeatTopic = "phoenix"

// socketMessage is the wire format for every frame exchanged with the
// realtime service.
type socketMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

// replyPayload is the payload of a phx_reply frame.
type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// broadcastPayload wraps an application broadcast event.
type broadcastPayload struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// trackPayload wraps a presence track request.
type trackPayload struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// presenceMeta is one tracked state entry for a presence key. The realtime
// service annotates each entry with a phx_ref; the rest is caller state.
type presenceMeta map[string]interface{}

// presenceEntry is the set of metas tracked under one presence key.
type presenceEntry struct {
	Metas []presenceMeta `json:"metas"`
}

// presenceDiffPayload is the payload of presence_state (joins only, empty
// leaves) and presence_diff frames, keyed by presence key (participant ID).
type presenceDiffPayload struct {
	Joins  map[string]presenceEntry `json:"joins"`
	Leaves map[string]presenceEntry `json:"leaves"`
}
