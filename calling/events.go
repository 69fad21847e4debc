/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Studygram Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import "sync"

// ---- Call Event Enums ----

// CallEventKey identifies the type of call event emitted by a Session.
type CallEventKey string

const (
	// CallEventLocalState fires with a LocalCallState whenever the local
	// side of the call changes (mute, video, sharing, aggregate state).
	CallEventLocalState CallEventKey = "local_state"

	// CallEventPeerJoined fires with a PeerSnapshot when a participant
	// appears in the room.
	CallEventPeerJoined CallEventKey = "peer_joined"

	// CallEventPeerLeft fires with the participant ID of a departed peer.
	CallEventPeerLeft CallEventKey = "peer_left"

	// CallEventPeerState fires with a PeerSnapshot when a peer's
	// connection state or remote status flags change.
	CallEventPeerState CallEventKey = "peer_state"

	// CallEventRemoteTrack fires with a RemoteTrack when media arrives
	// from a peer.
	CallEventRemoteTrack CallEventKey = "remote_track"

	// CallEventNotice fires with a Notice for non-fatal conditions.
	CallEventNotice CallEventKey = "notice"

	// CallEventError fires with an error for conditions that end or
	// prevent the call.
	CallEventError CallEventKey = "call_error"

	// CallEventEnded fires once when the session has fully torn down.
	CallEventEnded CallEventKey = "ended"
)

// ---- Event Emitter ----

// EventHandler is a callback function for events
type EventHandler func(data interface{})

// EventEmitter provides a simple event pub/sub system
type EventEmitter struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

// NewEventEmitter creates a new EventEmitter
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{
		handlers: make(map[string][]EventHandler),
	}
}

// On registers an event handler for a specific event type
func (e *EventEmitter) On(event string, handler EventHandler) {
	if handler == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[event] = append(e.handlers[event], handler)
}

// Off removes all handlers for a specific event type
func (e *EventEmitter) Off(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, event)
}

// Emit fires an event, calling all registered handlers
func (e *EventEmitter) Emit(event string, data interface{}) {
	e.mu.RLock()
	handlers := make([]EventHandler, len(e.handlers[event]))
	copy(handlers, e.handlers[event])
	e.mu.RUnlock()

	for _, handler := range handlers {
		handler(data)
	}
}
