/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Studygram Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package realtime

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
)

// BroadcastHandler receives the payload of one application broadcast event.
// Alias so that consumers can declare transport interfaces with plain
// function signatures.
type BroadcastHandler = func(payload json.RawMessage)

// PresenceJoinHandler is called when a presence key appears on the channel.
// meta is the state the remote client tracked.
type PresenceJoinHandler = func(key string, meta map[string]interface{})

// PresenceLeaveHandler is called when a presence key disappears.
type PresenceLeaveHandler = func(key string)

// Channel is one subscribed topic on the realtime socket. A channel only
// receives frames after Join has been acknowledged by the service, and
// presence tracking is only reliable after that acknowledgement — Track
// refuses to run on an unjoined channel for that reason.
type Channel struct {
	client *Client
	topic  string

	mu             sync.Mutex
	joined         bool
	left           bool
	trackedMeta    interface{}
	presenceKeys   map[string]struct{}
	broadcastSubs  map[string][]BroadcastHandler
	presenceJoins  []PresenceJoinHandler
	presenceLeaves []PresenceLeaveHandler
}

func newChannel(client *Client, topic string) *Channel {
	return &Channel{
		client:        client,
		topic:         topic,
		presenceKeys:  make(map[string]struct{}),
		broadcastSubs: make(map[string][]BroadcastHandler),
	}
}

// Topic returns the channel's topic string.
func (ch *Channel) Topic() string {
	return ch.topic
}

// IsJoined reports whether the join has been acknowledged.
func (ch *Channel) IsJoined() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.joined
}

// Join subscribes to the topic and blocks until the realtime service
// acknowledges the subscription. Handlers registered before Join are
// retained; frames arriving before acknowledgement are dropped by the
// service, not by the client.
func (ch *Channel) Join() error {
	ch.mu.Lock()
	if ch.joined {
		ch.mu.Unlock()
		return nil
	}
	if ch.left {
		ch.mu.Unlock()
		return fmt.Errorf("channel %q has been left", ch.topic)
	}
	ch.mu.Unlock()

	msg := socketMessage{
		Topic:   ch.topic,
		Event:   eventJoin,
		Payload: json.RawMessage(`{"config":{"presence":{"enabled":true},"broadcast":{"self":true}}}`),
		Ref:     ch.client.nextRef(),
	}

	reply, err := ch.client.sendAndWait(msg, ch.client.config.JoinTimeout)
	if err != nil {
		return fmt.Errorf("failed to join channel %q: %w", ch.topic, err)
	}
	if reply.Status != "ok" {
		return fmt.Errorf("join of channel %q rejected: %s", ch.topic, reply.Status)
	}

	ch.mu.Lock()
	ch.joined = true
	ch.mu.Unlock()
	return nil
}

// rejoin re-establishes the subscription after a socket reconnect and
// re-tracks the last presence state, if any.
func (ch *Channel) rejoin() {
	ch.mu.Lock()
	wasJoined := ch.joined
	tracked := ch.trackedMeta
	ch.joined = false
	ch.mu.Unlock()

	if !wasJoined {
		return
	}

	if err := ch.Join(); err != nil {
		log.Printf("realtime: rejoin of %q failed: %v", ch.topic, err)
		return
	}
	if tracked != nil {
		if err := ch.Track(tracked); err != nil {
			log.Printf("realtime: re-track on %q failed: %v", ch.topic, err)
		}
	}
}

// Track announces presence state for the local client on this channel.
// The channel must be joined first; presence announced before the join is
// acknowledged is unreliable and therefore rejected.
func (ch *Channel) Track(meta interface{}) error {
	ch.mu.Lock()
	if !ch.joined {
		ch.mu.Unlock()
		return fmt.Errorf("cannot track presence on unjoined channel %q", ch.topic)
	}
	ch.trackedMeta = meta
	ch.mu.Unlock()

	payload, err := json.Marshal(trackPayload{
		Type:    "presence",
		Event:   "track",
		Payload: meta,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal presence state: %w", err)
	}

	return ch.client.send(socketMessage{
		Topic:   ch.topic,
		Event:   eventPresence,
		Payload: payload,
		Ref:     ch.client.nextRef(),
	})
}

// Broadcast publishes an application event on the channel. Delivery is
// best-effort: at most once, unordered across event names.
func (ch *Channel) Broadcast(event string, payload interface{}) error {
	ch.mu.Lock()
	if !ch.joined {
		ch.mu.Unlock()
		return fmt.Errorf("cannot broadcast on unjoined channel %q", ch.topic)
	}
	ch.mu.Unlock()

	inner, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast payload: %w", err)
	}
	outer, err := json.Marshal(broadcastPayload{
		Type:    "broadcast",
		Event:   event,
		Payload: inner,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast frame: %w", err)
	}

	return ch.client.send(socketMessage{
		Topic:   ch.topic,
		Event:   eventBroadcast,
		Payload: outer,
		Ref:     ch.client.nextRef(),
	})
}

// OnBroadcast registers a handler for an application broadcast event.
// Handlers run on the socket read goroutine and must not block.
func (ch *Channel) OnBroadcast(event string, handler BroadcastHandler) {
	if handler == nil {
		return
	}
	ch.mu.Lock()
	ch.broadcastSubs[event] = append(ch.broadcastSubs[event], handler)
	ch.mu.Unlock()
}

// OnPresenceJoin registers a handler for presence keys appearing.
func (ch *Channel) OnPresenceJoin(handler PresenceJoinHandler) {
	if handler == nil {
		return
	}
	ch.mu.Lock()
	ch.presenceJoins = append(ch.presenceJoins, handler)
	ch.mu.Unlock()
}

// OnPresenceLeave registers a handler for presence keys disappearing.
func (ch *Channel) OnPresenceLeave(handler PresenceLeaveHandler) {
	if handler == nil {
		return
	}
	ch.mu.Lock()
	ch.presenceLeaves = append(ch.presenceLeaves, handler)
	ch.mu.Unlock()
}

// Leave unsubscribes from the topic. Idempotent.
func (ch *Channel) Leave() error {
	ch.mu.Lock()
	if ch.left || !ch.joined {
		ch.left = true
		ch.joined = false
		ch.mu.Unlock()
		ch.client.removeChannel(ch.topic)
		return nil
	}
	ch.joined = false
	ch.left = true
	ch.trackedMeta = nil
	ch.mu.Unlock()

	err := ch.client.send(socketMessage{
		Topic:   ch.topic,
		Event:   eventLeave,
		Payload: json.RawMessage(`{}`),
		Ref:     ch.client.nextRef(),
	})
	ch.client.removeChannel(ch.topic)
	return err
}

// handleFrame processes one inbound frame addressed to this channel.
func (ch *Channel) handleFrame(msg *socketMessage) {
	switch msg.Event {
	case eventBroadcast:
		var payload broadcastPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return
		}
		ch.mu.Lock()
		handlers := make([]BroadcastHandler, len(ch.broadcastSubs[payload.Event]))
		copy(handlers, ch.broadcastSubs[payload.Event])
		ch.mu.Unlock()
		for _, handler := range handlers {
			handler(payload.Payload)
		}

	case eventPresenceState:
		// Full presence snapshot: every key present is a join relative to
		// what the channel already knows.
		var state map[string]presenceEntry
		if err := json.Unmarshal(msg.Payload, &state); err != nil {
			return
		}
		ch.applyPresence(state, nil)

	case eventPresenceDiff:
		var diff presenceDiffPayload
		if err := json.Unmarshal(msg.Payload, &diff); err != nil {
			return
		}
		ch.applyPresence(diff.Joins, diff.Leaves)

	case eventError, eventClose:
		log.Printf("realtime: channel %q received %s", ch.topic, msg.Event)
	}
}

// applyPresence updates the known presence keys and fires join/leave
// handlers for the delta.
func (ch *Channel) applyPresence(joins, leaves map[string]presenceEntry) {
	type joinEvent struct {
		key  string
		meta map[string]interface{}
	}
	var joined []joinEvent
	var leftKeys []string

	ch.mu.Lock()
	for key, entry := range joins {
		if _, known := ch.presenceKeys[key]; known {
			continue
		}
		ch.presenceKeys[key] = struct{}{}
		var meta map[string]interface{}
		if len(entry.Metas) > 0 {
			meta = entry.Metas[len(entry.Metas)-1]
		}
		joined = append(joined, joinEvent{key: key, meta: meta})
	}
	for key := range leaves {
		if _, known := ch.presenceKeys[key]; !known {
			continue
		}
		delete(ch.presenceKeys, key)
		leftKeys = append(leftKeys, key)
	}
	joinHandlers := make([]PresenceJoinHandler, len(ch.presenceJoins))
	copy(joinHandlers, ch.presenceJoins)
	leaveHandlers := make([]PresenceLeaveHandler, len(ch.presenceLeaves))
	copy(leaveHandlers, ch.presenceLeaves)
	ch.mu.Unlock()

	for _, j := range joined {
		for _, handler := range joinHandlers {
			handler(j.key, j.meta)
		}
	}
	for _, key := range leftKeys {
		for _, handler := range leaveHandlers {
			handler(key)
		}
	}
}
