/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Studygram Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/Tokyorchid/studygram-call-sdk/capture"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("Condition not met before timeout")
}

// ---- In-memory signaling ----

// fakeBus links fakeChannels the way the realtime service links room
// subscribers: broadcasts fan out to every subscriber (self included),
// presence tracking is announced to the room, and a fresh joiner
// receives the tracked state of everyone already there.
type fakeBus struct {
	mu       sync.Mutex
	channels []*fakeChannel
}

func newFakeBus() *fakeBus {
	return &fakeBus{}
}

func (b *fakeBus) channel(t *testing.T, key string) *fakeChannel {
	ch := newFakeChannel(t, key)
	ch.bus = b
	b.mu.Lock()
	b.channels = append(b.channels, ch)
	b.mu.Unlock()
	return ch
}

func (b *fakeBus) all() []*fakeChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*fakeChannel, len(b.channels))
	copy(out, b.channels)
	return out
}

// fakeChannel implements RoomChannel. Inbound frames are dispatched on a
// dedicated goroutine, one at a time, matching the realtime client's
// delivery model.
type fakeChannel struct {
	bus *fakeBus
	key string

	mu         sync.Mutex
	joined     bool
	left       bool
	joinErr    error
	tracked    map[string]interface{}
	trackCount int
	handlers   map[string][]func(json.RawMessage)
	presJoins  []func(string, map[string]interface{})
	presLeaves []func(string)
	seen       map[string]bool
	sent       map[string][]json.RawMessage

	queue chan func()
}

func newFakeChannel(t *testing.T, key string) *fakeChannel {
	ch := &fakeChannel{
		key:      key,
		handlers: make(map[string][]func(json.RawMessage)),
		seen:     make(map[string]bool),
		sent:     make(map[string][]json.RawMessage),
		queue:    make(chan func(), 256),
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for fn := range ch.queue {
			fn()
		}
	}()
	t.Cleanup(func() {
		close(ch.queue)
		<-done
	})
	return ch
}

func (c *fakeChannel) Join() error {
	c.mu.Lock()
	if c.joinErr != nil {
		err := c.joinErr
		c.mu.Unlock()
		return err
	}
	c.joined = true
	c.mu.Unlock()

	// A joiner learns about everyone already tracked in the room.
	if c.bus != nil {
		for _, other := range c.bus.all() {
			if other == c {
				continue
			}
			other.mu.Lock()
			key, meta := other.key, other.tracked
			other.mu.Unlock()
			if meta != nil {
				c.deliverPresenceJoin(key, meta)
			}
		}
	}
	return nil
}

func (c *fakeChannel) Track(meta interface{}) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	var asMap map[string]interface{}
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return err
	}

	c.mu.Lock()
	c.tracked = asMap
	c.trackCount++
	c.mu.Unlock()

	if c.bus != nil {
		for _, other := range c.bus.all() {
			other.deliverPresenceJoin(c.key, asMap)
		}
	}
	return nil
}

func (c *fakeChannel) Broadcast(event string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sent[event] = append(c.sent[event], raw)
	c.mu.Unlock()

	if c.bus != nil {
		for _, other := range c.bus.all() {
			other.deliverBroadcast(event, raw)
		}
	} else {
		// Self-delivery still happens without a bus.
		c.deliverBroadcast(event, raw)
	}
	return nil
}

func (c *fakeChannel) OnBroadcast(event string, handler func(payload json.RawMessage)) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], handler)
	c.mu.Unlock()
}

func (c *fakeChannel) OnPresenceJoin(handler func(key string, meta map[string]interface{})) {
	c.mu.Lock()
	c.presJoins = append(c.presJoins, handler)
	c.mu.Unlock()
}

func (c *fakeChannel) OnPresenceLeave(handler func(key string)) {
	c.mu.Lock()
	c.presLeaves = append(c.presLeaves, handler)
	c.mu.Unlock()
}

func (c *fakeChannel) Leave() error {
	c.mu.Lock()
	c.left = true
	c.joined = false
	c.mu.Unlock()

	if c.bus != nil {
		for _, other := range c.bus.all() {
			if other != c {
				other.deliverPresenceLeave(c.key)
			}
		}
	}
	return nil
}

func (c *fakeChannel) deliverBroadcast(event string, payload json.RawMessage) {
	c.enqueue(func() {
		c.mu.Lock()
		handlers := make([]func(json.RawMessage), len(c.handlers[event]))
		copy(handlers, c.handlers[event])
		c.mu.Unlock()
		for _, handler := range handlers {
			handler(payload)
		}
	})
}

// deliverPresenceJoin surfaces a presence join, once per key, the way
// the realtime channel's presence delta does. Re-announced metas for a
// known key are absorbed silently.
func (c *fakeChannel) deliverPresenceJoin(key string, meta map[string]interface{}) {
	c.mu.Lock()
	if c.seen[key] {
		c.mu.Unlock()
		return
	}
	c.seen[key] = true
	c.mu.Unlock()

	c.enqueue(func() {
		c.mu.Lock()
		handlers := make([]func(string, map[string]interface{}), len(c.presJoins))
		copy(handlers, c.presJoins)
		c.mu.Unlock()
		for _, handler := range handlers {
			handler(key, meta)
		}
	})
}

func (c *fakeChannel) deliverPresenceLeave(key string) {
	c.mu.Lock()
	delete(c.seen, key)
	c.mu.Unlock()

	c.enqueue(func() {
		c.mu.Lock()
		handlers := make([]func(string), len(c.presLeaves))
		copy(handlers, c.presLeaves)
		c.mu.Unlock()
		for _, handler := range handlers {
			handler(key)
		}
	})
}

func (c *fakeChannel) enqueue(fn func()) {
	defer func() {
		// The dispatcher shuts down at test cleanup; frames arriving
		// after that are dropped like frames after a socket close.
		_ = recover()
	}()
	c.queue <- fn
}

// sendMessage injects an inbound signaling message as if a peer had
// broadcast it.
func (c *fakeChannel) sendMessage(t *testing.T, event string, msg interface{}) {
	t.Helper()
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Failed to marshal injected message: %v", err)
	}
	c.deliverBroadcast(event, raw)
}

func (c *fakeChannel) sentCount(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent[event])
}

func (c *fakeChannel) lastSent(t *testing.T, event string, into interface{}) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.sent[event]
	if len(msgs) == 0 {
		t.Fatalf("No %s messages were sent", event)
	}
	if err := json.Unmarshal(msgs[len(msgs)-1], into); err != nil {
		t.Fatalf("Failed to decode sent %s: %v", event, err)
	}
}

func (c *fakeChannel) isLeft() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.left
}

func (c *fakeChannel) trackedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trackCount
}

// ---- Fake peer connections ----

type fakeSender struct {
	mu    sync.Mutex
	track webrtc.TrackLocal
}

func (s *fakeSender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	s.track = track
	s.mu.Unlock()
	return nil
}

type fakeConn struct {
	mu sync.Mutex

	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onTrack func(*webrtc.TrackRemote)

	senders       []*fakeSender
	remoteOffers  []string
	remoteAnswers []string
	offerCalls    int
	answerCalls   int
	candidates    []webrtc.ICECandidateInit
	closed        bool
	state         webrtc.PeerConnectionState
}

func (c *fakeConn) AddTrack(track webrtc.TrackLocal) (TrackSender, error) {
	sender := &fakeSender{track: track}
	c.mu.Lock()
	c.senders = append(c.senders, sender)
	c.mu.Unlock()
	return sender, nil
}

func (c *fakeConn) Senders() []TrackSender {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TrackSender, len(c.senders))
	for i, s := range c.senders {
		out[i] = s
	}
	return out
}

func (c *fakeConn) CreateOffer() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offerCalls++
	return "offer-sdp", nil
}

func (c *fakeConn) CreateAnswer() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answerCalls++
	return "answer-sdp", nil
}

func (c *fakeConn) SetRemoteOffer(sdp string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteOffers = append(c.remoteOffers, sdp)
	return nil
}

func (c *fakeConn) SetRemoteAnswer(sdp string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteAnswers = append(c.remoteAnswers, sdp)
	return nil
}

func (c *fakeConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *fakeConn) OnICECandidate(handler func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = handler
	c.mu.Unlock()
}

func (c *fakeConn) OnConnectionStateChange(handler func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = handler
	c.mu.Unlock()
}

func (c *fakeConn) OnTrack(handler func(*webrtc.TrackRemote)) {
	c.mu.Lock()
	c.onTrack = handler
	c.mu.Unlock()
}

func (c *fakeConn) ConnectionState() webrtc.PeerConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.state = webrtc.PeerConnectionStateClosed
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) handlersDetached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onICE == nil && c.onState == nil && c.onTrack == nil
}

func (c *fakeConn) fireState(state webrtc.PeerConnectionState) {
	c.mu.Lock()
	c.state = state
	handler := c.onState
	c.mu.Unlock()
	if handler != nil {
		handler(state)
	}
}

func (c *fakeConn) fireICE(candidate webrtc.ICECandidateInit) {
	c.mu.Lock()
	handler := c.onICE
	c.mu.Unlock()
	if handler != nil {
		handler(candidate)
	}
}

func (c *fakeConn) fireTrack(track *webrtc.TrackRemote) {
	c.mu.Lock()
	handler := c.onTrack
	c.mu.Unlock()
	if handler != nil {
		handler(track)
	}
}

type fakeFactory struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (f *fakeFactory) new() (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	conn := &fakeConn{state: webrtc.PeerConnectionStateNew}
	f.conns = append(f.conns, conn)
	return conn, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeFactory) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

func (f *fakeFactory) last() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// ---- Fake capture ----

// fakeLocalTrack is a minimal webrtc.TrackLocal so senders can be told
// apart by ID in tests.
type fakeLocalTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (f *fakeLocalTrack) ID() string                { return f.id }
func (f *fakeLocalTrack) RID() string               { return "" }
func (f *fakeLocalTrack) StreamID() string          { return "fake-stream" }
func (f *fakeLocalTrack) Kind() webrtc.RTPCodecType { return f.kind }
func (f *fakeLocalTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (f *fakeLocalTrack) Unbind(webrtc.TrackLocalContext) error { return nil }

type fakeCaptureTrack struct {
	local *fakeLocalTrack

	mu      sync.Mutex
	enabled bool
	closed  int
	onEnded func()
}

func newFakeCaptureTrack(id string, kind webrtc.RTPCodecType) *fakeCaptureTrack {
	return &fakeCaptureTrack{
		local:   &fakeLocalTrack{id: id, kind: kind},
		enabled: true,
	}
}

func (f *fakeCaptureTrack) Kind() webrtc.RTPCodecType { return f.local.kind }

func (f *fakeCaptureTrack) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *fakeCaptureTrack) SetEnabled(enabled bool) {
	f.mu.Lock()
	f.enabled = enabled
	f.mu.Unlock()
}

func (f *fakeCaptureTrack) Local() webrtc.TrackLocal { return f.local }

func (f *fakeCaptureTrack) OnEnded(handler func()) {
	f.mu.Lock()
	f.onEnded = handler
	f.mu.Unlock()
}

func (f *fakeCaptureTrack) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func (f *fakeCaptureTrack) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeCaptureTrack) endCapture() {
	f.mu.Lock()
	handler := f.onEnded
	f.mu.Unlock()
	if handler != nil {
		handler()
	}
}

// fakeDevices scripts capture outcomes for session tests.
type fakeDevices struct {
	mu        sync.Mutex
	videoErr  error
	audioErr  error
	screenErr error
	gate      chan struct{}

	micTrack    *fakeCaptureTrack
	camTrack    *fakeCaptureTrack
	screenTrack *fakeCaptureTrack
}

func (f *fakeDevices) GetUserMedia(audio, video bool) (*capture.Stream, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.audioErr != nil {
		return nil, f.audioErr
	}
	if video && f.videoErr != nil {
		return nil, f.videoErr
	}
	var tracks []capture.Track
	if audio {
		f.micTrack = newFakeCaptureTrack("mic-0", webrtc.RTPCodecTypeAudio)
		tracks = append(tracks, f.micTrack)
	}
	if video {
		f.camTrack = newFakeCaptureTrack("cam-0", webrtc.RTPCodecTypeVideo)
		tracks = append(tracks, f.camTrack)
	}
	return capture.NewStream(tracks...), nil
}

func (f *fakeDevices) GetDisplayMedia() (*capture.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.screenErr != nil {
		return nil, f.screenErr
	}
	f.screenTrack = newFakeCaptureTrack("screen-0", webrtc.RTPCodecTypeVideo)
	return capture.NewStream(f.screenTrack), nil
}

func (f *fakeDevices) mic() *fakeCaptureTrack {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.micTrack
}

func (f *fakeDevices) cam() *fakeCaptureTrack {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.camTrack
}

func (f *fakeDevices) screen() *fakeCaptureTrack {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.screenTrack
}

// ---- Session harness ----

type sessionHarness struct {
	session *Session
	channel *fakeChannel
	factory *fakeFactory
	devices *fakeDevices
}

func testConfig() *Config {
	config := DefaultConfig()
	config.ReconnectBackoff = 5 * time.Millisecond
	return config
}

func newHarness(t *testing.T, localID string, config *Config) *sessionHarness {
	t.Helper()
	if config == nil {
		config = testConfig()
	}
	channel := newFakeChannel(t, localID)
	factory := &fakeFactory{}
	devices := &fakeDevices{}
	session := NewSession(channel, factory.new, capture.NewManager(devices), localID, "sess-1", nil, config)
	return &sessionHarness{
		session: session,
		channel: channel,
		factory: factory,
		devices: devices,
	}
}

// laterJoin is a presence meta for a peer that joined after the local
// participant, making the local side the initiator.
func (h *sessionHarness) laterJoin() map[string]interface{} {
	return map[string]interface{}{"joined_at": float64(time.Now().UnixMilli() + 60_000)}
}

// earlierJoin is a presence meta for a peer that joined first, making
// the local side the responder.
func (h *sessionHarness) earlierJoin() map[string]interface{} {
	return map[string]interface{}{"joined_at": float64(1)}
}
