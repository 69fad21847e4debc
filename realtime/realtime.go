/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Studygram Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package realtime implements the websocket client for the Studygram
// backend's realtime service: named channels with join/leave semantics,
// best-effort broadcast events, and per-channel presence tracking. The
// calling package uses a realtime channel as its signaling transport.
package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tokyorchid/studygram-call-sdk/studysdk"
)

// Config holds the configuration for the realtime client.
type Config struct {
	HandshakeTimeout            time.Duration // Timeout for the websocket handshake
	HeartbeatInterval           time.Duration // Interval between heartbeat frames
	HeartbeatTimeout            time.Duration // Timeout for receiving a heartbeat reply
	JoinTimeout                 time.Duration // Timeout for a channel join to be acknowledged
	BackoffTimeMax              time.Duration // Maximum time between connection attempts
	BackoffTimeReset            time.Duration // Initial time before the first retry
	MaxRetries                  int           // Number of times to retry before giving up
	InitialConnectionMaxRetries int           // Number of times to retry before giving up on the initial connection
}

// DefaultConfig returns the default configuration for the realtime client.
func DefaultConfig() *Config {
	return &Config{
		HandshakeTimeout:            10 * time.Second,
		HeartbeatInterval:           30 * time.Second,
		HeartbeatTimeout:            10 * time.Second,
		JoinTimeout:                 10 * time.Second,
		BackoffTimeMax:              32 * time.Second,
		BackoffTimeReset:            1 * time.Second,
		MaxRetries:                  3,
		InitialConnectionMaxRetries: 5,
	}
}

// Client is the realtime websocket client.
type Client struct {
	core   *studysdk.Client
	config *Config

	mu                 sync.Mutex
	conn               *websocket.Conn
	writeMu            sync.Mutex
	connected          bool
	connecting         bool
	hasConnected       bool
	closeCh            chan struct{}
	done               chan struct{}
	retryCount         int
	currentBackoff     time.Duration
	customWebSocketURL string
	refCounter         uint64
	channels           map[string]*Channel
	replies            map[string]chan replyPayload
}

// New creates a new realtime client.
func New(core *studysdk.Client, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	return &Client{
		core:           core,
		config:         config,
		closeCh:        make(chan struct{}),
		done:           make(chan struct{}),
		currentBackoff: config.BackoffTimeReset,
		channels:       make(map[string]*Channel),
		replies:        make(map[string]chan replyPayload),
	}
}

// SetCustomWebSocketURL sets a custom websocket URL, overriding the URL
// derived from the core client's base URL. Used by tests and self-hosted
// deployments.
func (c *Client) SetCustomWebSocketURL(url string) {
	c.mu.Lock()
	c.customWebSocketURL = url
	c.mu.Unlock()
}

// Connect establishes the websocket connection to the realtime service.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.connecting {
		c.mu.Unlock()
		return fmt.Errorf("connection attempt already in progress")
	}
	c.connecting = true
	customURL := c.customWebSocketURL
	c.mu.Unlock()

	wsURL := customURL
	if wsURL == "" {
		derived, err := c.websocketURL()
		if err != nil {
			c.mu.Lock()
			c.connecting = false
			c.mu.Unlock()
			return err
		}
		wsURL = derived
	}

	return c.connectWithBackoff(wsURL)
}

// Disconnect closes the websocket connection and forgets all channels.
// Idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.connected && !c.connecting {
		c.mu.Unlock()
		return nil
	}

	// Signal all goroutines to stop
	close(c.closeCh)

	// Create new channels for future connections
	c.closeCh = make(chan struct{})
	c.done = make(chan struct{})

	conn := c.conn
	c.conn = nil
	c.connected = false
	c.connecting = false
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Disconnected by client"))
		_ = conn.Close()
	}

	return nil
}

// IsConnected returns whether the client is connected to the realtime service.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Channel returns the channel for the given topic, creating it if needed.
// The channel is not joined until Join is called on it.
func (c *Client) Channel(topic string) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.channels[topic]; ok {
		return ch
	}
	ch := newChannel(c, topic)
	c.channels[topic] = ch
	return ch
}

// removeChannel forgets a channel after it has left its topic.
func (c *Client) removeChannel(topic string) {
	c.mu.Lock()
	delete(c.channels, topic)
	c.mu.Unlock()
}

// websocketURL derives the realtime websocket endpoint from the core
// client's base URL and API key.
func (c *Client) websocketURL() (string, error) {
	base := c.core.BaseURL
	if base == nil {
		return "", fmt.Errorf("core client has no base URL")
	}

	u := *base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/realtime/v1/websocket"

	query := url.Values{}
	if key := c.core.GetAPIKey(); key != "" {
		query.Set("apikey", key)
	}
	query.Set("vsn", "1.0.0")
	u.RawQuery = query.Encode()

	return u.String(), nil
}

// connectWithBackoff attempts to connect to the realtime service with
// exponential backoff.
func (c *Client) connectWithBackoff(wsURL string) error {
	c.retryCount = 0
	c.currentBackoff = c.config.BackoffTimeReset

	maxRetries := c.config.MaxRetries
	if !c.hasConnected {
		maxRetries = c.config.InitialConnectionMaxRetries
	}

	var err error
	for c.retryCount <= maxRetries {
		err = c.attemptConnection(wsURL)
		if err == nil {
			return nil
		}

		c.retryCount++
		if c.retryCount > maxRetries {
			break
		}

		select {
		case <-time.After(c.currentBackoff):
			c.currentBackoff *= 2
			if c.currentBackoff > c.config.BackoffTimeMax {
				c.currentBackoff = c.config.BackoffTimeMax
			}
		case <-c.closeCh:
			return nil // Stopped by user
		}
	}

	c.mu.Lock()
	c.connecting = false
	c.mu.Unlock()
	return fmt.Errorf("failed to connect after %d attempts: %v", c.retryCount, err)
}

// attemptConnection makes a single connection attempt.
func (c *Client) attemptConnection(wsURL string) error {
	headers := make(http.Header)
	headers.Set("Authorization", "Bearer "+c.core.GetAccessToken())

	dialer := websocket.Dialer{
		HandshakeTimeout: c.config.HandshakeTimeout,
	}

	conn, _, err := dialer.Dial(wsURL, headers)
	if err != nil {
		return fmt.Errorf("failed to connect to realtime service: %v", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.connecting = false
	c.hasConnected = true
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.heartbeatLoop()
	go c.listen(conn)

	return nil
}

// nextRef returns the next message reference string. Refs tie phx_reply
// frames back to the requests that caused them.
func (c *Client) nextRef() string {
	c.mu.Lock()
	c.refCounter++
	ref := c.refCounter
	c.mu.Unlock()
	return strconv.FormatUint(ref, 10)
}

// send marshals and writes one frame. Writes are serialized; gorilla
// connections do not allow concurrent writers.
func (c *Client) send(msg socketMessage) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return fmt.Errorf("realtime client is not connected")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// sendAndWait writes one frame and blocks until the matching phx_reply
// arrives or the timeout elapses.
func (c *Client) sendAndWait(msg socketMessage, timeout time.Duration) (replyPayload, error) {
	replyCh := make(chan replyPayload, 1)

	c.mu.Lock()
	c.replies[msg.Ref] = replyCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.replies, msg.Ref)
		c.mu.Unlock()
	}()

	if err := c.send(msg); err != nil {
		return replyPayload{}, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-time.After(timeout):
		return replyPayload{}, fmt.Errorf("timed out waiting for reply to %s on %q", msg.Event, msg.Topic)
	case <-c.closeCh:
		return replyPayload{}, fmt.Errorf("client disconnected")
	}
}

// listen reads frames from the websocket and dispatches them.
func (c *Client) listen(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		stillCurrent := c.conn == conn
		if stillCurrent {
			c.connected = false
		}
		done := c.done
		c.mu.Unlock()
		if stillCurrent {
			close(done)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleConnectionError(conn, err)
			return
		}

		var msg socketMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		c.dispatch(&msg)
	}
}

// dispatch routes one inbound frame to a pending reply waiter or to the
// channel owning its topic. Channel handlers run on this goroutine, so the
// processing of presence and broadcast events is serialized.
func (c *Client) dispatch(msg *socketMessage) {
	if msg.Event == eventReply {
		var reply replyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			return
		}
		c.mu.Lock()
		replyCh, ok := c.replies[msg.Ref]
		c.mu.Unlock()
		if ok {
			select {
			case replyCh <- reply:
			default:
			}
		}
		return
	}

	if msg.Topic == heartbeatTopic {
		return
	}

	c.mu.Lock()
	ch, ok := c.channels[msg.Topic]
	c.mu.Unlock()
	if ok {
		ch.handleFrame(msg)
	}
}

// handleConnectionError triggers reconnection unless the client was
// deliberately disconnected.
func (c *Client) handleConnectionError(conn *websocket.Conn, err error) {
	c.mu.Lock()
	wasConnected := c.connected && c.conn == conn
	if wasConnected {
		c.connected = false
	}
	c.mu.Unlock()

	if !wasConnected {
		return
	}

	select {
	case <-c.closeCh:
		// Client was deliberately disconnected, don't reconnect
	default:
		go c.reconnect()
	}
}

// reconnect re-establishes the connection and rejoins every channel that
// was joined before the drop, re-tracking any presence state.
func (c *Client) reconnect() {
	c.mu.Lock()
	if c.connected || c.connecting {
		c.mu.Unlock()
		return
	}
	c.connecting = true
	conn := c.conn
	c.conn = nil
	customURL := c.customWebSocketURL
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	wsURL := customURL
	if wsURL == "" {
		derived, err := c.websocketURL()
		if err != nil {
			c.mu.Lock()
			c.connecting = false
			c.mu.Unlock()
			return
		}
		wsURL = derived
	}

	if err := c.connectWithBackoff(wsURL); err != nil {
		return
	}

	c.mu.Lock()
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	for _, ch := range channels {
		ch.rejoin()
	}
}

// heartbeatLoop sends heartbeat frames at the configured interval. A
// missed reply drops the connection so the read loop can reconnect.
func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	for {
		select {
		case <-ticker.C:
			msg := socketMessage{
				Topic:   heartbeatTopic,
				Event:   eventHeartbeat,
				Payload: json.RawMessage(`{}`),
				Ref:     c.nextRef(),
			}
			if _, err := c.sendAndWait(msg, c.config.HeartbeatTimeout); err != nil {
				c.mu.Lock()
				conn := c.conn
				c.mu.Unlock()
				if conn != nil {
					conn.Close() // Read loop notices and reconnects
				}
				return
			}
		case <-c.closeCh:
			return
		case <-done:
			return
		}
	}
}
