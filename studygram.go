/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Studygram Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package studygram is the top-level entry point of the Studygram call
// SDK. It bundles the backend core client with the realtime, roster and
// calling plugins, initializing each lazily on first use.
package studygram

import (
	"fmt"
	"sync"

	"github.com/Tokyorchid/studygram-call-sdk/calling"
	"github.com/Tokyorchid/studygram-call-sdk/realtime"
	"github.com/Tokyorchid/studygram-call-sdk/roster"
	"github.com/Tokyorchid/studygram-call-sdk/studysdk"
)

// Client is the top-level client for the Studygram backend
type Client struct {
	// Core client for the Studygram API
	core *studysdk.Client

	// Plugins
	rosterClient   *roster.Client
	realtimeClient *realtime.Client
	callingClient  *calling.Client

	// Mutex for thread-safe lazy initialization of the calling client
	callMu sync.Mutex
}

// NewClient creates a new Studygram client with the given access token and
// optional configuration
func NewClient(accessToken string, config *studysdk.Config) (*Client, error) {
	core, err := studysdk.NewClient(accessToken, config)
	if err != nil {
		return nil, err
	}

	return &Client{core: core}, nil
}

// Roster returns the Roster plugin for session membership lookups
func (c *Client) Roster() *roster.Client {
	if c.rosterClient == nil {
		c.rosterClient = roster.New(c.core, nil)
	}
	return c.rosterClient
}

// Realtime returns the Realtime plugin, the websocket client behind
// presence and broadcast messaging
func (c *Client) Realtime() *realtime.Client {
	if c.realtimeClient == nil {
		c.realtimeClient = realtime.New(c.core, nil)
	}
	return c.realtimeClient
}

// Calling returns a fully-wired Calling client for study-session calls.
//
// This is a convenience method that abstracts away the manual setup of
// the WebRTC stack and the realtime signaling wiring. The client is
// lazily initialized on first call and cached for subsequent calls.
//
// Simple usage:
//
//	call, err := client.Calling()
//	session, err := call.StartCall(ctx, sessionID, true)
//	defer session.End()
//
// For advanced control over ICE servers or reconnection policy, use
// calling.New directly with a custom calling.Config.
func (c *Client) Calling() (*calling.Client, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	if c.callingClient != nil {
		return c.callingClient, nil
	}

	callClient, err := calling.New(c.core, c.Realtime(), nil)
	if err != nil {
		return nil, fmt.Errorf("calling initialization failed: %w", err)
	}

	c.callingClient = callClient
	return c.callingClient, nil
}

// Core returns the core Studygram client
func (c *Client) Core() *studysdk.Client {
	return c.core
}
