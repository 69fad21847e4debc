/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Studygram Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package calling implements in-call audio/video for study sessions: a
// full-mesh WebRTC call per session room, signaled over the realtime
// channel, with per-peer connection lifecycle management, bounded
// reconnection and a call control surface (mute, camera, screen share).
package calling

import (
	"context"
	"fmt"

	"github.com/Tokyorchid/studygram-call-sdk/capture"
	"github.com/Tokyorchid/studygram-call-sdk/realtime"
	"github.com/Tokyorchid/studygram-call-sdk/roster"
	"github.com/Tokyorchid/studygram-call-sdk/studysdk"
)

// Client is the top-level calling client. It holds the pieces shared
// across calls (backend client, realtime socket, peer connection
// factory, capture manager) and mints one Session per joined call.
type Client struct {
	core     *studysdk.Client
	realtime *realtime.Client
	config   *Config

	roster  *roster.Client
	media   *capture.Manager
	factory ConnectionFactory
}

// New creates a calling client. A nil config selects DefaultConfig.
func New(core *studysdk.Client, rt *realtime.Client, config *Config) (*Client, error) {
	config = config.withDefaults()

	factory, err := NewPeerConnectionFactory(config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WebRTC stack: %w", err)
	}

	return &Client{
		core:     core,
		realtime: rt,
		config:   config,
		roster:   roster.New(core, nil),
		media:    capture.NewManager(nil),
		factory:  factory,
	}, nil
}

// StartCall joins the call of a study session and returns the live
// Session. video selects whether the camera is requested; a call always
// carries audio.
//
// The roster is fetched best-effort: a failed lookup degrades display
// names per the configured placeholder policy instead of blocking the
// call.
func (c *Client) StartCall(ctx context.Context, sessionID string, video bool) (*Session, error) {
	identity, err := c.core.Identity()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve local participant: %w", err)
	}

	if err := c.realtime.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect realtime socket: %w", err)
	}

	var participants []Participant
	members, err := c.roster.List(ctx, sessionID)
	if err != nil {
		c.logf("calling: roster lookup for session %s failed: %v", sessionID, err)
	} else {
		for _, m := range members {
			participants = append(participants, Participant{
				ParticipantID: m.ParticipantID,
				Username:      m.Username,
				AvatarURL:     m.AvatarURL,
			})
		}
	}

	channel := c.realtime.Channel(RoomTopic(sessionID))
	session := NewSession(channel, c.factory, c.media, identity.UserID, sessionID, participants, c.config)
	if err := session.Start(video); err != nil {
		return nil, err
	}
	return session, nil
}

func (c *Client) logf(format string, v ...interface{}) {
	if c.config.Logger != nil {
		c.config.Logger.Printf(format, v...)
	}
}
