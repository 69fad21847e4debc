/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Studygram Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package roster resolves the member list of a study session, mapping
// participant IDs to display names and avatars for the call view.
package roster

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/Tokyorchid/studygram-call-sdk/studysdk"
)

// Member is one member of a study session.
type Member struct {
	ParticipantID string    `json:"participant_id"`
	Username      string    `json:"username"`
	AvatarURL     string    `json:"avatar_url,omitempty"`
	JoinedAt      time.Time `json:"joined_at,omitempty"`
	Host          bool      `json:"host,omitempty"`
}

// Config holds the configuration for the roster plugin.
type Config struct {
	// Max caps the number of members fetched per session. Zero means
	// the server default.
	Max int
}

// DefaultConfig returns the default configuration for the roster plugin.
func DefaultConfig() *Config {
	return &Config{}
}

// Client is the roster API client.
type Client struct {
	core   *studysdk.Client
	config *Config
}

// New creates a new roster client.
func New(core *studysdk.Client, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	return &Client{
		core:   core,
		config: config,
	}
}

// List fetches the members of a study session.
func (c *Client) List(ctx context.Context, sessionID string) ([]Member, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("sessionID is required")
	}

	params := url.Values{}
	params.Set("session_id", sessionID)
	if c.config.Max > 0 {
		params.Set("max", fmt.Sprintf("%d", c.config.Max))
	}

	resp, err := c.core.RequestWithRetry(ctx, http.MethodGet, "api/v1/session-members", params, nil)
	if err != nil {
		return nil, err
	}

	var page struct {
		Items []Member `json:"items"`
	}
	if err := studysdk.ParseResponse(resp, &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}

// Get fetches a single session member.
func (c *Client) Get(ctx context.Context, sessionID, participantID string) (*Member, error) {
	if sessionID == "" || participantID == "" {
		return nil, fmt.Errorf("sessionID and participantID are required")
	}

	params := url.Values{}
	params.Set("session_id", sessionID)

	path := "api/v1/session-members/" + url.PathEscape(participantID)
	resp, err := c.core.RequestWithRetry(ctx, http.MethodGet, path, params, nil)
	if err != nil {
		return nil, err
	}

	var member Member
	if err := studysdk.ParseResponse(resp, &member); err != nil {
		return nil, err
	}
	return &member, nil
}
