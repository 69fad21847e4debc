/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Studygram Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package studysdk

import (
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// Identity describes the authenticated user encoded in the backend access
// token. The token is a JWT issued by the backend's auth service; the SDK
// reads its claims for self-identification (e.g. the local participant ID
// in a call) but does not verify the signature — verification is the
// backend's job, enforced on every authenticated request.
type Identity struct {
	// UserID is the stable user identifier (the JWT "sub" claim).
	UserID string

	// Email is the user's email address, when present in the token.
	Email string

	// Role is the backend role claim (e.g. "authenticated").
	Role string

	// ExpiresAt is the token expiry time. Zero if the token has no exp claim.
	ExpiresAt time.Time
}

// tokenClaims holds the non-registered claims the backend adds to its JWTs.
type tokenClaims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// ParseIdentity extracts the identity claims from a backend access token
// without verifying its signature.
func ParseIdentity(accessToken string) (*Identity, error) {
	tok, err := jwt.ParseSigned(accessToken, []jose.SignatureAlgorithm{
		jose.HS256, jose.RS256, jose.ES256,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse access token: %w", err)
	}

	var registered jwt.Claims
	var custom tokenClaims
	if err := tok.UnsafeClaimsWithoutVerification(&registered, &custom); err != nil {
		return nil, fmt.Errorf("failed to read token claims: %w", err)
	}

	if registered.Subject == "" {
		return nil, fmt.Errorf("access token has no subject claim")
	}

	identity := &Identity{
		UserID: registered.Subject,
		Email:  custom.Email,
		Role:   custom.Role,
	}
	if registered.Expiry != nil {
		identity.ExpiresAt = registered.Expiry.Time()
	}

	return identity, nil
}

// Identity returns the identity encoded in the client's access token.
func (c *Client) Identity() (*Identity, error) {
	return ParseIdentity(c.accessToken)
}
