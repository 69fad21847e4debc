/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Studygram Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package roster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Tokyorchid/studygram-call-sdk/studysdk"
)

func newTestCore(t *testing.T, server *httptest.Server) *studysdk.Client {
	t.Helper()
	config := &studysdk.Config{
		BaseURL:        server.URL,
		Timeout:        5 * time.Second,
		HttpClient:     server.Client(),
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
	}
	core, err := studysdk.NewClient("test-token", config)
	if err != nil {
		t.Fatalf("Failed to create core client: %v", err)
	}
	return core
}

func TestList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/session-members" {
			t.Errorf("Expected path '/api/v1/session-members', got '%s'", r.URL.Path)
		}
		if got := r.URL.Query().Get("session_id"); got != "sess-1" {
			t.Errorf("Expected session_id 'sess-1', got '%s'", got)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"items": []Member{
				{ParticipantID: "user-1", Username: "ara", Host: true},
				{ParticipantID: "user-2", Username: "bin"},
			},
		})
	}))
	defer server.Close()

	client := New(newTestCore(t, server), nil)

	members, err := client.List(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("Expected 2 members, got %d", len(members))
	}
	if members[0].ParticipantID != "user-1" || members[0].Username != "ara" {
		t.Errorf("Unexpected first member: %+v", members[0])
	}
	if !members[0].Host {
		t.Error("Expected first member to be host")
	}
}

func TestListRequiresSessionID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("No request expected for empty session ID")
	}))
	defer server.Close()

	client := New(newTestCore(t, server), nil)
	if _, err := client.List(context.Background(), ""); err == nil {
		t.Error("Expected error for empty session ID")
	}
}

func TestListMaxParam(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("max"); got != "8" {
			t.Errorf("Expected max '8', got '%s'", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"items": []Member{}})
	}))
	defer server.Close()

	client := New(newTestCore(t, server), &Config{Max: 8})
	if _, err := client.List(context.Background(), "sess-1"); err != nil {
		t.Fatalf("List failed: %v", err)
	}
}

func TestListErrorMapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"row-level security"}`))
	}))
	defer server.Close()

	client := New(newTestCore(t, server), nil)
	_, err := client.List(context.Background(), "sess-1")
	if err == nil {
		t.Fatal("Expected error for 403 response")
	}
	if !studysdk.IsForbidden(err) {
		t.Errorf("Expected ForbiddenError, got %T", err)
	}
}

func TestGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/session-members/user-9" {
			t.Errorf("Expected path '/api/v1/session-members/user-9', got '%s'", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(Member{ParticipantID: "user-9", Username: "nunu"})
	}))
	defer server.Close()

	client := New(newTestCore(t, server), nil)

	member, err := client.Get(context.Background(), "sess-1", "user-9")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if member.Username != "nunu" {
		t.Errorf("Expected username 'nunu', got '%s'", member.Username)
	}
}
