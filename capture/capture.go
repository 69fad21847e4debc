/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Studygram Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package capture manages local media acquisition for calls: camera and
// microphone streams, screen-share streams, and their release. Acquisition
// goes through the Devices interface so the call core can be exercised
// without hardware.
package capture

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

// ErrCaptureUnavailable is returned when no requested capture device could
// be opened at all. For a call this is fatal to start.
var ErrCaptureUnavailable = errors.New("capture: no usable media device")

// ErrScreenShareUnavailable is returned when display capture fails
// (permission denied, no display).
var ErrScreenShareUnavailable = errors.New("capture: screen capture unavailable")

// Track is one local media track. Enabled is a soft flag consulted by the
// call control surface (mute / video-off); Close stops the underlying
// device capture.
type Track interface {
	// Kind reports whether this is an audio or video track.
	Kind() webrtc.RTPCodecType

	// Enabled reports whether the track is currently live from the user's
	// point of view (unmuted audio, camera on).
	Enabled() bool

	// SetEnabled flips the live flag. It does not stop capture.
	SetEnabled(enabled bool)

	// Local returns the underlying track to attach to a peer connection.
	Local() webrtc.TrackLocal

	// OnEnded registers a handler called when the device stops producing
	// media on its own (unplugged, OS-level capture stop). A nil handler
	// clears the registration.
	OnEnded(handler func())

	// Close stops the underlying capture. Safe to call more than once.
	Close() error
}

// Stream owns a set of local tracks acquired together. The same Stream is
// shared by reference with every peer connection; releasing it stops every
// track exactly once.
type Stream struct {
	mu       sync.Mutex
	tracks   []Track
	released bool
}

// NewStream builds a stream owning the given tracks.
func NewStream(tracks ...Track) *Stream {
	return &Stream{tracks: tracks}
}

// Tracks returns all tracks in the stream.
func (s *Stream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// AudioTracks returns the audio tracks in the stream.
func (s *Stream) AudioTracks() []Track {
	return s.tracksOfKind(webrtc.RTPCodecTypeAudio)
}

// VideoTracks returns the video tracks in the stream.
func (s *Stream) VideoTracks() []Track {
	return s.tracksOfKind(webrtc.RTPCodecTypeVideo)
}

func (s *Stream) tracksOfKind(kind webrtc.RTPCodecType) []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// Release stops every track. Idempotent — the second and later calls are
// no-ops, so teardown paths can release unconditionally.
func (s *Stream) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	tracks := s.tracks
	s.mu.Unlock()

	for _, t := range tracks {
		if err := t.Close(); err != nil {
			log.Printf("capture: track close error: %v", err)
		}
	}
}

// Released reports whether Release has run.
func (s *Stream) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Config selects which kinds of media to acquire.
type Config struct {
	Audio bool
	Video bool
}

// Acquisition is the result of Manager.Acquire. AudioOnly is set when video
// was requested but could not be captured and the acquisition fell back to
// audio — a degraded start, not an error.
type Acquisition struct {
	Stream    *Stream
	AudioOnly bool
}

// Devices abstracts the platform capture primitives. The production
// implementation uses pion/mediadevices; tests substitute fakes.
type Devices interface {
	// GetUserMedia opens camera and/or microphone tracks. It fails as a
	// unit: if any requested kind cannot be opened, no stream is returned.
	GetUserMedia(audio, video bool) (*Stream, error)

	// GetDisplayMedia opens a screen capture track.
	GetDisplayMedia() (*Stream, error)
}

// Manager is the media capture manager for a call.
type Manager struct {
	devices Devices
}

// NewManager creates a capture manager over the given devices. A nil
// devices argument selects the platform implementation.
func NewManager(devices Devices) *Manager {
	if devices == nil {
		devices = NewMediaDevices()
	}
	return &Manager{devices: devices}
}

// Acquire opens local media per the config.
//
// For a video request it tries audio+video first and falls back to
// audio-only when the camera cannot be opened, reporting the fallback via
// Acquisition.AudioOnly so the caller can mark local video off for the
// session. For an audio-only request there is no fallback: total failure
// is fatal to call start and is surfaced, not retried.
func (m *Manager) Acquire(cfg Config) (*Acquisition, error) {
	if !cfg.Audio && !cfg.Video {
		return nil, fmt.Errorf("%w: nothing requested", ErrCaptureUnavailable)
	}

	if cfg.Video {
		stream, err := m.devices.GetUserMedia(cfg.Audio, true)
		if err == nil {
			return &Acquisition{Stream: stream}, nil
		}
		log.Printf("capture: audio+video acquisition failed, falling back to audio-only: %v", err)
		if !cfg.Audio {
			return nil, fmt.Errorf("%w: video capture failed: %v", ErrCaptureUnavailable, err)
		}
	}

	stream, err := m.devices.GetUserMedia(true, false)
	if err != nil {
		return nil, fmt.Errorf("%w: audio capture failed: %v", ErrCaptureUnavailable, err)
	}

	return &Acquisition{Stream: stream, AudioOnly: cfg.Video}, nil
}

// AcquireScreenShare opens an independent display-capture stream. It is
// never mixed into the camera/microphone stream.
func (m *Manager) AcquireScreenShare() (*Stream, error) {
	stream, err := m.devices.GetDisplayMedia()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScreenShareUnavailable, err)
	}
	return stream, nil
}
