/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Studygram Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// ErrScreenShareNeedsVideo is returned when screen sharing is attempted
// in a call that has no outgoing video sender to carry it.
var ErrScreenShareNeedsVideo = errors.New("calling: screen share requires a video call")

// ToggleMute flips the microphone and returns the new muted state.
// Muting detaches the track from every peer's audio sender, so no frames
// leave the process; the capture device itself keeps running, so
// unmuting is instant. On an ended session the current state is returned
// unchanged.
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	if s.ended || !s.started {
		muted := s.muted
		s.mu.Unlock()
		return muted
	}
	s.muted = !s.muted
	for _, track := range s.localStream.AudioTracks() {
		track.SetEnabled(!s.muted)
	}
	var replacement webrtc.TrackLocal
	if !s.muted && s.micTrack != nil {
		replacement = s.micTrack.Local()
	}
	for _, peer := range s.registry.All() {
		for _, sender := range peer.AudioSenders() {
			if err := sender.ReplaceTrack(replacement); err != nil {
				s.logf("call: failed to update audio sender for %s: %v", peer.ParticipantID(), err)
			}
		}
	}
	muted := s.muted
	presence := s.presenceLocked()
	local := s.localStateLocked()
	s.mu.Unlock()

	if err := s.signaling.Send(MuteStatus{Sender: s.localID, Muted: muted}); err != nil {
		s.logf("call: failed to announce mute state: %v", err)
	}
	if err := s.signaling.Announce(presence); err != nil {
		s.logf("call: failed to update presence: %v", err)
	}
	s.Emitter.Emit(string(CallEventLocalState), local)
	return muted
}

// Muted reports the current microphone state.
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// ToggleVideo flips the camera and returns whether video is now live.
// Turning video off detaches the camera from every peer's video sender.
// In an audio-only call there is no camera track to flip, so the call
// stays audio-only and false is returned. During a screen share the
// senders carry the screen track and are left alone; the flag still
// decides what comes back when the share stops.
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	if s.ended || !s.started || s.audioOnly || s.cameraTrack == nil {
		live := s.started && !s.ended && !s.audioOnly && !s.videoOff && s.cameraTrack != nil
		s.mu.Unlock()
		return live
	}
	s.videoOff = !s.videoOff
	for _, track := range s.localStream.VideoTracks() {
		track.SetEnabled(!s.videoOff)
	}
	if !s.sharing {
		var replacement webrtc.TrackLocal
		if !s.videoOff {
			replacement = s.cameraTrack.Local()
		}
		for _, peer := range s.registry.All() {
			for _, sender := range peer.VideoSenders() {
				if err := sender.ReplaceTrack(replacement); err != nil {
					s.logf("call: failed to update video sender for %s: %v", peer.ParticipantID(), err)
				}
			}
		}
	}
	videoOff := s.videoOff
	presence := s.presenceLocked()
	local := s.localStateLocked()
	s.mu.Unlock()

	if err := s.signaling.Send(VideoStatus{Sender: s.localID, VideoOff: videoOff}); err != nil {
		s.logf("call: failed to announce video state: %v", err)
	}
	if err := s.signaling.Announce(presence); err != nil {
		s.logf("call: failed to update presence: %v", err)
	}
	s.Emitter.Emit(string(CallEventLocalState), local)
	return !videoOff
}

// ToggleScreenShare starts or stops screen sharing and returns whether a
// share is now active.
//
// Starting acquires a display stream and swaps it into the outgoing video
// sender of every peer; stopping swaps the camera track back (still
// disabled if the camera was off) and releases the display stream. The
// camera stream itself is never touched.
func (s *Session) ToggleScreenShare() (bool, error) {
	s.mu.Lock()
	if s.ended || !s.started {
		sharing := s.sharing
		s.mu.Unlock()
		return sharing, ErrCallEnded
	}
	if s.sharing {
		s.stopScreenShareLocked()
		local := s.localStateLocked()
		s.mu.Unlock()

		s.announceSharing(false)
		s.Emitter.Emit(string(CallEventLocalState), local)
		return false, nil
	}
	if s.cameraTrack == nil {
		s.mu.Unlock()
		return false, ErrScreenShareNeedsVideo
	}
	s.mu.Unlock()

	stream, err := s.media.AcquireScreenShare()
	if err != nil {
		return false, fmt.Errorf("failed to start screen share: %w", err)
	}

	s.mu.Lock()
	if s.ended || s.sharing {
		sharing := s.sharing
		s.mu.Unlock()
		stream.Release()
		return sharing, nil
	}
	tracks := stream.VideoTracks()
	if len(tracks) == 0 {
		s.mu.Unlock()
		stream.Release()
		return false, fmt.Errorf("display stream carried no video track")
	}
	s.screenStream = stream
	s.screenTrack = tracks[0]
	s.sharing = true

	// The OS-level capture can stop on its own (display disconnect,
	// compositor revoking the grab); fold that into the normal stop path.
	s.screenTrack.OnEnded(func() {
		go s.handleScreenEnded()
	})

	for _, peer := range s.registry.All() {
		for _, sender := range peer.VideoSenders() {
			if err := sender.ReplaceTrack(s.screenTrack.Local()); err != nil {
				s.logf("call: failed to switch %s to screen track: %v", peer.ParticipantID(), err)
			}
		}
	}
	local := s.localStateLocked()
	s.mu.Unlock()

	s.announceSharing(true)
	s.Emitter.Emit(string(CallEventLocalState), local)
	return true, nil
}

// handleScreenEnded reacts to the display capture stopping on its own.
func (s *Session) handleScreenEnded() {
	s.mu.Lock()
	if s.ended || !s.sharing {
		s.mu.Unlock()
		return
	}
	s.stopScreenShareLocked()
	local := s.localStateLocked()
	s.mu.Unlock()

	s.announceSharing(false)
	s.Emitter.Emit(string(CallEventLocalState), local)
	s.Emitter.Emit(string(CallEventNotice), Notice{
		Level:   NoticeInfo,
		Message: "screen sharing stopped",
	})
}

// stopScreenShareLocked restores the camera track on every sender, then
// releases the display stream. When video was toggled off before or
// during the share the senders go back detached instead, so the camera
// stays dark for the room.
func (s *Session) stopScreenShareLocked() {
	if !s.sharing {
		return
	}
	s.sharing = false
	stream := s.screenStream
	s.screenStream = nil
	s.screenTrack = nil

	var replacement webrtc.TrackLocal
	if s.cameraTrack != nil && !s.videoOff {
		replacement = s.cameraTrack.Local()
	}
	for _, peer := range s.registry.All() {
		for _, sender := range peer.VideoSenders() {
			if err := sender.ReplaceTrack(replacement); err != nil {
				s.logf("call: failed to restore camera for %s: %v", peer.ParticipantID(), err)
			}
		}
	}
	if stream != nil {
		stream.Release()
	}
}

func (s *Session) announceSharing(sharing bool) {
	if err := s.signaling.Send(ScreenStatus{Sender: s.localID, Sharing: sharing}); err != nil {
		s.logf("call: failed to announce screen share state: %v", err)
	}
	s.mu.Lock()
	presence := s.presenceLocked()
	s.mu.Unlock()
	if err := s.signaling.Announce(presence); err != nil {
		s.logf("call: failed to update presence: %v", err)
	}
}

// presenceLocked builds the current local presence state.
func (s *Session) presenceLocked() PresenceState {
	return PresenceState{
		JoinedAt: s.joinedAt,
		Muted:    s.muted,
		VideoOff: s.videoOff || s.audioOnly,
		Sharing:  s.sharing,
	}
}
