/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Studygram Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// NewPeerConnectionFactory builds the production ConnectionFactory over
// pion/webrtc. The webrtc.API is assembled once and shared: codecs,
// default interceptors (NACK, RTCP reports, TWCC) and ICE timings are
// identical for every peer in the mesh.
func NewPeerConnectionFactory(config *Config) (ConnectionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	// Long disconnect/failure windows: study sessions run on flaky dorm
	// wifi, and the reconnection path is cheaper than a spurious failure.
	settingEngine.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settingEngine),
	)

	rtcConfig := webrtc.Configuration{ICEServers: config.ICEServers}

	return func() (PeerConnection, error) {
		pc, err := api.NewPeerConnection(rtcConfig)
		if err != nil {
			return nil, err
		}
		return &pionPeerConnection{pc: pc}, nil
	}, nil
}

// pionPeerConnection adapts *webrtc.PeerConnection to the PeerConnection
// interface.
type pionPeerConnection struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	senders []TrackSender
}

func (p *pionPeerConnection) AddTrack(track webrtc.TrackLocal) (TrackSender, error) {
	rtpSender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}

	// Drain inbound RTCP so the interceptors keep processing reports.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := rtpSender.Read(buf); err != nil {
				return
			}
		}
	}()

	sender := &pionSender{sender: rtpSender}
	p.mu.Lock()
	p.senders = append(p.senders, sender)
	p.mu.Unlock()
	return sender, nil
}

func (p *pionPeerConnection) Senders() []TrackSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TrackSender, len(p.senders))
	copy(out, p.senders)
	return out
}

func (p *pionPeerConnection) CreateOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local offer: %w", err)
	}
	return offer.SDP, nil
}

func (p *pionPeerConnection) CreateAnswer() (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local answer: %w", err)
	}
	return answer.SDP, nil
}

func (p *pionPeerConnection) SetRemoteOffer(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
}

func (p *pionPeerConnection) SetRemoteAnswer(sdp string) error {
	// A second answer for the same offer arrives when signaling delivers
	// duplicates; applying it in the stable state would fail loudly.
	if p.pc.SignalingState() == webrtc.SignalingStateStable {
		return fmt.Errorf("ignoring answer in stable signaling state")
	}
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (p *pionPeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *pionPeerConnection) OnICECandidate(handler func(candidate webrtc.ICECandidateInit)) {
	if handler == nil {
		p.pc.OnICECandidate(nil)
		return
	}
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// pion signals end-of-candidates with nil; nothing to trickle.
		if c == nil {
			return
		}
		handler(c.ToJSON())
	})
}

func (p *pionPeerConnection) OnConnectionStateChange(handler func(state webrtc.PeerConnectionState)) {
	if handler == nil {
		p.pc.OnConnectionStateChange(nil)
		return
	}
	p.pc.OnConnectionStateChange(handler)
}

func (p *pionPeerConnection) OnTrack(handler func(track *webrtc.TrackRemote)) {
	if handler == nil {
		p.pc.OnTrack(nil)
		return
	}
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		handler(track)
	})
}

func (p *pionPeerConnection) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

func (p *pionPeerConnection) Close() error {
	return p.pc.Close()
}

// pionSender adapts *webrtc.RTPSender to TrackSender.
type pionSender struct {
	sender *webrtc.RTPSender
}

func (s *pionSender) Track() webrtc.TrackLocal {
	return s.sender.Track()
}

func (s *pionSender) ReplaceTrack(track webrtc.TrackLocal) error {
	return s.sender.ReplaceTrack(track)
}
