//go:build linux && cgo

/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Studygram Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package capture

import (
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// mediaDevices is the production Devices implementation, backed by
// pion/mediadevices (V4L2 camera, malgo microphone, X11 screen on Linux).
type mediaDevices struct {
	once        sync.Once
	selector    *mediadevices.CodecSelector
	selectorErr error
}

// NewMediaDevices returns the platform capture implementation.
func NewMediaDevices() Devices {
	return &mediaDevices{}
}

// codecSelector lazily builds the VP8+Opus codec selector shared by all
// acquisitions.
func (d *mediaDevices) codecSelector() (*mediadevices.CodecSelector, error) {
	d.once.Do(func() {
		vpxParams, err := vpx.NewVP8Params()
		if err != nil {
			d.selectorErr = err
			return
		}
		vpxParams.BitRate = 1_500_000 // 1.5 Mbps

		opusParams, err := opus.NewParams()
		if err != nil {
			d.selectorErr = err
			return
		}

		d.selector = mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		)
	})
	return d.selector, d.selectorErr
}

// GetUserMedia opens camera and/or microphone tracks.
func (d *mediaDevices) GetUserMedia(audio, video bool) (*Stream, error) {
	selector, err := d.codecSelector()
	if err != nil {
		return nil, fmt.Errorf("codec selector: %w", err)
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: selector}
	if video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
			// produces malformed JPEG frames, which poisons the VP8 encoder.
			// Raw formats only.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			// Cap at 640×480 — higher resolutions increase VP8 encoding
			// latency noticeably on study-session laptops.
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}
	if audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}

	return wrapMediaStream(stream), nil
}

// GetDisplayMedia opens a screen-capture track.
func (d *mediaDevices) GetDisplayMedia() (*Stream, error) {
	selector, err := d.codecSelector()
	if err != nil {
		return nil, fmt.Errorf("codec selector: %w", err)
	}

	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: selector,
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, err
	}

	return wrapMediaStream(stream), nil
}

// wrapMediaStream adapts a mediadevices stream to the package Stream type.
func wrapMediaStream(stream mediadevices.MediaStream) *Stream {
	var tracks []Track
	for _, t := range stream.GetTracks() {
		tracks = append(tracks, newDeviceTrack(t))
	}
	return NewStream(tracks...)
}

// deviceTrack wraps a mediadevices track with the soft enabled flag.
type deviceTrack struct {
	track mediadevices.Track

	mu      sync.Mutex
	enabled bool
	closed  bool
}

func newDeviceTrack(track mediadevices.Track) *deviceTrack {
	return &deviceTrack{track: track, enabled: true}
}

func (t *deviceTrack) Kind() webrtc.RTPCodecType {
	return t.track.Kind()
}

func (t *deviceTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *deviceTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *deviceTrack) Local() webrtc.TrackLocal {
	return t.track
}

func (t *deviceTrack) OnEnded(handler func()) {
	if handler == nil {
		t.track.OnEnded(nil)
		return
	}
	t.track.OnEnded(func(error) { handler() })
}

func (t *deviceTrack) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.track.Close()
}
