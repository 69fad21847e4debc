//go:build !linux || !cgo

/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Studygram Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package capture

import "fmt"

// mediaDevices is the stub Devices implementation for platforms where
// pion/mediadevices drivers are not wired up (camera is V4L2, microphone
// is malgo, screen is X11 — all Linux). Callers on other platforms supply
// their own Devices.
type mediaDevices struct{}

// NewMediaDevices returns the platform capture implementation.
func NewMediaDevices() Devices {
	return &mediaDevices{}
}

func (d *mediaDevices) GetUserMedia(audio, video bool) (*Stream, error) {
	return nil, fmt.Errorf("native media capture is not supported on this platform")
}

func (d *mediaDevices) GetDisplayMedia() (*Stream, error) {
	return nil, fmt.Errorf("native screen capture is not supported on this platform")
}
