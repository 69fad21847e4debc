/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Studygram Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package audioplayback is the process-wide background-audio service:
// zen-mode music loops, session alarms and notification chimes. It owns
// its output sink and playback goroutines outright and shares no state
// with the call engine; the two only ever meet at the speaker.
package audioplayback

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// ErrClosed is returned by Play after the service has been closed.
var ErrClosed = errors.New("audioplayback: service is closed")

// Sink receives the paced RTP stream. *webrtc.TrackLocalStaticRTP
// satisfies it, as does anything that forwards packets to an audio
// output.
type Sink interface {
	WriteRTP(packet *rtp.Packet) error
}

// Source produces successive audio frames of one track. NextFrame
// returns one frame's payload, io.EOF when the track is over, or any
// other error to abort playback.
type Source interface {
	// Label identifies the track. Playing a label already playing
	// restarts it.
	Label() string

	// NextFrame returns the next frame payload.
	NextFrame() ([]byte, error)
}

// Config holds the playback pacing parameters.
type Config struct {
	// FrameDuration is the wall-clock length of one frame.
	FrameDuration time.Duration

	// SamplesPerFrame advances the RTP timestamp per frame.
	SamplesPerFrame uint32

	// PayloadType is stamped on every outgoing packet.
	PayloadType uint8
}

// DefaultConfig returns pacing for G.711 at 8 kHz: 20 ms frames of 160
// samples.
func DefaultConfig() *Config {
	return &Config{
		FrameDuration:   20 * time.Millisecond,
		SamplesPerFrame: 160,
		PayloadType:     0,
	}
}

// Service plays background audio tracks into a sink, one goroutine per
// playing track, each paced at the configured frame duration so the sink
// receives packets at natural wall-clock rate.
type Service struct {
	sink   Sink
	config *Config

	mu      sync.Mutex
	playing map[string]chan struct{}
	closed  bool
}

// New creates a playback service over the sink. A nil config selects
// DefaultConfig.
func New(sink Sink, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	return &Service{
		sink:    sink,
		config:  config,
		playing: make(map[string]chan struct{}),
	}
}

// Play starts the source. If a track with the same label is already
// playing it is stopped first, so re-triggering an alarm restarts it
// instead of doubling it.
func (s *Service) Play(source Source) error {
	label := source.Label()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if stop, ok := s.playing[label]; ok {
		close(stop)
	}
	stop := make(chan struct{})
	s.playing[label] = stop
	s.mu.Unlock()

	go s.run(source, label, stop)
	return nil
}

// Stop halts one track by label. Unknown labels are a no-op.
func (s *Service) Stop(label string) {
	s.mu.Lock()
	if stop, ok := s.playing[label]; ok {
		close(stop)
		delete(s.playing, label)
	}
	s.mu.Unlock()
}

// StopAll halts every playing track.
func (s *Service) StopAll() {
	s.mu.Lock()
	for label, stop := range s.playing {
		close(stop)
		delete(s.playing, label)
	}
	s.mu.Unlock()
}

// Close stops every track and rejects further Play calls.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	for label, stop := range s.playing {
		close(stop)
		delete(s.playing, label)
	}
	s.mu.Unlock()
}

// Playing reports whether the labeled track is currently playing.
func (s *Service) Playing(label string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.playing[label]
	return ok
}

// run paces one track. Timestamps advance by SamplesPerFrame per tick
// regardless of payload size, so a stalled source resumes in sync rather
// than bursting.
func (s *Service) run(source Source, label string, stop chan struct{}) {
	defer s.finish(label, stop)

	var seq uint16
	var ts uint32
	ticker := time.NewTicker(s.config.FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			payload, err := source.NextFrame()
			if err == io.EOF {
				return
			}
			if err != nil {
				log.Printf("audioplayback: source %q failed: %v", label, err)
				return
			}

			seq++
			ts += s.config.SamplesPerFrame
			err = s.sink.WriteRTP(&rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    s.config.PayloadType,
					SequenceNumber: seq,
					Timestamp:      ts,
					Marker:         seq == 1,
				},
				Payload: payload,
			})
			if err != nil {
				log.Printf("audioplayback: sink write for %q failed: %v", label, err)
				return
			}
		}
	}
}

// finish clears the playing entry, unless the track was already
// restarted under the same label.
func (s *Service) finish(label string, stop chan struct{}) {
	s.mu.Lock()
	if current, ok := s.playing[label]; ok && current == stop {
		delete(s.playing, label)
	}
	s.mu.Unlock()
}

// ---- Sources ----

// BytesSource plays a raw payload once, split into fixed-size frames.
type BytesSource struct {
	label     string
	payload   []byte
	frameSize int
	offset    int
}

// NewBytesSource builds a one-shot source over a raw payload.
func NewBytesSource(label string, payload []byte, frameSize int) (*BytesSource, error) {
	if frameSize <= 0 {
		return nil, fmt.Errorf("frameSize must be positive, got %d", frameSize)
	}
	return &BytesSource{label: label, payload: payload, frameSize: frameSize}, nil
}

func (b *BytesSource) Label() string { return b.label }

func (b *BytesSource) NextFrame() ([]byte, error) {
	if b.offset >= len(b.payload) {
		return nil, io.EOF
	}
	end := b.offset + b.frameSize
	if end > len(b.payload) {
		end = len(b.payload)
	}
	frame := b.payload[b.offset:end]
	b.offset = end
	return frame, nil
}

// LoopSource plays a raw payload forever, wrapping at the end. Used for
// zen-mode music beds.
type LoopSource struct {
	label     string
	payload   []byte
	frameSize int
	offset    int
}

// NewLoopSource builds a looping source over a raw payload.
func NewLoopSource(label string, payload []byte, frameSize int) (*LoopSource, error) {
	if frameSize <= 0 {
		return nil, fmt.Errorf("frameSize must be positive, got %d", frameSize)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("loop payload cannot be empty")
	}
	return &LoopSource{label: label, payload: payload, frameSize: frameSize}, nil
}

func (l *LoopSource) Label() string { return l.label }

func (l *LoopSource) NextFrame() ([]byte, error) {
	if l.offset >= len(l.payload) {
		l.offset = 0
	}
	end := l.offset + l.frameSize
	if end > len(l.payload) {
		end = len(l.payload)
	}
	frame := l.payload[l.offset:end]
	l.offset = end
	return frame, nil
}

// Silence returns an endless G.711 µ-law silence source. Useful as a
// keepalive bed on sinks that starve without packets.
func Silence(label string) *LoopSource {
	buf := make([]byte, 160)
	for i := range buf {
		buf[i] = 0xFF
	}
	src, _ := NewLoopSource(label, buf, 160)
	return src
}
