package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicecall/internal/adapters/rtc"
	"github.com/dkeye/voicecall/internal/core"
)

const micQueue = 16

// Microphone is a core.MediaCapturer over the default capture device.
type Microphone struct {
	audio *Audio
}

func NewMicrophone(audio *Audio) *Microphone {
	return &Microphone{audio: audio}
}

func (m *Microphone) Capture(ctx context.Context) (core.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	devices, err := m.audio.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, classifyDeviceError(fmt.Errorf("enumerate capture devices: %w", err))
	}
	if len(devices) == 0 {
		return nil, core.ErrDeviceNotFound
	}

	streamID := "voicecall-" + uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticSample(rtc.PCMU, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}

	lm := newLocalAudio(track, m.audio.ratio(), int(m.audio.sampleRate))
	device, err := malgo.InitDevice(m.audio.ctx.Context, m.audio.deviceConfig(malgo.Capture), malgo.DeviceCallbacks{
		Data: lm.onFrames,
	})
	if err != nil {
		return nil, classifyDeviceError(fmt.Errorf("init capture device: %w", err))
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, classifyDeviceError(fmt.Errorf("start capture device: %w", err))
	}
	lm.device = device
	go lm.pump()

	lm.logger.Info().Str("stream", streamID).Int("devices", len(devices)).Msg("microphone open")
	return lm, nil
}

// localAudio turns device callbacks into 20 ms PCMU samples on a pion track.
type localAudio struct {
	track  *webrtc.TrackLocalStaticSample
	device *malgo.Device
	logger zerolog.Logger

	ratio      int
	frameBytes int
	enabled    atomic.Bool

	mu      sync.Mutex
	pending []byte

	frames   chan []byte
	done     chan struct{}
	stopOnce sync.Once
}

func newLocalAudio(track *webrtc.TrackLocalStaticSample, ratio, deviceRate int) *localAudio {
	// S16 mono: two bytes per device sample.
	frameBytes := deviceRate * int(FrameDuration.Milliseconds()) / 1000 * 2
	lm := &localAudio{
		track:      track,
		logger:     log.With().Str("module", "media.mic").Logger(),
		ratio:      ratio,
		frameBytes: frameBytes,
		frames:     make(chan []byte, micQueue),
		done:       make(chan struct{}),
	}
	lm.enabled.Store(true)
	return lm
}

func (l *localAudio) Track() webrtc.TrackLocal { return l.track }

func (l *localAudio) SetEnabled(enabled bool) { l.enabled.Store(enabled) }

// onFrames runs on the audio thread and never blocks.
func (l *localAudio) onFrames(_, in []byte, _ uint32) {
	l.mu.Lock()
	l.pending = append(l.pending, in...)
	var ready [][]byte
	for len(l.pending) >= l.frameBytes {
		ready = append(ready, l.encode(l.pending[:l.frameBytes]))
		l.pending = l.pending[l.frameBytes:]
	}
	if len(l.pending) == 0 {
		l.pending = nil
	}
	l.mu.Unlock()

	for _, f := range ready {
		select {
		case l.frames <- f:
		default:
			// writer is behind, drop
		}
	}
}

func (l *localAudio) encode(pcm []byte) []byte {
	out := make([]byte, 0, len(pcm)/2/l.ratio)
	if !l.enabled.Load() {
		for i := 0; i < cap(out); i++ {
			out = append(out, ULawSilence)
		}
		return out
	}
	return encodePCM16(out, pcm, l.ratio)
}

func (l *localAudio) pump() {
	for {
		select {
		case f := <-l.frames:
			if err := l.track.WriteSample(pionmedia.Sample{Data: f, Duration: FrameDuration}); err != nil {
				l.logger.Debug().Err(err).Msg("write sample")
			}
		case <-l.done:
			return
		}
	}
}

func (l *localAudio) Stop() {
	l.stopOnce.Do(func() {
		if l.device != nil {
			l.device.Uninit()
		}
		close(l.done)
		l.logger.Info().Msg("microphone closed")
	})
}
