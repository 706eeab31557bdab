// Package media captures the microphone and plays remote audio through malgo,
// carrying G.711 µ-law (PCMU) frames to and from pion tracks.
package media

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicecall/internal/core"
)

const (
	// PCMURate is the RTP clock rate of PCMU.
	PCMURate      = 8000
	FrameDuration = 20 * time.Millisecond
	// jitterDepth is the most remote audio buffered before dropping.
	jitterDepth = 500 * time.Millisecond
)

// Audio owns the malgo context shared by the microphone and the speaker.
type Audio struct {
	ctx        *malgo.AllocatedContext
	sampleRate uint32
	closeOnce  sync.Once
}

// NewAudio initialises malgo. sampleRate is the device rate and must be a
// multiple of 8000; zero selects 8000.
func NewAudio(sampleRate uint32) (*Audio, error) {
	if sampleRate == 0 {
		sampleRate = PCMURate
	}
	if sampleRate%PCMURate != 0 {
		return nil, fmt.Errorf("media: sample rate %d is not a multiple of %d", sampleRate, PCMURate)
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debug().Str("module", "media").Msg(strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("media: init audio context: %w", err)
	}
	return &Audio{ctx: ctx, sampleRate: sampleRate}, nil
}

func (a *Audio) ratio() int { return int(a.sampleRate / PCMURate) }

func (a *Audio) deviceConfig(kind malgo.DeviceType) malgo.DeviceConfig {
	cfg := malgo.DefaultDeviceConfig(kind)
	switch kind {
	case malgo.Capture:
		cfg.Capture.Format = malgo.FormatS16
		cfg.Capture.Channels = 1
	case malgo.Playback:
		cfg.Playback.Format = malgo.FormatS16
		cfg.Playback.Channels = 1
	}
	cfg.SampleRate = a.sampleRate
	cfg.Alsa.NoMMap = 1
	return cfg
}

func (a *Audio) Close() {
	a.closeOnce.Do(func() {
		_ = a.ctx.Uninit()
		a.ctx.Free()
	})
}

// classifyDeviceError maps backend failures onto the core sentinels.
func classifyDeviceError(err error) error {
	if err == nil || errors.Is(err, core.ErrPermissionDenied) || errors.Is(err, core.ErrDeviceNotFound) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied"),
		strings.Contains(msg, "permission"),
		strings.Contains(msg, "not authorized"):
		return fmt.Errorf("%w: %v", core.ErrPermissionDenied, err)
	case strings.Contains(msg, "no device"),
		strings.Contains(msg, "not found"),
		strings.Contains(msg, "does not exist"),
		strings.Contains(msg, "no backend"):
		return fmt.Errorf("%w: %v", core.ErrDeviceNotFound, err)
	}
	return err
}
