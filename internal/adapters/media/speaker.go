package media

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicecall/internal/core"
)

var ErrUnsupportedTrack = errors.New("unsupported remote track")

// Speaker is a core.SinkFactory playing remote PCMU on the default output.
type Speaker struct {
	audio *Audio
}

func NewSpeaker(audio *Audio) *Speaker {
	return &Speaker{audio: audio}
}

func (s *Speaker) NewSink(track core.RemoteTrack) (core.RemoteSink, error) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return nil, fmt.Errorf("%w: kind %s", ErrUnsupportedTrack, track.Kind())
	}
	depth := int(s.audio.sampleRate) * int(jitterDepth.Milliseconds()) / 1000
	p := &playback{
		track:  track,
		buf:    newPCMBuffer(depth),
		ratio:  s.audio.ratio(),
		done:   make(chan struct{}),
		logger: log.With().Str("module", "media.speaker").Str("track", track.ID()).Logger(),
	}
	device, err := malgo.InitDevice(s.audio.ctx.Context, s.audio.deviceConfig(malgo.Playback), malgo.DeviceCallbacks{
		Data: p.onPlayback,
	})
	if err != nil {
		return nil, classifyDeviceError(fmt.Errorf("init playback device: %w", err))
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, classifyDeviceError(fmt.Errorf("start playback device: %w", err))
	}
	p.device = device
	go p.readLoop()
	p.logger.Info().Msg("remote playback started")
	return p, nil
}

type playback struct {
	track  core.RemoteTrack
	device *malgo.Device
	buf    *pcmBuffer
	ratio  int
	logger zerolog.Logger

	done     chan struct{}
	stopOnce sync.Once
}

func (p *playback) onPlayback(out, _ []byte, _ uint32) {
	p.buf.pull(out)
}

// readLoop ends when the track does, which happens once the transport closes.
func (p *playback) readLoop() {
	var pcm []int16
	for {
		pkt, _, err := p.track.ReadRTP()
		if err != nil {
			p.logger.Debug().Err(err).Msg("remote track ended")
			return
		}
		select {
		case <-p.done:
			return
		default:
		}
		pcm = decodeULaw(pcm[:0], pkt.Payload, p.ratio)
		p.buf.push(pcm)
	}
}

func (p *playback) Release() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.device.Uninit()
		p.logger.Info().Int("dropped", p.droppedSamples()).Msg("remote playback stopped")
	})
}

func (p *playback) droppedSamples() int {
	p.buf.mu.Lock()
	defer p.buf.mu.Unlock()
	return p.buf.dropped
}
