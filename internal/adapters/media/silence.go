package media

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicecall/internal/adapters/rtc"
	"github.com/dkeye/voicecall/internal/core"
)

// Silence is a capturer without a device. It sends PCMU silence every frame,
// which keeps a peer's RTP flowing in loopback mode and on headless hosts.
type Silence struct{}

func (Silence) Capture(ctx context.Context) (core.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := "voicecall-silence-" + uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticSample(rtc.PCMU, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}
	lm := newLocalAudio(track, 1, PCMURate)
	lm.logger = log.With().Str("module", "media.silence").Logger()
	go lm.pump()
	go lm.tick(FrameDuration)
	return lm, nil
}

// tick feeds one frame of zero PCM per period until Stop.
func (l *localAudio) tick(period time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()
	zero := make([]byte, l.frameBytes)
	for {
		select {
		case <-t.C:
			l.onFrames(nil, zero, 0)
		case <-l.done:
			return
		}
	}
}
