package media

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicecall/internal/adapters/rtc"
	"github.com/dkeye/voicecall/internal/core"
)

func newTestLocal(t *testing.T, ratio int) *localAudio {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(rtc.PCMU, "audio", "test")
	require.NoError(t, err)
	return newLocalAudio(track, ratio, PCMURate*ratio)
}

func tone(samples int, v int16) []byte {
	b := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(v))
	}
	return b
}

func nextFrame(t *testing.T, l *localAudio) []byte {
	t.Helper()
	select {
	case f := <-l.frames:
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame")
		return nil
	}
}

func TestLocalAudioSlicesTwentyMillisecondFrames(t *testing.T) {
	l := newTestLocal(t, 1)
	assert.Equal(t, 320, l.frameBytes)

	l.onFrames(nil, tone(200, 1000), 200)
	assert.Empty(t, l.frames)

	l.onFrames(nil, tone(200, 1000), 200)
	f := nextFrame(t, l)
	require.Len(t, f, 160)
	assert.Equal(t, EncodeULaw(1000), f[0])
	assert.Len(t, l.pending, 80)
}

func TestLocalAudioDownsamples(t *testing.T) {
	l := newTestLocal(t, 6)
	l.onFrames(nil, tone(960, -500), 960)
	f := nextFrame(t, l)
	assert.Len(t, f, 160)
	assert.Equal(t, EncodeULaw(-500), f[10])
}

func TestLocalAudioMuteSendsSilence(t *testing.T) {
	l := newTestLocal(t, 1)
	l.SetEnabled(false)
	l.onFrames(nil, tone(160, 20000), 160)
	f := nextFrame(t, l)
	require.Len(t, f, 160)
	for _, b := range f {
		require.Equal(t, byte(ULawSilence), b)
	}

	l.SetEnabled(true)
	l.onFrames(nil, tone(160, 20000), 160)
	assert.Equal(t, EncodeULaw(20000), nextFrame(t, l)[0])
}

func TestLocalAudioStopIsIdempotent(t *testing.T) {
	l := newTestLocal(t, 1)
	go l.pump()
	l.Stop()
	l.Stop()
	select {
	case <-l.done:
	default:
		t.Fatal("done not closed")
	}
}

func TestClassifyDeviceError(t *testing.T) {
	assert.ErrorIs(t, classifyDeviceError(errors.New("init capture device: Access denied.")), core.ErrPermissionDenied)
	assert.ErrorIs(t, classifyDeviceError(errors.New("Permission error")), core.ErrPermissionDenied)
	assert.ErrorIs(t, classifyDeviceError(errors.New("No device")), core.ErrDeviceNotFound)
	assert.ErrorIs(t, classifyDeviceError(errors.New("device does not exist")), core.ErrDeviceNotFound)
	assert.ErrorIs(t, classifyDeviceError(core.ErrDeviceNotFound), core.ErrDeviceNotFound)

	other := errors.New("device busy")
	assert.Equal(t, other, classifyDeviceError(other))
	assert.NoError(t, classifyDeviceError(nil))
}
