package media

import "sync"

// pcmBuffer is a bounded FIFO of PCM samples between the RTP reader and the
// playback callback. Overflow drops the oldest samples; underrun plays silence.
type pcmBuffer struct {
	mu      sync.Mutex
	samples []int16
	max     int
	dropped int
}

func newPCMBuffer(max int) *pcmBuffer {
	return &pcmBuffer{samples: make([]int16, 0, max), max: max}
}

func (b *pcmBuffer) push(s []int16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = append(b.samples, s...)
	if over := len(b.samples) - b.max; over > 0 {
		b.dropped += over
		b.samples = append(b.samples[:0], b.samples[over:]...)
	}
}

// pull fills out with little-endian S16 samples and returns how many were real.
func (b *pcmBuffer) pull(out []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(out) / 2
	if n > len(b.samples) {
		n = len(b.samples)
	}
	for i := 0; i < n; i++ {
		v := uint16(b.samples[i])
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}
	clear(out[2*n:])
	b.samples = append(b.samples[:0], b.samples[n:]...)
	return n
}

func (b *pcmBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}
