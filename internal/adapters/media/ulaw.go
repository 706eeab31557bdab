package media

// G.711 µ-law, as carried by PCMU.
const (
	ulawBias = 0x84
	ulawClip = 32635

	// ULawSilence is the encoding of a zero sample.
	ULawSilence = 0xFF
)

// EncodeULaw compresses one 16-bit linear sample.
func EncodeULaw(s int16) byte {
	sample := int32(s)
	sign := byte(0)
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > ulawClip {
		sample = ulawClip
	}
	sample += ulawBias

	exp := byte(7)
	for mask := int32(0x4000); sample&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mantissa := byte(sample>>(exp+3)) & 0x0F
	return ^(sign | exp<<4 | mantissa)
}

// DecodeULaw expands one µ-law byte to a 16-bit linear sample.
func DecodeULaw(u byte) int16 {
	u = ^u
	exp := (u >> 4) & 0x07
	mantissa := int32(u & 0x0F)
	sample := ((mantissa << 3) + ulawBias) << exp
	sample -= ulawBias
	if u&0x80 != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// encodePCM16 µ-law encodes little-endian S16 mono pcm, averaging every
// ratio input samples into one output byte.
func encodePCM16(dst, pcm []byte, ratio int) []byte {
	if ratio < 1 {
		ratio = 1
	}
	step := 2 * ratio
	for i := 0; i+step <= len(pcm); i += step {
		var sum int32
		for j := 0; j < ratio; j++ {
			sum += int32(int16(uint16(pcm[i+2*j]) | uint16(pcm[i+2*j+1])<<8))
		}
		dst = append(dst, EncodeULaw(int16(sum/int32(ratio))))
	}
	return dst
}

// decodeULaw expands µ-law bytes, repeating every sample ratio times.
func decodeULaw(dst []int16, payload []byte, ratio int) []int16 {
	if ratio < 1 {
		ratio = 1
	}
	for _, b := range payload {
		s := DecodeULaw(b)
		for j := 0; j < ratio; j++ {
			dst = append(dst, s)
		}
	}
	return dst
}
