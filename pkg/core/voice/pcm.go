package voice

import (
	"encoding/binary"
	"math"
	"time"
)

// Format describes signed little-endian linear PCM.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

func (f Format) BytesPerFrame() int {
	return f.Channels * f.BitsPerSample / 8
}

func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.BytesPerFrame()
}

// Duration returns the play time of n bytes of f.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// CalculateRMSEnergy computes the root-mean-square energy of 16-bit signed
// little-endian PCM, normalized to 0..1.
func CalculateRMSEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(pcm[i:]))
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}
	return math.Sqrt(sum / float64(samples))
}

// SplitFrames cuts pcm into chunks of at most frameBytes, rounded down to a
// whole number of sample frames. The final chunk may be shorter.
func SplitFrames(pcm []byte, frameBytes, align int) [][]byte {
	if len(pcm) == 0 {
		return nil
	}
	if align > 1 {
		frameBytes -= frameBytes % align
	}
	if frameBytes <= 0 {
		return [][]byte{pcm}
	}
	out := make([][]byte, 0, (len(pcm)+frameBytes-1)/frameBytes)
	for off := 0; off < len(pcm); off += frameBytes {
		end := min(off+frameBytes, len(pcm))
		out = append(out, pcm[off:end])
	}
	return out
}

// Float32ToInt16 converts little-endian IEEE float samples in [-1, 1] to
// 16-bit PCM. Values outside the range are clipped.
func Float32ToInt16(f32 []byte) []byte {
	n := len(f32) / 4
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := math.Float32frombits(binary.LittleEndian.Uint32(f32[i*4:]))
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*32767)))
	}
	return out
}

// DownmixStereo16 averages the two channels of interleaved 16-bit PCM.
func DownmixStereo16(pcm []byte) []byte {
	n := len(pcm) / 4
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		l := int32(int16(binary.LittleEndian.Uint16(pcm[i*4:])))
		r := int32(int16(binary.LittleEndian.Uint16(pcm[i*4+2:])))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16((l+r)/2)))
	}
	return out
}
