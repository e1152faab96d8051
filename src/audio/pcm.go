// Package audio owns microphone capture and the PCM helpers shared by the
// endpointer and playback code. All audio in this system is mono PCM,
// 16-bit signed little-endian samples.
package audio

import "math"

// BytesToInt16 converts little-endian PCM16 bytes to samples. A trailing
// odd byte is dropped.
func BytesToInt16(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return samples
}

// Int16ToBytes converts samples to little-endian PCM16 bytes.
func Int16ToBytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	return pcm
}

// RMS computes the root-mean-square amplitude of a PCM16 buffer,
// normalized to [0.0, 1.0]. It is the energy proxy the endpointer keys off.
func RMS(pcm []byte) float64 {
	numSamples := len(pcm) / 2
	if numSamples == 0 {
		return 0.0
	}

	var sumSquares float64
	for i := 0; i < numSamples; i++ {
		sample := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		normalized := float64(sample) / 32768.0
		sumSquares += normalized * normalized
	}

	return math.Sqrt(sumSquares / float64(numSamples))
}

// DurationMs returns the playback duration of a PCM16 buffer in
// milliseconds at the given sample rate.
func DurationMs(pcm []byte, sampleRate int) int {
	if sampleRate <= 0 {
		return 0
	}
	return len(pcm) / 2 * 1000 / sampleRate
}

// Resample converts a PCM16 buffer between sample rates using linear
// interpolation. Good enough for speech playback; this is not a
// band-limited resampler.
func Resample(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		return pcm
	}

	in := BytesToInt16(pcm)
	if len(in) == 0 {
		return nil
	}

	outLen := int(int64(len(in)) * int64(toRate) / int64(fromRate))
	out := make([]int16, outLen)
	for i := range out {
		pos := float64(i) * float64(fromRate) / float64(toRate)
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(idx)
		out[i] = int16(math.Round(float64(in[idx])*(1-frac) + float64(in[idx+1])*frac))
	}
	return Int16ToBytes(out)
}
