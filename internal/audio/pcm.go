// Package audio holds 16-bit PCM helpers shared by the transport, the speech
// clients and the session recorder.
package audio

import (
	"encoding/binary"
	"time"
)

const BytesPerSample = 2

// BytesToSamples decodes little-endian 16-bit PCM. A trailing odd byte is dropped.
func BytesToSamples(pcm []byte) []int16 {
	n := len(pcm) / BytesPerSample
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// SamplesToBytes encodes samples as little-endian 16-bit PCM.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Duration returns the playback length of n PCM bytes.
func Duration(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	if channels <= 0 {
		channels = 1
	}
	samples := n / BytesPerSample / channels
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// Chunk splits samples into frames of the given duration. The last frame is
// zero-padded so every frame has the same length.
func Chunk(samples []int16, sampleRate, channels int, frame time.Duration) [][]int16 {
	if channels <= 0 {
		channels = 1
	}
	size := int(int64(sampleRate)*int64(frame)/int64(time.Second)) * channels
	if size <= 0 || len(samples) == 0 {
		return nil
	}

	frames := make([][]int16, 0, (len(samples)+size-1)/size)
	for offset := 0; offset < len(samples); offset += size {
		end := offset + size
		if end > len(samples) {
			padded := make([]int16, size)
			copy(padded, samples[offset:])
			frames = append(frames, padded)
			break
		}
		frames = append(frames, samples[offset:end])
	}
	return frames
}

// Resample converts mono samples between rates with linear interpolation.
func Resample(samples []int16, from, to int) []int16 {
	if from == to || from <= 0 || to <= 0 || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(to) / int64(from))
	out := make([]int16, n)
	ratio := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := pos - float64(idx)
		out[i] = int16(float64(samples[idx])*(1-frac) + float64(samples[idx+1])*frac)
	}
	return out
}

// Downmix averages interleaved channels into mono.
func Downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	out := make([]int16, len(samples)/channels)
	for i := range out {
		var sum int
		for c := 0; c < channels; c++ {
			sum += int(samples[i*channels+c])
		}
		out[i] = int16(sum / channels)
	}
	return out
}
