package audio

import (
	"encoding/binary"
	"sync"
	"time"
)

// EncodeWAV wraps 16-bit PCM in a canonical 44-byte RIFF header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	if channels <= 0 {
		channels = 1
	}
	bitsPerSample := uint16(16)
	byteRate := uint32(sampleRate) * uint32(channels) * uint32(bitsPerSample) / 8
	blockAlign := uint16(channels) * bitsPerSample / 8
	dataSize := uint32(len(pcm))

	wav := make([]byte, 44+len(pcm))
	copy(wav[0:4], "RIFF")
	binary.LittleEndian.PutUint32(wav[4:8], 36+dataSize)
	copy(wav[8:12], "WAVE")

	copy(wav[12:16], "fmt ")
	binary.LittleEndian.PutUint32(wav[16:20], 16)
	binary.LittleEndian.PutUint16(wav[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(wav[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(wav[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(wav[28:32], byteRate)
	binary.LittleEndian.PutUint16(wav[32:34], blockAlign)
	binary.LittleEndian.PutUint16(wav[34:36], bitsPerSample)

	copy(wav[36:40], "data")
	binary.LittleEndian.PutUint32(wav[40:44], dataSize)
	copy(wav[44:], pcm)
	return wav
}

// Recorder mixes audio from both directions of a call onto one mono timeline.
// Segments are placed by wall-clock offset; overlaps are summed and clipped.
type Recorder struct {
	mu      sync.Mutex
	rate    int
	start   time.Time
	samples []int16
	limit   int
}

// NewRecorder records at rate, keeping at most maxDuration of audio.
func NewRecorder(rate int, start time.Time, maxDuration time.Duration) *Recorder {
	return &Recorder{
		rate:  rate,
		start: start,
		limit: int(int64(rate) * int64(maxDuration) / int64(time.Second)),
	}
}

// Add places a segment that started at at.
func (r *Recorder) Add(at time.Time, samples []int16, sampleRate, channels int) {
	mono := Resample(Downmix(samples, channels), sampleRate, r.rate)

	r.mu.Lock()
	defer r.mu.Unlock()

	offset := int(int64(at.Sub(r.start)) * int64(r.rate) / int64(time.Second))
	if offset < 0 {
		offset = 0
	}
	end := offset + len(mono)
	if r.limit > 0 && end > r.limit {
		end = r.limit
	}
	if end <= offset {
		return
	}
	if end > len(r.samples) {
		grown := make([]int16, end)
		copy(grown, r.samples)
		r.samples = grown
	}
	for i := offset; i < end; i++ {
		r.samples[i] = clip(int32(r.samples[i]) + int32(mono[i-offset]))
	}
}

// WAV returns the recording so far as a WAV file.
func (r *Recorder) WAV() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return EncodeWAV(SamplesToBytes(r.samples), r.rate, 1)
}

// Len returns the number of recorded samples.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

func clip(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	}
	return int16(v)
}
