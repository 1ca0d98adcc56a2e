// Package audio holds the PCM format math, the chunk type handed between
// pipeline stages, WAV encoding and the capture sources.
package audio

import "time"

// Format describes interleaved signed little-endian PCM.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// Whisper is the format whisper.cpp consumes: 16 kHz mono s16le.
var Whisper = Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}

// FrameSize is the byte size of one sample across all channels.
func (f Format) FrameSize() int {
	return f.Channels * f.BitsPerSample / 8
}

func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.FrameSize()
}

// Bytes converts d to a frame-aligned byte count.
func (f Format) Bytes(d time.Duration) int {
	raw := int(int64(d) * int64(f.BytesPerSecond()) / int64(time.Second))
	return raw - raw%f.FrameSize()
}

// Duration converts a byte count back to playback time.
func (f Format) Duration(n int) time.Duration {
	return time.Duration(int64(n) * int64(time.Second) / int64(f.BytesPerSecond()))
}

// Chunk is a bounded slice of captured audio. Samples begins with Overlap
// worth of audio repeated from the end of the previous chunk; the nominal
// window is [Start, Start+Duration).
type Chunk struct {
	SessionID  string
	Seq        int64
	Start      time.Duration
	Duration   time.Duration
	Overlap    time.Duration
	CapturedAt time.Time
	Format     Format
	Samples    []byte
}

// End is the end of the chunk's nominal window.
func (c Chunk) End() time.Duration {
	return c.Start + c.Duration
}

// Fresh returns the samples that were not already part of the previous chunk.
func (c Chunk) Fresh() []byte {
	skip := c.Format.Bytes(c.Overlap)
	if skip > len(c.Samples) {
		skip = len(c.Samples)
	}
	return c.Samples[skip:]
}
