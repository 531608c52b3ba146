package audioio

import (
	"context"
	"encoding/binary"
	"io"
)

// AudioChunk is a block of interleaved PCM16 samples.
type AudioChunk struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// Bytes encodes the chunk as little-endian PCM16.
func (c *AudioChunk) Bytes() []byte {
	buf := make([]byte, len(c.Samples)*2)
	for i, s := range c.Samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// FromBytes fills the chunk from little-endian PCM16 bytes.
func (c *AudioChunk) FromBytes(data []byte, sampleRate, channels int) {
	c.SampleRate = sampleRate
	c.Channels = channels
	c.Samples = BytesToSamples(data)
}

// Duration returns the playback time of the chunk in seconds.
func (c *AudioChunk) Duration() float64 {
	if c.SampleRate == 0 || c.Channels == 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate*c.Channels)
}

// Source is a capture device. Implementations deliver fixed-size
// chunks on the Stream channel between Start and Stop.
type Source interface {
	Start(ctx context.Context) error

	// Stop halts capture. Safe to call more than once.
	Stop() error

	// Read returns the next chunk, or io.EOF once the source is stopped.
	Read(ctx context.Context) (AudioChunk, error)

	// Stream returns the chunk channel. Closed when the source stops.
	Stream() <-chan AudioChunk

	Config() Config
	Name() string

	io.Closer
}

// Sink is a playback device.
type Sink interface {
	Start(ctx context.Context) error

	// Stop halts playback. Safe to call more than once.
	Stop() error

	// Write queues a chunk for playback. May block when the device
	// buffer is full.
	Write(ctx context.Context, chunk AudioChunk) error

	// Flush blocks until buffered audio has been played out.
	Flush(ctx context.Context) error

	// Clear drops buffered audio immediately, for barge-in.
	Clear() error

	Config() Config
	Name() string

	io.Closer
}

// SourceStats reports capture counters.
type SourceStats struct {
	ChunksRead  int64  `json:"chunks_read"`
	SamplesRead int64  `json:"samples_read"`
	Overruns    int64  `json:"overruns"`
	Running     bool   `json:"running"`
	Backend     string `json:"backend"`
}

// SinkStats reports playback counters.
type SinkStats struct {
	ChunksWritten   int64  `json:"chunks_written"`
	SamplesWritten  int64  `json:"samples_written"`
	Underruns       int64  `json:"underruns"`
	Running         bool   `json:"running"`
	Backend         string `json:"backend"`
	BufferedSamples int64  `json:"buffered_samples"`
}

// SourceWithStats is implemented by sources that track counters.
type SourceWithStats interface {
	Source
	Stats() SourceStats
}

// SinkWithStats is implemented by sinks that track counters.
type SinkWithStats interface {
	Sink
	Stats() SinkStats
}
