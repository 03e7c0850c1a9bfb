// Package encoder compresses captured PCM for upload and session dumps.
package encoder

import "encoding/binary"

const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
	BlockSize     = 4096
)

type Encoder interface {
	EncodeBlock(block []int16) error
	Close() error
	Bytes() []byte
	TotalFrames() uint64
}

// SamplesFromPCM reinterprets little-endian 16-bit PCM as samples.
// A trailing odd byte is ignored.
func SamplesFromPCM(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// EncodeAll runs a full PCM buffer through enc in BlockSize chunks and
// closes it.
func EncodeAll(enc Encoder, pcm []byte) error {
	samples := SamplesFromPCM(pcm)
	for i := 0; i < len(samples); i += BlockSize {
		end := min(i+BlockSize, len(samples))
		if err := enc.EncodeBlock(samples[i:end]); err != nil {
			return err
		}
	}
	return enc.Close()
}
