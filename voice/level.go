package voice

import (
	"encoding/binary"
	"math"
)

// rmsLevel computes the root-mean-square level of PCM16LE mono audio,
// normalized to [0, 1]. A trailing odd byte is ignored.
func rmsLevel(data []byte) float64 {
	if len(data) < 2 {
		return 0
	}
	var sumSquares float64
	for i := 0; i+1 < len(data); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(data[i:]))
		normalized := float64(sample) / 32768.0
		sumSquares += normalized * normalized
	}
	rms := math.Sqrt(sumSquares / float64(len(data)/2))
	return math.Min(rms, 1)
}
