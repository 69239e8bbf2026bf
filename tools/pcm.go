package tools

import (
	"encoding/base64"
	"encoding/binary"
	"math"
)

// Downsample converts mono float samples from one rate to another by linear
// interpolation. Equal rates return a copy.
func Downsample(in []float32, from, to int) []float32 {
	if len(in) == 0 || from <= 0 || to <= 0 {
		return nil
	}
	if from == to {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}
	ratio := float64(from) / float64(to)
	n := int(math.Round(float64(len(in)) / ratio))
	out := make([]float32, n)
	last := len(in) - 1
	for i := range n {
		pos := float64(i) * ratio
		i0 := int(pos)
		if i0 > last {
			i0 = last
		}
		i1 := min(i0+1, last)
		frac := float32(pos - float64(i0))
		out[i] = in[i0]*(1-frac) + in[i1]*frac
	}
	return out
}

// FloatToPCM16 clamps samples to [-1, 1] and encodes them as little-endian int16.
func FloatToPCM16(in []float32) []byte {
	out := make([]byte, len(in)*2)
	for i, s := range in {
		s = max(-1, min(1, s))
		var v int16
		if s < 0 {
			v = int16(s * 0x8000)
		} else {
			v = int16(s * 0x7FFF)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// PCM16ToFloat decodes little-endian int16 samples. A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(v) / 0x8000
	}
	return out
}

func Int16ToFloat(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v) / 0x8000
	}
	return out
}

func RMS(in []float32) float64 {
	if len(in) == 0 {
		return 0
	}
	var sum float64
	for _, s := range in {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(in)))
}

func EncodeBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
