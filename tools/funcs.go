package tools

import "time"

func FrameSamples(duration time.Duration, rate, channels int) int {
	return int(duration.Seconds() * float64(channels) * float64(rate))
}

// SamplesDuration is the playback length of n mono samples at rate.
func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}

// PCM16Duration is the playback length of little-endian mono PCM16 bytes at rate.
func PCM16Duration(pcm []byte, rate int) time.Duration {
	return SamplesDuration(len(pcm)/2, rate)
}
