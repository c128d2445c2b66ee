package audio

// Sample-format conversion for handing captured audio to recognizers. The
// local fingerprint daemon expects mono 16 kHz; cloud providers accept the
// capture format as-is, so conversion happens at the provider boundary.

// StereoToMono downmixes interleaved stereo samples by averaging each L/R
// pair. A trailing unpaired sample is dropped.
func StereoToMono(samples []int16) []int16 {
	out := make([]int16, len(samples)/2)
	for i := range out {
		l := int32(samples[2*i])
		r := int32(samples[2*i+1])
		out[i] = int16((l + r) / 2)
	}
	return out
}

// Resample converts mono samples from fromRate to toRate using linear
// interpolation. Good enough for fingerprinting input; not transparent
// enough for playback.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(samples) == 0 || fromRate <= 0 || toRate <= 0 {
		return samples
	}

	outLen := int(int64(len(samples)) * int64(toRate) / int64(fromRate))
	if outLen == 0 {
		return nil
	}
	out := make([]int16, outLen)

	ratio := float64(fromRate) / float64(toRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := pos - float64(idx)
		a := float64(samples[idx])
		b := float64(samples[idx+1])
		out[i] = int16(a + (b-a)*frac)
	}
	return out
}

// Downmix converts a chunk's samples to mono at targetRate. The chunk itself
// is not modified.
func Downmix(c *Chunk, targetRate int) []int16 {
	samples := c.Samples
	if c.Channels == 2 {
		samples = StereoToMono(samples)
	}
	return Resample(samples, c.SampleRate, targetRate)
}
