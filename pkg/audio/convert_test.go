package audio

import (
	"testing"
	"time"
)

func TestStereoToMono(t *testing.T) {
	in := []int16{100, 200, -100, -200, 0, 1000}
	got := StereoToMono(in)
	want := []int16{150, -150, 500}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMonoDropsTrailingSample(t *testing.T) {
	got := StereoToMono([]int16{1, 2, 3})
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
}

func TestResampleSameRateIsNoop(t *testing.T) {
	in := []int16{1, 2, 3}
	got := Resample(in, 44100, 44100)
	if &got[0] != &in[0] {
		t.Fatal("same-rate resample should return the input slice")
	}
}

func TestResampleHalvesLength(t *testing.T) {
	in := make([]int16, 44100)
	got := Resample(in, 44100, 22050)
	if len(got) != 22050 {
		t.Fatalf("len = %d, want 22050", len(got))
	}
}

func TestResampleInterpolates(t *testing.T) {
	// Doubling the rate of a ramp should place midpoints between neighbours.
	in := []int16{0, 100}
	got := Resample(in, 100, 200)
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	if got[0] != 0 || got[1] != 50 {
		t.Fatalf("got[0..1] = %d, %d; want 0, 50", got[0], got[1])
	}
}

func TestDownmix(t *testing.T) {
	samples := make([]int16, 48000*2) // one second stereo at 48 kHz
	for i := range samples {
		samples[i] = 1000
	}
	c := NewChunk(samples, 48000, 2, 0, time.Now())

	got := Downmix(c, 16000)
	if len(got) != 16000 {
		t.Fatalf("len = %d, want 16000", len(got))
	}
	for i, s := range got {
		if s != 1000 {
			t.Fatalf("got[%d] = %d, want 1000", i, s)
		}
	}
	// Source chunk must be untouched.
	if len(c.Samples) != 48000*2 {
		t.Fatal("Downmix must not modify the source chunk")
	}
}
