package audio

import (
	"encoding/binary"
	"math"
	"testing"
)

func makePCM(samples ...int16) []byte {
	return Int16ToBytes(samples)
}

func TestEncodeWAV_RoundTripsThroughParseWAV(t *testing.T) {
	pcm := makePCM(0, 100, -100, 32000, -32000)
	wav := EncodeWAV(pcm, 16000, 1)

	info, err := ParseWAV(wav)
	if err != nil {
		t.Fatalf("ParseWAV: %v", err)
	}
	if info.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want 16000", info.SampleRate)
	}
	if info.Channels != 1 {
		t.Errorf("Channels = %d, want 1", info.Channels)
	}
	if info.DataOffset != 44 {
		t.Errorf("DataOffset = %d, want 44", info.DataOffset)
	}
	if info.DataSize != len(pcm) {
		t.Errorf("DataSize = %d, want %d", info.DataSize, len(pcm))
	}
	got := wav[info.DataOffset : info.DataOffset+info.DataSize]
	for i := range pcm {
		if got[i] != pcm[i] {
			t.Fatalf("PCM byte %d = %#x, want %#x", i, got[i], pcm[i])
		}
	}
}

func TestParseWAV_Invalid(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"too short", []byte("RIFF")},
		{"not riff", append([]byte("JUNK\x00\x00\x00\x00WAVE"), make([]byte, 32)...)},
		{"no data chunk", EncodeWAV(nil, 8000, 1)[:40]},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseWAV(tc.data); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestRMS(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
	if got := RMS(makePCM(0, 0, 0, 0)); got != 0 {
		t.Errorf("RMS(silence) = %v, want 0", got)
	}
	// Constant amplitude: RMS equals the amplitude.
	got := RMS(makePCM(1000, -1000, 1000, -1000))
	if math.Abs(got-1000) > 0.01 {
		t.Errorf("RMS(±1000) = %v, want 1000", got)
	}
}

func TestResampleMono16_Identity(t *testing.T) {
	pcm := makePCM(1, 2, 3, 4)
	out := ResampleMono16(pcm, 16000, 16000)
	if len(out) != len(pcm) {
		t.Fatalf("len = %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16_DoublesAndHalves(t *testing.T) {
	pcm := makePCM(0, 1000, 2000, 3000, 4000, 5000, 6000, 7000)

	up := ResampleMono16(pcm, 8000, 16000)
	if len(up) != len(pcm)*2 {
		t.Fatalf("upsample len = %d, want %d", len(up), len(pcm)*2)
	}
	down := ResampleMono16(up, 16000, 8000)
	if len(down) != len(pcm) {
		t.Fatalf("downsample len = %d, want %d", len(down), len(pcm))
	}
	// A linear ramp should survive up/down with small error.
	orig := BytesToInt16(pcm)
	back := BytesToInt16(down)
	for i := range orig {
		diff := int(orig[i]) - int(back[i])
		if diff < -16 || diff > 16 {
			t.Errorf("sample %d: got %d, want ≈%d", i, back[i], orig[i])
		}
	}
}

func TestMulaw_DecodeEncodeRoundTrip(t *testing.T) {
	// Every μ-law code word must survive decode → encode unchanged.
	for b := 0; b < 256; b++ {
		s := MulawDecodeSample(byte(b))
		got := MulawEncodeSample(s)
		if got != byte(b) {
			t.Errorf("code %#x: decode=%d re-encode=%#x", b, s, got)
		}
	}
}

func TestMulawEncode_FrameSizes(t *testing.T) {
	// 20 ms at 8 kHz: 160 samples = 320 PCM bytes → 160 μ-law bytes.
	pcm := make([]byte, 320)
	ulaw := MulawEncode(pcm)
	if len(ulaw) != 160 {
		t.Fatalf("ulaw len = %d, want 160", len(ulaw))
	}
	back := MulawDecode(ulaw)
	if len(back) != 320 {
		t.Fatalf("pcm len = %d, want 320", len(back))
	}
}

func TestMulawEncode_SignAndMagnitude(t *testing.T) {
	// Encoding is monotone in magnitude: a louder sample never maps to a
	// quieter decoded value.
	prev := int16(0)
	for _, v := range []int16{0, 50, 500, 5000, 20000, 32000} {
		dec := MulawDecodeSample(MulawEncodeSample(v))
		if dec < prev {
			t.Errorf("decoded(%d) = %d < decoded(prev) = %d", v, dec, prev)
		}
		prev = dec

		neg := MulawDecodeSample(MulawEncodeSample(-v))
		if v != 0 && neg > 0 {
			t.Errorf("negative input %d decoded to positive %d", -v, neg)
		}
	}
}

func TestNormalizePeak(t *testing.T) {
	pcm := makePCM(100, -200, 150)
	out := NormalizePeak(pcm, 0.9)

	var peak int32
	for _, s := range BytesToInt16(out) {
		v := int32(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	target := 0.9
	want := int32(target * 32767)
	if peak < want-1 || peak > want+1 {
		t.Errorf("peak = %d, want ≈%d", peak, want)
	}

	// Silence is untouched.
	silent := makePCM(0, 0, 0)
	got := NormalizePeak(silent, 0.9)
	for i := range silent {
		if got[i] != silent[i] {
			t.Fatal("silence was modified")
		}
	}
}

func TestStereoToMono16(t *testing.T) {
	stereo := make([]byte, 8)
	for i, s := range []int16{1000, 3000, -1000, -3000} {
		binary.LittleEndian.PutUint16(stereo[i*2:i*2+2], uint16(s))
	}

	mono := BytesToInt16(StereoToMono16(stereo))
	if len(mono) != 2 {
		t.Fatalf("mono samples = %d, want 2", len(mono))
	}
	if mono[0] != 2000 || mono[1] != -2000 {
		t.Errorf("mono = %v, want [2000 -2000]", mono)
	}
}
