package live

import (
	"bytes"
	"testing"
)

func pcmFromSamples(samples ...int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		pcm[i*2] = byte(s & 0xFF)
		pcm[i*2+1] = byte((s >> 8) & 0xFF)
	}
	return pcm
}

func samplesFromPCM(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
	}
	return out
}

func TestMixPCM16(t *testing.T) {
	tests := []struct {
		name    string
		buffers [][]byte
		want    []int16
	}{
		{
			name:    "sum",
			buffers: [][]byte{pcmFromSamples(100, -200), pcmFromSamples(50, 25)},
			want:    []int16{150, -175},
		},
		{
			name:    "clip high",
			buffers: [][]byte{pcmFromSamples(30000), pcmFromSamples(10000)},
			want:    []int16{32767},
		},
		{
			name:    "clip low",
			buffers: [][]byte{pcmFromSamples(-30000), pcmFromSamples(-10000)},
			want:    []int16{-32768},
		},
		{
			name:    "truncate to shortest",
			buffers: [][]byte{pcmFromSamples(1, 2, 3), pcmFromSamples(10)},
			want:    []int16{11},
		},
		{
			name:    "single buffer passes through",
			buffers: [][]byte{pcmFromSamples(7, -7)},
			want:    []int16{7, -7},
		},
		{
			name:    "odd trailing byte dropped",
			buffers: [][]byte{append(pcmFromSamples(5), 0xFF), pcmFromSamples(5, 5)},
			want:    []int16{10},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := samplesFromPCM(MixPCM16(tt.buffers))
			if len(got) != len(tt.want) {
				t.Fatalf("len=%d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("sample[%d]=%d, want %d", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestMixPCM16_Empty(t *testing.T) {
	out := MixPCM16(nil)
	if out == nil || len(out) != 0 {
		t.Fatalf("MixPCM16(nil)=%v, want empty non-nil", out)
	}
}

func TestAudioBase64RoundTrip(t *testing.T) {
	pcm := pcmFromSamples(1, -1, 32767, -32768)
	got, err := DecodeAudio(EncodeAudio(pcm))
	if err != nil {
		t.Fatalf("DecodeAudio: %v", err)
	}
	if !bytes.Equal(got, pcm) {
		t.Fatalf("round trip mismatch: %v vs %v", got, pcm)
	}
	if _, err := DecodeAudio("%%%"); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestMixer_DrainMixesAndResets(t *testing.T) {
	m := NewMixer()
	m.Write("a", pcmFromSamples(100, 100))
	m.Write("b", pcmFromSamples(1))
	m.Write("a", pcmFromSamples(100))

	got := samplesFromPCM(m.Drain())
	if len(got) != 1 || got[0] != 101 {
		t.Fatalf("drain=%v, want [101]", got)
	}
	if m.Len() != 0 {
		t.Fatalf("Len=%d after drain, want 0", m.Len())
	}
	if out := m.Drain(); out != nil {
		t.Fatalf("second drain=%v, want nil", out)
	}
}

func TestMixer_SkipsSilentParticipants(t *testing.T) {
	m := NewMixer()
	m.Write("a", pcmFromSamples(42))
	m.Write("b", []byte{0x01})

	got := samplesFromPCM(m.Drain())
	if len(got) != 1 || got[0] != 42 {
		t.Fatalf("drain=%v, want [42]", got)
	}
}

func TestMixer_Remove(t *testing.T) {
	m := NewMixer()
	m.Write("a", pcmFromSamples(1))
	m.Write("b", pcmFromSamples(2))
	m.Remove("b")
	m.Remove("missing")

	got := samplesFromPCM(m.Drain())
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("drain=%v, want [1]", got)
	}
}
