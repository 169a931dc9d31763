package live

import (
	"encoding/base64"
	"fmt"
	"math"
	"sync"
)

// MixPCM16 mixes 16-bit signed little-endian mono PCM buffers sample by sample.
// Every buffer is truncated to the shortest one (a trailing odd byte never
// counts as a sample), samples are summed as int32 and clipped to int16.
// Mixing zero buffers yields an empty slice.
func MixPCM16(buffers [][]byte) []byte {
	if len(buffers) == 0 {
		return []byte{}
	}

	n := len(buffers[0]) / 2
	for _, b := range buffers[1:] {
		if s := len(b) / 2; s < n {
			n = s
		}
	}

	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		var sum int32
		for _, b := range buffers {
			sum += int32(int16(b[2*i]) | int16(b[2*i+1])<<8)
		}
		if sum > math.MaxInt16 {
			sum = math.MaxInt16
		} else if sum < math.MinInt16 {
			sum = math.MinInt16
		}
		out[2*i] = byte(sum)
		out[2*i+1] = byte(sum >> 8)
	}
	return out
}

// DecodeAudio decodes a base64 audio payload from an input_audio_buffer.append frame.
func DecodeAudio(b64 string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}
	return pcm, nil
}

// EncodeAudio is the inverse of DecodeAudio.
func EncodeAudio(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// Mixer accumulates audio per participant between ticks.
type Mixer struct {
	mu      sync.Mutex
	buffers map[string][]byte
	order   []string
}

func NewMixer() *Mixer {
	return &Mixer{buffers: make(map[string][]byte)}
}

// Write appends PCM audio for a participant.
func (m *Mixer) Write(participant string, pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buffers[participant]; !ok {
		m.order = append(m.order, participant)
	}
	m.buffers[participant] = append(m.buffers[participant], pcm...)
}

// Remove drops a participant and any audio it buffered.
func (m *Mixer) Remove(participant string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buffers[participant]; !ok {
		return
	}
	delete(m.buffers, participant)
	for i, p := range m.order {
		if p == participant {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Drain mixes everything buffered since the previous Drain and resets the
// buffers. It returns nil when no participant buffered at least one sample.
func (m *Mixer) Drain() []byte {
	m.mu.Lock()
	var pending [][]byte
	for _, p := range m.order {
		if b := m.buffers[p]; len(b) >= 2 {
			pending = append(pending, b)
		}
		m.buffers[p] = nil
	}
	m.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	return MixPCM16(pending)
}

// Len returns the number of buffered bytes across all participants.
func (m *Mixer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, b := range m.buffers {
		total += len(b)
	}
	return total
}
