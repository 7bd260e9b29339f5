package mumble

import (
	"sync"
	"testing"
	"time"

	"github.com/hearthward/famulus/pkg/audio"
)

func TestIsServerNotice(t *testing.T) {
	cases := []struct {
		message string
		want    bool
	}{
		{"hello there", false},
		{"what's on my schedule tomorrow?", false},
		{"", true},
		{"   ", true},
		{"<b>Welcome</b> to the server", true},
		{"Please upgrade to Mumble 1.4", true},
		{"Welcome to this server running Murmur", true},
		{"Registered users: 12", true},
		{"I think 3 < 5 is true", false}, // a lone < is not markup
	}
	for _, tc := range cases {
		if got := IsServerNotice(tc.message); got != tc.want {
			t.Errorf("IsServerNotice(%q) = %v, want %v", tc.message, got, tc.want)
		}
	}
}

func TestAccumulator_FlushesAfterGap(t *testing.T) {
	var mu sync.Mutex
	var flushed [][]byte
	acc := newAccumulator(30*time.Millisecond, func(pcm []byte) {
		mu.Lock()
		flushed = append(flushed, pcm)
		mu.Unlock()
	})
	defer acc.stop()

	acc.add([]int16{1, 2, 3})
	acc.add([]int16{4, 5})

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 1 {
		t.Fatalf("flushed %d utterances, want 1", len(flushed))
	}
	got := audio.BytesToInt16(flushed[0])
	want := []int16{1, 2, 3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("utterance = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("utterance = %v, want %v", got, want)
		}
	}
}

func TestAccumulator_ContinuousAudioDefersFlush(t *testing.T) {
	var mu sync.Mutex
	count := 0
	acc := newAccumulator(50*time.Millisecond, func([]byte) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	defer acc.stop()

	// Feed faster than the gap: no flush while speech continues.
	for i := 0; i < 5; i++ {
		acc.add([]int16{int16(i)})
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	if count != 0 {
		t.Errorf("flushed during continuous speech")
	}
	mu.Unlock()

	// Then the gap elapses and exactly one utterance emerges.
	time.Sleep(120 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("flushed %d utterances, want 1", count)
	}
}

func TestAccumulator_SeparateUtterances(t *testing.T) {
	var mu sync.Mutex
	var sizes []int
	acc := newAccumulator(20*time.Millisecond, func(pcm []byte) {
		mu.Lock()
		sizes = append(sizes, len(pcm)/2)
		mu.Unlock()
	})
	defer acc.stop()

	acc.add(make([]int16, 10))
	time.Sleep(60 * time.Millisecond)
	acc.add(make([]int16, 4))
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(sizes) != 2 || sizes[0] != 10 || sizes[1] != 4 {
		t.Errorf("utterance sizes = %v, want [10 4]", sizes)
	}
}
