package mumble

import (
	"context"
	"sync"
	"time"

	"layeh.com/gumble/gumble"

	"github.com/hearthward/famulus/pkg/audio"
)

// audioListener bridges gumble's audio callbacks onto per-speaker
// accumulators.
type audioListener struct {
	channel *Channel
	ctx     context.Context
}

var _ gumble.AudioListener = audioListener{}

// OnAudioStream consumes one speaker's packet stream on its own goroutine.
func (l audioListener) OnAudioStream(e *gumble.AudioStreamEvent) {
	go func() {
		user := e.User.Name
		session := e.User.Session

		acc := newAccumulator(utteranceGap, func(pcm []byte) {
			l.channel.handleUtterance(l.ctx, user, session, pcm)
		})
		defer acc.stop()

		for {
			select {
			case <-l.ctx.Done():
				return
			case packet, ok := <-e.C:
				if !ok {
					return
				}
				acc.add(packet.AudioBuffer)
			}
		}
	}()
}

// accumulator collects one speaker's PCM and declares end-of-utterance when
// no audio has arrived for the configured gap. Safe for concurrent use; the
// flush callback runs on the timer goroutine.
type accumulator struct {
	gap   time.Duration
	flush func(pcm []byte)

	mu    sync.Mutex
	buf   []int16
	timer *time.Timer
}

func newAccumulator(gap time.Duration, flush func(pcm []byte)) *accumulator {
	return &accumulator{gap: gap, flush: flush}
}

// add appends samples and re-arms the end-of-utterance timer.
func (a *accumulator) add(samples []int16) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.buf = append(a.buf, samples...)
	if a.timer == nil {
		a.timer = time.AfterFunc(a.gap, a.fire)
	} else {
		a.timer.Reset(a.gap)
	}
}

// fire hands the finished utterance to the flush callback and clears the
// buffer for the next one.
func (a *accumulator) fire() {
	a.mu.Lock()
	buf := a.buf
	a.buf = nil
	a.mu.Unlock()

	if len(buf) == 0 {
		return
	}
	a.flush(audio.Int16ToBytes(buf))
}

// stop cancels the pending timer without flushing.
func (a *accumulator) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
	}
}
