package sipchan

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/hearthward/famulus/internal/dialog"
	"github.com/hearthward/famulus/internal/observe"
	"github.com/hearthward/famulus/internal/prompt"
	"github.com/hearthward/famulus/pkg/audio"
)

type callState int

const (
	stateIdle callState = iota
	stateTrying
	stateRinging
	stateAnswered
	stateEstablished
	stateTerminating
	stateClosed
)

func (s callState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateTrying:
		return "trying"
	case stateRinging:
		return "ringing"
	case stateAnswered:
		return "answered"
	case stateEstablished:
		return "established"
	case stateTerminating:
		return "terminating"
	default:
		return "closed"
	}
}

const (
	// settleAfterReply and settleAfterWelcome are the post-playback waits
	// before the microphone opens again. The longer welcome settle covers
	// line echo of the longer opening audio.
	settleAfterReply   = 500 * time.Millisecond
	settleAfterWelcome = time.Second

	// minTurnRMS rejects near-silent utterances before transcription.
	minTurnRMS = 50

	// peakTarget is the normalization level applied before transcription.
	peakTarget = 0.9

	transcribeRate = 16000

	greetingText = "Hello! One moment please."
	fillerText   = "Let me think about that for a moment."

	// welcomeTurn is the synthetic opening turn that asks the model for a
	// personalized welcome once the call is answered.
	welcomeTurn = "I just called you on the phone. Greet me by name and ask how you can help, in one short sentence."

	rtpReadTimeout = 500 * time.Millisecond
)

// hallucinatedTranscripts are phrases the transcription service produces
// from silence or line noise. Turns matching one are dropped.
var hallucinatedTranscripts = map[string]struct{}{
	"thank you":              {},
	"bye":                    {},
	"you":                    {},
	"thank you for watching": {},
}

// call is one SIP dialog and its RTP audio path.
type call struct {
	server *Server

	callID  string
	caller  string
	toTag   string
	fromTag string

	mu     sync.Mutex
	state  callState
	cached [][]byte // INVITE response sequence, replayed on retransmit

	rtp         *rtpSession
	vad         *vad
	muted       atomic.Bool
	established atomic.Bool

	establishOnce sync.Once
	cancelRun     context.CancelFunc
}

func (c *call) setState(s callState) {
	c.mu.Lock()
	old := c.state
	c.state = s
	c.mu.Unlock()
	slog.Debug("sip call state", "call_id", c.callID, "from", old.String(), "to", s.String())
}

func (c *call) currentState() callState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// onInvite answers the offer with 100/180/200 and caches the sequence so a
// retransmitted INVITE replays it instead of re-negotiating.
func (c *call) onInvite(req *request, contact string) ([][]byte, error) {
	c.mu.Lock()
	if len(c.cached) > 0 {
		cached := c.cached
		c.mu.Unlock()
		slog.Debug("sip invite retransmit", "call_id", c.callID)
		return cached, nil
	}
	c.mu.Unlock()

	offer, err := parseSDPOffer(req.body)
	if err != nil {
		return [][]byte{response(req, 400, "Bad Request", "", "", nil)}, err
	}
	remote := &net.UDPAddr{IP: net.ParseIP(offer.addr), Port: offer.port}
	rs, err := openRTP(c.server.cfg.RTPPortMin, c.server.cfg.RTPPortMax, remote)
	if err != nil {
		return [][]byte{response(req, 503, "Service Unavailable", "", "", nil)}, err
	}

	c.rtp = rs
	c.fromTag = headerTag(req.header("From"))
	c.setState(stateTrying)

	sdp := answerSDP(time.Now().Unix(), c.server.advertisedIP(), rs.port)
	out := [][]byte{
		response(req, 100, "Trying", "", "", nil),
		response(req, 180, "Ringing", c.toTag, contact, nil),
		response(req, 200, "OK", c.toTag, contact, sdp),
	}
	c.setState(stateRinging)
	c.setState(stateAnswered)

	c.mu.Lock()
	c.cached = out
	c.mu.Unlock()
	return out, nil
}

// onAck starts the call session exactly once, however many times the ACK
// is retransmitted.
func (c *call) onAck(ctx context.Context) {
	c.establishOnce.Do(func() {
		c.setState(stateEstablished)
		c.established.Store(true)
		observe.DefaultMetrics().ActiveCalls.Add(ctx, 1)
		c.vad = newVAD(c.server.manualVADThreshold, time.Now)
		c.muted.Store(true)

		runCtx, cancel := context.WithCancel(ctx)
		c.cancelRun = cancel
		go c.receiveLoop(runCtx)
		go c.open(runCtx)
	})
}

// onBye acknowledges and tears the call down.
func (c *call) onBye(req *request) [][]byte {
	out := response(req, 200, "OK", c.toTag, "", nil)
	c.teardown()
	return [][]byte{out}
}

func (c *call) teardown() {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateTerminating
	c.mu.Unlock()

	if c.cancelRun != nil {
		c.cancelRun()
	}
	if c.rtp != nil {
		c.rtp.close()
	}
	if c.established.Swap(false) {
		observe.DefaultMetrics().ActiveCalls.Add(context.Background(), -1)
	}
	c.setState(stateClosed)
	c.server.forget(c.callID)
	slog.Info("sip call ended", "call_id", c.callID, "caller", c.caller)
}

// open plays the fixed greeting immediately and a model-generated welcome as
// soon as it is ready, under one mute, then opens the microphone with a
// fresh noise calibration. The greeting must not wait for the model: the
// caller hears it while the welcome generates.
func (c *call) open(ctx context.Context) {
	c.muted.Store(true)

	welcomeCh := make(chan string, 1)
	go func() {
		welcome, err := c.server.dialog.Respond(ctx, dialog.Request{
			User:           c.caller,
			Text:           welcomeTurn,
			Channel:        prompt.ChannelVoice,
			ChannelSession: c.channelSession(),
		})
		if err != nil {
			slog.Warn("sip welcome generation failed", "call_id", c.callID, "error", err)
			welcome = ""
		}
		welcomeCh <- welcome
	}()

	c.play(ctx, greetingText)

	select {
	case <-ctx.Done():
		return
	case welcome := <-welcomeCh:
		c.play(ctx, welcome)
	}
	c.unmute(ctx, settleAfterWelcome)
}

// receiveLoop drains the RTP socket for the call's lifetime. Frames that
// arrive while muted are dropped before they can touch the detector.
func (c *call) receiveLoop(ctx context.Context) {
	go func() {
		<-ctx.Done()
		c.rtp.conn.Close()
	}()

	buf := make([]byte, 1500)
	for {
		c.rtp.conn.SetReadDeadline(time.Now().Add(rtpReadTimeout))
		n, addr, err := c.rtp.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				if utt := c.vad.idle(); utt != nil {
					go c.handleUtterance(ctx, utt)
				}
				continue
			}
			return
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		c.rtp.latchRemote(addr)
		if pkt.PayloadType != payloadTypePCMU {
			continue
		}
		if c.muted.Load() {
			continue
		}

		pcm := audio.MulawDecode(pkt.Payload)
		if utt := c.vad.frame(pcm); utt != nil {
			go c.handleUtterance(ctx, utt)
		}
	}
}

// handleUtterance runs one caller turn: transcribe, respond, speak.
func (c *call) handleUtterance(ctx context.Context, pcm []byte) {
	if audio.RMS(pcm) < minTurnRMS {
		return
	}
	wide := audio.ResampleMono16(pcm, 8000, transcribeRate)
	wide = audio.NormalizePeak(wide, peakTarget)

	res, err := c.server.stt.TranscribePCM(ctx, wide, transcribeRate)
	if err != nil {
		slog.Warn("sip transcription failed", "call_id", c.callID, "error", err)
		return
	}
	text := strings.TrimSpace(res.Text)
	if text == "" || isHallucination(text) {
		return
	}
	slog.Debug("sip caller turn", "call_id", c.callID, "caller", c.caller, "text", text)

	// The filler cue plays while the model works, under the same mute.
	c.muted.Store(true)
	fillerDone := make(chan struct{})
	go func() {
		defer close(fillerDone)
		c.play(ctx, fillerText)
	}()

	reply, err := c.server.dialog.Respond(ctx, dialog.Request{
		User:           c.caller,
		Text:           text,
		Channel:        prompt.ChannelVoice,
		ChannelSession: c.channelSession(),
	})
	<-fillerDone
	if err != nil {
		slog.Error("sip turn failed", "call_id", c.callID, "caller", c.caller, "error", err)
		c.unmute(ctx, settleAfterReply)
		return
	}

	c.play(ctx, reply)
	c.unmute(ctx, settleAfterReply)
}

// play synthesizes and streams one text. The caller must hold the mute.
func (c *call) play(ctx context.Context, text string) {
	if text == "" {
		return
	}
	pcm, err := c.server.tts.SynthesizePCM(ctx, text, 8000)
	if err != nil {
		slog.Warn("sip speech synthesis failed", "call_id", c.callID, "error", err)
		return
	}
	if err := c.rtp.sendPCM(ctx, pcm); err != nil && ctx.Err() == nil {
		slog.Warn("sip playback failed", "call_id", c.callID, "error", err)
	}
}

// unmute waits out the settle window, drops anything the detector
// accumulated, restarts noise calibration, and reopens the microphone.
func (c *call) unmute(ctx context.Context, settle time.Duration) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(settle):
	}
	c.vad.startCalibration()
	c.muted.Store(false)
}

func (c *call) channelSession() string { return "sip-" + c.callID }

// isHallucination reports whether a transcript matches a phrase the
// transcription service is known to invent from noise.
func isHallucination(text string) bool {
	norm := strings.ToLower(strings.TrimRight(strings.TrimSpace(text), ".!?"))
	_, ok := hallucinatedTranscripts[norm]
	return ok
}
