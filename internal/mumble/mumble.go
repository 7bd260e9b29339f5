// Package mumble is the Mumble voice/text channel. Incoming speech is
// accumulated per speaker, cut into utterances after 1.5 s of silence,
// transcribed, answered through the dialog pipeline, and spoken back as
// 48 kHz Mumble audio. Channel text messages take the same pipeline minus the
// audio legs.
package mumble

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"layeh.com/gumble/gumble"
	"layeh.com/gumble/gumbleutil"
	_ "layeh.com/gumble/opus" // registers the Opus codec with gumble

	"github.com/hearthward/famulus/internal/config"
	"github.com/hearthward/famulus/internal/dialog"
	"github.com/hearthward/famulus/internal/prompt"
	"github.com/hearthward/famulus/pkg/audio"
	"github.com/hearthward/famulus/pkg/provider/stt/whisper"
)

const (
	// utteranceGap is the silence that ends an utterance.
	utteranceGap = 1500 * time.Millisecond

	// reconnectDelay paces reconnection attempts.
	reconnectDelay = 5 * time.Second

	// minUtteranceRMS rejects keyclick/noise bursts before they reach the
	// transcription service.
	minUtteranceRMS = 50
)

// Responder runs one turn. Satisfied by *dialog.Orchestrator.
type Responder interface {
	Respond(ctx context.Context, req dialog.Request) (string, error)
}

// Transcriber converts PCM to text. Satisfied by *whisper.Client.
type Transcriber interface {
	TranscribePCM(ctx context.Context, pcm []byte, sampleRate int) (whisper.Result, error)
}

// Speaker converts text to PCM at the requested rate.
type Speaker interface {
	SynthesizePCM(ctx context.Context, text string, sampleRate int) ([]byte, error)
}

// Channel is the Mumble frontend.
type Channel struct {
	cfg    config.MumbleConfig
	dialog Responder
	stt    Transcriber
	tts    Speaker

	client    *gumble.Client
	reconnect singleflight.Group
}

// New creates the channel. Connect happens in Run.
func New(cfg config.MumbleConfig, d Responder, stt Transcriber, tts Speaker) *Channel {
	return &Channel{cfg: cfg, dialog: d, stt: stt, tts: tts}
}

// Run connects and serves until ctx is cancelled, reconnecting on drops.
func (c *Channel) Run(ctx context.Context) error {
	for {
		if err := c.connect(ctx); err != nil {
			slog.Warn("mumble connect failed", "server", c.cfg.Server, "error", err)
		} else {
			slog.Info("mumble connected", "server", c.cfg.Server, "username", c.cfg.Username)
			<-ctx.Done()
			if c.client != nil {
				c.client.Disconnect()
			}
			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

// connect dials the server and wires the listeners. The singleflight group
// collapses concurrent reconnect attempts (disconnect event racing the watch
// loop) into one dial.
func (c *Channel) connect(ctx context.Context) error {
	_, err, _ := c.reconnect.Do("connect", func() (any, error) {
		gc := gumble.NewConfig()
		gc.Username = c.cfg.Username
		gc.Password = c.cfg.Password

		gc.Attach(gumbleutil.Listener{
			Connect:     c.onConnect,
			TextMessage: func(e *gumble.TextMessageEvent) { c.onTextMessage(ctx, e) },
			Disconnect: func(e *gumble.DisconnectEvent) {
				slog.Warn("mumble disconnected", "type", e.Type)
			},
		})
		gc.AttachAudio(audioListener{channel: c, ctx: ctx})

		tlsCfg := &tls.Config{InsecureSkipVerify: c.cfg.InsecureTLS}
		client, err := gumble.DialWithDialer(new(net.Dialer), c.cfg.Server, gc, tlsCfg)
		if err != nil {
			return nil, fmt.Errorf("mumble: dial %s: %w", c.cfg.Server, err)
		}
		c.client = client
		return nil, nil
	})
	return err
}

func (c *Channel) onConnect(e *gumble.ConnectEvent) {
	if c.cfg.Channel == "" {
		return
	}
	if target := e.Client.Channels.Find(c.cfg.Channel); target != nil {
		e.Client.Self.Move(target)
	} else {
		slog.Warn("mumble channel not found, staying in root", "channel", c.cfg.Channel)
	}
}

// onTextMessage answers typed chat. Server notices never reach the dialog
// pipeline.
func (c *Channel) onTextMessage(ctx context.Context, e *gumble.TextMessageEvent) {
	if e.Sender == nil || IsServerNotice(e.Message) {
		return
	}

	reply, err := c.dialog.Respond(ctx, dialog.Request{
		User:           e.Sender.Name,
		Text:           e.Message,
		Channel:        prompt.ChannelText,
		ChannelSession: fmt.Sprintf("mumble-%d", e.Sender.Session),
	})
	if err != nil {
		slog.Error("mumble text turn failed", "user", e.Sender.Name, "error", err)
		return
	}
	if ch := e.Client.Self.Channel; ch != nil {
		ch.Send(reply, false)
	}
}

// handleUtterance transcribes one complete utterance and speaks the reply.
func (c *Channel) handleUtterance(ctx context.Context, user string, session uint32, pcm []byte) {
	if audio.RMS(pcm) < minUtteranceRMS {
		return
	}

	res, err := c.stt.TranscribePCM(ctx, pcm, gumble.AudioSampleRate)
	if err != nil {
		slog.Warn("mumble transcription failed", "user", user, "error", err)
		return
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return
	}
	slog.Debug("mumble utterance", "user", user, "text", text)

	reply, err := c.dialog.Respond(ctx, dialog.Request{
		User:           user,
		Text:           text,
		Channel:        prompt.ChannelVoice,
		ChannelSession: fmt.Sprintf("mumble-%d", session),
	})
	if err != nil {
		slog.Error("mumble voice turn failed", "user", user, "error", err)
		return
	}

	c.speak(ctx, reply)
}

// speak synthesizes reply and injects it as outgoing Mumble audio frames.
func (c *Channel) speak(ctx context.Context, text string) {
	if c.client == nil || text == "" {
		return
	}
	pcm, err := c.tts.SynthesizePCM(ctx, text, gumble.AudioSampleRate)
	if err != nil {
		slog.Warn("mumble speech synthesis failed", "error", err)
		return
	}

	out := c.client.AudioOutgoing()
	defer close(out)

	samples := audio.BytesToInt16(pcm)
	frame := gumble.AudioDefaultFrameSize
	for start := 0; start < len(samples); start += frame {
		end := min(start+frame, len(samples))
		select {
		case out <- gumble.AudioBuffer(samples[start:end]):
		case <-ctx.Done():
			return
		}
	}
}

// IsServerNotice reports whether a text message is server chatter rather
// than a user turn: HTML-tagged system lines, welcome banners, upgrade
// nags.
func IsServerNotice(message string) bool {
	m := strings.TrimSpace(message)
	if m == "" {
		return true
	}
	lower := strings.ToLower(m)
	if strings.Contains(lower, "<") && strings.Contains(lower, ">") {
		return true
	}
	for _, marker := range []string{
		"welcome to this server",
		"upgrade to mumble",
		"registered users:",
		"server is running",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
