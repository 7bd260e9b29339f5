// Package sipchan is the SIP telephony channel: a UDP signaling endpoint
// that answers incoming calls, negotiates a PCMU audio session over RTP,
// and runs caller speech through the dialog pipeline. The peer (a PBX or
// softphone on the local network) is trusted; there is no registration or
// digest authentication.
package sipchan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/hearthward/famulus/internal/config"
	"github.com/hearthward/famulus/internal/dialog"
	"github.com/hearthward/famulus/pkg/provider/stt/whisper"
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

// Server is the SIP signaling endpoint. One Server handles any number of
// concurrent calls, each with its own RTP socket and state machine.
type Server struct {
	cfg    config.SIPConfig
	dialog Responder
	stt    Transcriber
	tts    Speaker

	// manualVADThreshold > 0 fixes the speech gate instead of adapting it
	// per call.
	manualVADThreshold float64

	mu    sync.Mutex
	calls map[string]*call
	conn  *net.UDPConn
}

// New creates the server. Listening starts in Run.
func New(cfg config.SIPConfig, d Responder, stt Transcriber, tts Speaker) *Server {
	return &Server{
		cfg:                cfg,
		dialog:             d,
		stt:                stt,
		tts:                tts,
		manualVADThreshold: cfg.VADThreshold,
		calls:              make(map[string]*call),
	}
}

// Run listens for SIP datagrams until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("sip: resolve %q: %w", s.cfg.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("sip: listen %q: %w", s.cfg.ListenAddr, err)
	}
	s.conn = conn
	slog.Info("sip listening", "addr", s.cfg.ListenAddr, "advertised_ip", s.cfg.AdvertisedIP)

	go func() {
		<-ctx.Done()
		conn.Close()
		s.closeAll()
	}()

	buf := make([]byte, 65535)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Warn("sip read failed", "error", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		for _, resp := range s.handle(ctx, data, src) {
			if _, err := conn.WriteToUDP(resp, src); err != nil {
				slog.Warn("sip response send failed", "peer", src.String(), "error", err)
			}
		}
	}
}

// handle processes one datagram and returns the responses to send back.
// Split from the socket loop so signaling is testable without a peer.
func (s *Server) handle(ctx context.Context, data []byte, src *net.UDPAddr) [][]byte {
	req, err := parseRequest(data)
	if err != nil {
		slog.Debug("sip unparseable datagram", "peer", src.String(), "error", err)
		return nil
	}
	if req.callID() == "" && req.method != "OPTIONS" {
		return nil
	}

	switch req.method {
	case "OPTIONS":
		return [][]byte{response(req, 200, "OK", "", s.contact(), nil)}

	case "INVITE":
		c := s.callFor(req, src)
		out, err := c.onInvite(req, s.contact())
		if err != nil {
			slog.Warn("sip invite rejected", "call_id", c.callID, "error", err)
			s.forget(c.callID)
		} else if c.currentState() == stateAnswered {
			slog.Info("sip call answered", "call_id", c.callID, "caller", c.caller, "rtp_port", c.rtp.port)
		}
		return out

	case "ACK":
		if c := s.lookup(req.callID()); c != nil {
			c.onAck(ctx)
		}
		return nil

	case "BYE", "CANCEL":
		if c := s.lookup(req.callID()); c != nil {
			return c.onBye(req)
		}
		return [][]byte{response(req, 481, "Call/Transaction Does Not Exist", "", "", nil)}

	default:
		return [][]byte{response(req, 501, "Not Implemented", "", "", nil)}
	}
}

// callFor returns the existing call for the request's Call-ID or registers
// a new one.
func (s *Server) callFor(req *request, src *net.UDPAddr) *call {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.calls[req.callID()]; ok {
		return c
	}

	caller := uriUser(req.header("From"))
	if caller == "" {
		caller = "caller"
	}
	c := &call{
		server: s,
		callID: req.callID(),
		caller: caller,
		toTag:  uuid.NewString()[:8],
	}
	s.calls[req.callID()] = c
	return c
}

func (s *Server) lookup(callID string) *call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[callID]
}

func (s *Server) forget(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.calls, callID)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	calls := make([]*call, 0, len(s.calls))
	for _, c := range s.calls {
		calls = append(calls, c)
	}
	s.mu.Unlock()
	for _, c := range calls {
		c.teardown()
	}
}

func (s *Server) advertisedIP() string { return s.cfg.AdvertisedIP }

// contact is the URI peers should target for in-dialog requests.
func (s *Server) contact() string {
	user := s.cfg.Username
	if user == "" {
		user = "assistant"
	}
	_, port, err := net.SplitHostPort(s.cfg.ListenAddr)
	if err != nil {
		port = "5060"
	}
	return fmt.Sprintf("sip:%s@%s:%s", user, s.cfg.AdvertisedIP, port)
}
