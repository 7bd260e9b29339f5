package sipchan

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/hearthward/famulus/pkg/audio"
)

const (
	// frameDuration is the RTP packetization interval.
	frameDuration = 20 * time.Millisecond

	// frameSamples is samples per frame at 8 kHz (320 bytes of 16-bit
	// PCM, 160 bytes mu-law on the wire).
	frameSamples = 160

	payloadTypePCMU = 0
)

// rtpSession owns one call's RTP socket and outbound framing state.
type rtpSession struct {
	conn *net.UDPConn
	port int

	mu     sync.Mutex
	remote *net.UDPAddr
	seq    uint16
	ts     uint32
	ssrc   uint32
}

// openRTP binds the first free UDP port in [minPort, maxPort].
func openRTP(minPort, maxPort int, remote *net.UDPAddr) (*rtpSession, error) {
	for port := minPort; port <= maxPort; port++ {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err != nil {
			continue
		}
		return &rtpSession{
			conn:   conn,
			port:   port,
			remote: remote,
			seq:    uint16(rand.Uint32()),
			ts:     rand.Uint32(),
			ssrc:   rand.Uint32(),
		}, nil
	}
	return nil, fmt.Errorf("sip: no free RTP port in %d-%d", minPort, maxPort)
}

func (s *rtpSession) close() error { return s.conn.Close() }

// latchRemote adopts the peer's actual source address (symmetric RTP)
// the first time a packet arrives.
func (s *rtpSession) latchRemote(addr *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == nil || !s.remote.IP.Equal(addr.IP) || s.remote.Port != addr.Port {
		s.remote = addr
	}
}

// sendPCM paces 16-bit mono 8 kHz PCM onto the wire as 20 ms PCMU frames.
func (s *rtpSession) sendPCM(ctx context.Context, pcm []byte) error {
	ulaw := audio.MulawEncode(pcm)
	// Pad the tail to a whole frame; 0xFF is mu-law silence.
	if rem := len(ulaw) % frameSamples; rem != 0 {
		pad := make([]byte, frameSamples-rem)
		for i := range pad {
			pad[i] = 0xFF
		}
		ulaw = append(ulaw, pad...)
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for off := 0; off < len(ulaw); off += frameSamples {
		if err := s.sendFrame(ulaw[off : off+frameSamples]); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (s *rtpSession) sendFrame(payload []byte) error {
	s.mu.Lock()
	remote := s.remote
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    payloadTypePCMU,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	s.seq++
	s.ts += frameSamples
	s.mu.Unlock()

	if remote == nil {
		return fmt.Errorf("sip: no remote RTP address")
	}
	buf, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("sip: marshal rtp: %w", err)
	}
	if _, err := s.conn.WriteToUDP(buf, remote); err != nil {
		return fmt.Errorf("sip: send rtp: %w", err)
	}
	return nil
}
