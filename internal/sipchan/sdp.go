package sipchan

import (
	"fmt"
	"strconv"
	"strings"
)

// sdpOffer is the subset of the caller's SDP the audio path needs.
type sdpOffer struct {
	addr string // c= connection address
	port int    // m=audio port
}

// parseSDPOffer extracts the remote RTP endpoint from an SDP body. A
// media-level c= line overrides the session-level one.
func parseSDPOffer(body []byte) (sdpOffer, error) {
	var offer sdpOffer
	inAudio := false
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "c="):
			fields := strings.Fields(line[2:])
			if len(fields) == 3 && fields[0] == "IN" {
				if offer.addr == "" || inAudio {
					offer.addr = fields[2]
				}
			}
		case strings.HasPrefix(line, "m="):
			fields := strings.Fields(line[2:])
			inAudio = len(fields) > 1 && fields[0] == "audio"
			if inAudio {
				port, err := strconv.Atoi(fields[1])
				if err != nil {
					return sdpOffer{}, fmt.Errorf("sip: bad m=audio port %q", fields[1])
				}
				offer.port = port
			}
		}
	}
	if offer.addr == "" || offer.port == 0 {
		return sdpOffer{}, fmt.Errorf("sip: offer missing c= address or m=audio port")
	}
	return offer, nil
}

// answerSDP builds the SDP answer: PCMU/PCMA/telephone-event at 8 kHz,
// 20 ms packets, bidirectional.
func answerSDP(sessionID int64, addr string, rtpPort int) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\n")
	fmt.Fprintf(&b, "o=- %d %d IN IP4 %s\r\n", sessionID, sessionID, addr)
	fmt.Fprintf(&b, "s=famulus\r\n")
	fmt.Fprintf(&b, "c=IN IP4 %s\r\n", addr)
	fmt.Fprintf(&b, "t=0 0\r\n")
	fmt.Fprintf(&b, "m=audio %d RTP/AVP 0 8 101\r\n", rtpPort)
	fmt.Fprintf(&b, "a=rtpmap:0 PCMU/8000\r\n")
	fmt.Fprintf(&b, "a=rtpmap:8 PCMA/8000\r\n")
	fmt.Fprintf(&b, "a=rtpmap:101 telephone-event/8000\r\n")
	fmt.Fprintf(&b, "a=fmtp:101 0-16\r\n")
	fmt.Fprintf(&b, "a=ptime:20\r\n")
	fmt.Fprintf(&b, "a=sendrecv\r\n")
	return []byte(b.String())
}
