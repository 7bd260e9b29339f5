package sipchan

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// compactHeaders maps SIP compact header names onto their long forms.
var compactHeaders = map[string]string{
	"v": "Via",
	"f": "From",
	"t": "To",
	"i": "Call-ID",
	"m": "Contact",
	"c": "Content-Type",
	"l": "Content-Length",
}

// request is one parsed SIP request datagram.
type request struct {
	method string
	uri    string
	// headers keyed by canonical long-form name. Repeated headers keep
	// only the topmost value, which is the one responses must echo.
	headers map[string]string
	body    []byte
}

func (r *request) header(name string) string { return r.headers[name] }

func (r *request) callID() string { return r.headers["Call-ID"] }

// parseRequest splits a UDP datagram into request line, headers and body.
func parseRequest(data []byte) (*request, error) {
	head, body, _ := bytes.Cut(data, []byte("\r\n\r\n"))
	lines := strings.Split(string(head), "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, fmt.Errorf("sip: empty datagram")
	}

	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "SIP/2.0") {
		return nil, fmt.Errorf("sip: malformed request line %q", lines[0])
	}

	req := &request{
		method:  strings.ToUpper(parts[0]),
		uri:     parts[1],
		headers: make(map[string]string),
	}
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if long, ok := compactHeaders[strings.ToLower(name)]; ok {
			name = long
		} else {
			name = canonicalHeader(name)
		}
		if _, seen := req.headers[name]; !seen {
			req.headers[name] = strings.TrimSpace(value)
		}
	}

	if cl := req.headers["Content-Length"]; cl != "" {
		if n, err := strconv.Atoi(cl); err == nil && n >= 0 && n <= len(body) {
			body = body[:n]
		}
	}
	req.body = body
	return req, nil
}

// canonicalHeader normalizes header-name casing ("call-id" -> "Call-ID").
func canonicalHeader(name string) string {
	switch strings.ToLower(name) {
	case "call-id":
		return "Call-ID"
	case "cseq":
		return "CSeq"
	case "www-authenticate":
		return "WWW-Authenticate"
	}
	segs := strings.Split(name, "-")
	for i, s := range segs {
		if s == "" {
			continue
		}
		segs[i] = strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
	}
	return strings.Join(segs, "-")
}

// response renders a SIP response to req. The dialog headers are echoed
// verbatim; toTag is appended to To when non-empty, contact becomes the
// Contact header when non-empty, and a non-empty body implies an
// application/sdp Content-Type.
func response(req *request, code int, reason, toTag, contact string, body []byte) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "SIP/2.0 %d %s\r\n", code, reason)

	if via := req.header("Via"); via != "" {
		fmt.Fprintf(&b, "Via: %s\r\n", via)
	}
	if from := req.header("From"); from != "" {
		fmt.Fprintf(&b, "From: %s\r\n", from)
	}
	if to := req.header("To"); to != "" {
		fmt.Fprintf(&b, "To: %s\r\n", withTag(to, toTag))
	}
	if id := req.header("Call-ID"); id != "" {
		fmt.Fprintf(&b, "Call-ID: %s\r\n", id)
	}
	if cseq := req.header("CSeq"); cseq != "" {
		fmt.Fprintf(&b, "CSeq: %s\r\n", cseq)
	}
	if contact != "" {
		fmt.Fprintf(&b, "Contact: <%s>\r\n", contact)
	}
	if len(body) > 0 {
		b.WriteString("Content-Type: application/sdp\r\n")
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(body))
	b.Write(body)
	return []byte(b.String())
}

// withTag appends ;tag=t to a From/To header value unless it already
// carries a tag.
func withTag(value, t string) string {
	if t == "" || strings.Contains(value, ";tag=") {
		return value
	}
	return value + ";tag=" + t
}

// headerTag extracts the tag parameter from a From/To header value.
func headerTag(value string) string {
	for _, param := range strings.Split(value, ";")[1:] {
		if k, v, ok := strings.Cut(strings.TrimSpace(param), "="); ok && strings.EqualFold(k, "tag") {
			return v
		}
	}
	return ""
}

// uriUser extracts the user part of the first sip: URI in a header value.
// "Alice" <sip:alice@10.0.0.5>;tag=x -> "alice".
func uriUser(value string) string {
	idx := strings.Index(strings.ToLower(value), "sip:")
	if idx < 0 {
		return ""
	}
	rest := value[idx+len("sip:"):]
	end := strings.IndexAny(rest, "@>;")
	if end < 0 {
		end = len(rest)
	}
	if end < len(rest) && rest[end] != '@' {
		// URI without a user part (sip:10.0.0.5).
		return ""
	}
	return rest[:end]
}
