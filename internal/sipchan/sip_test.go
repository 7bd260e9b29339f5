package sipchan

import (
	"fmt"
	"strings"
	"testing"
)

func inviteDatagram(callID string) []byte {
	sdp := "v=0\r\n" +
		"o=alice 1 1 IN IP4 10.0.0.5\r\n" +
		"s=call\r\n" +
		"c=IN IP4 10.0.0.5\r\n" +
		"t=0 0\r\n" +
		"m=audio 4000 RTP/AVP 0 8 101\r\n"
	return []byte("INVITE sip:assistant@10.0.0.2 SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 10.0.0.5:5060;branch=z9hG4bK776\r\n" +
		"From: \"Alice\" <sip:alice@10.0.0.5>;tag=abc123\r\n" +
		"To: <sip:assistant@10.0.0.2>\r\n" +
		"Call-ID: " + callID + "\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"Content-Type: application/sdp\r\n" +
		fmt.Sprintf("Content-Length: %d\r\n", len(sdp)) +
		"\r\n" + sdp)
}

func TestParseRequest(t *testing.T) {
	req, err := parseRequest(inviteDatagram("call-1@10.0.0.5"))
	if err != nil {
		t.Fatalf("parseRequest: %v", err)
	}
	if req.method != "INVITE" {
		t.Errorf("method = %q", req.method)
	}
	if req.uri != "sip:assistant@10.0.0.2" {
		t.Errorf("uri = %q", req.uri)
	}
	if req.callID() != "call-1@10.0.0.5" {
		t.Errorf("Call-ID = %q", req.callID())
	}
	if got := req.header("CSeq"); got != "1 INVITE" {
		t.Errorf("CSeq = %q", got)
	}
	if !strings.Contains(string(req.body), "m=audio 4000") {
		t.Errorf("body = %q", req.body)
	}
}

func TestParseRequest_CompactHeaders(t *testing.T) {
	data := []byte("BYE sip:assistant@10.0.0.2 SIP/2.0\r\n" +
		"v: SIP/2.0/UDP 10.0.0.5:5060\r\n" +
		"f: <sip:alice@10.0.0.5>;tag=abc\r\n" +
		"t: <sip:assistant@10.0.0.2>;tag=def\r\n" +
		"i: compact-1\r\n" +
		"CSeq: 2 BYE\r\n" +
		"l: 0\r\n\r\n")
	req, err := parseRequest(data)
	if err != nil {
		t.Fatalf("parseRequest: %v", err)
	}
	if req.callID() != "compact-1" {
		t.Errorf("Call-ID = %q", req.callID())
	}
	if req.header("Via") == "" || req.header("From") == "" {
		t.Error("compact v/f headers not expanded")
	}
}

func TestParseRequest_Malformed(t *testing.T) {
	for _, data := range []string{"", "garbage", "INVITE sip:x\r\n\r\n"} {
		if _, err := parseRequest([]byte(data)); err == nil {
			t.Errorf("parseRequest(%q) accepted malformed input", data)
		}
	}
}

func TestResponse_EchoesDialogHeaders(t *testing.T) {
	req, _ := parseRequest(inviteDatagram("call-2"))
	out := string(response(req, 200, "OK", "totag9", "sip:assistant@10.0.0.2:5060", []byte("v=0\r\n")))

	for _, want := range []string{
		"SIP/2.0 200 OK\r\n",
		"Via: SIP/2.0/UDP 10.0.0.5:5060;branch=z9hG4bK776\r\n",
		"From: \"Alice\" <sip:alice@10.0.0.5>;tag=abc123\r\n",
		"To: <sip:assistant@10.0.0.2>;tag=totag9\r\n",
		"Call-ID: call-2\r\n",
		"CSeq: 1 INVITE\r\n",
		"Contact: <sip:assistant@10.0.0.2:5060>\r\n",
		"Content-Type: application/sdp\r\n",
		"Content-Length: 5\r\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("response missing %q in:\n%s", want, out)
		}
	}
}

func TestResponse_NoTagOnTrying(t *testing.T) {
	req, _ := parseRequest(inviteDatagram("call-3"))
	out := string(response(req, 100, "Trying", "", "", nil))
	if strings.Contains(out, "To: <sip:assistant@10.0.0.2>;tag=") {
		t.Error("100 Trying must not add a to-tag")
	}
	if !strings.Contains(out, "Content-Length: 0\r\n") {
		t.Error("missing Content-Length: 0")
	}
}

func TestWithTag(t *testing.T) {
	if got := withTag("<sip:a@b>;tag=x", "y"); got != "<sip:a@b>;tag=x" {
		t.Errorf("existing tag overwritten: %q", got)
	}
	if got := withTag("<sip:a@b>", "y"); got != "<sip:a@b>;tag=y" {
		t.Errorf("tag not appended: %q", got)
	}
}

func TestHeaderTag(t *testing.T) {
	if got := headerTag("\"Alice\" <sip:alice@h>;tag=abc123"); got != "abc123" {
		t.Errorf("headerTag = %q", got)
	}
	if got := headerTag("<sip:alice@h>"); got != "" {
		t.Errorf("headerTag on tagless value = %q", got)
	}
}

func TestURIUser(t *testing.T) {
	cases := []struct {
		value string
		want  string
	}{
		{"\"Alice\" <sip:alice@10.0.0.5>;tag=x", "alice"},
		{"<sip:bob@host>", "bob"},
		{"sip:carol@host;transport=udp", "carol"},
		{"<sip:10.0.0.5>", ""},
		{"tel:+123", ""},
	}
	for _, tc := range cases {
		if got := uriUser(tc.value); got != tc.want {
			t.Errorf("uriUser(%q) = %q, want %q", tc.value, got, tc.want)
		}
	}
}
