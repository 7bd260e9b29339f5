package mailchan

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	_ "github.com/emersion/go-message/charset" // registers non-UTF-8 decoders
	gomail "github.com/emersion/go-message/mail"

	"github.com/hearthward/famulus/pkg/memory"
)

// imapFetch connects per poll, pulls every unseen message from the
// configured mailbox, and parses each into an inboundMessage. Fetching the
// body marks the message seen, which is what bounds each poll.
func (c *Channel) imapFetch(ctx context.Context, s *memory.EmailSettings) ([]inboundMessage, error) {
	addr := fmt.Sprintf("%s:%d", s.IMAPHost, s.IMAPPort)
	cl, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer cl.Logout()

	if err := cl.Login(s.IMAPUser, s.IMAPPass); err != nil {
		return nil, fmt.Errorf("login %s: %w", s.IMAPUser, err)
	}

	mailbox := s.IMAPMailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := cl.Select(mailbox, false); err != nil {
		return nil, fmt.Errorf("select %s: %w", mailbox, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	ids, err := cl.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("search unseen: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)
	section := &imap.BodySectionName{}
	items := []imap.FetchItem{section.FetchItem()}

	messages := make(chan *imap.Message, len(ids))
	done := make(chan error, 1)
	go func() {
		done <- cl.Fetch(seqset, items, messages)
	}()

	var out []inboundMessage
	for msg := range messages {
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		parsed, err := parseMessage(body)
		if err != nil {
			slog.Warn("unparseable inbound mail", "seq", msg.SeqNum, "error", err)
			continue
		}
		out = append(out, parsed)
	}
	if err := <-done; err != nil {
		return out, fmt.Errorf("fetch: %w", err)
	}
	return out, nil
}

// parseMessage decodes one RFC 5322 message: headers, the first plain (or
// failing that, HTML) body part, and attachments up to the size cap.
func parseMessage(r io.Reader) (inboundMessage, error) {
	mr, err := gomail.CreateReader(r)
	if err != nil {
		return inboundMessage{}, fmt.Errorf("create reader: %w", err)
	}

	var msg inboundMessage
	msg.Subject, _ = mr.Header.Subject()
	msg.MessageID, _ = mr.Header.MessageID()
	msg.References, _ = mr.Header.MsgIDList("References")
	if froms, err := mr.Header.AddressList("From"); err == nil && len(froms) > 0 {
		msg.From = strings.ToLower(froms[0].Address)
	}
	if msg.From == "" {
		return inboundMessage{}, fmt.Errorf("message %q has no sender", msg.Subject)
	}

	var plain, html string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A broken part should not discard the parts already read.
			slog.Warn("broken mail part", "subject", msg.Subject, "error", err)
			break
		}

		switch h := part.Header.(type) {
		case *gomail.InlineHeader:
			ct, _, _ := h.ContentType()
			data, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case ct == "text/plain" && plain == "":
				plain = string(data)
			case ct == "text/html" && html == "":
				html = string(data)
			}

		case *gomail.AttachmentHeader:
			filename, _ := h.Filename()
			ct, _, _ := h.ContentType()
			data, err := io.ReadAll(io.LimitReader(part.Body, maxAttachmentSize+1))
			if err != nil {
				continue
			}
			msg.Attachments = append(msg.Attachments, rawAttachment{
				Filename: filename,
				MIMEType: ct,
				Data:     data,
			})
		}
	}

	msg.Body = strings.TrimSpace(plain)
	if msg.Body == "" {
		msg.Body = strings.TrimSpace(stripTags(html))
	}
	return msg, nil
}

// stripTags is the HTML-only fallback: drop markup, keep text.
func stripTags(html string) string {
	var b strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			b.WriteRune(' ')
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
