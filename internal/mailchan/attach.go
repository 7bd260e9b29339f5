package mailchan

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/hearthward/famulus/internal/llm"
	"github.com/hearthward/famulus/pkg/memory"
)

const (
	// maxAttachmentSize is the per-attachment processing cap.
	maxAttachmentSize = 10 << 20

	// previewLimit caps extracted text per attachment.
	previewLimit = 5000

	visionPrompt = "Describe this image concisely for someone who cannot see it. Mention any visible text."

	docxMIME = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// rawAttachment is one undecoded attachment from an inbound message.
type rawAttachment struct {
	Filename string
	MIMEType string
	Data     []byte
}

// analyzer turns attachment bytes into text previews for the prompt and
// the mail log.
type analyzer struct {
	gen         Generator
	visionModel string
}

// analyze dispatches one attachment by type. Failures degrade to a note in
// the preview; an attachment never fails the whole message.
func (a *analyzer) analyze(ctx context.Context, att rawAttachment) memory.AttachmentMeta {
	meta := memory.AttachmentMeta{
		Filename: att.Filename,
		Type:     att.MIMEType,
		Size:     len(att.Data),
	}

	if len(att.Data) > maxAttachmentSize {
		meta.Preview = fmt.Sprintf("skipped: %d bytes exceeds the 10 MB limit", len(att.Data))
		return meta
	}

	lowerName := strings.ToLower(att.Filename)
	switch {
	case strings.HasPrefix(att.MIMEType, "image/"):
		meta.Preview = a.describeImage(ctx, att)
	case att.MIMEType == "application/pdf" || strings.HasSuffix(lowerName, ".pdf"):
		meta.Preview = extractPDF(att)
	case att.MIMEType == docxMIME || strings.HasSuffix(lowerName, ".docx"):
		meta.Preview = extractDOCX(att)
	default:
		meta.Preview = fmt.Sprintf("unsupported attachment type %q", att.MIMEType)
	}
	return meta
}

func (a *analyzer) describeImage(ctx context.Context, att rawAttachment) string {
	if a.visionModel == "" {
		return "image (no vision model configured)"
	}
	desc, err := a.gen.Generate(ctx, llm.GenerateRequest{
		Model:  a.visionModel,
		Prompt: visionPrompt,
		Images: [][]byte{att.Data},
	})
	if err != nil {
		slog.Warn("image description failed", "filename", att.Filename, "error", err)
		return "image (description unavailable)"
	}
	return truncatePreview(strings.TrimSpace(desc))
}

// extractPDF pulls page-labeled plain text out of a PDF.
func extractPDF(att rawAttachment) string {
	r, err := pdf.NewReader(bytes.NewReader(att.Data), int64(len(att.Data)))
	if err != nil {
		slog.Warn("pdf parse failed", "filename", att.Filename, "error", err)
		return "PDF (text extraction failed)"
	}

	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "[Page %d]\n%s\n", i, strings.TrimSpace(text))
		if b.Len() > previewLimit {
			break
		}
	}
	if b.Len() == 0 {
		return "PDF (no extractable text)"
	}
	return truncatePreview(b.String())
}

// extractDOCX reads the main document part of a .docx archive and joins its
// paragraph text.
func extractDOCX(att rawAttachment) string {
	zr, err := zip.NewReader(bytes.NewReader(att.Data), int64(len(att.Data)))
	if err != nil {
		slog.Warn("docx open failed", "filename", att.Filename, "error", err)
		return "document (extraction failed)"
	}

	var doc io.ReadCloser
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc, err = f.Open()
			break
		}
	}
	if doc == nil || err != nil {
		return "document (no document.xml part)"
	}
	defer doc.Close()

	text, err := docxParagraphs(doc)
	if err != nil || text == "" {
		return "document (no extractable text)"
	}
	return truncatePreview(text)
}

// docxParagraphs streams WordprocessingML, collecting the character data of
// <w:t> runs and breaking lines at paragraph ends.
func docxParagraphs(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var b strings.Builder
	inText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
		if b.Len() > previewLimit {
			break
		}
	}
	return strings.TrimSpace(b.String()), nil
}

func truncatePreview(s string) string {
	if len(s) <= previewLimit {
		return s
	}
	return s[:previewLimit] + "\n[truncated]"
}
