package ingestion

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/contract-insights/backend/internal/apperr"
)

// Page is the plain text of one page; Number starts at 1.
type Page struct {
	Number int
	Text   string
}

// Extract returns the pages of a validated document. Blank pages are kept so
// numbering matches the source.
func Extract(mimeType string, data []byte) ([]Page, error) {
	var (
		pages []Page
		err   error
	)
	switch mimeType {
	case MIMEPDF:
		pages, err = extractPDF(data)
	case MIMEDocx:
		pages, err = extractDOCX(data)
	case MIMEDoc:
		pages = splitPages(extractLegacyDoc(data))
	case MIMEText:
		pages = splitPages(decodeText(data))
	default:
		return nil, apperr.Validation("File type %s is not supported.", describe(mimeType))
	}
	if err != nil {
		return nil, apperr.Validation("The document could not be read: %v", err)
	}

	for _, p := range pages {
		if strings.TrimSpace(p.Text) != "" {
			return pages, nil
		}
	}
	return nil, apperr.Validation("The document contains no extractable text.")
}

// JoinPages rebuilds the document text with form feeds between pages; the
// result round-trips through SplitPages for plain text.
func JoinPages(pages []Page) string {
	parts := make([]string, len(pages))
	for i, p := range pages {
		parts[i] = p.Text
	}
	return strings.Join(parts, "\f")
}

// SplitPages is the inverse of JoinPages; page numbers restart at 1.
func SplitPages(text string) []Page {
	return splitPages(text)
}

func splitPages(text string) []Page {
	parts := strings.Split(text, "\f")
	pages := make([]Page, len(parts))
	for i, p := range parts {
		pages[i] = Page{Number: i + 1, Text: normalizeNewlines(p)}
	}
	return pages
}

func extractPDF(data []byte) ([]Page, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("pdf reader: %w", err)
	}

	pages := make([]Page, 0, r.NumPage())
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, Page{Number: i})
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("pdf page %d: %w", i, err)
		}
		pages = append(pages, Page{Number: i, Text: normalizeNewlines(text)})
	}
	return pages, nil
}

// extractDOCX reads word/document.xml, emitting one line per paragraph and a
// page break for explicit <w:br w:type="page"/> elements.
func extractDOCX(data []byte) ([]Page, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("docx archive: %w", err)
	}

	var body *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			body = f
			break
		}
	}
	if body == nil {
		return nil, fmt.Errorf("docx archive has no word/document.xml")
	}

	rc, err := body.Open()
	if err != nil {
		return nil, fmt.Errorf("open document.xml: %w", err)
	}
	defer rc.Close()

	var sb strings.Builder
	dec := xml.NewDecoder(rc)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse document.xml: %w", err)
		}
		switch se := tok.(type) {
		case xml.StartElement:
			switch se.Name.Local {
			case "t":
				var v string
				if err := dec.DecodeElement(&v, &se); err != nil {
					return nil, fmt.Errorf("parse document.xml: %w", err)
				}
				sb.WriteString(v)
			case "tab":
				sb.WriteByte('\t')
			case "br":
				if attr(se, "type") == "page" {
					sb.WriteByte('\f')
				} else {
					sb.WriteByte('\n')
				}
			}
		case xml.EndElement:
			if se.Name.Local == "p" {
				sb.WriteString("\n\n")
			}
		}
	}
	return splitPages(sb.String()), nil
}

func attr(se xml.StartElement, local string) string {
	for _, a := range se.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// extractLegacyDoc recovers readable text from a binary .doc by keeping runs of
// printable characters. Word stores text as 8-bit or UTF-16LE; NUL bytes
// between ASCII characters are skipped so both encodings survive.
func extractLegacyDoc(data []byte) string {
	const minRun = 24

	var (
		out strings.Builder
		run strings.Builder
	)
	flush := func() {
		s := strings.TrimSpace(run.String())
		if len(s) >= minRun && strings.Count(s, " ") >= 3 {
			out.WriteString(s)
			out.WriteString("\n")
		}
		run.Reset()
	}

	for i := 0; i < len(data); i++ {
		b := data[i]
		switch {
		case b == 0:
			continue
		case b == '\r' || b == '\n':
			run.WriteByte('\n')
		case b == '\t' || (b >= 0x20 && b < 0x7f):
			run.WriteByte(b)
		case b == 0x0c:
			flush()
			out.WriteByte('\f')
		default:
			flush()
		}
	}
	flush()
	return out.String()
}

func decodeText(data []byte) string {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), "�")
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}
