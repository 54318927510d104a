package ingestion

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/contract-insights/backend/internal/apperr"
)

const DefaultMaxBytes int64 = 10 << 20

const (
	MIMEPDF  = "application/pdf"
	MIMEText = "text/plain"
	MIMEDoc  = "application/msword"
	MIMEDocx = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

var supported = map[string]bool{
	MIMEPDF:  true,
	MIMEText: true,
	MIMEDoc:  true,
	MIMEDocx: true,
}

var extensionTypes = map[string]string{
	".pdf":  MIMEPDF,
	".txt":  MIMEText,
	".doc":  MIMEDoc,
	".docx": MIMEDocx,
}

type Validator struct {
	maxBytes int64
}

func NewValidator(maxBytes int64) *Validator {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Validator{maxBytes: maxBytes}
}

func (v *Validator) MaxBytes() int64 { return v.maxBytes }

// Validate checks size and type and returns the normalised MIME type. A missing
// or generic declared type is resolved by sniffing the content.
func (v *Validator) Validate(filename, mimeType string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", apperr.Validation("File %q is empty.", filename)
	}
	if int64(len(data)) > v.maxBytes {
		return "", apperr.Validation("File %q is %s; the limit is %s.", filename, humanBytes(int64(len(data))), humanBytes(v.maxBytes))
	}

	declared := normalizeMIME(mimeType)
	if declared == "" || declared == "application/octet-stream" {
		declared = sniff(filename, data)
	}

	if !supported[declared] {
		return "", apperr.Validation("File type %s is not supported. Upload a PDF, Word or plain-text document.", describe(declared))
	}
	return declared, nil
}

func normalizeMIME(mimeType string) string {
	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return strings.ToLower(mimeType)
	}
	return mediaType
}

func sniff(filename string, data []byte) string {
	for m := mimetype.Detect(data); m != nil; m = m.Parent() {
		t := normalizeMIME(m.String())
		if supported[t] {
			return t
		}
	}
	// Sniffing only sees containers (zip, OLE); fall back to the extension.
	if t, ok := extensionTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return t
	}
	return normalizeMIME(mimetype.Detect(data).String())
}

func describe(t string) string {
	if t == "" {
		return "unknown"
	}
	return t
}

func humanBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
