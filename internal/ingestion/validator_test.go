package ingestion

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contract-insights/backend/internal/apperr"
)

func TestValidateRejectsEmptyAndOversized(t *testing.T) {
	v := NewValidator(DefaultMaxBytes)

	_, err := v.Validate("empty.pdf", MIMEPDF, nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	big := bytes.Repeat([]byte("a"), 15<<20)
	_, err = v.Validate("big.txt", MIMEText, big)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Contains(t, apperr.UserMessage(err), "10.0 MiB")
}

func TestValidateNormalisesAndSniffs(t *testing.T) {
	v := NewValidator(0)
	assert.Equal(t, DefaultMaxBytes, v.MaxBytes())

	tests := []struct {
		name     string
		filename string
		mimeType string
		data     []byte
		want     string
	}{
		{"declared with params", "a.txt", "text/plain; charset=utf-8", []byte("hello"), MIMEText},
		{"sniffed pdf", "upload", "application/octet-stream", []byte("%PDF-1.4\n%âãÏÓ\n1 0 obj\n"), MIMEPDF},
		{"sniffed text", "notes", "", []byte("This agreement is made today."), MIMEText},
		{"docx by extension", "msa.docx", "", docxFixture(t, `<w:p><w:r><w:t>Hi</w:t></w:r></w:p>`), MIMEDocx},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Validate(tt.filename, tt.mimeType, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateRejectsUnsupportedType(t *testing.T) {
	_, err := NewValidator(0).Validate("scan.png", "image/png", []byte{0x89, 'P', 'N', 'G'})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Contains(t, apperr.UserMessage(err), "image/png")
}

func TestExtractPlainTextPages(t *testing.T) {
	pages, err := Extract(MIMEText, []byte("\xEF\xBB\xBFFirst page.\r\nStill first.\fSecond page."))
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, Page{Number: 1, Text: "First page.\nStill first."}, pages[0])
	assert.Equal(t, 2, pages[1].Number)

	assert.Equal(t, pages, SplitPages(JoinPages(pages)))
}

func TestExtractDOCX(t *testing.T) {
	data := docxFixture(t,
		`<w:p><w:r><w:t>1. Term</w:t></w:r></w:p>`+
			`<w:p><w:r><w:t xml:space="preserve">This agreement runs </w:t></w:r><w:r><w:t>for two years.</w:t></w:r>`+
			`<w:r><w:br w:type="page"/></w:r></w:p>`+
			`<w:p><w:r><w:t>2. Payment</w:t></w:r></w:p>`)

	pages, err := Extract(MIMEDocx, data)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Contains(t, pages[0].Text, "1. Term\n\nThis agreement runs for two years.")
	assert.Contains(t, pages[1].Text, "2. Payment")
}

func TestExtractLegacyDoc(t *testing.T) {
	var data []byte
	data = append(data, 0xD0, 0xCF, 0x11, 0xE0, 0x01, 0x02)
	for _, u := range utf16.Encode([]rune("This agreement is made between Acme Corp and Globex Inc.")) {
		data = append(data, byte(u), byte(u>>8))
	}
	data = append(data, 0x03, 0x04)

	pages, err := Extract(MIMEDoc, data)
	require.NoError(t, err)
	assert.Contains(t, pages[0].Text, "between Acme Corp and Globex Inc.")
}

func TestExtractWithoutTextIsValidationError(t *testing.T) {
	_, err := Extract(MIMEText, []byte("  \n\f \n"))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = Extract(MIMEPDF, []byte("not a pdf"))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestContractName(t *testing.T) {
	assert.Equal(t, "Acme MSA 2024", ContractName("Acme_MSA-2024.pdf"))
	assert.Equal(t, "nda", ContractName(`C:\uploads\nda.docx`))
	assert.Equal(t, "Untitled contract", ContractName(".pdf"))
}

func docxFixture(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(strings.Join([]string{
		`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>`,
		`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`,
		body,
		`</w:body></w:document>`,
	}, "")))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}
