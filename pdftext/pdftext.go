// Package pdftext extracts plain text from PDF security advisories.
//
// Vendors publish some advisories only as PDF. The fetcher hands the raw
// bytes here when the response is a PDF; the output feeds the same cleaning
// and scoring path as HTML articles. Extraction is content-stream based
// (Tj/TJ/quote/Td operators), which handles the text-first documents
// advisories tend to be; scanned image PDFs come back empty and fail
// validation downstream.
package pdftext

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// ErrNoText is returned when a PDF parses but yields no text content.
var ErrNoText = errors.New("pdftext: no text content found")

// Result holds extracted advisory text.
type Result struct {
	Title string // first non-empty line, capped at 200 chars
	Text  string
	Pages int
}

// IsPDF sniffs the PDF magic prefix.
func IsPDF(data []byte) bool {
	return bytes.HasPrefix(data, []byte("%PDF-"))
}

// Extract parses PDF bytes and returns the text of all pages in order.
func Extract(data []byte) (*Result, error) {
	conf := model.NewDefaultConfiguration()
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return nil, fmt.Errorf("pdftext: read: %w", err)
	}

	var all strings.Builder
	var title string
	pages := 0

	for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
		pageText := pageText(ctx, pageNr)
		if pageText == "" {
			continue
		}
		pages++

		if title == "" {
			for _, line := range strings.Split(pageText, "\n") {
				line = strings.TrimSpace(line)
				if line != "" {
					title = line
					if len(title) > 200 {
						title = title[:200]
					}
					break
				}
			}
		}

		if all.Len() > 0 {
			all.WriteByte('\n')
		}
		all.WriteString(pageText)
	}

	if pages == 0 {
		return nil, ErrNoText
	}

	return &Result{Title: title, Text: all.String(), Pages: ctx.PageCount}, nil
}

func pageText(ctx *model.Context, pageNr int) string {
	r, err := pdfcpu.ExtractPageContent(ctx, pageNr)
	if err != nil {
		return ""
	}
	data, err := io.ReadAll(r)
	if err != nil || len(data) == 0 {
		return ""
	}
	return streamText(data)
}

// pdfStringRe matches PDF string literals in parentheses: (text here)
var pdfStringRe = regexp.MustCompile(`\(([^)]*)\)`)

// streamText parses PDF content stream operators for text runs.
func streamText(data []byte) string {
	var sb strings.Builder

	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		// (text) Tj and [(text) -100 (more)] TJ show text runs.
		if bytes.HasSuffix(line, []byte("Tj")) || bytes.HasSuffix(line, []byte("TJ")) {
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				if text := decodeString(m[1]); text != "" {
					sb.WriteString(text)
				}
			}
		}

		// (text) ' moves to the next line then shows text.
		if bytes.HasSuffix(line, []byte("'")) && bytes.Contains(line, []byte("(")) {
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				if text := decodeString(m[1]); text != "" {
					sb.WriteByte('\n')
					sb.WriteString(text)
				}
			}
		}

		// Td/TD reposition the text cursor; treat as a word break.
		if bytes.HasSuffix(line, []byte("Td")) || bytes.HasSuffix(line, []byte("TD")) {
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
		}

		// T* moves to the start of the next line.
		if bytes.Equal(line, []byte("T*")) {
			sb.WriteByte('\n')
		}
	}

	return collapseText(sb.String())
}

// decodeString handles PDF string escape sequences including octal escapes.
func decodeString(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] == '\\' && i+1 < len(raw) {
			i++
			switch raw[i] {
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			case '\\':
				sb.WriteByte('\\')
			case '(':
				sb.WriteByte('(')
			case ')':
				sb.WriteByte(')')
			default:
				if raw[i] >= '0' && raw[i] <= '7' {
					val := int(raw[i] - '0')
					if i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7' {
						i++
						val = val*8 + int(raw[i]-'0')
						if i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7' {
							i++
							val = val*8 + int(raw[i]-'0')
						}
					}
					sb.WriteByte(byte(val))
				} else {
					sb.WriteByte(raw[i])
				}
			}
		} else {
			sb.WriteByte(raw[i])
		}
	}
	return sb.String()
}

// collapseText squeezes whitespace runs to single spaces and drops
// non-printable runes.
func collapseText(text string) string {
	var sb strings.Builder
	prevSpace := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			if !prevSpace && sb.Len() > 0 {
				sb.WriteByte(' ')
				prevSpace = true
			}
		} else if unicode.IsPrint(r) {
			sb.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(sb.String())
}
