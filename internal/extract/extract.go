// Package extract turns uploaded context files into plain text for the
// planner prompt.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// MaxBytes is the largest upload accepted.
const MaxBytes = 3 << 20

// MaxPages bounds how many PDF pages are read.
const MaxPages = 20

var (
	ErrTooLarge        = errors.New("extract: file too large, upload files under 3MB")
	ErrUnsupportedType = errors.New("extract: unsupported file type; provide PDF, HTML or text")
)

// Kind is the detected format of an upload.
type Kind string

const (
	KindPDF  Kind = "pdf"
	KindHTML Kind = "html"
	KindText Kind = "text"
)

var textExts = map[string]bool{
	"txt": true, "md": true, "markdown": true, "csv": true, "json": true,
	"log": true, "yaml": true, "yml": true, "xml": true,
}

// Detect picks a Kind from the file magic, extension and content type, in
// that order. Unrecognised binary data yields "".
func Detect(name, contentType string, data []byte) Kind {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	ctype := strings.ToLower(contentType)
	switch {
	case bytes.HasPrefix(data, []byte("%PDF-")), ext == "pdf", strings.Contains(ctype, "pdf"):
		return KindPDF
	case ext == "html", ext == "htm", strings.Contains(ctype, "html"):
		return KindHTML
	}
	head := strings.ToLower(string(data[:min(len(data), 512)]))
	if strings.Contains(head, "<html") || strings.Contains(head, "<body") {
		return KindHTML
	}
	if textExts[ext] || strings.HasPrefix(ctype, "text/") || strings.Contains(ctype, "json") ||
		strings.Contains(ctype, "yaml") || strings.Contains(ctype, "csv") {
		return KindText
	}
	if utf8.Valid(data) {
		return KindText
	}
	return ""
}

// Text extracts readable text from data.
func Text(name, contentType string, data []byte) (string, error) {
	if len(data) > MaxBytes {
		return "", ErrTooLarge
	}
	switch Detect(name, contentType, data) {
	case KindPDF:
		return pdfText(data)
	case KindHTML:
		return htmlText(data)
	case KindText:
		return strings.TrimSpace(string(data)), nil
	}
	return "", ErrUnsupportedType
}

func pdfText(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("extract: read pdf: %w", err)
	}
	var out strings.Builder
	pages := min(r.NumPage(), MaxPages)
	for i := 1; i <= pages; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		txt, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		if t := strings.TrimSpace(txt); t != "" {
			out.WriteString(t)
			out.WriteString("\n\n")
		}
	}
	return strings.TrimSpace(out.String()), nil
}

func htmlText(data []byte) (string, error) {
	node, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("extract: parse html: %w", err)
	}
	var b strings.Builder
	walk(node, &b, false)
	return compactWhitespace(b.String()), nil
}

func walk(n *html.Node, b *strings.Builder, hidden bool) {
	if n.Type == html.ElementNode {
		switch strings.ToLower(n.Data) {
		case "script", "style", "noscript", "head":
			hidden = true
		case "br", "p", "div", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6":
			b.WriteString("\n")
		case "td", "th":
			b.WriteString(" ")
		}
	}
	if !hidden && n.Type == html.TextNode {
		b.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, b, hidden)
	}
}

// compactWhitespace collapses runs of blanks and drops empty lines.
func compactWhitespace(s string) string {
	lines := strings.Split(strings.NewReplacer("\r", " ", "\t", " ").Replace(s), "\n")
	out := lines[:0]
	for _, ln := range lines {
		if ln = strings.Join(strings.Fields(ln), " "); ln != "" {
			out = append(out, ln)
		}
	}
	return strings.Join(out, "\n")
}
