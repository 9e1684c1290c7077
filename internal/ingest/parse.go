// Package ingest turns source files into paragraph records for the local store.
package ingest

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/vedabase-rag-sync/internal/models"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrUnsupported is returned for files with an extension no parser handles.
var ErrUnsupported = errors.New("unsupported file type")

// Paragraph is one block of text in reading order.
type Paragraph struct {
	Text string
	Kind string
	// Page is the 1-based PDF page, zero for other formats.
	Page int
}

// Document is a parsed source file.
type Document struct {
	ID         int64
	Source     string
	Paragraphs []Paragraph
}

// Supported reports whether path has an extension ParseFile understands.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".markdown", ".html", ".htm", ".pdf":
		return true
	}
	return false
}

// DocumentID derives a stable positive id from a source name.
func DocumentID(source string) int64 {
	sum := blake2b.Sum256([]byte(source))
	return int64(binary.BigEndian.Uint64(sum[:8]) >> 1)
}

// ParseFile parses path according to its extension.
func ParseFile(path string) (*Document, error) {
	source := filepath.Base(path)
	doc := &Document{ID: DocumentID(source), Source: source}

	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".markdown":
		doc.Paragraphs, err = parseFileWith(path, ParseText)
	case ".html", ".htm":
		doc.Paragraphs, err = parseFileWith(path, ParseHTML)
	case ".pdf":
		doc.Paragraphs, err = ParsePDF(path)
	default:
		return nil, fmt.Errorf("%s: %w", path, ErrUnsupported)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func parseFileWith(path string, parse func(io.Reader) ([]Paragraph, error)) ([]Paragraph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parse(f)
}

// ParseText splits plain text or Markdown on blank lines. A paragraph made of
// a single "#" heading line is a header.
func ParseText(r io.Reader) ([]Paragraph, error) {
	var (
		out   []Paragraph
		lines []string
	)
	flush := func() {
		if len(lines) == 0 {
			return
		}
		text := normalizeSpace(strings.Join(lines, " "))
		lines = lines[:0]
		if text == "" {
			return
		}
		kind := models.KindBody
		if heading, ok := markdownHeading(text); ok {
			text, kind = heading, models.KindHeader
		}
		out = append(out, Paragraph{Text: text, Kind: kind})
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "#"):
			// Headings stand alone even without surrounding blank lines.
			flush()
			lines = append(lines, line)
			flush()
		default:
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read text: %w", err)
	}
	flush()
	return out, nil
}

func markdownHeading(line string) (string, bool) {
	trimmed := strings.TrimLeft(line, "#")
	if trimmed == line || len(line)-len(trimmed) > 6 || !strings.HasPrefix(trimmed, " ") {
		return "", false
	}
	return strings.TrimSpace(trimmed), true
}

// blockAtoms end a paragraph in HTML.
var blockAtoms = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Li: true, atom.Blockquote: true,
	atom.Pre: true, atom.Td: true, atom.Th: true, atom.Dd: true, atom.Dt: true,
	atom.Section: true, atom.Article: true, atom.Br: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
}

var headingAtoms = map[atom.Atom]bool{
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
}

// ParseHTML collects the text of block elements. Script, style and head
// content is skipped; h1 to h6 become headers.
func ParseHTML(r io.Reader) ([]Paragraph, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var (
		out []Paragraph
		buf strings.Builder
	)
	flush := func(kind string) {
		text := normalizeSpace(buf.String())
		buf.Reset()
		if text != "" {
			out = append(out, Paragraph{Text: text, Kind: kind})
		}
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			buf.WriteString(n.Data)
			buf.WriteByte(' ')
			return
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Head, atom.Noscript:
				return
			}
		}

		block := n.Type == html.ElementNode && blockAtoms[n.DataAtom]
		if block {
			flush(models.KindBody)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if block {
			kind := models.KindBody
			if headingAtoms[n.DataAtom] {
				kind = models.KindHeader
			}
			flush(kind)
		}
	}
	walk(root)
	flush(models.KindBody)
	return out, nil
}

// ParsePDF extracts plain text page by page and splits each page on blank
// lines. Pages without blank lines become one paragraph each.
func ParsePDF(path string) ([]Paragraph, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	var out []Paragraph
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("extract text from page %d: %w", i, err)
		}
		paras, _ := ParseText(strings.NewReader(text))
		for _, p := range paras {
			p.Kind = models.KindBody
			p.Page = i
			out = append(out, p)
		}
	}
	return out, nil
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
