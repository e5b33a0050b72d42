package documents

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/gen2brain/go-fitz"
)

// ParsedDocument is page-marked text extracted from a file
type ParsedDocument struct {
	Text  string
	Pages int
}

// Parser interface for document parsing
type Parser interface {
	Parse(filePath string) (*ParsedDocument, error)
}

var (
	_ Parser = (*FitzParser)(nil)
	_ Parser = (*TextParser)(nil)
	_ Parser = (*EPUBZipParser)(nil)
)

// joinPages renders pages with "--- Page N ---" separators, numbering from 1.
func joinPages(pages []string) *ParsedDocument {
	var b strings.Builder
	for i, text := range pages {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(PageMarker(i + 1))
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(text))
	}
	return &ParsedDocument{Text: b.String(), Pages: len(pages)}
}

// FitzParser extracts per-page text from PDF and EPUB files with MuPDF
type FitzParser struct{}

// Parse extracts the text of every page; unreadable pages stay empty so
// page numbers match the source.
func (p *FitzParser) Parse(filePath string) (*ParsedDocument, error) {
	doc, err := fitz.New(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path.Base(filePath), err)
	}
	defer doc.Close()

	pages := make([]string, doc.NumPage())
	for i := range pages {
		text, err := doc.Text(i)
		if err == nil {
			pages[i] = text
		}
	}
	return joinPages(pages), nil
}

// TextParser reads plain text and markdown. Files that already carry page
// markers are passed through.
type TextParser struct{}

// Parse reads the whole file
func (p *TextParser) Parse(filePath string) (*ParsedDocument, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	text := string(data)
	pages := len(SplitPages(text))
	return &ParsedDocument{Text: text, Pages: pages}, nil
}

// EPUBZipParser reads the XHTML documents of an EPUB archive directly, one
// page per content file. Used when MuPDF cannot open the book.
type EPUBZipParser struct{}

// Parse extracts text from each content document in archive order
func (p *EPUBZipParser) Parse(filePath string) (*ParsedDocument, error) {
	r, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open EPUB as zip: %w", err)
	}
	defer r.Close()

	files := make([]*zip.File, 0, len(r.File))
	for _, f := range r.File {
		switch strings.ToLower(path.Ext(f.Name)) {
		case ".html", ".xhtml", ".htm":
			files = append(files, f)
		}
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	var pages []string
	for _, f := range files {
		rc, err := f.Open()
		if err != nil {
			continue
		}
		html, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			continue
		}
		if text := extractTextFromHTML(string(html)); strings.TrimSpace(text) != "" {
			pages = append(pages, text)
		}
	}

	if len(pages) == 0 {
		return nil, fmt.Errorf("no readable content in %s", path.Base(filePath))
	}
	return joinPages(pages), nil
}

// extractTextFromHTML strips tags and collapses whitespace
func extractTextFromHTML(html string) string {
	var result strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			result.WriteRune(' ')
		case !inTag:
			result.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(result.String()), " ")
}
