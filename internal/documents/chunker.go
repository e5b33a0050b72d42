package documents

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/manualrag/cli/internal/db"
)

// pageMarkerRe matches the "--- Page N ---" lines that separate pages.
var pageMarkerRe = regexp.MustCompile(`(?m)^[ \t]*---[ \t]*Page[ \t]+(\d+)[ \t]*---[ \t]*$`)

// PageMarker renders the separator line for page n.
func PageMarker(n int) string {
	return "--- Page " + strconv.Itoa(n) + " ---"
}

// Page is one page of raw document text.
type Page struct {
	Number int
	Text   string
}

// Chunker splits page-marked text into sentence-bounded chunks.
type Chunker struct {
	MaxChunkLength int
	MinPageLength  int
}

// NewChunker returns a chunker. A non-positive maxChunkLength and a zero
// minPageLength take the defaults; a negative minPageLength disables the
// short-page filter.
func NewChunker(maxChunkLength, minPageLength int) *Chunker {
	if maxChunkLength <= 0 {
		maxChunkLength = 500
	}
	switch {
	case minPageLength == 0:
		minPageLength = 50
	case minPageLength < 0:
		minPageLength = 0
	}
	return &Chunker{MaxChunkLength: maxChunkLength, MinPageLength: minPageLength}
}

// SplitPages cuts raw text at page markers. Text without markers is page 1.
// Text before the first marker becomes page 1 only when it is not blank and
// the first marker is not itself page 1.
func SplitPages(raw string) []Page {
	locs := pageMarkerRe.FindAllStringSubmatchIndex(raw, -1)
	if len(locs) == 0 {
		return []Page{{Number: 1, Text: raw}}
	}

	var pages []Page
	if pre := raw[:locs[0][0]]; strings.TrimSpace(pre) != "" {
		if n, _ := strconv.Atoi(raw[locs[0][2]:locs[0][3]]); n != 1 {
			pages = append(pages, Page{Number: 1, Text: pre})
		}
	}
	for i, loc := range locs {
		n, err := strconv.Atoi(raw[loc[2]:loc[3]])
		if err != nil {
			continue
		}
		end := len(raw)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		pages = append(pages, Page{Number: n, Text: raw[loc[1]:end]})
	}
	return pages
}

// Chunk splits every page of raw and returns the chunks in page order.
func (c *Chunker) Chunk(docID, title, raw string) []db.DocumentChunk {
	var chunks []db.DocumentChunk
	for _, page := range SplitPages(raw) {
		chunks = append(chunks, c.ChunkPage(docID, title, page)...)
	}
	return chunks
}

// ChunkPage chunks one page. Pages shorter than MinPageLength yield nothing.
func (c *Chunker) ChunkPage(docID, title string, page Page) []db.DocumentChunk {
	text := strings.TrimSpace(page.Text)
	if utf8.RuneCountInString(text) < c.MinPageLength {
		return nil
	}

	var chunks []db.DocumentChunk
	for i, content := range c.pack(SplitSentences(text)) {
		chunks = append(chunks, db.DocumentChunk{
			ID:            db.ChunkID(docID, page.Number, i),
			DocumentID:    docID,
			DocumentTitle: title,
			Page:          page.Number,
			Index:         i,
			Content:       content,
			ContentType:   Classify(content),
			Keywords:      ExtractKeywords(content),
		})
	}
	return chunks
}

// pack greedily joins sentences while the result stays within MaxChunkLength.
// A sentence longer than the limit becomes a chunk of its own.
func (c *Chunker) pack(sentences []string) []string {
	var (
		out     []string
		current strings.Builder
		length  int
	)
	for _, s := range sentences {
		n := utf8.RuneCountInString(s)
		if length > 0 && length+1+n > c.MaxChunkLength {
			out = append(out, current.String())
			current.Reset()
			length = 0
		}
		if length > 0 {
			current.WriteByte(' ')
			length++
		}
		current.WriteString(s)
		length += n
	}
	if length > 0 {
		out = append(out, current.String())
	}
	return out
}

// SplitSentences splits on '.', '!' and '?', keeping the terminators.
// Whitespace inside a sentence is collapsed to single spaces.
func SplitSentences(text string) []string {
	var (
		out   []string
		start int
	)
	flush := func(end int) {
		if s := strings.Join(strings.Fields(text[start:end]), " "); s != "" {
			out = append(out, s)
		}
		start = end
	}

	for i := 0; i < len(text); i++ {
		if !isTerminator(text[i]) {
			continue
		}
		j := i + 1
		for j < len(text) && isTerminator(text[j]) {
			j++
		}
		flush(j)
		i = j - 1
	}
	flush(len(text))
	return out
}

func isTerminator(b byte) bool {
	return b == '.' || b == '!' || b == '?'
}

// Summarize returns the leading sentences of text that fit in max characters.
// When the first sentence alone is too long it is cut at max.
func Summarize(text string, max int) string {
	var b strings.Builder
	length := 0
	for _, page := range SplitPages(text) {
		for _, s := range SplitSentences(page.Text) {
			n := utf8.RuneCountInString(s)
			if length == 0 && n > max {
				return string([]rune(s)[:max])
			}
			if length > 0 && length+1+n > max {
				return b.String()
			}
			if length > 0 {
				b.WriteByte(' ')
				length++
			}
			b.WriteString(s)
			length += n
		}
	}
	return b.String()
}
