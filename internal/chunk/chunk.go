// Package chunk implements heading-aware text chunking with a fixed-size,
// overlapping fallback for content with no structural markers.
package chunk

import (
	"regexp"
	"strings"
)

// Piece is one produced chunk of text plus its approximate token span in
// the source document and the nearest preceding heading, used to populate
// a Chunk's provenance.Section.
type Piece struct {
	Text       string
	TokenStart int
	TokenEnd   int
	Heading    string
}

// Options controls chunk sizing. Defaults match the documented fallback:
// ~600 tokens per chunk with 10-15% overlap.
type Options struct {
	MaxTokens       int
	OverlapFraction float64 // e.g. 0.12 for 12%
	Tokenizer       Tokenizer
}

// DefaultOptions returns the fallback fixed-size chunking parameters.
func DefaultOptions() Options {
	return Options{MaxTokens: 600, OverlapFraction: 0.12, Tokenizer: WhitespaceTokenizer{}}
}

func (o Options) normalized() Options {
	if o.MaxTokens <= 0 {
		o.MaxTokens = 600
	}
	if o.OverlapFraction < 0 || o.OverlapFraction >= 1 {
		o.OverlapFraction = 0.12
	}
	if o.Tokenizer == nil {
		o.Tokenizer = WhitespaceTokenizer{}
	}
	return o
}

var headingRe = regexp.MustCompile(`^#{1,6}\s+(.*)$`)

type block struct {
	text    string
	heading string
}

// Chunk splits text into Pieces. When headings are present it groups
// paragraphs under their nearest heading and never lets a chunk span two
// top-level sections; when absent, or when a section still exceeds
// MaxTokens, it falls back to fixed-size overlapping windows.
func Chunk(text string, opt Options) []Piece {
	opt = opt.normalized()
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	blocks := splitIntoBlocks(text)
	var pieces []Piece
	tokenCursor := 0
	overlapTokens := int(float64(opt.MaxTokens) * opt.OverlapFraction)

	var bufParas []string
	var bufHeading string
	bufTokens := 0

	flush := func() {
		if len(bufParas) == 0 {
			return
		}
		joined := strings.Join(bufParas, "\n\n")
		toks := opt.Tokenizer.Tokenize(joined)
		start := tokenCursor
		end := start + len(toks)
		pieces = append(pieces, Piece{Text: joined, TokenStart: start, TokenEnd: end, Heading: bufHeading})
		advance := len(toks) - overlapTokens
		if advance < 1 {
			advance = len(toks)
		}
		tokenCursor = start + advance
		bufParas = nil
		bufTokens = 0
	}

	for _, b := range blocks {
		if b.heading != bufHeading && bufTokens > 0 {
			flush()
		}
		bufHeading = b.heading

		for _, para := range paragraphsOf(b.text) {
			paraToks := len(opt.Tokenizer.Tokenize(para))
			if paraToks > opt.MaxTokens {
				flush()
				pieces = append(pieces, fixedWindow(para, bufHeading, opt, &tokenCursor, overlapTokens)...)
				continue
			}
			if bufTokens+paraToks > opt.MaxTokens && bufTokens > 0 {
				flush()
			}
			bufParas = append(bufParas, para)
			bufTokens += paraToks
		}
	}
	flush()
	return pieces
}

// splitIntoBlocks groups text into (heading, body) blocks on markdown
// heading lines, preserving plain paragraphs under an empty heading when
// the document has none.
func splitIntoBlocks(text string) []block {
	lines := strings.Split(text, "\n")
	var blocks []block
	var heading string
	var buf strings.Builder
	flush := func() {
		if s := strings.TrimSpace(buf.String()); s != "" {
			blocks = append(blocks, block{text: s, heading: heading})
		}
		buf.Reset()
	}
	for _, ln := range lines {
		if m := headingRe.FindStringSubmatch(ln); m != nil {
			flush()
			heading = strings.TrimSpace(m[1])
			continue
		}
		buf.WriteString(ln)
		buf.WriteString("\n")
	}
	flush()
	if len(blocks) == 0 {
		return []block{{text: text}}
	}
	return blocks
}

func paragraphsOf(text string) []string {
	raw := regexp.MustCompile(`\n\s*\n+`).Split(strings.TrimSpace(text), -1)
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// fixedWindow splits an oversized paragraph into fixed ~MaxTokens windows
// with overlap, for content with no usable internal structure.
func fixedWindow(text, heading string, opt Options, tokenCursor *int, overlapTokens int) []Piece {
	toks := opt.Tokenizer.Tokenize(text)
	var out []Piece
	i := 0
	for i < len(toks) {
		end := i + opt.MaxTokens
		if end > len(toks) {
			end = len(toks)
		}
		window := toks[i:end]
		start := *tokenCursor
		out = append(out, Piece{
			Text:       opt.Tokenizer.Detokenize(window),
			TokenStart: start,
			TokenEnd:   start + len(window),
			Heading:    heading,
		})
		*tokenCursor = start + len(window)
		if end == len(toks) {
			break
		}
		advance := opt.MaxTokens - overlapTokens
		if advance < 1 {
			advance = opt.MaxTokens
		}
		i += advance
	}
	return out
}
