// Package chunk splits record content into bounded, ordered fragments
// for embedding and indexing.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/planweave/semindex/internal/record"
)

// Chunk is a bounded text fragment derived from a single record. The ID
// is deterministic over (record id, ordinal, content hash) so replaying
// the same content always produces the same chunk set.
type Chunk struct {
	ID          string
	RecordID    string
	Ordinal     int
	Text        string
	ContentHash string
}

// Config holds configuration for the chunker.
type Config struct {
	MaxChunkSize int // Maximum chunk size in characters.
}

// DefaultConfig returns default chunker configuration.
func DefaultConfig() Config {
	return Config{
		MaxChunkSize: 1200,
	}
}

// Chunker splits record content into chunks, preferring markdown
// heading boundaries over mid-text splits. Chunking is deterministic:
// identical input yields identical boundaries and content hashes.
type Chunker struct {
	config Config
}

// NewChunker creates a Chunker with the given configuration.
func NewChunker(cfg Config) *Chunker {
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = DefaultConfig().MaxChunkSize
	}
	return &Chunker{config: cfg}
}

// Split chunks a record's content. Empty or whitespace-only content
// yields exactly one fallback chunk describing the record; the result
// is never empty.
func (c *Chunker) Split(rec record.Record) []Chunk {
	sections := c.sections(rec.Content)

	var pieces []string
	for _, sec := range sections {
		pieces = append(pieces, c.bound(sec)...)
	}

	if len(pieces) == 0 {
		pieces = []string{fallbackText(rec)}
	}

	chunks := make([]Chunk, 0, len(pieces))
	for i, text := range pieces {
		hash := HashContent(text)
		chunks = append(chunks, Chunk{
			ID:          ChunkID(rec.ID, i, hash),
			RecordID:    rec.ID,
			Ordinal:     i,
			Text:        text,
			ContentHash: hash,
		})
	}
	return chunks
}

// sections splits content at level-1/2 markdown headings, keeping each
// heading attached to the text that follows it.
func (c *Chunker) sections(content string) []string {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	source := []byte(content)
	md := goldmark.New()
	doc := md.Parser().Parse(text.NewReader(source))

	var sections []string
	var current []string

	flush := func() {
		if len(current) == 0 {
			return
		}
		joined := strings.TrimSpace(strings.Join(current, "\n\n"))
		if joined != "" {
			sections = append(sections, joined)
		}
		current = nil
	}

	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		if h, ok := node.(*ast.Heading); ok && h.Level <= 2 {
			flush()
		}
		current = append(current, nodeText(node, source))
	}
	flush()

	if len(sections) == 0 {
		trimmed := strings.TrimSpace(content)
		if trimmed != "" {
			sections = []string{trimmed}
		}
	}
	return sections
}

// nodeText reconstructs the raw source lines covered by a block node.
// Raw text is used rather than rendered text so the chunk hash tracks
// the record content exactly.
func nodeText(node ast.Node, source []byte) string {
	if h, ok := node.(*ast.Heading); ok {
		return strings.Repeat("#", h.Level) + " " + string(h.Text(source))
	}

	lines := node.Lines()
	if lines == nil || lines.Len() == 0 {
		// Container nodes (lists, quotes) keep their line info on
		// descendants; collect it recursively.
		var sb strings.Builder
		for child := node.FirstChild(); child != nil; child = child.NextSibling() {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(nodeText(child, source))
		}
		return sb.String()
	}

	var sb strings.Builder
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(source))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// bound splits an oversized section into pieces no larger than
// MaxChunkSize, breaking at paragraph gaps, then spaces, never mid-word
// unless a single word exceeds the cap.
func (c *Chunker) bound(section string) []string {
	if utf8.RuneCountInString(section) <= c.config.MaxChunkSize {
		return []string{section}
	}

	var pieces []string
	paragraphs := strings.Split(section, "\n\n")
	var sb strings.Builder

	flush := func() {
		if s := strings.TrimSpace(sb.String()); s != "" {
			pieces = append(pieces, s)
		}
		sb.Reset()
	}

	for _, para := range paragraphs {
		if utf8.RuneCountInString(para) > c.config.MaxChunkSize {
			flush()
			pieces = append(pieces, splitAtSpaces(para, c.config.MaxChunkSize)...)
			continue
		}
		if sb.Len() > 0 && utf8.RuneCountInString(sb.String())+utf8.RuneCountInString(para)+2 > c.config.MaxChunkSize {
			flush()
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(para)
	}
	flush()

	return pieces
}

// splitAtSpaces breaks text into pieces of at most max runes, splitting
// at the last space before the cap when one exists.
func splitAtSpaces(text string, max int) []string {
	var pieces []string
	runes := []rune(text)

	for len(runes) > 0 {
		if len(runes) <= max {
			pieces = append(pieces, strings.TrimSpace(string(runes)))
			break
		}

		cut := max
		for i := max; i > max/2; i-- {
			if runes[i] == ' ' || runes[i] == '\n' {
				cut = i
				break
			}
		}

		piece := strings.TrimSpace(string(runes[:cut]))
		if piece != "" {
			pieces = append(pieces, piece)
		}
		runes = runes[cut:]
		for len(runes) > 0 && (runes[0] == ' ' || runes[0] == '\n') {
			runes = runes[1:]
		}
	}

	return pieces
}

// fallbackText builds the single placeholder chunk for records with no
// indexable content, so every record stays discoverable by title.
func fallbackText(rec record.Record) string {
	fields := rec.Fields()
	title := fields["title"]
	if title == "" {
		title = rec.ID
	}
	return fmt.Sprintf("%s (%s, no content)", title, rec.Type)
}

// HashContent returns the hex sha256 of chunk text.
func HashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ChunkID builds the deterministic chunk id from the record id, the
// chunk's ordinal within the record, and a content hash prefix.
func ChunkID(recordID string, ordinal int, contentHash string) string {
	prefix := contentHash
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}
	return fmt.Sprintf("%s:%d:%s", recordID, ordinal, prefix)
}
