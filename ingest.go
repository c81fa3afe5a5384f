package conclave

import (
	"context"
	"log/slog"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Ingestor loads markdown documents into memory. Text is split at heading
// boundaries so each stored record carries one coherent section; headings
// stay in the record text for LLM context. Sections land in document memory
// always, and in vector memory too when the facade has an embedder.
type Ingestor struct {
	memory   *Memory
	maxBytes int
	embed    bool
	logger   *slog.Logger
}

// IngestOption configures an Ingestor.
type IngestOption func(*Ingestor)

// WithSectionBytes caps the size of one stored section. Oversized sections
// are split at paragraph boundaries. Default 4096.
func WithSectionBytes(n int) IngestOption {
	return func(ing *Ingestor) {
		if n > 0 {
			ing.maxBytes = n
		}
	}
}

// WithVectorIngest controls whether sections are also embedded into vector
// memory. Default true.
func WithVectorIngest(enabled bool) IngestOption {
	return func(ing *Ingestor) { ing.embed = enabled }
}

// WithIngestLogger sets the logger. Defaults to a no-op logger.
func WithIngestLogger(l *slog.Logger) IngestOption {
	return func(ing *Ingestor) {
		if l != nil {
			ing.logger = l
		}
	}
}

// NewIngestor creates an Ingestor writing into the given memory facade.
func NewIngestor(m *Memory, opts ...IngestOption) *Ingestor {
	ing := &Ingestor{
		memory:   m,
		maxBytes: 4096,
		embed:    true,
		logger:   nopLogger(),
	}
	for _, opt := range opts {
		opt(ing)
	}
	return ing
}

// IngestResult summarizes one ingestion run.
type IngestResult struct {
	Sections  int `json:"sections"`
	Documents int `json:"documents"`
	Vectors   int `json:"vectors"`
}

// IngestMarkdown splits source at heading boundaries and stores each section.
// The metadata map is attached to every document record; a "section" key with
// the heading title is added per record. Embedding failures degrade to
// document-only storage with a warning rather than failing the run.
func (ing *Ingestor) IngestMarkdown(ctx context.Context, source string, metadata map[string]string) (IngestResult, error) {
	var res IngestResult
	if strings.TrimSpace(source) == "" {
		return res, Fail(KindBadRequest, "cannot ingest empty document")
	}

	sections := splitMarkdownSections(source)
	for _, sec := range sections {
		for _, body := range splitOversized(sec.Body, ing.maxBytes) {
			res.Sections++

			meta := make(map[string]string, len(metadata)+1)
			for k, v := range metadata {
				meta[k] = v
			}
			if sec.Title != "" {
				meta["section"] = sec.Title
			}

			if _, err := ing.memory.StoreDocument(ctx, body, meta); err != nil {
				return res, err
			}
			res.Documents++

			if !ing.embed {
				continue
			}
			if _, err := ing.memory.Remember(ctx, body, []string{"ingest"}, 0.5); err != nil {
				ing.logger.Warn("section not embedded", "section", sec.Title, "error", err)
				continue
			}
			res.Vectors++
		}
	}

	ing.logger.Info("markdown ingested",
		"sections", res.Sections, "documents", res.Documents, "vectors", res.Vectors)
	return res, nil
}

// markdownSection is one heading-bounded slice of a document.
type markdownSection struct {
	Title string
	Body  string
}

// splitMarkdownSections parses source and slices it at heading lines. The
// preamble before the first heading becomes an untitled section. Heading
// markers stay in the body.
func splitMarkdownSections(source string) []markdownSection {
	src := []byte(source)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	type boundary struct {
		start int
		title string
	}
	var bounds []boundary

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		h, ok := n.(*ast.Heading)
		if !ok || h.Lines().Len() == 0 {
			return ast.WalkContinue, nil
		}
		// Lines() starts after the "#" markers; back up to the line start
		// so the marker stays in the section body.
		start := h.Lines().At(0).Start
		for start > 0 && src[start-1] != '\n' {
			start--
		}
		bounds = append(bounds, boundary{start: start, title: headingTitle(h, src)})
		return ast.WalkSkipChildren, nil
	})

	if len(bounds) == 0 {
		body := strings.TrimSpace(source)
		if body == "" {
			return nil
		}
		return []markdownSection{{Body: body}}
	}

	var sections []markdownSection
	if pre := strings.TrimSpace(source[:bounds[0].start]); pre != "" {
		sections = append(sections, markdownSection{Body: pre})
	}
	for i, b := range bounds {
		end := len(source)
		if i+1 < len(bounds) {
			end = bounds[i+1].start
		}
		body := strings.TrimSpace(source[b.start:end])
		if body != "" {
			sections = append(sections, markdownSection{Title: b.title, Body: body})
		}
	}
	return sections
}

// headingTitle collects the text content of a heading node.
func headingTitle(h *ast.Heading, src []byte) string {
	var sb strings.Builder
	for child := h.FirstChild(); child != nil; child = child.NextSibling() {
		if t, ok := child.(*ast.Text); ok {
			sb.Write(t.Segment.Value(src))
		}
	}
	return strings.TrimSpace(sb.String())
}

// splitOversized breaks a section at paragraph boundaries when it exceeds
// maxBytes. A single paragraph over the cap is kept whole rather than cut
// mid-sentence.
func splitOversized(body string, maxBytes int) []string {
	if len(body) <= maxBytes {
		return []string{body}
	}
	paragraphs := strings.Split(body, "\n\n")
	var (
		parts   []string
		current strings.Builder
	)
	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		needed := len(p)
		if current.Len() > 0 {
			needed += current.Len() + 2
		}
		if needed > maxBytes && current.Len() > 0 {
			parts = append(parts, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}
